package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// TicketChannel files an incident ticket with an external tracker. It
// is meant for the highest escalation tier only: every send opens a new
// incident, and the dispatcher's dedup record keeps one ticket per
// case and tier.
type TicketChannel struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewTicketChannel(name, endpoint, apiKey string, client *http.Client) *TicketChannel {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &TicketChannel{name: name, endpoint: endpoint, apiKey: apiKey, client: client}
}

func (t *TicketChannel) Name() string { return t.name }

func (t *TicketChannel) Send(ctx context.Context, msg Message) (DeliveryResult, error) {
	body, _ := json.Marshal(map[string]any{
		"incident_id":  uuid.NewString(),
		"title":        fmt.Sprintf("Pipeline %s unresolved at tier %d", msg.PipelineID, msg.Tier),
		"dedup_key":    msg.DedupKey,
		"case_id":      msg.CaseID,
		"trigger_kind": msg.TriggerKind,
		"opened_at":    msg.ChangedAt,
		"severity":     "critical",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return PermanentFailure, fmt.Errorf("build ticket request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return TransientFailure, fmt.Errorf("ticket post: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return Delivered, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return TransientFailure, fmt.Errorf("ticket tracker returned HTTP %d", resp.StatusCode)
	default:
		return PermanentFailure, fmt.Errorf("ticket tracker returned HTTP %d", resp.StatusCode)
	}
}
