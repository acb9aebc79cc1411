package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookFormat selects the payload shape for a webhook target.
type WebhookFormat string

const (
	FormatSlack   WebhookFormat = "slack"
	FormatTeams   WebhookFormat = "teams"
	FormatGeneric WebhookFormat = "generic"
)

// WebhookChannel posts escalation messages to a single webhook URL.
type WebhookChannel struct {
	name   string
	format WebhookFormat
	url    string
	client *http.Client
}

// NewWebhookChannel builds a webhook channel. An unknown format falls
// back to the generic JSON payload.
func NewWebhookChannel(name string, format WebhookFormat, url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	switch format {
	case FormatSlack, FormatTeams, FormatGeneric:
	default:
		format = FormatGeneric
	}
	return &WebhookChannel{name: name, format: format, url: url, client: client}
}

func (w *WebhookChannel) Name() string { return w.name }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) (DeliveryResult, error) {
	var body []byte
	switch w.format {
	case FormatSlack:
		body, _ = json.Marshal(map[string]string{
			"text": fmt.Sprintf("*%s* pipeline `%s` (%s) escalated to tier %d: %s",
				tierLabel(msg.Tier), msg.PipelineID, msg.DedupKey, msg.Tier, msg.TriggerKind),
		})
	case FormatTeams:
		body, _ = json.Marshal(map[string]any{
			"@type":      "MessageCard",
			"@context":   "http://schema.org/extensions",
			"themeColor": tierColor(msg.Tier),
			"summary":    msg.PipelineID,
			"title":      fmt.Sprintf("Pipeline escalation: %s", msg.DedupKey),
			"text":       fmt.Sprintf("Tier %d (%s), case %s", msg.Tier, msg.TriggerKind, msg.CaseID),
		})
	default:
		body, _ = json.Marshal(map[string]any{
			"case_id":      msg.CaseID,
			"dedup_key":    msg.DedupKey,
			"pipeline_id":  msg.PipelineID,
			"tier":         msg.Tier,
			"trigger_kind": msg.TriggerKind,
			"changed_at":   msg.ChangedAt,
		})
	}
	return w.post(ctx, body)
}

func (w *WebhookChannel) post(ctx context.Context, body []byte) (DeliveryResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return PermanentFailure, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return TransientFailure, fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return Delivered, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return TransientFailure, fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	default:
		return PermanentFailure, fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
}

func tierLabel(tier int) string {
	switch tier {
	case 1:
		return "[TEAM]"
	case 2:
		return "[ONCALL]"
	default:
		return "[CRITICAL]"
	}
}

func tierColor(tier int) string {
	switch tier {
	case 1:
		return "FFAB40"
	case 2:
		return "FF6D3B"
	default:
		return "FF4F6A"
	}
}
