package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	otelPkg "github.com/greenwichg/etl-transforations/internal/otel"
)

// HTTPProvider queries a metrics sidecar over HTTP. Both warehouse
// sides expose the same two endpoints:
//
//	GET {base}/aggregate?partition=&metric=  -> {"value": f, "watermark": RFC3339}
//	GET {base}/checksum?partition=&lo=&hi=   -> {"hash": s}
//
// Connection errors and 5xx responses map to ErrUnavailable so the
// engine records Inconclusive instead of a false discrepancy.
type HTTPProvider struct {
	base   string
	token  string
	tracer trace.Tracer
	client *http.Client
}

func NewHTTPProvider(base, token string, tracer trace.Tracer, client *http.Client) *HTTPProvider {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{base: base, token: token, tracer: tracer, client: client}
}

func (p *HTTPProvider) FetchAggregate(ctx context.Context, partitionKey, metric string) (float64, time.Time, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, p.tracer, "provider.fetch_aggregate",
		otelPkg.AttrPartitionKey.String(partitionKey),
		otelPkg.AttrMetricName.String(metric),
	)
	defer span.End()

	query := url.Values{"partition": {partitionKey}, "metric": {metric}}
	var body struct {
		Value     float64   `json:"value"`
		Watermark time.Time `json:"watermark"`
	}
	if err := p.get(ctx, "/aggregate", query, &body); err != nil {
		span.RecordError(err)
		return 0, time.Time{}, err
	}
	return body.Value, body.Watermark, nil
}

func (p *HTTPProvider) FetchChecksumBatch(ctx context.Context, partitionKey string, r Range) (string, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, p.tracer, "provider.fetch_checksum",
		otelPkg.AttrPartitionKey.String(partitionKey),
	)
	defer span.End()

	query := url.Values{
		"partition": {partitionKey},
		"lo":        {fmt.Sprintf("%.9f", r.Lo)},
		"hi":        {fmt.Sprintf("%.9f", r.Hi)},
	}
	var body struct {
		Hash string `json:"hash"`
	}
	if err := p.get(ctx, "/checksum", query, &body); err != nil {
		span.RecordError(err)
		return "", err
	}
	return body.Hash, nil
}

func (p *HTTPProvider) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: provider returned HTTP %d", ErrUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("provider returned HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
