package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/greenwichg/etl-transforations/internal/bus"
	"github.com/greenwichg/etl-transforations/internal/persistence"
)

const testToken = "test-token-123"

func newTestServer(t *testing.T) (*Server, *persistence.Store, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	b := bus.New()
	s := New(Config{
		Store:             store,
		Bus:               b,
		AuthToken:         testToken,
		ConfigFingerprint: "cfg-test",
		Logger:            slog.New(slog.DiscardHandler),
	})
	return s, store, b
}

func get(t *testing.T, handler http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/api/v1/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["healthy"] != true || body["config_fingerprint"] != "cfg-test" {
		t.Fatalf("body: %v", body)
	}
}

func TestEndpointsRejectBadTokens(t *testing.T) {
	s, _, _ := newTestServer(t)
	handler := s.Handler()
	for _, path := range []string{"/api/v1/runs", "/api/v1/cases", "/api/v1/events/stream"} {
		if rec := get(t, handler, path, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: %d", path, rec.Code)
		}
		if rec := get(t, handler, path, "wrong"); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: %d", path, rec.Code)
		}
	}
}

func TestEmptyTokenDisablesAPI(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.cfg.AuthToken = ""
	if rec := get(t, s.Handler(), "/api/v1/runs", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestListRunsByPipeline(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour)
	if _, _, err := store.CreateRun(ctx, "orders", "2026-08-30", deadline, 3); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, _, err := store.CreateRun(ctx, "billing", "2026-08-30", deadline, 3); err != nil {
		t.Fatalf("create run: %v", err)
	}

	rec := get(t, s.Handler(), "/api/v1/runs?pipeline=orders", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Runs []*persistence.JobRun `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Runs) != 1 || body.Runs[0].PipelineID != "orders" {
		t.Fatalf("runs: %+v", body.Runs)
	}
}

func TestRunDetailIncludesChecks(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()
	run, _, err := store.CreateRun(ctx, "orders", "2026-08-30", time.Now().Add(time.Hour), 3)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	value := 100.0
	err = store.InsertCheck(ctx, &persistence.ReconciliationCheck{
		RunID:       run.ID,
		Metric:      "row_count",
		Status:      persistence.CheckVerified,
		SourceValue: &value,
		TargetValue: &value,
	})
	if err != nil {
		t.Fatalf("insert check: %v", err)
	}

	rec := get(t, s.Handler(), "/api/v1/runs/"+run.ID, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Run    *persistence.JobRun                `json:"run"`
		Checks []*persistence.ReconciliationCheck `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Run.ID != run.ID || len(body.Checks) != 1 {
		t.Fatalf("body: %+v", body)
	}
}

func TestUnknownRunIs404(t *testing.T) {
	s, _, _ := newTestServer(t)
	if rec := get(t, s.Handler(), "/api/v1/runs/nope", testToken); rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestCaseDetailIncludesNotifications(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()
	c, _, err := store.OpenOrTouchCase(ctx, "orders/2026-08-30", "orders", "2026-08-30", "job_exhausted", 1)
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	record, _, err := store.ClaimNotification(ctx, c.ID, 1, "slack")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkNotificationDelivered(ctx, record.ID, 1); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	rec := get(t, s.Handler(), "/api/v1/cases", testToken)
	var listBody struct {
		Cases []*persistence.EscalationCase `json:"cases"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listBody.Cases) != 1 {
		t.Fatalf("cases: %+v", listBody.Cases)
	}

	rec = get(t, s.Handler(), "/api/v1/cases/"+c.ID, testToken)
	var body struct {
		Case          *persistence.EscalationCase       `json:"case"`
		Notifications []*persistence.NotificationRecord `json:"notifications"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Case.ID != c.ID || len(body.Notifications) != 1 {
		t.Fatalf("body: %+v", body)
	}
	if body.Notifications[0].Status != persistence.DeliveryDelivered {
		t.Fatalf("notification: %+v", body.Notifications[0])
	}
}

func TestEventStreamDeliversSSE(t *testing.T) {
	s, _, b := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/events/stream?topic=run.", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	// Give the handler a moment to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish(bus.TopicRunExhausted, bus.JobExhaustedEvent{
		Run:      bus.RunRef{RunID: "r1", PipelineID: "orders", PartitionKey: "2026-08-30", Seq: 9},
		Attempts: 3,
	})
	// Filtered out by the topic prefix.
	b.Publish(bus.TopicCaseResolved, bus.CaseResolvedEvent{CaseID: "c1"})

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if eventLine != bus.TopicRunExhausted {
		t.Fatalf("event %q", eventLine)
	}
	var payload struct {
		Run bus.RunRef `json:"Run"`
	}
	if err := json.Unmarshal([]byte(dataLine), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Run.RunID != "r1" || payload.Run.Seq != 9 {
		t.Fatalf("payload: %+v", payload)
	}
}

func TestRequestsEmitServerSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	s := New(Config{
		Store:     store,
		Bus:       bus.New(),
		AuthToken: testToken,
		Logger:    slog.New(slog.DiscardHandler),
		Tracer:    tp.Tracer("test"),
	})

	get(t, s.Handler(), "/api/v1/healthz", "")

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name() != "GET /api/v1/healthz" {
		t.Fatalf("span name %q", spans[0].Name())
	}
	if spans[0].SpanKind() != oteltrace.SpanKindServer {
		t.Fatalf("span kind %v", spans[0].SpanKind())
	}

	get(t, s.Handler(), "/api/v1/runs/r-42", testToken)
	spans = recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	var tagged bool
	for _, attr := range spans[1].Attributes() {
		if attr.Key == "pipehealth.run.id" && attr.Value.AsString() == "r-42" {
			tagged = true
		}
	}
	if !tagged {
		t.Fatalf("run span missing run id attribute: %v", spans[1].Attributes())
	}
}
