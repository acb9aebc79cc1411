package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/greenwichg/etl-transforations/internal/persistence"
	"github.com/greenwichg/etl-transforations/internal/tracker"
)

func newIngestServer(t *testing.T) (*Server, *persistence.Store) {
	t.Helper()
	s, store, b := newTestServer(t)
	s.cfg.Tracker = tracker.New(tracker.Config{
		Store: store,
		Bus:   b,
		Pipelines: map[string]tracker.PipelineSpec{
			"orders": {Deadline: time.Hour, MaxAttempts: 3},
		},
	})
	return s, store
}

func post(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	s, store := newIngestServer(t)
	handler := s.Handler()

	rec := post(t, handler, "/api/v1/runs", startRunRequest{PipelineID: "orders", PartitionKey: "2026-08-30"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	runID := created["run_id"]
	if runID == "" {
		t.Fatal("no run_id returned")
	}

	if rec := post(t, handler, "/api/v1/runs/"+runID+"/heartbeat", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("heartbeat: %d", rec.Code)
	}

	rec = post(t, handler, "/api/v1/runs/"+runID+"/complete", completeRunRequest{
		Success: true,
		Metrics: map[string]float64{"row_count": 100},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}

	run, err := store.GetRun(t.Context(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != persistence.RunStatusSucceeded {
		t.Fatalf("status %s", run.Status)
	}
}

func TestDuplicateStartConflicts(t *testing.T) {
	s, _ := newIngestServer(t)
	handler := s.Handler()

	req := startRunRequest{PipelineID: "orders", PartitionKey: "2026-08-30"}
	if rec := post(t, handler, "/api/v1/runs", req); rec.Code != http.StatusCreated {
		t.Fatalf("first start: %d", rec.Code)
	}
	if rec := post(t, handler, "/api/v1/runs", req); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate start: %d", rec.Code)
	}
}

func TestHeartbeatAfterCompleteConflicts(t *testing.T) {
	s, _ := newIngestServer(t)
	handler := s.Handler()

	rec := post(t, handler, "/api/v1/runs", startRunRequest{PipelineID: "orders", PartitionKey: "2026-08-30"})
	var created map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	runID := created["run_id"]

	post(t, handler, "/api/v1/runs/"+runID+"/complete", completeRunRequest{Success: true})
	if rec := post(t, handler, "/api/v1/runs/"+runID+"/heartbeat", nil); rec.Code != http.StatusConflict {
		t.Fatalf("heartbeat on terminal run: %d", rec.Code)
	}
}

func TestIngestValidation(t *testing.T) {
	s, _ := newIngestServer(t)
	handler := s.Handler()

	if rec := post(t, handler, "/api/v1/runs", startRunRequest{PipelineID: "orders"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing partition key: %d", rec.Code)
	}
	if rec := post(t, handler, "/api/v1/runs/nope/heartbeat", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run heartbeat: %d", rec.Code)
	}
}

func TestIngestDisabledWithoutTracker(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := post(t, s.Handler(), "/api/v1/runs", startRunRequest{PipelineID: "orders", PartitionKey: "p"})
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status %d", rec.Code)
	}
}
