package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTelegramTestServer(t *testing.T) (*httptest.Server, *atomic.Int64, *atomic.Int64) {
	t.Helper()
	var getMe, sendMessage atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			getMe.Add(1)
			w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"pipehealth","username":"pipehealth_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			sendMessage.Add(1)
			w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":100},"text":"x"}}`))
		default:
			t.Errorf("unexpected telegram call: %s", r.URL.Path)
			w.Write([]byte(`{"ok":false}`))
		}
	}))
	t.Cleanup(ts.Close)
	return ts, &getMe, &sendMessage
}

func TestTelegramConcurrentSendsInitOnce(t *testing.T) {
	ts, getMe, sendMessage := newTelegramTestServer(t)
	ch := NewTelegramChannel("123456:token", 100)
	ch.endpoint = ts.URL + "/bot%s/%s"

	msg := Message{
		CaseID:      "case-1",
		DedupKey:    "orders/2026-08-30",
		PipelineID:  "orders",
		Tier:        2,
		TriggerKind: "sla_breached",
		ChangedAt:   time.Now().UTC(),
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := ch.Send(context.Background(), msg)
			if result != Delivered {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("send failed: %v", err)
	}

	if n := getMe.Load(); n != 1 {
		t.Fatalf("bot initialized %d times, want 1", n)
	}
	if n := sendMessage.Load(); n != workers {
		t.Fatalf("sendMessage called %d times, want %d", n, workers)
	}
}

func TestTelegramInitFailureIsTransientAndRetried(t *testing.T) {
	ch := NewTelegramChannel("123456:token", 100)
	ch.endpoint = "http://127.0.0.1:1/bot%s/%s"

	result, err := ch.Send(context.Background(), Message{CaseID: "case-1", Tier: 1})
	if result != TransientFailure || err == nil {
		t.Fatalf("result %v, err %v", result, err)
	}

	// A reachable endpoint on the next send recovers the channel.
	ts, _, sendMessage := newTelegramTestServer(t)
	ch.mu.Lock()
	ch.endpoint = ts.URL + "/bot%s/%s"
	ch.mu.Unlock()

	result, err = ch.Send(context.Background(), Message{CaseID: "case-1", Tier: 1})
	if result != Delivered || err != nil {
		t.Fatalf("result %v, err %v", result, err)
	}
	if n := sendMessage.Load(); n != 1 {
		t.Fatalf("sendMessage calls %d, want 1", n)
	}
}
