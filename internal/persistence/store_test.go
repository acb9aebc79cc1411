package persistence_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/greenwichg/etl-transforations/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "pipehealth.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func startRun(t *testing.T, store *persistence.Store, pipeline, partition string, maxAttempts ...int) *persistence.JobRun {
	t.Helper()
	attempts := 3
	if len(maxAttempts) > 0 {
		attempts = maxAttempts[0]
	}
	run, _, err := store.CreateRun(context.Background(), pipeline, partition, time.Now().Add(time.Hour), attempts)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var version int
	if err := db.QueryRow("SELECT MAX(version) FROM schema_migrations;").Scan(&version); err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 1 {
		t.Fatalf("schema version = %d, want 1", version)
	}
}

func TestStore_ReopenKeepsSchema(t *testing.T) {
	store, dbPath := openTestStore(t)
	startRun(t, store, "orders", "2026-08-30")
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	runs, err := reopened.ActiveRuns(context.Background())
	if err != nil {
		t.Fatalf("active runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("active runs = %d, want 1", len(runs))
	}
}

func TestCreateRun_DuplicateActive(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	startRun(t, store, "orders", "2026-08-30")

	_, _, err := store.CreateRun(ctx, "orders", "2026-08-30", time.Now().Add(time.Hour), 3)
	if !errors.Is(err, persistence.ErrDuplicateRun) {
		t.Fatalf("err = %v, want ErrDuplicateRun", err)
	}

	// A different partition is unrelated and starts fine.
	if _, _, err := store.CreateRun(ctx, "orders", "2026-08-31", time.Now().Add(time.Hour), 3); err != nil {
		t.Fatalf("unrelated partition: %v", err)
	}
}

func TestCompleteFailure_RetriesThenExhausts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := startRun(t, store, "orders", "2026-08-30", 2)

	decision, failed, err := store.CompleteFailure(ctx, run.ID, "upstream_timeout")
	if err != nil {
		t.Fatalf("first failure: %v", err)
	}
	if decision.Outcome != persistence.FailureOutcomeRetrying {
		t.Fatalf("outcome = %s, want RETRYING", decision.Outcome)
	}
	if failed.AttemptCount != 1 {
		t.Fatalf("attempt = %d, want 1", failed.AttemptCount)
	}

	// External scheduler relaunches: same run resumes RUNNING.
	resumed, _, err := store.CreateRun(ctx, "orders", "2026-08-30", time.Now().Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ID != run.ID {
		t.Fatalf("resumed run id = %s, want %s", resumed.ID, run.ID)
	}
	if resumed.Status != persistence.RunStatusRunning {
		t.Fatalf("resumed status = %s, want RUNNING", resumed.Status)
	}

	decision, exhausted, err := store.CompleteFailure(ctx, run.ID, "upstream_timeout")
	if err != nil {
		t.Fatalf("second failure: %v", err)
	}
	if decision.Outcome != persistence.FailureOutcomeExhausted {
		t.Fatalf("outcome = %s, want EXHAUSTED", decision.Outcome)
	}
	if exhausted.Status != persistence.RunStatusExhausted {
		t.Fatalf("status = %s, want EXHAUSTED", exhausted.Status)
	}

	// Terminal runs accept no further completion.
	if _, _, err := store.CompleteSuccess(ctx, run.ID); !errors.Is(err, persistence.ErrInvalidState) {
		t.Fatalf("success on exhausted run: err = %v, want ErrInvalidState", err)
	}

	// The key is free for a fresh run again.
	fresh := startRun(t, store, "orders", "2026-08-30", 2)
	if fresh.ID == run.ID {
		t.Fatal("expected a fresh run after exhaustion")
	}
}

func TestHeartbeat_TerminalRunIsInvalid(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := startRun(t, store, "orders", "2026-08-30")
	if err := store.Heartbeat(ctx, run.ID); err != nil {
		t.Fatalf("heartbeat running: %v", err)
	}

	if _, _, err := store.CompleteSuccess(ctx, run.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Heartbeat(ctx, run.ID); !errors.Is(err, persistence.ErrInvalidState) {
		t.Fatalf("heartbeat terminal: err = %v, want ErrInvalidState", err)
	}
	if err := store.Heartbeat(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("heartbeat missing: err = %v, want ErrNotFound", err)
	}
}

func TestMarkSLABreached_OnceAndOnlyRunning(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := startRun(t, store, "orders", "2026-08-30")

	marked, seq, err := store.MarkSLABreached(ctx, run.ID)
	if err != nil {
		t.Fatalf("mark breach: %v", err)
	}
	if !marked || seq == 0 {
		t.Fatalf("marked = %v seq = %d, want marked with seq", marked, seq)
	}

	// Second mark is a no-op.
	marked, _, err = store.MarkSLABreached(ctx, run.ID)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if marked {
		t.Fatal("breach marked twice")
	}

	// The breached run can still succeed; primary state was untouched.
	done, _, err := store.CompleteSuccess(ctx, run.ID)
	if err != nil {
		t.Fatalf("complete breached run: %v", err)
	}
	if !done.SLABreached {
		t.Fatal("breach flag lost on completion")
	}
}

func TestRunEvents_SequenceMonotonicPerKey(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := startRun(t, store, "orders", "2026-08-30", 3)
	_, startSeq, err := store.CreateRun(ctx, "orders", "other", time.Now().Add(time.Hour), 3)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	decision, _, err := store.CompleteFailure(ctx, run.ID, "x")
	if err != nil {
		t.Fatalf("failure: %v", err)
	}
	if decision.Seq <= startSeq {
		t.Fatalf("later event seq %d not greater than earlier %d", decision.Seq, startSeq)
	}
}

func TestCases_OneOpenPerDedupKey(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first, opened, err := store.OpenOrTouchCase(ctx, "orders/p1", "orders", "p1", "job_exhausted", 10)
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	if !opened || first.Tier != 1 {
		t.Fatalf("opened = %v tier = %d, want new tier-1 case", opened, first.Tier)
	}

	// A second trigger for the same key touches the existing case.
	second, opened, err := store.OpenOrTouchCase(ctx, "orders/p1", "orders", "p1", "sla_breached", 20)
	if err != nil {
		t.Fatalf("touch case: %v", err)
	}
	if opened {
		t.Fatal("second trigger opened a duplicate case")
	}
	if second.ID != first.ID {
		t.Fatalf("case id = %s, want %s", second.ID, first.ID)
	}
	if second.LastTriggerSeq != 20 {
		t.Fatalf("last_trigger_seq = %d, want 20", second.LastTriggerSeq)
	}

	open, err := store.OpenCases(ctx)
	if err != nil {
		t.Fatalf("open cases: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open cases = %d, want 1", len(open))
	}
}

func TestResolveCase_SequenceOrdering(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	c, _, err := store.OpenOrTouchCase(ctx, "orders/p1", "orders", "p1", "discrepancy", 10)
	if err != nil {
		t.Fatalf("open case: %v", err)
	}

	// A stale success (older seq) must not resolve the case.
	resolved, err := store.ResolveCase(ctx, c.ID, 5)
	if err != nil {
		t.Fatalf("stale resolve: %v", err)
	}
	if resolved {
		t.Fatal("stale success resolved the case")
	}

	resolved, err = store.ResolveCase(ctx, c.ID, 11)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved {
		t.Fatal("newer success did not resolve the case")
	}

	// Resolving again is a no-op.
	resolved, err = store.ResolveCase(ctx, c.ID, 12)
	if err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	if resolved {
		t.Fatal("case resolved twice")
	}

	// The key is free for a new case now.
	_, opened, err := store.OpenOrTouchCase(ctx, "orders/p1", "orders", "p1", "job_exhausted", 30)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !opened {
		t.Fatal("new case not opened after resolution")
	}
}

func TestAdvanceCaseTier_CapsAtMax(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	c, _, err := store.OpenOrTouchCase(ctx, "orders/p1", "orders", "p1", "job_exhausted", 1)
	if err != nil {
		t.Fatalf("open case: %v", err)
	}

	for wantTier := 2; wantTier <= 3; wantTier++ {
		advanced, changed, err := store.AdvanceCaseTier(ctx, c.ID, 3)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		if !changed || advanced.Tier != wantTier {
			t.Fatalf("tier = %d changed = %v, want tier %d", advanced.Tier, changed, wantTier)
		}
	}

	// At max tier nothing changes.
	capped, changed, err := store.AdvanceCaseTier(ctx, c.ID, 3)
	if err != nil {
		t.Fatalf("advance at max: %v", err)
	}
	if changed || capped.Tier != 3 {
		t.Fatalf("tier = %d changed = %v, want unchanged tier 3", capped.Tier, changed)
	}
}

func TestEscalateToMaxTier_Jumps(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	c, _, err := store.OpenOrTouchCase(ctx, "orders/p1", "orders", "p1", "job_exhausted", 1)
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	jumped, changed, err := store.EscalateToMaxTier(ctx, c.ID, 3)
	if err != nil {
		t.Fatalf("jump: %v", err)
	}
	if !changed || jumped.Tier != 3 {
		t.Fatalf("tier = %d changed = %v, want jump to 3", jumped.Tier, changed)
	}
}

func TestNotifications_ClaimIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	c, _, err := store.OpenOrTouchCase(ctx, "orders/p1", "orders", "p1", "job_exhausted", 1)
	if err != nil {
		t.Fatalf("open case: %v", err)
	}

	rec, proceed, err := store.ClaimNotification(ctx, c.ID, 2, "webhook")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !proceed {
		t.Fatal("fresh claim should proceed")
	}
	if err := store.MarkNotificationDelivered(ctx, rec.ID, 1); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	// Replay: same (case, tier, channel) must not deliver again.
	replay, proceed, err := store.ClaimNotification(ctx, c.ID, 2, "webhook")
	if err != nil {
		t.Fatalf("replay claim: %v", err)
	}
	if proceed {
		t.Fatal("replay claim should not proceed")
	}
	if replay.ID != rec.ID {
		t.Fatalf("replay record id = %d, want %d", replay.ID, rec.ID)
	}

	records, err := store.NotificationsByCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	delivered := 0
	for _, r := range records {
		if r.Status == persistence.DeliveryDelivered {
			delivered++
		}
	}
	if delivered != 1 {
		t.Fatalf("delivered records = %d, want exactly 1", delivered)
	}

	// A different channel is an independent subscriber with its own row.
	_, proceed, err = store.ClaimNotification(ctx, c.ID, 2, "telegram")
	if err != nil {
		t.Fatalf("other channel claim: %v", err)
	}
	if !proceed {
		t.Fatal("other channel should proceed")
	}
}

func TestNotifications_PermanentFailureKeepsRecord(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	c, _, err := store.OpenOrTouchCase(ctx, "orders/p1", "orders", "p1", "job_exhausted", 1)
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	rec, _, err := store.ClaimNotification(ctx, c.ID, 1, "webhook")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkNotificationFailed(ctx, rec.ID, 5, "410 gone"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// A later replay may retry the failed record.
	again, proceed, err := store.ClaimNotification(ctx, c.ID, 1, "webhook")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !proceed {
		t.Fatal("failed record should be retryable")
	}
	if again.Status != persistence.DeliveryPermanentlyFailed {
		t.Fatalf("status = %s, want PERMANENTLY_FAILED", again.Status)
	}
}

func TestChecks_InsertAndList(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	run := startRun(t, store, "orders", "2026-08-30")
	src, tgt := 1000.0, 995.0
	check := &persistence.ReconciliationCheck{
		RunID:         run.ID,
		Metric:        "row_count",
		SourceValue:   &src,
		TargetValue:   &tgt,
		Tolerance:     0.001,
		ToleranceMode: "relative",
		Status:        persistence.CheckDiscrepancy,
		Delta:         5,
	}
	if err := store.InsertCheck(ctx, check); err != nil {
		t.Fatalf("insert check: %v", err)
	}

	checks, err := store.ChecksByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("checks by run: %v", err)
	}
	if len(checks) != 1 {
		t.Fatalf("checks = %d, want 1", len(checks))
	}
	got := checks[0]
	if got.Status != persistence.CheckDiscrepancy || got.Delta != 5 {
		t.Fatalf("check = %+v, want discrepancy with delta 5", got)
	}
	if got.SourceValue == nil || *got.SourceValue != 1000 {
		t.Fatalf("source = %v, want 1000", got.SourceValue)
	}
}

func TestWatermarks_RoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	wm, err := store.Watermark(ctx, "orders", "p1", "row_count")
	if err != nil {
		t.Fatalf("empty watermark: %v", err)
	}
	if !wm.IsZero() {
		t.Fatalf("watermark = %v, want zero", wm)
	}

	stamp := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := store.SetWatermark(ctx, "orders", "p1", "row_count", stamp); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	wm, err = store.Watermark(ctx, "orders", "p1", "row_count")
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if !wm.Equal(stamp) {
		t.Fatalf("watermark = %v, want %v", wm, stamp)
	}

	// Upsert advances in place.
	later := stamp.Add(time.Hour)
	if err := store.SetWatermark(ctx, "orders", "p1", "row_count", later); err != nil {
		t.Fatalf("advance watermark: %v", err)
	}
	wm, _ = store.Watermark(ctx, "orders", "p1", "row_count")
	if !wm.Equal(later) {
		t.Fatalf("watermark = %v, want %v", wm, later)
	}
}

func TestNotificationDedupID_Stable(t *testing.T) {
	a := persistence.NotificationDedupID("case-1", 2)
	b := persistence.NotificationDedupID("case-1", 2)
	if a != b {
		t.Fatalf("dedup id not stable: %q vs %q", a, b)
	}
	if a == persistence.NotificationDedupID("case-1", 3) {
		t.Fatal("dedup id collided across tiers")
	}
	if a == persistence.NotificationDedupID("case-2", 2) {
		t.Fatal("dedup id collided across cases")
	}
}
