// Package tracker is the job lifecycle state machine: one pipeline
// execution against one partition, driven by an external scheduler
// through Start/Heartbeat/Complete, with a deadline monitor that raises
// SLA breaches without touching the primary state.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/greenwichg/etl-transforations/internal/bus"
	"github.com/greenwichg/etl-transforations/internal/persistence"
)

const defaultMonitorInterval = 30 * time.Second

// PipelineSpec holds the per-pipeline execution contract.
type PipelineSpec struct {
	Deadline        time.Duration // max run duration before SLA breach
	HeartbeatWindow time.Duration // max silence before a run counts as stalled; 0 disables
	MaxAttempts     int
}

// Config holds the dependencies for the tracker.
type Config struct {
	Store           *persistence.Store
	Bus             *bus.Bus
	Logger          *slog.Logger
	Pipelines       map[string]PipelineSpec
	MonitorInterval time.Duration
}

// Outcome is the result reported by the external scheduler on Complete.
type Outcome struct {
	Success   bool
	ErrorKind string
	Metrics   map[string]float64
}

// Tracker owns JobRun state. All mutations go through the store's
// guarded transitions, so concurrent calls for the same run are safe.
type Tracker struct {
	store     *persistence.Store
	bus       *bus.Bus
	logger    *slog.Logger
	pipelines map[string]PipelineSpec
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Tracker from the given config.
func New(cfg Config) *Tracker {
	interval := cfg.MonitorInterval
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:     cfg.Store,
		bus:       cfg.Bus,
		logger:    logger,
		pipelines: cfg.Pipelines,
		interval:  interval,
	}
}

func (t *Tracker) spec(pipelineID string) PipelineSpec {
	spec, ok := t.pipelines[pipelineID]
	if !ok {
		return PipelineSpec{Deadline: 2 * time.Hour, MaxAttempts: 3}
	}
	if spec.MaxAttempts < 1 {
		spec.MaxAttempts = 1
	}
	return spec
}

func runRef(run *persistence.JobRun, seq int64) bus.RunRef {
	return bus.RunRef{
		RunID:        run.ID,
		PipelineID:   run.PipelineID,
		PartitionKey: run.PartitionKey,
		Seq:          seq,
	}
}

// StartRun starts (or resumes a retrying) run for the partition. A zero
// deadline falls back to the pipeline's configured duration. Returns
// persistence.ErrDuplicateRun when an active run already holds the key.
func (t *Tracker) StartRun(ctx context.Context, pipelineID, partitionKey string, deadline time.Time) (string, error) {
	spec := t.spec(pipelineID)
	if deadline.IsZero() {
		deadline = time.Now().UTC().Add(spec.Deadline)
	}
	run, seq, err := t.store.CreateRun(ctx, pipelineID, partitionKey, deadline, spec.MaxAttempts)
	if err != nil {
		return "", fmt.Errorf("start run %s/%s: %w", pipelineID, partitionKey, err)
	}
	t.bus.Publish(bus.TopicRunStarted, bus.RunStartedEvent{
		Run:     runRef(run, seq),
		Attempt: run.AttemptCount + 1,
	})
	t.logger.Info("run started",
		"run_id", run.ID,
		"pipeline_id", pipelineID,
		"partition_key", partitionKey,
		"attempt", run.AttemptCount+1,
		"deadline", deadline,
	)
	return run.ID, nil
}

// Heartbeat refreshes the stall detection window for a run. Terminal
// runs return persistence.ErrInvalidState.
func (t *Tracker) Heartbeat(ctx context.Context, runID string) error {
	return t.store.Heartbeat(ctx, runID)
}

// Complete reports the run's outcome. Success emits JobSucceeded with
// the reported metrics; failure either schedules a retry or exhausts
// the run.
func (t *Tracker) Complete(ctx context.Context, runID string, outcome Outcome) error {
	if outcome.Success {
		run, seq, err := t.store.CompleteSuccess(ctx, runID)
		if err != nil {
			return fmt.Errorf("complete run %s: %w", runID, err)
		}
		duration := time.Since(run.StartedAt)
		if run.EndedAt != nil {
			duration = run.EndedAt.Sub(run.StartedAt)
		}
		t.bus.Publish(bus.TopicRunSucceeded, bus.JobSucceededEvent{
			Run:      runRef(run, seq),
			Metrics:  outcome.Metrics,
			Duration: duration,
		})
		t.logger.Info("run succeeded", "run_id", runID, "pipeline_id", run.PipelineID, "partition_key", run.PartitionKey)
		return nil
	}

	decision, run, err := t.store.CompleteFailure(ctx, runID, outcome.ErrorKind)
	if err != nil {
		return fmt.Errorf("fail run %s: %w", runID, err)
	}
	ref := runRef(run, decision.Seq)
	t.bus.Publish(bus.TopicRunFailed, bus.JobFailedEvent{
		Run:       ref,
		Attempt:   decision.Attempt,
		ErrorKind: outcome.ErrorKind,
	})
	switch decision.Outcome {
	case persistence.FailureOutcomeRetrying:
		t.bus.Publish(bus.TopicRunRetrying, bus.RunRetryingEvent{Run: ref, Attempt: decision.Attempt})
		t.logger.Warn("run failed, waiting for retry",
			"run_id", runID,
			"attempt", decision.Attempt,
			"error_kind", outcome.ErrorKind,
		)
	case persistence.FailureOutcomeExhausted:
		t.bus.Publish(bus.TopicRunExhausted, bus.JobExhaustedEvent{
			Run:       ref,
			Attempts:  decision.Attempt,
			ErrorKind: outcome.ErrorKind,
		})
		t.logger.Error("run exhausted",
			"run_id", runID,
			"attempts", decision.Attempt,
			"error_kind", outcome.ErrorKind,
		)
	}
	return nil
}

// Start begins the deadline monitor loop.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.loop(ctx)
	t.logger.Info("deadline monitor started", "interval", t.interval)
}

// Stop cancels the monitor loop and waits for it to exit.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.logger.Info("deadline monitor stopped")
}

func (t *Tracker) loop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// sweep flags RUNNING runs that blew their deadline or went silent past
// the heartbeat window. Each run is flagged at most once.
func (t *Tracker) sweep(ctx context.Context) {
	runs, err := t.store.ActiveRuns(ctx)
	if err != nil {
		t.logger.Error("deadline monitor: list active runs", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, run := range runs {
		if run.Status != persistence.RunStatusRunning || run.SLABreached {
			continue
		}
		spec := t.spec(run.PipelineID)
		overdue := now.After(run.Deadline)
		stalled := spec.HeartbeatWindow > 0 && now.After(run.HeartbeatAt.Add(spec.HeartbeatWindow))
		if !overdue && !stalled {
			continue
		}
		marked, seq, err := t.store.MarkSLABreached(ctx, run.ID)
		if err != nil {
			t.logger.Error("deadline monitor: mark breach", "run_id", run.ID, "error", err)
			continue
		}
		if !marked {
			continue
		}
		t.bus.Publish(bus.TopicRunSLABreach, bus.SLABreachedEvent{
			Run:      runRef(run, seq),
			Deadline: run.Deadline,
		})
		t.logger.Warn("sla breached",
			"run_id", run.ID,
			"pipeline_id", run.PipelineID,
			"partition_key", run.PartitionKey,
			"overdue", overdue,
			"stalled", stalled,
		)
	}
}
