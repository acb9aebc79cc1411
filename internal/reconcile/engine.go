// Package reconcile compares source and target metrics after each
// successful run. Aggregates are checked against a per-metric tolerance;
// discrepancies are narrowed to the mismatching sub-ranges via batched
// checksums before an escalation trigger is emitted.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/greenwichg/etl-transforations/internal/bus"
	"github.com/greenwichg/etl-transforations/internal/persistence"
)

// ErrUnavailable is returned by providers when a side cannot be queried
// right now. The check becomes Inconclusive and is retried on the next
// recheck cycle, never escalated directly.
var ErrUnavailable = errors.New("metric provider unavailable")

// cronParser parses standard 5-field cron expressions for the recheck
// cycle.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// MetricProvider answers aggregate and checksum queries for one side
// (source or target) of a pipeline.
type MetricProvider interface {
	ChecksumFetcher
	// FetchAggregate returns the metric value and the partition's
	// watermark (max last-modified).
	FetchAggregate(ctx context.Context, partitionKey, metric string) (float64, time.Time, error)
}

// MetricCheck configures one metric comparison for a pipeline.
type MetricCheck struct {
	Name      string
	Tolerance float64
	Mode      ToleranceMode
}

// Config holds the dependencies for the engine.
type Config struct {
	Store        *persistence.Store
	Bus          *bus.Bus
	Logger       *slog.Logger
	Source       MetricProvider
	Target       MetricProvider
	Pipelines    map[string][]MetricCheck
	FetchTimeout time.Duration // per provider call; default 30s
	BatchCount   int           // sub-ranges per drill-down level; default 8
	MaxDepth     int           // drill-down depth bound; default 3
	RecheckCron  string        // 5-field cron for the inconclusive recheck cycle
}

// Engine consumes JobSucceeded events and emits
// ReconciliationVerified/ReconciliationDiscrepancy.
type Engine struct {
	store        *persistence.Store
	bus          *bus.Bus
	logger       *slog.Logger
	source       MetricProvider
	target       MetricProvider
	pipelines    map[string][]MetricCheck
	fetchTimeout time.Duration
	batchCount   int
	maxDepth     int
	recheckCron  string

	mu      sync.Mutex
	pending map[string]bus.JobSucceededEvent // runID -> event awaiting recheck

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine from the given config.
func New(cfg Config) (*Engine, error) {
	if cfg.RecheckCron != "" {
		if _, err := cronParser.Parse(cfg.RecheckCron); err != nil {
			return nil, err
		}
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	batchCount := cfg.BatchCount
	if batchCount <= 0 {
		batchCount = 8
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:        cfg.Store,
		bus:          cfg.Bus,
		logger:       logger,
		source:       cfg.Source,
		target:       cfg.Target,
		pipelines:    cfg.Pipelines,
		fetchTimeout: fetchTimeout,
		batchCount:   batchCount,
		maxDepth:     maxDepth,
		recheckCron:  cfg.RecheckCron,
		pending:      make(map[string]bus.JobSucceededEvent),
	}, nil
}

// Start subscribes to run.succeeded and begins the recheck cycle.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	sub := e.bus.Subscribe(bus.TopicRunSucceeded, bus.Block)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Ch():
				if !ok {
					return
				}
				if payload, ok := event.Payload.(bus.JobSucceededEvent); ok {
					e.CheckRun(ctx, payload)
				}
			}
		}
	}()

	if e.recheckCron != "" {
		e.wg.Add(1)
		go e.recheckLoop(ctx)
	}
	e.logger.Info("reconciliation engine started", "recheck_cron", e.recheckCron)
}

// Stop cancels the engine loops and waits for them to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("reconciliation engine stopped")
}

func (e *Engine) recheckLoop(ctx context.Context) {
	defer e.wg.Done()
	sched, err := cronParser.Parse(e.recheckCron)
	if err != nil {
		e.logger.Error("recheck cron parse", "error", err)
		return
	}
	for {
		next := sched.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			e.recheckPending(ctx)
		}
	}
}

func (e *Engine) recheckPending(ctx context.Context) {
	e.mu.Lock()
	batch := make([]bus.JobSucceededEvent, 0, len(e.pending))
	for _, event := range e.pending {
		batch = append(batch, event)
	}
	e.mu.Unlock()

	for _, event := range batch {
		e.logger.Info("rechecking inconclusive run", "run_id", event.Run.RunID)
		e.CheckRun(ctx, event)
	}
}

type checkResult struct {
	status persistence.CheckStatus
	delta  bus.MetricDelta
}

// CheckRun reconciles every configured metric for the run. Metrics run
// concurrently; the outcome is merged and emitted only after all of
// them report.
func (e *Engine) CheckRun(ctx context.Context, event bus.JobSucceededEvent) {
	checks := e.pipelines[event.Run.PipelineID]
	if len(checks) == 0 {
		return
	}

	results := make([]checkResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check MetricCheck) {
			defer wg.Done()
			results[i] = e.checkMetric(ctx, event.Run, check)
		}(i, check)
	}
	wg.Wait()

	var deltas []bus.MetricDelta
	inconclusive := false
	for _, res := range results {
		switch res.status {
		case persistence.CheckDiscrepancy:
			deltas = append(deltas, res.delta)
		case persistence.CheckInconclusive:
			inconclusive = true
		}
	}

	switch {
	case len(deltas) > 0:
		e.clearPending(event.Run.RunID)
		e.bus.Publish(bus.TopicReconcileDiscrepancy, bus.ReconciliationDiscrepancyEvent{
			Run:    event.Run,
			Deltas: deltas,
		})
		e.logger.Warn("reconciliation discrepancy",
			"run_id", event.Run.RunID,
			"pipeline_id", event.Run.PipelineID,
			"metrics", len(deltas),
		)
	case inconclusive:
		// Not an escalation trigger; retried on the next cycle.
		e.mu.Lock()
		e.pending[event.Run.RunID] = event
		e.mu.Unlock()
		e.logger.Info("reconciliation inconclusive, will recheck",
			"run_id", event.Run.RunID,
			"pipeline_id", event.Run.PipelineID,
		)
	default:
		e.clearPending(event.Run.RunID)
		e.bus.Publish(bus.TopicReconcileVerified, bus.ReconciliationVerifiedEvent{Run: event.Run})
		e.logger.Info("reconciliation verified",
			"run_id", event.Run.RunID,
			"pipeline_id", event.Run.PipelineID,
		)
	}
}

func (e *Engine) clearPending(runID string) {
	e.mu.Lock()
	delete(e.pending, runID)
	e.mu.Unlock()
}

// PendingRechecks returns how many runs await an inconclusive recheck.
func (e *Engine) PendingRechecks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) checkMetric(ctx context.Context, run bus.RunRef, check MetricCheck) checkResult {
	srcCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	srcValue, srcWatermark, srcErr := e.source.FetchAggregate(srcCtx, run.PartitionKey, check.Name)
	cancel()

	if srcErr == nil {
		// Watermark skip: an unchanged partition that already verified
		// is not re-checked.
		stored, err := e.store.Watermark(ctx, run.PipelineID, run.PartitionKey, check.Name)
		if err != nil {
			e.logger.Error("read watermark", "metric", check.Name, "error", err)
		} else if !stored.IsZero() && !srcWatermark.After(stored) {
			e.logger.Debug("watermark unchanged, skipping check",
				"run_id", run.RunID,
				"metric", check.Name,
				"watermark", srcWatermark,
			)
			return checkResult{status: persistence.CheckVerified}
		}
	}

	tgtCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	tgtValue, _, tgtErr := e.target.FetchAggregate(tgtCtx, run.PartitionKey, check.Name)
	cancel()

	mode := check.Mode
	if mode == "" {
		mode = Absolute
	}
	record := persistence.ReconciliationCheck{
		RunID:         run.RunID,
		Metric:        check.Name,
		Tolerance:     check.Tolerance,
		ToleranceMode: string(mode),
	}

	if srcErr != nil || tgtErr != nil {
		record.Status = persistence.CheckInconclusive
		e.insertCheck(ctx, &record)
		e.logger.Warn("metric unavailable",
			"run_id", run.RunID,
			"metric", check.Name,
			"source_err", srcErr,
			"target_err", tgtErr,
		)
		return checkResult{status: persistence.CheckInconclusive}
	}

	record.SourceValue = &srcValue
	record.TargetValue = &tgtValue
	delta, ok := withinTolerance(srcValue, tgtValue, check.Tolerance, mode)
	record.Delta = delta

	if ok {
		record.Status = persistence.CheckVerified
		e.insertCheck(ctx, &record)
		if err := e.store.SetWatermark(ctx, run.PipelineID, run.PartitionKey, check.Name, srcWatermark); err != nil {
			e.logger.Error("set watermark", "metric", check.Name, "error", err)
		}
		return checkResult{status: persistence.CheckVerified}
	}

	// Narrow the mismatch to its sub-ranges; drill-down failure leaves
	// the discrepancy intact with no range detail.
	var rangeStrings []string
	drillCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	ranges, err := drillDown(drillCtx, e.source, e.target, run.PartitionKey, e.batchCount, e.maxDepth)
	cancel()
	if err != nil {
		e.logger.Warn("drill-down failed", "run_id", run.RunID, "metric", check.Name, "error", err)
	} else {
		for _, r := range ranges {
			rangeStrings = append(rangeStrings, r.String())
		}
	}

	record.Status = persistence.CheckDiscrepancy
	if detail, err := json.Marshal(map[string]any{"ranges": rangeStrings}); err == nil {
		record.DetailJSON = string(detail)
	}
	e.insertCheck(ctx, &record)

	return checkResult{
		status: persistence.CheckDiscrepancy,
		delta: bus.MetricDelta{
			Metric: check.Name,
			Source: srcValue,
			Target: tgtValue,
			Delta:  delta,
			Ranges: rangeStrings,
		},
	}
}

func (e *Engine) insertCheck(ctx context.Context, check *persistence.ReconciliationCheck) {
	if err := e.store.InsertCheck(ctx, check); err != nil {
		e.logger.Error("record check", "run_id", check.RunID, "metric", check.Metric, "error", err)
	}
}
