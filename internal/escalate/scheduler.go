// Package escalate turns failure triggers into tiered, deduplicated
// escalation cases. One open case per dedup_key, timer-driven tier
// advances with epoch-guarded cancellation, and sequence-ordered
// resolution.
package escalate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/greenwichg/etl-transforations/internal/bus"
	"github.com/greenwichg/etl-transforations/internal/persistence"
)

const defaultSweepInterval = time.Minute

// Trigger kinds recorded on a case.
const (
	TriggerJobExhausted    = "job_exhausted"
	TriggerSLABreached     = "sla_breached"
	TriggerDiscrepancy     = "discrepancy"
	TriggerDispatchFailure = "dispatch_failure"
)

// TierPolicy configures one escalation tier. Delay is how long a case
// stays unresolved at this tier before advancing to the next.
type TierPolicy struct {
	Tier  int
	Delay time.Duration
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store         *persistence.Store
	Bus           *bus.Bus
	Logger        *slog.Logger
	Tiers         []TierPolicy
	SweepInterval time.Duration
}

// caseTimer is one pending tier-advance. The epoch is checked again at
// fire time: resolving or advancing bumps the case's epoch, so a timer
// that already fired but has not run yet becomes a no-op.
type caseTimer struct {
	timer *time.Timer
	epoch int64
}

// Scheduler owns EscalationCase state. All case mutations for one
// dedup_key are serialized through a per-key mutex.
type Scheduler struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	tiers  []TierPolicy
	sweep  time.Duration

	keysMu sync.Mutex
	keys   map[string]*sync.Mutex

	mu     sync.Mutex
	epochs map[string]int64     // caseID -> current epoch
	timers map[string]caseTimer // caseID -> pending advance

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. Tiers must be ordered starting at 1.
func New(cfg Config) *Scheduler {
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tiers := cfg.Tiers
	if len(tiers) == 0 {
		tiers = []TierPolicy{
			{Tier: 1, Delay: 30 * time.Minute},
			{Tier: 2, Delay: 30 * time.Minute},
			{Tier: 3},
		}
	}
	return &Scheduler{
		store:  cfg.Store,
		bus:    cfg.Bus,
		logger: logger,
		tiers:  tiers,
		sweep:  sweep,
		keys:   make(map[string]*sync.Mutex),
		epochs: make(map[string]int64),
		timers: make(map[string]caseTimer),
	}
}

func (s *Scheduler) maxTier() int {
	return s.tiers[len(s.tiers)-1].Tier
}

func (s *Scheduler) tierDelay(tier int) time.Duration {
	for _, p := range s.tiers {
		if p.Tier == tier {
			return p.Delay
		}
	}
	return 0
}

// lockKey serializes case mutations per dedup_key. Returns the unlock
// function.
func (s *Scheduler) lockKey(key string) func() {
	s.keysMu.Lock()
	m, ok := s.keys[key]
	if !ok {
		m = &sync.Mutex{}
		s.keys[key] = m
	}
	s.keysMu.Unlock()
	m.Lock()
	return m.Unlock
}

// Start subscribes to trigger and resolution events, resumes open cases
// from the store, and begins the sweep loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	// Subscribe only to trigger and resolution topics. The scheduler
	// publishes case.* events itself; routing those back into its own
	// blocking queue would wedge the drain goroutine once full.
	runs := s.bus.Subscribe("run.", bus.Block)
	checks := s.bus.Subscribe("reconcile.", bus.Block)
	dispatch := s.bus.Subscribe(bus.TopicDispatchFailure, bus.Block)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.bus.Unsubscribe(runs)
			s.bus.Unsubscribe(checks)
			s.bus.Unsubscribe(dispatch)
		}()
		for {
			select {
			case <-s.ctx.Done():
				return
			case event, ok := <-runs.Ch():
				if !ok {
					return
				}
				s.handle(event)
			case event, ok := <-checks.Ch():
				if !ok {
					return
				}
				s.handle(event)
			case event, ok := <-dispatch.Ch():
				if !ok {
					return
				}
				s.handle(event)
			}
		}
	}()

	// Restart path: rebuild pending timers from persisted state. A case
	// whose delay elapsed while we were down advances on the spot.
	s.resumeOpenCases()

	s.wg.Add(1)
	go s.sweepLoop()

	s.logger.Info("escalation scheduler started", "tiers", len(s.tiers), "sweep_interval", s.sweep)
}

// Stop cancels all loops and pending timers.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	for id, ct := range s.timers {
		ct.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("escalation scheduler stopped")
}

func (s *Scheduler) handle(event bus.Event) {
	switch payload := event.Payload.(type) {
	case bus.JobExhaustedEvent:
		s.Trigger(payload.Run, TriggerJobExhausted)
	case bus.SLABreachedEvent:
		s.Trigger(payload.Run, TriggerSLABreached)
	case bus.ReconciliationDiscrepancyEvent:
		s.Trigger(payload.Run, TriggerDiscrepancy)
	case bus.JobSucceededEvent:
		s.Resolve(payload.Run)
	case bus.ReconciliationVerifiedEvent:
		s.Resolve(payload.Run)
	case bus.DispatchFailureEvent:
		s.escalateDispatchFailure(payload)
	}
}

// Trigger opens a tier-1 case for the run's dedup_key, or records the
// newer trigger on the already-open case. Repeated triggers while a
// case is open never create a duplicate.
func (s *Scheduler) Trigger(run bus.RunRef, kind string) {
	key := run.DedupKey()
	unlock := s.lockKey(key)
	defer unlock()

	c, opened, err := s.store.OpenOrTouchCase(s.ctx, key, run.PipelineID, run.PartitionKey, kind, run.Seq)
	if err != nil {
		s.logger.Error("open case", "dedup_key", key, "error", err)
		return
	}
	if !opened {
		s.logger.Debug("trigger on already-open case", "case_id", c.ID, "dedup_key", key, "kind", kind)
		return
	}

	s.logger.Warn("escalation case opened",
		"case_id", c.ID,
		"dedup_key", key,
		"trigger_kind", kind,
		"trigger_seq", run.Seq,
	)
	s.publishTierChanged(c)
	s.scheduleAdvance(c)
}

// Resolve closes the open case for the run's dedup_key, but only when
// the resolving event is newer than every trigger on the case. A stale
// success from an out-of-order retry is ignored.
func (s *Scheduler) Resolve(run bus.RunRef) {
	key := run.DedupKey()
	unlock := s.lockKey(key)
	defer unlock()

	c, err := s.store.OpenCaseByKey(s.ctx, key)
	if err != nil {
		s.logger.Error("lookup case", "dedup_key", key, "error", err)
		return
	}
	if c == nil {
		return
	}
	resolved, err := s.store.ResolveCase(s.ctx, c.ID, run.Seq)
	if err != nil {
		s.logger.Error("resolve case", "case_id", c.ID, "error", err)
		return
	}
	if !resolved {
		s.logger.Debug("stale resolution ignored",
			"case_id", c.ID,
			"resolve_seq", run.Seq,
			"last_trigger_seq", c.LastTriggerSeq,
		)
		return
	}

	s.cancelTimer(c.ID)
	s.bus.Publish(bus.TopicCaseResolved, bus.CaseResolvedEvent{
		CaseID:   c.ID,
		DedupKey: key,
		Tier:     c.Tier,
	})
	s.logger.Info("escalation case resolved", "case_id", c.ID, "dedup_key", key, "tier", c.Tier)
}

// escalateDispatchFailure jumps a case straight to the maximum tier:
// operators must never be silently unaware that an alert could not be
// delivered.
func (s *Scheduler) escalateDispatchFailure(event bus.DispatchFailureEvent) {
	unlock := s.lockKey(event.DedupKey)
	defer unlock()

	c, changed, err := s.store.EscalateToMaxTier(s.ctx, event.CaseID, s.maxTier())
	if err != nil {
		s.logger.Error("escalate dispatch failure", "case_id", event.CaseID, "error", err)
		return
	}
	if !changed {
		// Already at max tier (or resolved); no further notification,
		// which also breaks any dispatch-failure feedback loop.
		return
	}
	s.cancelTimer(c.ID)
	c.TriggerKind = TriggerDispatchFailure
	s.logger.Error("dispatch failure escalated to max tier",
		"case_id", c.ID,
		"channel", event.Channel,
		"reason", event.Reason,
	)
	s.publishTierChanged(c)
}

func (s *Scheduler) publishTierChanged(c *persistence.EscalationCase) {
	s.bus.Publish(bus.TopicCaseTierChanged, bus.TierChangedEvent{
		CaseID:      c.ID,
		DedupKey:    c.DedupKey,
		PipelineID:  c.PipelineID,
		Tier:        c.Tier,
		TriggerKind: c.TriggerKind,
		ChangedAt:   c.LastTierChangeAt,
	})
}

// scheduleAdvance arms the tier-advance timer for an open case. The
// remaining delay counts from the persisted last_tier_change_at, so a
// restart resumes the countdown instead of restarting it.
func (s *Scheduler) scheduleAdvance(c *persistence.EscalationCase) {
	if c.Tier >= s.maxTier() {
		return
	}
	delay := s.tierDelay(c.Tier)
	if delay <= 0 {
		return
	}
	remaining := time.Until(c.LastTierChangeAt.Add(delay))
	if remaining < 0 {
		remaining = 0
	}

	s.mu.Lock()
	if existing, ok := s.timers[c.ID]; ok {
		existing.timer.Stop()
	}
	s.epochs[c.ID]++
	epoch := s.epochs[c.ID]
	caseID := c.ID
	key := c.DedupKey
	s.timers[caseID] = caseTimer{
		epoch: epoch,
		timer: time.AfterFunc(remaining, func() {
			s.advance(caseID, key, epoch)
		}),
	}
	s.mu.Unlock()
}

// cancelTimer stops any pending advance and bumps the epoch so an
// already-fired callback cannot act.
func (s *Scheduler) cancelTimer(caseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[caseID]++
	if ct, ok := s.timers[caseID]; ok {
		ct.timer.Stop()
		delete(s.timers, caseID)
	}
}

// advance is the timer callback: move the case one tier up unless it
// was resolved (or re-scheduled) since the timer was armed.
func (s *Scheduler) advance(caseID, key string, epoch int64) {
	if s.ctx.Err() != nil {
		return
	}
	unlock := s.lockKey(key)
	defer unlock()

	s.mu.Lock()
	current := s.epochs[caseID]
	delete(s.timers, caseID)
	s.mu.Unlock()
	if current != epoch {
		return
	}

	c, changed, err := s.store.AdvanceCaseTier(s.ctx, caseID, s.maxTier())
	if err != nil {
		s.logger.Error("advance tier", "case_id", caseID, "error", err)
		return
	}
	if !changed {
		return
	}
	s.logger.Warn("escalation tier advanced",
		"case_id", c.ID,
		"dedup_key", c.DedupKey,
		"tier", c.Tier,
	)
	s.publishTierChanged(c)
	s.scheduleAdvance(c)
}

// resumeOpenCases rebuilds timers for every persisted open case.
func (s *Scheduler) resumeOpenCases() {
	cases, err := s.store.OpenCases(s.ctx)
	if err != nil {
		s.logger.Error("resume open cases", "error", err)
		return
	}
	for _, c := range cases {
		unlock := s.lockKey(c.DedupKey)
		s.scheduleAdvance(c)
		unlock()
		s.logger.Info("resumed open case",
			"case_id", c.ID,
			"dedup_key", c.DedupKey,
			"tier", c.Tier,
			"last_tier_change_at", c.LastTierChangeAt,
		)
	}
}

// sweepLoop periodically re-arms timers for open cases that lost theirs
// (e.g. a failed advance), as a safety net under the in-memory arena.
func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Scheduler) sweepOnce() {
	cases, err := s.store.OpenCases(s.ctx)
	if err != nil {
		s.logger.Error("sweep open cases", "error", err)
		return
	}
	for _, c := range cases {
		if c.Tier >= s.maxTier() {
			continue
		}
		s.mu.Lock()
		_, armed := s.timers[c.ID]
		s.mu.Unlock()
		if armed {
			continue
		}
		unlock := s.lockKey(c.DedupKey)
		s.scheduleAdvance(c)
		unlock()
	}
}
