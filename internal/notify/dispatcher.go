package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/greenwichg/etl-transforations/internal/backoff"
	"github.com/greenwichg/etl-transforations/internal/bus"
	otelPkg "github.com/greenwichg/etl-transforations/internal/otel"
	"github.com/greenwichg/etl-transforations/internal/persistence"
)

const (
	defaultWorkers     = 4
	defaultMaxAttempts = 5
)

// Config holds the dispatcher's dependencies. Audiences maps a tier to
// the channel names notified at that tier; a tier absent from the map
// notifies nobody.
type Config struct {
	Store       *persistence.Store
	Bus         *bus.Bus
	Logger      *slog.Logger
	Channels    []Channel
	Audiences   map[int][]string
	Workers     int
	MaxAttempts int
	Backoff     backoff.Strategy
	Tracer      trace.Tracer
}

// Dispatcher consumes tier-change events and delivers one notification
// per (case, tier, channel). The persisted dedup record makes delivery
// idempotent: a replayed event claims the same record and is skipped if
// it was already delivered.
type Dispatcher struct {
	store       *persistence.Store
	bus         *bus.Bus
	logger      *slog.Logger
	channels    map[string]Channel
	audiences   map[int][]string
	workers     int
	maxAttempts int
	backoff     backoff.Strategy
	tracer      trace.Tracer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	strategy := cfg.Backoff
	if strategy == nil {
		strategy = backoff.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	channels := make(map[string]Channel, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels[ch.Name()] = ch
	}
	return &Dispatcher{
		store:       cfg.Store,
		bus:         cfg.Bus,
		logger:      logger,
		channels:    channels,
		audiences:   cfg.Audiences,
		workers:     workers,
		maxAttempts: maxAttempts,
		backoff:     strategy,
		tracer:      tracer,
	}
}

// Start launches the worker pool over a blocking subscription: under
// load, escalation slows down rather than losing notifications.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	sub := d.bus.Subscribe(bus.TopicCaseTierChanged, bus.Block)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-sub.Ch():
					if !ok {
						return
					}
					if tc, ok := event.Payload.(bus.TierChangedEvent); ok {
						d.dispatch(ctx, tc)
					}
				}
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-ctx.Done()
		d.bus.Unsubscribe(sub)
	}()

	d.logger.Info("notification dispatcher started",
		"workers", d.workers,
		"channels", len(d.channels),
		"max_attempts", d.maxAttempts,
	)
}

func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("notification dispatcher stopped")
}

func (d *Dispatcher) dispatch(ctx context.Context, tc bus.TierChangedEvent) {
	msg := Message{
		CaseID:      tc.CaseID,
		DedupKey:    tc.DedupKey,
		PipelineID:  tc.PipelineID,
		Tier:        tc.Tier,
		TriggerKind: tc.TriggerKind,
		ChangedAt:   tc.ChangedAt,
	}
	for _, name := range d.audiences[tc.Tier] {
		channel, ok := d.channels[name]
		if !ok {
			d.logger.Warn("audience references unknown channel", "channel", name, "tier", tc.Tier)
			continue
		}
		d.deliverTo(ctx, channel, msg)
	}
}

// deliverTo claims the dedup record for (case, tier, channel) and runs
// the retry loop. Each channel is an independent idempotent subscriber:
// failure on one never blocks the others.
func (d *Dispatcher) deliverTo(ctx context.Context, channel Channel, msg Message) {
	ctx, span := otelPkg.StartSpan(ctx, d.tracer, "notify.deliver",
		otelPkg.AttrCaseID.String(msg.CaseID),
		otelPkg.AttrTier.Int(msg.Tier),
		otelPkg.AttrChannel.String(channel.Name()),
	)
	defer span.End()

	record, proceed, err := d.store.ClaimNotification(ctx, msg.CaseID, msg.Tier, channel.Name())
	if err != nil {
		// A notification that cannot even be claimed must not vanish
		// silently; surface it as a dispatch failure.
		d.logger.Error("claim notification", "case_id", msg.CaseID, "channel", channel.Name(), "error", err)
		d.bus.Publish(bus.TopicDispatchFailure, bus.DispatchFailureEvent{
			CaseID:   msg.CaseID,
			DedupKey: msg.DedupKey,
			Tier:     msg.Tier,
			Channel:  channel.Name(),
			Reason:   "claim notification: " + err.Error(),
		})
		return
	}
	if !proceed {
		d.logger.Debug("notification already delivered",
			"case_id", msg.CaseID,
			"tier", msg.Tier,
			"channel", channel.Name(),
		)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		result, err := channel.Send(ctx, msg)
		switch result {
		case Delivered:
			if err := d.store.MarkNotificationDelivered(ctx, record.ID, attempt); err != nil {
				d.logger.Error("mark delivered", "case_id", msg.CaseID, "channel", channel.Name(), "error", err)
			}
			d.logger.Info("notification delivered",
				"case_id", msg.CaseID,
				"tier", msg.Tier,
				"channel", channel.Name(),
				"attempts", attempt,
			)
			d.bus.Publish(bus.TopicNotifyDelivered, bus.NotificationDeliveredEvent{
				CaseID:  msg.CaseID,
				Tier:    msg.Tier,
				Channel: channel.Name(),
			})
			return
		case PermanentFailure:
			d.fail(ctx, channel.Name(), msg, record.ID, attempt, err)
			return
		default:
			lastErr = err
			d.logger.Warn("notification attempt failed",
				"case_id", msg.CaseID,
				"channel", channel.Name(),
				"attempt", attempt,
				"error", err,
			)
			if attempt < d.maxAttempts {
				select {
				case <-ctx.Done():
					return
				case <-time.After(d.backoff.Delay(attempt)):
				}
			}
		}
	}
	d.fail(ctx, channel.Name(), msg, record.ID, d.maxAttempts, lastErr)
}

func (d *Dispatcher) fail(ctx context.Context, channel string, msg Message, recordID int64, attempts int, cause error) {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	if err := d.store.MarkNotificationFailed(ctx, recordID, attempts, reason); err != nil {
		d.logger.Error("mark failed", "case_id", msg.CaseID, "channel", channel, "error", err)
	}
	d.logger.Error("notification permanently failed",
		"case_id", msg.CaseID,
		"tier", msg.Tier,
		"channel", channel,
		"attempts", attempts,
		"reason", reason,
	)
	d.bus.Publish(bus.TopicDispatchFailure, bus.DispatchFailureEvent{
		CaseID:   msg.CaseID,
		DedupKey: msg.DedupKey,
		Tier:     msg.Tier,
		Channel:  channel,
		Reason:   reason,
	})
}
