package main

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/greenwichg/etl-transforations/internal/bus"
	otelPkg "github.com/greenwichg/etl-transforations/internal/otel"
)

// metricsObserver maps bus traffic onto OTel counters. It uses a
// DropOldest subscription so backpressure from a slow exporter never
// stalls the components that publish.
type metricsObserver struct {
	bus     *bus.Bus
	metrics *otelPkg.Metrics
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newMetricsObserver(b *bus.Bus, m *otelPkg.Metrics, logger *slog.Logger) *metricsObserver {
	return &metricsObserver{bus: b, metrics: m, logger: logger}
}

func (o *metricsObserver) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	sub := o.bus.Subscribe("", bus.DropOldest)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.bus.Unsubscribe(sub)
		var seenDropped int64
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if d := sub.Dropped(); d > seenDropped {
					o.metrics.EventsDropped.Add(ctx, d-seenDropped)
					seenDropped = d
				}
				o.record(ctx, ev)
			}
		}
	}()
}

func (o *metricsObserver) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *metricsObserver) record(ctx context.Context, ev bus.Event) {
	o.metrics.EventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", ev.Topic)))

	switch p := ev.Payload.(type) {
	case bus.RunStartedEvent:
		o.metrics.RunsActive.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrPipelineID.String(p.Run.PipelineID)))
	case bus.JobSucceededEvent:
		o.metrics.RunsActive.Add(ctx, -1, metric.WithAttributes(otelPkg.AttrPipelineID.String(p.Run.PipelineID)))
		o.metrics.RunDuration.Record(ctx, p.Duration.Seconds(), metric.WithAttributes(otelPkg.AttrPipelineID.String(p.Run.PipelineID)))
	case bus.JobExhaustedEvent:
		o.metrics.RunsActive.Add(ctx, -1, metric.WithAttributes(otelPkg.AttrPipelineID.String(p.Run.PipelineID)))
		o.metrics.RunFailures.Add(ctx, 1, metric.WithAttributes(
			otelPkg.AttrPipelineID.String(p.Run.PipelineID),
			attribute.String("error_kind", p.ErrorKind),
		))
	case bus.SLABreachedEvent:
		o.metrics.SLABreaches.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrPipelineID.String(p.Run.PipelineID)))
	case bus.ReconciliationVerifiedEvent:
		o.metrics.ChecksTotal.Add(ctx, 1, metric.WithAttributes(
			otelPkg.AttrPipelineID.String(p.Run.PipelineID),
			attribute.String("verdict", "verified"),
		))
	case bus.ReconciliationDiscrepancyEvent:
		o.metrics.ChecksTotal.Add(ctx, 1, metric.WithAttributes(
			otelPkg.AttrPipelineID.String(p.Run.PipelineID),
			attribute.String("verdict", "discrepancy"),
		))
	case bus.TierChangedEvent:
		if p.Tier == 1 {
			o.metrics.CasesOpened.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrPipelineID.String(p.PipelineID)))
		}
	case bus.CaseResolvedEvent:
		o.metrics.CasesResolved.Add(ctx, 1)
	case bus.NotificationDeliveredEvent:
		o.metrics.NotificationsDelivered.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrChannel.String(p.Channel)))
	case bus.DispatchFailureEvent:
		o.metrics.NotificationsFailed.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrChannel.String(p.Channel)))
	}
}
