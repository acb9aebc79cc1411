package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	RunDuration            metric.Float64Histogram
	RunsActive             metric.Int64UpDownCounter
	RunFailures            metric.Int64Counter
	SLABreaches            metric.Int64Counter
	EventsPublished        metric.Int64Counter
	EventsDropped          metric.Int64Counter
	ChecksTotal            metric.Int64Counter
	CasesOpened            metric.Int64Counter
	CasesResolved          metric.Int64Counter
	NotificationsDelivered metric.Int64Counter
	NotificationsFailed    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("pipehealth.run.duration",
		metric.WithDescription("Job run wall time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsActive, err = meter.Int64UpDownCounter("pipehealth.run.active",
		metric.WithDescription("Number of currently active job runs"),
	)
	if err != nil {
		return nil, err
	}

	m.RunFailures, err = meter.Int64Counter("pipehealth.run.failures",
		metric.WithDescription("Failed job attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.SLABreaches, err = meter.Int64Counter("pipehealth.run.sla_breaches",
		metric.WithDescription("Runs that exceeded their deadline or stalled"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("pipehealth.bus.published",
		metric.WithDescription("Events published to the internal bus"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("pipehealth.bus.dropped",
		metric.WithDescription("Events evicted from lossy subscriber queues"),
	)
	if err != nil {
		return nil, err
	}

	m.ChecksTotal, err = meter.Int64Counter("pipehealth.reconcile.checks",
		metric.WithDescription("Reconciliation checks recorded, by status"),
	)
	if err != nil {
		return nil, err
	}

	m.CasesOpened, err = meter.Int64Counter("pipehealth.case.opened",
		metric.WithDescription("Escalation cases opened"),
	)
	if err != nil {
		return nil, err
	}

	m.CasesResolved, err = meter.Int64Counter("pipehealth.case.resolved",
		metric.WithDescription("Escalation cases resolved"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsDelivered, err = meter.Int64Counter("pipehealth.notify.delivered",
		metric.WithDescription("Notifications delivered, by channel"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsFailed, err = meter.Int64Counter("pipehealth.notify.failed",
		metric.WithDescription("Notifications permanently failed, by channel"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
