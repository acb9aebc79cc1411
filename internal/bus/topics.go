package bus

import "time"

// Run lifecycle topics, published by the job tracker.
const (
	TopicRunStarted   = "run.started"
	TopicRunSucceeded = "run.succeeded"
	TopicRunFailed    = "run.failed"
	TopicRunRetrying  = "run.retrying"
	TopicRunExhausted = "run.exhausted"
	TopicRunSLABreach = "run.sla_breached"
)

// Reconciliation topics, published by the reconciliation engine.
const (
	TopicReconcileVerified    = "reconcile.verified"
	TopicReconcileDiscrepancy = "reconcile.discrepancy"
)

// Escalation topics, published by the escalation scheduler.
const (
	TopicCaseTierChanged = "case.tier_changed"
	TopicCaseResolved    = "case.resolved"
)

// Dispatch topics, published by the notification dispatcher.
const (
	TopicNotifyDelivered = "notify.delivered"
	TopicDispatchFailure = "notify.dispatch_failure"
)

// RunRef identifies one pipeline execution against one partition. Seq is
// the monotonic per-dedup-key sequence number assigned by the store when
// the originating transition was recorded.
type RunRef struct {
	RunID        string
	PipelineID   string
	PartitionKey string
	Seq          int64
}

// DedupKey returns the identity used to collapse repeated triggers.
func (r RunRef) DedupKey() string {
	return r.PipelineID + "/" + r.PartitionKey
}

// RunStartedEvent is published when a run enters RUNNING.
type RunStartedEvent struct {
	Run     RunRef
	Attempt int
}

// JobSucceededEvent is published when a run completes successfully.
// Metrics carries the producer-reported aggregates, if any. Duration is
// wall time from start to completion.
type JobSucceededEvent struct {
	Run      RunRef
	Metrics  map[string]float64
	Duration time.Duration
}

// JobFailedEvent is published on each failed attempt.
type JobFailedEvent struct {
	Run       RunRef
	Attempt   int
	ErrorKind string
}

// RunRetryingEvent is published when a failed run still has attempts left.
type RunRetryingEvent struct {
	Run     RunRef
	Attempt int
}

// JobExhaustedEvent is published when a run fails its final attempt.
type JobExhaustedEvent struct {
	Run       RunRef
	Attempts  int
	ErrorKind string
}

// SLABreachedEvent is published once when a running run exceeds its
// deadline. The run keeps executing and may still succeed.
type SLABreachedEvent struct {
	Run      RunRef
	Deadline time.Time
}

// ReconciliationVerifiedEvent is published when every configured metric
// for a run checked out within tolerance.
type ReconciliationVerifiedEvent struct {
	Run RunRef
}

// MetricDelta describes one metric that exceeded tolerance.
type MetricDelta struct {
	Metric string
	Source float64
	Target float64
	Delta  float64
	// Ranges lists the sub-ranges whose checksums differed, when the
	// drill-down ran. Empty for aggregate-only checks.
	Ranges []string
}

// ReconciliationDiscrepancyEvent is published when at least one metric
// exceeded its tolerance.
type ReconciliationDiscrepancyEvent struct {
	Run    RunRef
	Deltas []MetricDelta
}

// TierChangedEvent is published on every tier transition of an escalation
// case, including the initial open at tier 1.
type TierChangedEvent struct {
	CaseID      string
	DedupKey    string
	PipelineID  string
	Tier        int
	TriggerKind string
	ChangedAt   time.Time
}

// CaseResolvedEvent is published when an open case is resolved.
type CaseResolvedEvent struct {
	CaseID   string
	DedupKey string
	Tier     int
}

// NotificationDeliveredEvent is published after a channel confirms
// delivery for a case/tier pair.
type NotificationDeliveredEvent struct {
	CaseID  string
	Tier    int
	Channel string
}

// DispatchFailureEvent is published when a notification could not be
// delivered after all retries. The escalation scheduler treats it as a
// fatal signal and jumps the case to its maximum tier.
type DispatchFailureEvent struct {
	CaseID   string
	DedupKey string
	Tier     int
	Channel  string
	Reason   string
}
