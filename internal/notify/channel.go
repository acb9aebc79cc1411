// Package notify delivers escalation notifications over outbound
// channels with at-least-once retries and persisted deduplication, so
// redelivered events never page anyone twice.
package notify

import (
	"context"
	"time"
)

// Message is one escalation notification to deliver.
type Message struct {
	CaseID      string
	DedupKey    string
	PipelineID  string
	Tier        int
	TriggerKind string
	ChangedAt   time.Time
}

// DeliveryResult classifies one delivery attempt.
type DeliveryResult int

const (
	// Delivered means the channel accepted the message.
	Delivered DeliveryResult = iota
	// TransientFailure means the attempt failed but a retry may succeed.
	TransientFailure
	// PermanentFailure means retrying cannot help (bad payload, bad URL).
	PermanentFailure
)

func (r DeliveryResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Channel is one outbound notification destination. Send must be safe
// for concurrent use.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) (DeliveryResult, error)
}
