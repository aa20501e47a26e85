package engine

import (
	"context"
	"time"
)

// Outcome of one resource action as seen by observers.
const (
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// ActionRecord describes a dispatched action or a guard skip.
type ActionRecord struct {
	Resource     string
	ResourceType string
	Action       string
	Provider     string
	Outcome      string
	// Trigger is "" for the main pass, "immediate" or "delayed" for notifications.
	Trigger  string
	Detail   string
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Observer receives every action record of a run, in execution order.
type Observer interface {
	ObserveAction(ctx context.Context, rec ActionRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, rec ActionRecord)

// ObserveAction implements Observer.
func (f ObserverFunc) ObserveAction(ctx context.Context, rec ActionRecord) {
	f(ctx, rec)
}
