package stores

import (
	"time"
)

// RunStatus is the state of a journaled run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusConverged RunStatus = "converged"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one convergence run.
type Run struct {
	ID          string     `json:"id"`
	Roles       []string   `json:"roles"`
	Hostname    string     `json:"hostname"`
	Version     string     `json:"version"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// Duration is the run's wall time, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Action is one journaled action record.
type Action struct {
	RunID        string        `json:"run_id"`
	Seq          int           `json:"seq"`
	Resource     string        `json:"resource"`
	ResourceType string        `json:"resource_type"`
	Action       string        `json:"action"`
	Provider     string        `json:"provider,omitempty"`
	Outcome      string        `json:"outcome"`
	Trigger      string        `json:"trigger,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Error        *string       `json:"error,omitempty"`
}

// RunSummary counts a run's actions by outcome.
type RunSummary struct {
	Run       *Run
	Updated   int
	Unchanged int
	Skipped   int
	Failed    int
}
