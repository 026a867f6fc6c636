package task

import "time"

type Status string

const (
	StatusNone      Status = "none"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// Activity is the run-state snapshot of one task. It is owned by the active
// scheduler and mirrored read-only on the other members.
type Activity struct {
	Task       string    `json:"task"`
	Node       string    `json:"node,omitempty"`
	Running    bool      `json:"running"`
	LastStart  time.Time `json:"last_start,omitempty"`
	LastEnd    time.Time `json:"last_end,omitempty"`
	NextRun    time.Time `json:"next_run,omitempty"`
	LastStatus Status    `json:"last_status"`
	LastError  string    `json:"last_error,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
}
