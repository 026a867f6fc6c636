// Package replication propagates task lifecycle and run-activity changes to
// every member of the cluster and keeps a read-only replica on each member.
package replication

import (
	"time"

	"clustersched/internal/task"
)

type Action string

const (
	ActionAdded    Action = "ADDED"
	ActionModified Action = "MODIFIED"
	ActionRemoved  Action = "REMOVED"
)

type Kind string

const (
	KindTaskChange     Kind = "task_change"
	KindActivityChange Kind = "activity_change"
	KindSnapshot       Kind = "snapshot"
)

// TaskChange announces that a task definition was added, modified or
// removed. Def is nil for ActionRemoved.
type TaskChange struct {
	Task   string           `json:"task"`
	Def    *task.Definition `json:"def,omitempty"`
	Action Action           `json:"action"`
}

// ActivityChange carries the latest activity snapshot of one task.
type ActivityChange struct {
	Task     string        `json:"task"`
	Activity task.Activity `json:"activity"`
}

// Snapshot is the complete state of the active scheduler. Receivers replace
// their whole replica with it.
type Snapshot struct {
	Tasks      []task.Definition `json:"tasks"`
	Activities []task.Activity   `json:"activities"`
}

// Envelope is the wire unit. Exactly one payload field is set, matching Kind.
//
// Seq increases per (Sender, Epoch); Epoch changes whenever the sender
// restarts.
type Envelope struct {
	Sender string    `json:"sender"`
	Epoch  string    `json:"epoch"`
	Seq    uint64    `json:"seq"`
	Sent   time.Time `json:"sent"`
	Kind   Kind      `json:"kind"`

	TaskChange     *TaskChange     `json:"task_change,omitempty"`
	ActivityChange *ActivityChange `json:"activity_change,omitempty"`
	Snapshot       *Snapshot       `json:"snapshot,omitempty"`
}
