// Package task defines the scheduled-task data model shared by the
// scheduler, the balancer, storage and replication.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"clustersched/internal/condition"
)

var (
	ErrNameRequired = errors.New("task name required")
	ErrNotFound     = errors.New("task not found")
)

// ID identifies a task cluster-wide: (owner, name).
type ID struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// String is the replication key: "owner/name", or just name for the
// default owner.
func (id ID) String() string {
	if id.Owner == "" {
		return id.Name
	}
	return id.Owner + "/" + id.Name
}

func (id ID) Less(o ID) bool {
	if id.Owner != o.Owner {
		return id.Owner < o.Owner
	}
	return id.Name < o.Name
}

// ParseID splits "owner/name". A bare name has an empty owner.
func ParseID(s string) ID {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "/"); i >= 0 {
		return ID{Owner: s[:i], Name: s[i+1:]}
	}
	return ID{Name: s}
}

// Definition is a task record as stored, replicated and balanced.
//
// Conditions are ORed: the task is eligible when any one of them is due.
type Definition struct {
	ID         ID               `json:"id"`
	Enabled    bool             `json:"enabled"`
	Conditions []condition.Spec `json:"conditions,omitempty"`
	// Node is the member that executes the task; empty means the scheduler node.
	Node string `json:"node,omitempty"`
	// TimeRange binds the task to a named daily window for balancing.
	TimeRange string `json:"time_range,omitempty"`

	// Action is opaque to the core and handed to the executor.
	Action    string        `json:"action,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Principal string        `json:"principal,omitempty"`

	// Source names the task source for tasks not in primary storage.
	Source  string    `json:"source,omitempty"`
	Updated time.Time `json:"updated"`
}

func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID.Name) == "" {
		return ErrNameRequired
	}
	if strings.Contains(d.ID.Owner, "/") {
		return fmt.Errorf("task %s: owner must not contain '/'", d.ID)
	}
	// Folders are only addressable under an owner.
	if d.ID.Owner == "" && strings.Contains(d.ID.Name, "/") {
		return fmt.Errorf("task %s: folder names require an owner", d.ID)
	}
	for i, c := range d.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("task %s: condition %d: %w", d.ID, i, err)
		}
	}
	return nil
}

// Clone returns a deep copy (conditions slice included).
func (d Definition) Clone() Definition {
	cp := d
	if d.Conditions != nil {
		cp.Conditions = append([]condition.Spec(nil), d.Conditions...)
	}
	return cp
}

// DependsOn reports whether d has a completion condition on target.
func (d Definition) DependsOn(target string) bool {
	for _, c := range d.Conditions {
		if c.Kind == condition.KindCompletion && c.Task == target {
			return true
		}
	}
	return false
}
