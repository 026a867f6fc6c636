package storage

import (
	"context"
	"errors"
	"time"

	"clustersched/internal/task"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the task-record persistence API.
type Store interface {
	SaveTask(ctx context.Context, def task.Definition) error
	DeleteTask(ctx context.Context, id task.ID) error
	LoadTasks(ctx context.Context) ([]task.Definition, error)
	Close() error
}
