//go:build !linux

package executor

import (
	"context"
	"errors"
	"fmt"

	"clustersched/internal/task"
	"clustersched/internal/task/engine"
)

type Systemd struct{}

func NewSystemd() *Systemd { return &Systemd{} }

func (s *Systemd) Close() {}

func (s *Systemd) Handle(ctx context.Context, arg string, def task.Definition, principal string) error {
	if _, _, err := parseUnitArg(arg); err != nil {
		return engine.NoRetry(fmt.Errorf("task %s: %w", def.ID, err))
	}
	return engine.NoRetry(errors.New("systemd actions are only supported on linux"))
}
