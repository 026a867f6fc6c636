//go:build linux

package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"

	"clustersched/internal/task"
	"clustersched/internal/task/engine"
)

// Systemd drives units over the system D-Bus. The argument is
// "<start|stop|restart> <unit>"; a unit without a suffix gets ".service".
// The connection is opened on first use.
type Systemd struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func NewSystemd() *Systemd { return &Systemd{} }

func (s *Systemd) connect(ctx context.Context) (*dbus.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.conn.Connected() {
		return s.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	s.conn = conn
	return conn, nil
}

func (s *Systemd) Close() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *Systemd) Handle(ctx context.Context, arg string, def task.Definition, principal string) error {
	verb, unit, err := parseUnitArg(arg)
	if err != nil {
		return engine.NoRetry(fmt.Errorf("task %s: %w", def.ID, err))
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}

	done := make(chan string, 1)
	switch verb {
	case "start":
		_, err = conn.StartUnitContext(ctx, unit, "replace", done)
	case "stop":
		_, err = conn.StopUnitContext(ctx, unit, "replace", done)
	case "restart":
		_, err = conn.RestartUnitContext(ctx, unit, "replace", done)
	}
	if err != nil {
		return fmt.Errorf("task %s: %s %s: %w", def.ID, verb, unit, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("task %s: %s %s: job %s", def.ID, verb, unit, res)
		}
	}
	return nil
}
