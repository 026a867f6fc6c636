// Package executor runs task actions on the local member.
//
// An action is "<kind>:<argument>". Kinds are routed to handlers; the
// built-in ones are shell, systemd and log. Report rendering kinds
// (viewsheet, query) are registered by whoever embeds the renderer.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"clustersched/internal/task"
	"clustersched/internal/task/engine"
	logx "clustersched/pkg/logx"
)

// Handler runs one action argument.
type Handler func(ctx context.Context, arg string, def task.Definition, principal string) error

// Router implements scheduler.Executor by dispatching on the action kind.
type Router struct {
	log logx.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter(log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{log: log, handlers: map[string]Handler{}}
	r.Handle("log", r.logAction)
	return r
}

// Handle registers h for kind, replacing any previous handler.
func (r *Router) Handle(kind string, h Handler) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	r.mu.Lock()
	if h == nil {
		delete(r.handlers, kind)
	} else {
		r.handlers[kind] = h
	}
	r.mu.Unlock()
}

func (r *Router) Kinds() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Split parses "kind:arg". An action without a colon is a log message.
func Split(action string) (kind, arg string) {
	action = strings.TrimSpace(action)
	i := strings.Index(action, ":")
	if i < 0 {
		return "log", action
	}
	return strings.ToLower(strings.TrimSpace(action[:i])), strings.TrimSpace(action[i+1:])
}

func (r *Router) Execute(ctx context.Context, def task.Definition, principal string) error {
	kind, arg := Split(def.Action)
	r.mu.RLock()
	h := r.handlers[kind]
	r.mu.RUnlock()
	if h == nil {
		return engine.NoRetry(fmt.Errorf("task %s: no handler for action kind %q", def.ID, kind))
	}
	return h(ctx, arg, def, principal)
}

func (r *Router) logAction(_ context.Context, arg string, def task.Definition, principal string) error {
	r.log.Info("task action",
		logx.String("task", def.ID.String()),
		logx.String("principal", principal),
		logx.String("message", arg),
	)
	return nil
}
