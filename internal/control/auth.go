package control

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"clustersched/internal/task"
)

// Operation names an action checked by an Authorizer.
type Operation string

const (
	OpLifecycle Operation = "lifecycle"
	OpRun       Operation = "run"
	OpStop      Operation = "stop"
	OpWrite     Operation = "write"
	OpRead      Operation = "read"
	OpExecute   Operation = "execute"
)

// Authorizer decides whether principal may perform op. id is zero for
// operations that do not address one task.
type Authorizer interface {
	Authorize(ctx context.Context, principal string, op Operation, id task.ID) error
}

type AuthorizerFunc func(ctx context.Context, principal string, op Operation, id task.ID) error

func (f AuthorizerFunc) Authorize(ctx context.Context, principal string, op Operation, id task.ID) error {
	return f(ctx, principal, op, id)
}

// AllowAll permits everything.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, string, Operation, task.ID) error { return nil })

// RoleAuthorizer grants admins every operation, lets owners manage their
// own tasks and everybody read. Members (the principal other nodes use)
// may execute dispatched runs.
type RoleAuthorizer struct {
	Admins  []string
	Members []string
}

func (a RoleAuthorizer) Authorize(_ context.Context, principal string, op Operation, id task.ID) error {
	p := strings.TrimSpace(principal)
	if contains(a.Admins, p) {
		return nil
	}
	switch op {
	case OpRead:
		return nil
	case OpExecute:
		if contains(a.Members, p) {
			return nil
		}
	case OpRun, OpStop, OpWrite:
		if p != "" && id.Owner != "" && strings.EqualFold(id.Owner, p) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not %s %s", ErrForbidden, orAnonymous(p), op, id)
}

func contains(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}

func orAnonymous(p string) string {
	if p == "" {
		return "anonymous"
	}
	return p
}

// Catalog lists the report assets tasks refer to. Rendering them belongs to
// the executor.
type Catalog interface {
	Viewsheets(ctx context.Context, principal string) ([]string, error)
	Queries(ctx context.Context, principal string) ([]string, error)
}

// ActionCatalog derives the catalog from task actions of the form
// "viewsheet:<path>" and "query:<path>". A principal sees the assets of
// their own tasks and of ownerless tasks.
type ActionCatalog struct {
	Tasks func() []task.Definition
}

func (c ActionCatalog) Viewsheets(_ context.Context, principal string) ([]string, error) {
	return c.collect("viewsheet:", principal), nil
}

func (c ActionCatalog) Queries(_ context.Context, principal string) ([]string, error) {
	return c.collect("query:", principal), nil
}

func (c ActionCatalog) collect(prefix, principal string) []string {
	if c.Tasks == nil {
		return nil
	}
	seen := map[string]bool{}
	out := []string{}
	for _, d := range c.Tasks() {
		if d.ID.Owner != "" && principal != "" && !strings.EqualFold(d.ID.Owner, principal) {
			continue
		}
		a := strings.TrimSpace(d.Action)
		if !strings.HasPrefix(a, prefix) {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(a, prefix))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
