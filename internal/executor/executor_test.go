package executor

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"clustersched/internal/task"
	"clustersched/internal/task/engine"
	logx "clustersched/pkg/logx"
)

func TestSplit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, kind, arg string
	}{
		{"shell:echo hi", "shell", "echo hi"},
		{"  Systemd: restart nginx ", "systemd", "restart nginx"},
		{"viewsheet:sales/daily", "viewsheet", "sales/daily"},
		{"just a note", "log", "just a note"},
		{"query:a:b", "query", "a:b"},
	}
	for _, tt := range tests {
		kind, arg := Split(tt.in)
		if kind != tt.kind || arg != tt.arg {
			t.Fatalf("Split(%q) = %q, %q; want %q, %q", tt.in, kind, arg, tt.kind, tt.arg)
		}
	}
}

func TestRouterDispatchesByKind(t *testing.T) {
	t.Parallel()
	r := NewRouter(logx.Nop())
	var got string
	r.Handle("viewsheet", func(ctx context.Context, arg string, def task.Definition, principal string) error {
		got = arg + "@" + principal
		return nil
	})

	def := task.Definition{ID: task.ID{Name: "t"}, Action: "viewsheet:sales"}
	if err := r.Execute(context.Background(), def, "bob"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "sales@bob" {
		t.Fatalf("handler saw %q", got)
	}

	def.Action = "log:hello"
	if err := r.Execute(context.Background(), def, ""); err != nil {
		t.Fatalf("log action: %v", err)
	}

	def.Action = "ftp:upload"
	if err := r.Execute(context.Background(), def, ""); !engine.IsNoRetry(err) {
		t.Fatalf("unknown kind err = %v, want no-retry", err)
	}
}

func TestShellHandler(t *testing.T) {
	t.Parallel()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	h := Shell(ShellConfig{}, logx.Nop())
	def := task.Definition{ID: task.ID{Owner: "bob", Name: "t"}}
	ctx := context.Background()

	if err := h(ctx, `test "$CLUSTERSCHED_OWNER" = bob`, def, "bob"); err != nil {
		t.Fatalf("env not exported: %v", err)
	}
	err := h(ctx, "echo broken >&2; exit 3", def, "")
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("failing command err = %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := h(cctx, "sleep 5", def, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled command err = %v", err)
	}
}

func TestParseUnitArg(t *testing.T) {
	t.Parallel()
	verb, unit, err := parseUnitArg("Restart nginx")
	if err != nil || verb != "restart" || unit != "nginx.service" {
		t.Fatalf("parse = %q %q %v", verb, unit, err)
	}
	if _, unit, _ := parseUnitArg("start backup.timer"); unit != "backup.timer" {
		t.Fatalf("unit = %q", unit)
	}
	for _, bad := range []string{"", "nginx", "reload nginx", "start a b"} {
		if _, _, err := parseUnitArg(bad); err == nil {
			t.Fatalf("parseUnitArg(%q) accepted", bad)
		}
	}
}
