package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"clustersched/internal/task"
	logx "clustersched/pkg/logx"
)

type ShellConfig struct {
	// Shell runs the command as `Shell -c <arg>`; default /bin/sh.
	Shell string
	Dir   string
	// MaxOutput caps the captured output quoted in errors and logs.
	MaxOutput int
}

// Shell returns a handler that runs the argument through a shell. The task
// identity is exported as CLUSTERSCHED_TASK, CLUSTERSCHED_OWNER and
// CLUSTERSCHED_PRINCIPAL.
func Shell(cfg ShellConfig, log logx.Logger) Handler {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 4 << 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(ctx context.Context, arg string, def task.Definition, principal string) error {
		if strings.TrimSpace(arg) == "" {
			return fmt.Errorf("task %s: empty shell command", def.ID)
		}
		cmd := exec.CommandContext(ctx, cfg.Shell, "-c", arg)
		cmd.Dir = cfg.Dir
		cmd.Env = append(os.Environ(),
			"CLUSTERSCHED_TASK="+def.ID.Name,
			"CLUSTERSCHED_OWNER="+def.ID.Owner,
			"CLUSTERSCHED_PRINCIPAL="+principal,
		)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		start := time.Now()
		err := cmd.Run()
		tail := lastBytes(out.String(), cfg.MaxOutput)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("task %s: shell: %w: %s", def.ID, err, tail)
		}
		log.Debug("shell action finished",
			logx.String("task", def.ID.String()),
			logx.Duration("took", time.Since(start)),
			logx.String("output", tail),
		)
		return nil
	}
}

func lastBytes(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
