package storage

import (
	"errors"
	"fmt"
	"strings"

	logx "clustersched/pkg/logx"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// Open returns the task store for cfg, or (nil, nil) when storage is
// disabled. Without a store tasks live only as long as the scheduler.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
