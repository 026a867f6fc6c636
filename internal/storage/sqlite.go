package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clustersched/internal/task"
	logx "clustersched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveTask(ctx context.Context, def task.Definition) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if def.Updated.IsZero() {
		def.Updated = time.Now()
	}
	body, err := json.Marshal(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(owner, name, enabled, node, time_range, body, updated)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(owner, name) DO UPDATE SET
		   enabled=excluded.enabled, node=excluded.node, time_range=excluded.time_range,
		   body=excluded.body, updated=excluded.updated`,
		def.ID.Owner, def.ID.Name, def.Enabled, nullStr(def.Node), nullStr(def.TimeRange),
		string(body), def.Updated.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id task.ID) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE owner = ? AND name = ?`, id.Owner, id.Name)
	return err
}

func (s *sqliteStore) LoadTasks(ctx context.Context) ([]task.Definition, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM tasks ORDER BY owner, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Definition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d task.Definition
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			s.log.Warn("skipping unreadable task row", logx.Err(err))
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
