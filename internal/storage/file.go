package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"clustersched/internal/task"
	logx "clustersched/pkg/logx"
)

const compactEvery = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.tasks.snapshot.json (periodic snapshot)
//   - <prefix>.tasks.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	tasks        map[string]task.Definition

	writes int
}

type journalRecord struct {
	Op   string           `json:"op"` // "put" | "del"
	ID   task.ID          `json:"id"`
	Task *task.Definition `json:"task,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".tasks.snapshot.json"
	journalPath := prefix + ".tasks.journal.jsonl"

	tasks := map[string]task.Definition{}
	if err := loadSnapshot(snapPath, tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("task snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("task journal replay incomplete", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		tasks:        tasks,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) SaveTask(ctx context.Context, def task.Definition) error {
	_ = ctx
	def = def.Clone()
	return s.append(journalRecord{Op: "put", ID: def.ID, Task: &def}, func() {
		s.tasks[def.ID.String()] = def
	})
}

func (s *fileStore) DeleteTask(ctx context.Context, id task.ID) error {
	_ = ctx
	return s.append(journalRecord{Op: "del", ID: id}, func() {
		delete(s.tasks, id.String())
	})
}

func (s *fileStore) append(rec journalRecord, apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("task journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	apply()
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("task journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadTasks(ctx context.Context) ([]task.Definition, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]task.Definition, 0, len(s.tasks))
	for _, d := range s.tasks {
		out = append(out, d.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.tasks); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]task.Definition) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]task.Definition
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]task.Definition) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case "put":
			if r.Task != nil {
				out[r.ID.String()] = *r.Task
			}
		case "del":
			delete(out, r.ID.String())
		}
	}
	return sc.Err()
}
