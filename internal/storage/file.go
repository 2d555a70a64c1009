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
	"time"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

// fileStore keeps everything under one path prefix:
//   - <prefix>.tasks.snapshot.json / <prefix>.tasks.journal.jsonl
//   - <prefix>.dedup.snapshot.json / <prefix>.dedup.journal.jsonl
//   - <prefix>.executions.jsonl (append-only, rewritten on prune)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	dir      string
	tasks    *journal
	dedup    *journal
	execPath string
	execFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	tasks, err := openJournal(prefix+".tasks.snapshot.json", prefix+".tasks.journal.jsonl", 500)
	if err != nil {
		return nil, err
	}
	dedup, err := openJournal(prefix+".dedup.snapshot.json", prefix+".dedup.journal.jsonl", 1000)
	if err != nil {
		_ = tasks.close()
		return nil, err
	}
	pruneExpiredDedup(dedup, time.Now())

	execPath := prefix + ".executions.jsonl"
	ef, err := os.OpenFile(execPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = tasks.close()
		_ = dedup.close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("tasks", len(tasks.data)))
	return &fileStore{
		log:      log,
		dir:      dir,
		tasks:    tasks,
		dedup:    dedup,
		execPath: execPath,
		execFile: ef,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := []error{s.tasks.close(), s.dedup.close()}
	if s.execFile != nil {
		errs = append(errs, s.execFile.Close())
		s.execFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) Ping(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	closed := s.execFile == nil
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := os.Stat(s.dir)
	return err
}

func (s *fileStore) SaveTask(ctx context.Context, rec TaskRecord) error {
	_ = ctx
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("task id required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.put(rec.ID, rec)
}

func (s *fileStore) DeleteTask(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.del(id)
}

func (s *fileStore) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskRecord, 0, len(s.tasks.data))
	for id := range s.tasks.data {
		var rec TaskRecord
		if _, err := s.tasks.get(id, &rec); err != nil {
			s.log.Warn("skipping corrupt task record", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) AppendExecution(ctx context.Context, rec engine.ExecutionRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.execFile).Encode(rec)
}

func (s *fileStore) readExecutionsLocked() ([]engine.ExecutionRecord, error) {
	f, err := os.Open(s.execPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []engine.ExecutionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r engine.ExecutionRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

func (s *fileStore) ListExecutions(ctx context.Context, taskID string, limit int) ([]engine.ExecutionRecord, error) {
	_ = ctx
	s.mu.Lock()
	all, err := s.readExecutionsLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]engine.ExecutionRecord, 0, 16)
	for i := len(all) - 1; i >= 0; i-- {
		if taskID != "" && all[i].TaskID != taskID {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PruneExecutions rewrites the execution log without records older than before.
func (s *fileStore) PruneExecutions(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return 0, ErrClosed
	}
	all, err := s.readExecutionsLocked()
	if err != nil {
		return 0, err
	}
	kept := make([]engine.ExecutionRecord, 0, len(all))
	for _, r := range all {
		if r.ExecutedAt.Before(before) {
			continue
		}
		kept = append(kept, r)
	}
	removed := len(all) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	tmp := s.execPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range kept {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	_ = s.execFile.Close()
	s.execFile = nil
	if err := os.Rename(tmp, s.execPath); err != nil {
		return 0, err
	}
	ef, err := os.OpenFile(s.execPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	s.execFile = ef
	return removed, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dedup.put(key, until.UnixMilli())
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ms int64
	ok, err := s.dedup.get(key, &ms)
	if !ok || err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func pruneExpiredDedup(j *journal, now time.Time) {
	cutoff := now.UnixMilli()
	for k := range j.data {
		var ms int64
		if _, err := j.get(k, &ms); err != nil || ms < cutoff {
			delete(j.data, k)
		}
	}
}
