package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/storage"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

const (
	persistTimeout   = 2 * time.Second
	persistWarnEvery = time.Minute
)

// persistLocked writes e through to the store. Failures leave the scheduler
// running in memory; the warning is throttled.
func (s *Service) persistLocked(ctx context.Context, e *entry) {
	if s.store == nil {
		return
	}
	b, err := json.Marshal(e.Task)
	if err != nil {
		s.persistFailedLocked("marshal", err)
		return
	}
	ctx, cancel := context.WithTimeout(detach(ctx), persistTimeout)
	defer cancel()
	rec := storage.TaskRecord{ID: e.ID, Name: e.Name, Data: b, UpdatedAt: s.clock.Now()}
	if err := s.store.SaveTask(ctx, rec); err != nil {
		s.persistFailedLocked("save task", err)
	}
}

func (s *Service) deleteLocked(ctx context.Context, id string) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(detach(ctx), persistTimeout)
	defer cancel()
	if err := s.store.DeleteTask(ctx, id); err != nil {
		s.persistFailedLocked("delete task", err)
	}
}

func (s *Service) appendExecutionLocked(rec engine.ExecutionRecord) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.AppendExecution(ctx, rec); err != nil {
		s.persistFailedLocked("append execution", err)
	}
}

func (s *Service) persistFailedLocked(op string, err error) {
	now := s.clock.Now()
	if !s.persistWarnAt.IsZero() && now.Sub(s.persistWarnAt) < persistWarnEvery {
		return
	}
	s.persistWarnAt = now
	s.log.Warn("task persistence failed; continuing in memory", logx.String("op", op), logx.Err(err))
}

// detach keeps request values but drops the caller's cancellation so a
// finished HTTP request does not abort the write.
func detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}

// Restore loads persisted tasks. Definitions are revalidated; a stale or
// missing next run is recomputed from now. Records that fail validation or
// clash with an existing name are skipped and logged.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	recs, err := s.store.LoadTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load tasks: %w", err)
	}

	s.mu.Lock()
	now := s.clock.Now()
	restored := 0
	for _, rec := range recs {
		var t Task
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			s.log.Warn("skipping unreadable task record", logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		if t.ID == "" {
			t.ID = rec.ID
		}
		e, ve := compile(specOf(t))
		if ve != nil {
			s.log.Warn("skipping invalid task record", logx.String("id", t.ID), logx.String("name", t.Name), logx.Err(ve))
			continue
		}
		key := strings.ToLower(e.Name)
		if _, dup := s.byName[key]; dup {
			s.log.Warn("skipping task with duplicate name", logx.String("id", t.ID), logx.String("name", t.Name))
			continue
		}
		if _, dup := s.tasks[t.ID]; dup {
			continue
		}

		e.ID = t.ID
		e.CreatedAt = t.CreatedAt
		e.RetryCount = t.RetryCount
		e.LastRun = t.LastRun
		e.LastResult = t.LastResult
		e.LastError = t.LastError
		e.NextRun = t.NextRun
		e.SuccessCount = t.SuccessCount
		e.FailureCount = t.FailureCount
		e.AverageExecutionTime = t.AverageExecutionTime
		e.Unschedulable = t.Unschedulable
		e.DisabledAt = t.DisabledAt

		switch {
		case !e.Enabled:
			e.NextRun = nil
		case e.Recurrence.Kind == RecurNone && e.LastRun != nil && e.RetryCount == 0:
			e.NextRun = nil
		case e.NextRun == nil || e.NextRun.Before(now):
			e.RetryCount = 0
			s.scheduleRegularLocked(e, now)
		}
		s.tasks[e.ID] = e
		s.byName[key] = e.ID
		restored++
	}
	s.mu.Unlock()
	s.flushAlerts()
	s.nudge()

	s.log.Info("tasks restored", logx.Int("restored", restored), logx.Int("records", len(recs)))
	return restored, nil
}
