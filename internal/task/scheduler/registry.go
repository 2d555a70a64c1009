package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/market"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

// ScheduleTask validates spec, computes its first run and stores it.
// Nothing is stored unless every field is valid.
func (s *Service) ScheduleTask(ctx context.Context, spec TaskSpec) (string, error) {
	e, ve := compile(spec)
	if ve != nil {
		return "", ve
	}
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if _, dup := s.byName[strings.ToLower(e.Name)]; dup {
		s.mu.Unlock()
		return "", &ValidationError{Errors: []FieldError{{Field: "name", Message: "a task named " + e.Name + " already exists"}}}
	}
	now := s.clock.Now()
	e.ID = uuid.NewString()
	e.CreatedAt = now
	if !e.Enabled {
		t := now
		e.DisabledAt = &t
	} else {
		s.scheduleRegularLocked(e, now)
	}
	s.tasks[e.ID] = e
	s.byName[strings.ToLower(e.Name)] = e.ID
	s.persistLocked(ctx, e)
	next := e.NextRun
	s.mu.Unlock()
	s.flushAlerts()
	s.nudge()

	fields := []logx.Field{logx.String("task", e.Name), logx.String("id", e.ID), logx.String("target", e.Target), logx.String("phase", string(e.Phase))}
	if next != nil {
		fields = append(fields, logx.Time("next_run", *next))
	}
	s.log.Info("task registered", fields...)
	return e.ID, nil
}

// CancelTask removes a task. It is idempotent: an unknown id reports
// Found=false. A running invocation is cancelled and forgotten; its side
// effects are indeterminate.
func (s *Service) CancelTask(ctx context.Context, id string) CancelResult {
	res := CancelResult{TaskID: id}
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return res
	}
	res.Found = true
	if h, running := s.inflight[id]; running {
		h.cancel()
		delete(s.inflight, id)
		s.counters.AddCancelledInFlight()
		res.WasRunning = true
	}
	delete(s.tasks, id)
	delete(s.byName, strings.ToLower(e.Name))
	s.deleteLocked(ctx, id)
	s.mu.Unlock()
	s.nudge()

	s.log.Info("task cancelled", logx.String("task", e.Name), logx.String("id", id), logx.Bool("was_running", res.WasRunning))
	return res
}

// ListTasks returns a snapshot ordered by next run (unscheduled last), then name.
func (s *Service) ListTasks(f Filter) []TaskInfo {
	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for id, e := range s.tasks {
		_, running := s.inflight[id]
		if f.Enabled != nil && e.Enabled != *f.Enabled {
			continue
		}
		if f.Phase != "" && e.Phase != f.Phase {
			continue
		}
		if f.Service != "" && !strings.EqualFold(e.service, f.Service) {
			continue
		}
		if f.Running != nil && running != *f.Running {
			continue
		}
		out = append(out, s.infoLocked(e))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextRun, out[j].NextRun
		switch {
		case a == nil && b != nil:
			return false
		case a != nil && b == nil:
			return true
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// SetTaskEnabled toggles a task. Disabling clears the next run and records
// DisabledAt; enabling recomputes the next run.
func (s *Service) SetTaskEnabled(ctx context.Context, id string, enabled bool) (TaskInfo, error) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return TaskInfo{}, ErrTaskNotFound
	}
	if e.Enabled != enabled {
		now := s.clock.Now()
		e.Enabled = enabled
		if enabled {
			e.DisabledAt = nil
			e.RetryCount = 0
			e.Unschedulable = false
			s.scheduleRegularLocked(e, now)
		} else {
			t := now
			e.DisabledAt = &t
			e.NextRun = nil
		}
		s.persistLocked(ctx, e)
	}
	info := s.infoLocked(e)
	s.mu.Unlock()
	s.flushAlerts()
	s.nudge()

	s.log.Info("task enabled changed", logx.String("task", info.Name), logx.Bool("enabled", enabled))
	return info, nil
}

// scheduleRegularLocked sets the next daily slot, tracking transitions into
// and out of the unschedulable state.
func (s *Service) scheduleRegularLocked(e *entry, now time.Time) {
	next, ok := s.sched.NextRun(e.slot(), now)
	if ok {
		e.NextRun = &next
		e.Unschedulable = false
		return
	}
	e.NextRun = nil
	if e.Unschedulable {
		return
	}
	e.Unschedulable = true
	s.counters.AddUnschedulable()
	s.log.Warn("task unschedulable",
		logx.String("task", e.Name),
		logx.String("schedule_time", e.ScheduleTime),
		logx.String("phase", string(e.Phase)),
		logx.Int("lookahead_days", market.LookaheadDays),
	)
	s.queueAlertLocked("task_unschedulable", 6, map[string]any{
		"task_id":       e.ID,
		"name":          e.Name,
		"schedule_time": e.ScheduleTime,
		"market_phase":  string(e.Phase),
		"weekdays":      e.days.String(),
	})
}

func (s *Service) infoLocked(e *entry) TaskInfo {
	t := e.Task
	t.Weekdays = append([]int(nil), e.Weekdays...)
	t.Parameters = cloneParams(e.Parameters)
	t.LastRun = copyTime(e.LastRun)
	t.NextRun = copyTime(e.NextRun)
	t.DisabledAt = copyTime(e.DisabledAt)
	info := TaskInfo{Task: t}
	if h, ok := s.inflight[e.ID]; ok {
		info.Running = true
		started := h.started
		info.RunningSince = &started
	}
	return info
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
