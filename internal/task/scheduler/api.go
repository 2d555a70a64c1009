package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/market"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

// ExecuteTask starts a task now, outside its schedule. force overrides a
// disabled task and an open breaker, never the concurrency ceiling.
func (s *Service) ExecuteTask(ctx context.Context, id string, force bool) (TaskInfo, error) {
	if err := ctx.Err(); err != nil {
		return TaskInfo{}, err
	}
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return TaskInfo{}, ErrStopped
	}
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return TaskInfo{}, ErrTaskNotFound
	}
	if _, busy := s.inflight[id]; busy {
		s.mu.Unlock()
		return TaskInfo{}, ErrAlreadyRunning
	}
	now := s.clock.Now()
	if len(s.inflight) >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		return TaskInfo{}, ErrAtCapacity
	}
	if !force {
		switch {
		case !e.Enabled:
			s.mu.Unlock()
			return TaskInfo{}, ErrTaskDisabled
		case s.breaker.IsOpen(e.service, now):
			s.mu.Unlock()
			return TaskInfo{}, ErrCircuitOpen
		}
	}
	s.startLocked(s.runCtx, e, now, true)
	info := s.infoLocked(e)
	s.mu.Unlock()

	s.log.Info("task executed manually", logx.String("task", e.Name), logx.Bool("force", force))
	return info, nil
}

// GetTaskStatus returns a task with its recent executions.
func (s *Service) GetTaskStatus(id string) (TaskStatus, error) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return TaskStatus{}, ErrTaskNotFound
	}
	st := TaskStatus{
		TaskInfo:    s.infoLocked(e),
		BreakerOpen: s.breaker.IsOpen(e.service, s.clock.Now()),
	}
	s.mu.Unlock()
	st.Recent = s.history.Recent(id, 20)
	return st, nil
}

// SetMarketSchedule replaces the market calendar and recomputes the next run
// of every idle, enabled task. Tasks waiting on a retry backoff keep it.
func (s *Service) SetMarketSchedule(ctx context.Context, cfg market.Config) (market.Status, error) {
	sched, err := market.New(cfg)
	if err != nil {
		return market.Status{}, err
	}
	s.mu.Lock()
	s.sched = sched
	now := s.clock.Now()
	recomputed := 0
	for id, e := range s.tasks {
		if !e.Enabled || e.RetryCount > 0 {
			continue
		}
		if _, busy := s.inflight[id]; busy {
			continue
		}
		if e.Recurrence.Kind == RecurNone && e.LastRun != nil {
			continue
		}
		s.scheduleRegularLocked(e, now)
		s.persistLocked(ctx, e)
		recomputed++
	}
	st := sched.StatusAt(now)
	s.mu.Unlock()
	s.flushAlerts()
	s.nudge()

	s.log.Info("market schedule updated", logx.String("tz", sched.Location().String()), logx.Int("recomputed", recomputed))
	return st, nil
}

func (s *Service) GetMarketStatus() market.Status {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()
	return sched.StatusAt(s.clock.Now())
}

// MarketSchedule returns the active calendar.
func (s *Service) MarketSchedule() *market.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

// CleanupReport describes one retention pass.
type CleanupReport struct {
	Cutoff            time.Time `json:"cutoff"`
	HistoryPruned     int       `json:"history_pruned"`
	StorePruned       int       `json:"store_pruned"`
	TasksRemoved      []string  `json:"tasks_removed"`
	BreakersPurged    int       `json:"breakers_purged"`
	StoreError        string    `json:"store_error,omitempty"`
	HistoryRemaining  int       `json:"history_remaining"`
	RetentionDuration string    `json:"retention"`
}

// Cleanup drops execution records older than olderThan (default: the history
// retention) and removes tasks that have been disabled for longer than that.
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) CleanupReport {
	if olderThan <= 0 {
		olderThan = s.history.Config().Retention
	}
	now := s.clock.Now()
	cutoff := now.Add(-olderThan)
	rep := CleanupReport{Cutoff: cutoff, RetentionDuration: olderThan.String(), TasksRemoved: []string{}}

	rep.HistoryPruned = s.history.Prune(cutoff)
	rep.HistoryRemaining = s.history.Len()
	rep.BreakersPurged = s.breaker.Sweep(now)

	s.mu.Lock()
	for id, e := range s.tasks {
		if e.Enabled || e.DisabledAt == nil || !e.DisabledAt.Before(cutoff) {
			continue
		}
		if _, busy := s.inflight[id]; busy {
			continue
		}
		delete(s.tasks, id)
		delete(s.byName, strings.ToLower(e.Name))
		s.deleteLocked(ctx, id)
		rep.TasksRemoved = append(rep.TasksRemoved, e.Name)
	}
	st := s.store
	s.mu.Unlock()

	if st != nil {
		n, err := st.PruneExecutions(ctx, cutoff)
		if err != nil {
			rep.StoreError = err.Error()
			s.log.Warn("execution prune failed", logx.Err(err))
		}
		rep.StorePruned = n
	}
	s.log.Info("cleanup finished",
		logx.Int("history_pruned", rep.HistoryPruned),
		logx.Int("store_pruned", rep.StorePruned),
		logx.Int("tasks_removed", len(rep.TasksRemoved)),
		logx.Duration("older_than", olderThan),
	)
	return rep
}

// ValidationReport is the dry-run result of ValidateTaskConfig.
type ValidationReport struct {
	Valid    bool         `json:"valid"`
	Errors   []FieldError `json:"errors,omitempty"`
	NextRun  *time.Time   `json:"next_run,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
}

// ValidateTaskConfig checks spec without registering it and previews the
// first run.
func (s *Service) ValidateTaskConfig(spec TaskSpec) ValidationReport {
	e, ve := compile(spec)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ve == nil {
		if _, dup := s.byName[strings.ToLower(e.Name)]; dup {
			ve = &ValidationError{Errors: []FieldError{{Field: "name", Message: "a task named " + e.Name + " already exists"}}}
		}
	}
	if ve != nil {
		return ValidationReport{Errors: ve.Errors}
	}
	rep := ValidationReport{Valid: true}
	next, ok := s.sched.NextRun(e.slot(), s.clock.Now())
	if !ok {
		rep.Warnings = append(rep.Warnings, "no run within the lookahead window; the task would be registered as unschedulable")
	} else {
		rep.NextRun = &next
	}
	if !e.Enabled {
		rep.Warnings = append(rep.Warnings, "task is disabled and will not run until enabled")
	}
	if s.breaker.IsOpen(e.service, s.clock.Now()) {
		rep.Warnings = append(rep.Warnings, "circuit breaker for service "+e.service+" is open")
	}
	return rep
}

// History returns recent execution records, newest first.
func (s *Service) History(taskID string, limit int) []engine.ExecutionRecord {
	return s.history.Recent(taskID, limit)
}
