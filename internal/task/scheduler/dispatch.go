package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

// TickReport summarizes one dispatch pass.
type TickReport struct {
	Due               int `json:"due"`
	Dispatched        int `json:"dispatched"`
	DeferredByCeiling int `json:"deferred_by_ceiling"`
	DeferredByBreaker int `json:"deferred_by_breaker"`
}

// Tick runs one dispatch pass: due tasks (next run within the jitter buffer)
// are ordered by priority, next run and name, and admitted up to the
// concurrency ceiling. Tasks left over stay due for the next tick.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	var rep TickReport
	if s.preflight != nil {
		if err := s.preflight(ctx); err != nil {
			return rep, fmt.Errorf("preflight: %w", err)
		}
	}

	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return rep, ErrStopped
	case StatePaused, StateDegraded:
		s.mu.Unlock()
		return rep, nil
	}
	now := s.clock.Now()
	horizon := now.Add(s.cfg.JitterBuffer)

	due := make([]*entry, 0, 8)
	var held, newlyHeld []*entry
	for id, e := range s.tasks {
		if !e.Enabled || e.NextRun == nil || e.NextRun.After(horizon) {
			continue
		}
		if _, busy := s.inflight[id]; busy {
			continue
		}
		if s.breaker.IsOpen(e.service, now) {
			held = append(held, e)
			if !e.breakerHeld {
				e.breakerHeld = true
				newlyHeld = append(newlyHeld, e)
			}
			continue
		}
		e.breakerHeld = false
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.NextRun.Equal(*b.NextRun) {
			return a.NextRun.Before(*b.NextRun)
		}
		return a.Name < b.Name
	})

	rep.Due = len(due)
	rep.DeferredByBreaker = len(held)
	free := s.cfg.MaxConcurrent - len(s.inflight)
	if free < 0 {
		free = 0
	}
	admit := due
	if len(admit) > free {
		admit = due[:free]
	}
	rep.Dispatched = len(admit)
	rep.DeferredByCeiling = len(due) - len(admit)
	for _, e := range admit {
		s.startLocked(ctx, e, *e.NextRun, false)
	}
	for range newlyHeld {
		s.counters.AddBreakerDeferral()
	}
	s.counters.AddCeilingDeferral(rep.DeferredByCeiling)
	s.mu.Unlock()

	for _, e := range newlyHeld {
		s.publish("task.deferred", map[string]any{"id": e.ID, "name": e.Name, "reason": "circuit_breaker", "service": e.service})
	}
	if rep.DeferredByCeiling > 0 {
		s.log.Debug("tasks deferred by concurrency ceiling", logx.Int("deferred", rep.DeferredByCeiling), logx.Int("max_concurrent", s.cfg.MaxConcurrent))
	}
	return rep, nil
}

// startLocked launches one invocation bounded by the task timeout.
func (s *Service) startLocked(parent context.Context, e *entry, slot time.Time, manual bool) {
	if parent == nil {
		parent = s.runCtx
	}
	now := s.clock.Now()
	runCtx, cancel := context.WithTimeout(parent, e.Timeout)
	e.breakerHeld = false
	s.seq++
	h := &handle{seq: s.seq, cancel: cancel, started: now, slot: slot, retry: e.RetryCount, manual: manual}
	s.inflight[e.ID] = h

	ev := engine.TaskEvent{ID: e.ID, Name: e.Name, Target: e.Target, Started: now, RetryCount: e.RetryCount}
	target, params, timeout := e.Target, cloneParams(e.Parameters), e.Timeout

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer cancel()
		s.publish("task.started", ev)
		s.log.Debug("task started", logx.String("task", ev.Name), logx.String("target", target), logx.Int("retry", h.retry), logx.Bool("manual", manual))

		res, err := s.invoke(runCtx, target, params)
		if errors.Is(err, engine.ErrTimeout) {
			err = fmt.Errorf("%w after %s", engine.ErrTimeout, timeout)
		}
		s.complete(ev.ID, h, res, err)
	}()
}

// invoke calls the Invoker and gives up when ctx ends. An abandoned call
// keeps running in its own goroutine; its result is dropped.
func (s *Service) invoke(ctx context.Context, target string, params map[string]any) (engine.Result, error) {
	type outcome struct{ err error }
	ch := make(chan outcome, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task panic", logx.String("target", target), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
			ch <- outcome{err: err}
		}()
		if s.invoker == nil {
			err = errors.New("no invoker configured")
			return
		}
		_, err = s.invoker.Invoke(ctx, target, params)
	}()

	select {
	case o := <-ch:
		if o.err == nil {
			return engine.ResultSuccess, nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return engine.ResultTimeout, engine.ErrTimeout
		}
		return engine.ResultFailure, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return engine.ResultTimeout, engine.ErrTimeout
		}
		return engine.ResultFailure, ctx.Err()
	}
}

// complete applies an invocation outcome. Outcomes of forgotten handles
// (cancelled or abandoned at shutdown) are discarded; runs that finish while
// Stop drains are recorded like any other.
func (s *Service) complete(id string, h *handle, res engine.Result, err error) {
	s.mu.Lock()
	if cur, ok := s.inflight[id]; !ok || cur != h {
		s.mu.Unlock()
		s.log.Debug("late completion discarded", logx.String("id", id))
		return
	}
	delete(s.inflight, id)
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	now := s.clock.Now()
	dur := now.Sub(h.started)
	if dur < 0 {
		dur = 0
	}
	rec := engine.ExecutionRecord{TaskID: id, Name: e.Name, ExecutedAt: now, Duration: dur, Result: res, RetryCount: h.retry}
	ran := now
	e.LastRun = &ran
	e.LastResult = res
	s.counters.RecordResult(res)

	ev := engine.TaskEvent{ID: id, Name: e.Name, Target: e.Target, Started: h.started, Duration: dur, RetryCount: h.retry, Result: res}
	evType := "task.finished"
	if res == engine.ResultSuccess {
		e.LastError = ""
		e.SuccessCount++
		e.RetryCount = 0
		s.breaker.RecordSuccess(e.service)
		s.history.Append(rec)
		e.AverageExecutionTime, _ = s.history.AverageDuration(id)
		s.rescheduleAfterSuccessLocked(e, h, now)
	} else {
		evType = "task.failed"
		rec.Error = errString(err)
		ev.Error = rec.Error
		e.LastError = rec.Error
		e.FailureCount++
		s.history.Append(rec)
		s.onFailureLocked(e, err, now)
	}
	if !e.Enabled {
		e.NextRun = nil
	}
	ev.NextRun = copyTime(e.NextRun)
	s.persistLocked(context.Background(), e)
	s.appendExecutionLocked(rec)
	s.mu.Unlock()

	s.flushAlerts()
	s.publish(evType, ev)
	s.nudge()
	if res == engine.ResultSuccess {
		s.log.Info("task completed", logx.String("task", ev.Name), logx.Duration("dur", dur))
	} else {
		s.log.Warn("task failed", logx.String("task", ev.Name), logx.String("result", string(res)), logx.String("err", ev.Error), logx.Int("retry_count", e.RetryCount))
	}
}

func (s *Service) rescheduleAfterSuccessLocked(e *entry, h *handle, now time.Time) {
	switch e.Recurrence.Kind {
	case RecurNone:
		e.NextRun = nil
		return
	case RecurIntraday:
		from := h.slot
		if h.manual || from.IsZero() {
			from = h.started
		}
		if next, ok := s.sched.NextIntraday(from, e.Recurrence.Every, now); ok {
			e.NextRun = &next
			e.Unschedulable = false
			return
		}
	}
	s.scheduleRegularLocked(e, now)
}

// onFailureLocked applies the retry policy and feeds the service breaker.
func (s *Service) onFailureLocked(e *entry, err error, now time.Time) {
	if s.breaker.RecordFailure(e.service, now) {
		s.counters.AddBreakerOpen()
		cfg := s.breaker.Config()
		s.log.Warn("circuit breaker opened", logx.String("service", e.service), logx.Int("threshold", cfg.Threshold), logx.Duration("cooldown", cfg.Cooldown))
		s.queueAlertLocked("circuit_breaker_opened", 9, map[string]any{
			"service":    e.service,
			"failures":   cfg.Threshold,
			"cooldown":   cfg.Cooldown.String(),
			"last_task":  e.Name,
			"last_error": errString(err),
		})
	}

	e.RetryCount++
	if e.RetryCount <= e.MaxRetries && !engine.IsNoRetry(err) {
		delay := s.retry.DelayFor(e.RetryCount, err)
		next := now.Add(delay)
		e.NextRun = &next
		s.counters.AddRetry()
		s.log.Debug("task retry scheduled", logx.String("task", e.Name), logx.Int("retry", e.RetryCount), logx.Duration("delay", delay))
		return
	}

	attempts := e.RetryCount
	e.RetryCount = 0
	s.counters.AddTerminalFailure()
	s.queueAlertLocked("task_failed", 7, map[string]any{
		"task_id":  e.ID,
		"name":     e.Name,
		"target":   e.Target,
		"attempts": attempts,
		"error":    errString(err),
	})
	if e.Recurrence.Kind == RecurNone {
		e.NextRun = nil
		return
	}
	s.scheduleRegularLocked(e, now)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
