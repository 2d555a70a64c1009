package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/market"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

const minPoll = time.Second

// run is the single coordinating loop. It returns when ctx ends or the
// scheduler is stopped.
func (s *Service) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		wait, stopped := s.step(ctx)
		if stopped {
			return
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// step performs one loop iteration and returns how long to sleep.
func (s *Service) step(ctx context.Context) (time.Duration, bool) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case StateStopped:
		return 0, true
	case StatePaused, StateDegraded:
		return s.cfg.PollOffHours, false
	}

	_, err := s.safeTick(ctx)
	if errors.Is(err, ErrStopped) {
		return 0, true
	}
	if err != nil {
		return s.onFault(err), false
	}

	s.mu.Lock()
	if s.faults > 0 {
		s.log.Info("scheduler recovered", logx.Int("faults", s.faults))
		s.faults = 0
		s.lastFault = ""
	}
	wait := s.pollIntervalLocked(s.clock.Now())
	s.mu.Unlock()
	return wait, false
}

// safeTick converts a panic inside Tick into an error.
func (s *Service) safeTick(ctx context.Context) (rep TickReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
			s.log.Error("tick panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return s.Tick(ctx)
}

// onFault counts a consecutive tick fault. Below the threshold the loop backs
// off; at the threshold the scheduler degrades until resumed.
func (s *Service) onFault(err error) time.Duration {
	s.counters.AddTickFault()
	s.mu.Lock()
	s.faults++
	s.lastFault = err.Error()
	n := s.faults
	if n < s.cfg.FaultThreshold {
		s.mu.Unlock()
		d := s.cfg.FaultBackoff.Delay(n)
		s.log.Warn("scheduler tick failed", logx.Err(err), logx.Int("faults", n), logx.Duration("backoff", d))
		return d
	}
	if s.state == StateRunning {
		s.setStateLocked(StateDegraded, "consecutive tick faults")
		s.queueAlertLocked("scheduler_degraded", 10, map[string]any{
			"faults":     n,
			"last_error": err.Error(),
		})
	}
	s.mu.Unlock()
	s.flushAlerts()
	s.log.Error("scheduler degraded", logx.Err(err), logx.Int("faults", n))
	return s.cfg.PollOffHours
}

// pollIntervalLocked is the phase cadence, shortened to the gap before the
// earliest due task. A task held by an open breaker counts from the time
// its breaker closes.
func (s *Service) pollIntervalLocked(now time.Time) time.Duration {
	var d time.Duration
	switch s.sched.PhaseAt(now) {
	case market.MarketHours:
		d = s.cfg.PollMarketHours
	case market.PreMarket, market.PostMarket:
		d = s.cfg.PollPrePost
	default:
		d = s.cfg.PollOffHours
	}
	for id, e := range s.tasks {
		if !e.Enabled || e.NextRun == nil {
			continue
		}
		if _, busy := s.inflight[id]; busy {
			continue
		}
		at := *e.NextRun
		if until, open := s.breaker.OpenUntil(e.service, now); open && until.After(at) {
			at = until
		}
		if gap := at.Sub(now); gap < d {
			d = gap
		}
	}
	if d < minPoll {
		d = minPoll
	}
	return d
}

// Pause stops dispatching; running tasks finish normally.
func (s *Service) Pause() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStopped:
		return s.state, ErrStopped
	case StateRunning:
		s.setStateLocked(StatePaused, "pause requested")
	}
	return s.state, nil
}

// Resume returns to RUNNING from PAUSED or DEGRADED and clears the fault count.
func (s *Service) Resume() (State, error) {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return StateStopped, ErrStopped
	}
	s.faults = 0
	s.lastFault = ""
	s.setStateLocked(StateRunning, "resume requested")
	st := s.state
	s.mu.Unlock()
	s.nudge()
	return st, nil
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
