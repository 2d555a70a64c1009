package scheduler

import (
	"time"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/market"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
)

// Metrics is a point-in-time view of the scheduler.
type Metrics struct {
	State         State                  `json:"state"`
	Faults        int                    `json:"consecutive_faults"`
	LastFault     string                 `json:"last_fault,omitempty"`
	Phase         market.Phase           `json:"market_phase"`
	Tasks         int                    `json:"tasks"`
	Enabled       int                    `json:"enabled"`
	Unschedulable int                    `json:"unschedulable"`
	InRetry       int                    `json:"in_retry"`
	InFlight      int                    `json:"in_flight"`
	MaxConcurrent int                    `json:"max_concurrent"`
	AvgExecution  time.Duration          `json:"average_execution_time"`
	SuccessRate   float64                `json:"success_rate"`
	HistorySize   int                    `json:"history_size"`
	Counters      engine.CounterSnapshot `json:"counters"`
	Breakers      []engine.BreakerState  `json:"circuit_breakers"`
	At            time.Time              `json:"at"`
}

func (s *Service) GetMetrics() Metrics {
	s.mu.Lock()
	now := s.clock.Now()
	m := Metrics{
		State:         s.state,
		Faults:        s.faults,
		LastFault:     s.lastFault,
		Phase:         s.sched.PhaseAt(now),
		Tasks:         len(s.tasks),
		InFlight:      len(s.inflight),
		MaxConcurrent: s.cfg.MaxConcurrent,
		At:            now,
	}
	var sum time.Duration
	var timed int
	for _, e := range s.tasks {
		if e.Enabled {
			m.Enabled++
		}
		if e.Unschedulable {
			m.Unschedulable++
		}
		if e.RetryCount > 0 {
			m.InRetry++
		}
		if e.AverageExecutionTime > 0 {
			sum += e.AverageExecutionTime
			timed++
		}
	}
	s.mu.Unlock()

	if timed > 0 {
		m.AvgExecution = sum / time.Duration(timed)
	}
	m.Counters = s.counters.Snapshot()
	if total := m.Counters.Executions; total > 0 {
		m.SuccessRate = float64(m.Counters.Successes) / float64(total)
	}
	m.HistorySize = s.history.Len()
	m.Breakers = s.breaker.Snapshot(now)
	return m
}
