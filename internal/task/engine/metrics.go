package engine

import "sync/atomic"

// Counters are monotonic for the life of the process.
type Counters struct {
	executions        atomic.Uint64
	successes         atomic.Uint64
	failures          atomic.Uint64
	timeouts          atomic.Uint64
	retries           atomic.Uint64
	terminalFailures  atomic.Uint64
	breakerOpens      atomic.Uint64
	breakerDeferrals  atomic.Uint64
	ceilingDeferrals  atomic.Uint64
	tickFaults        atomic.Uint64
	unschedulable     atomic.Uint64
	cancelledInFlight atomic.Uint64
}

// CounterSnapshot is a copy of Counters for reporting.
type CounterSnapshot struct {
	Executions        uint64 `json:"total_executions"`
	Successes         uint64 `json:"total_successes"`
	Failures          uint64 `json:"total_failures"`
	Timeouts          uint64 `json:"total_timeouts"`
	Retries           uint64 `json:"total_retries"`
	TerminalFailures  uint64 `json:"terminal_failures"`
	BreakerOpens      uint64 `json:"circuit_breaker_opens"`
	BreakerDeferrals  uint64 `json:"circuit_breaker_deferrals"`
	CeilingDeferrals  uint64 `json:"concurrency_deferrals"`
	TickFaults        uint64 `json:"tick_faults"`
	Unschedulable     uint64 `json:"unschedulable_transitions"`
	CancelledInFlight uint64 `json:"cancelled_in_flight"`
}

// RecordResult counts one finished execution. Timeouts count as failures too.
func (c *Counters) RecordResult(r Result) {
	c.executions.Add(1)
	switch r {
	case ResultSuccess:
		c.successes.Add(1)
	case ResultTimeout:
		c.timeouts.Add(1)
		c.failures.Add(1)
	default:
		c.failures.Add(1)
	}
}

func (c *Counters) AddRetry()             { c.retries.Add(1) }
func (c *Counters) AddTerminalFailure()   { c.terminalFailures.Add(1) }
func (c *Counters) AddBreakerOpen()       { c.breakerOpens.Add(1) }
func (c *Counters) AddBreakerDeferral()   { c.breakerDeferrals.Add(1) }
func (c *Counters) AddTickFault()         { c.tickFaults.Add(1) }
func (c *Counters) AddUnschedulable()     { c.unschedulable.Add(1) }
func (c *Counters) AddCancelledInFlight() { c.cancelledInFlight.Add(1) }

func (c *Counters) AddCeilingDeferral(n int) {
	if n > 0 {
		c.ceilingDeferrals.Add(uint64(n))
	}
}

func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Executions:        c.executions.Load(),
		Successes:         c.successes.Load(),
		Failures:          c.failures.Load(),
		Timeouts:          c.timeouts.Load(),
		Retries:           c.retries.Load(),
		TerminalFailures:  c.terminalFailures.Load(),
		BreakerOpens:      c.breakerOpens.Load(),
		BreakerDeferrals:  c.breakerDeferrals.Load(),
		CeilingDeferrals:  c.ceilingDeferrals.Load(),
		TickFaults:        c.tickFaults.Load(),
		Unschedulable:     c.unschedulable.Load(),
		CancelledInFlight: c.cancelledInFlight.Load(),
	}
}
