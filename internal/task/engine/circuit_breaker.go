package engine

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// BreakerConfig controls the per-service circuit breaker.
//
// If Threshold < 0, the breaker is disabled.
// If Threshold == 0, a default of 5 is applied.
type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold == 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 300 * time.Second
	}
	return c
}

// breakerEntry tracks failures for a single target service.
//
// The breaker opens once failures >= threshold and stays open until cooldown
// has elapsed since lastFailure; the entry is then purged, which closes it.
type breakerEntry struct {
	failures    int
	lastFailure time.Time
}

// CircuitBreaker is keyed by target service. It is safe for concurrent use.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	m   map[string]*breakerEntry
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), m: make(map[string]*breakerEntry)}
}

func (b *CircuitBreaker) Config() BreakerConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func (b *CircuitBreaker) enabled() bool { return b.cfg.Threshold > 0 }

// expiredLocked purges the entry for key if the cooldown has elapsed.
// Call with b.mu held.
func (b *CircuitBreaker) expiredLocked(key string, now time.Time) bool {
	e := b.m[key]
	if e == nil {
		return true
	}
	if now.Sub(e.lastFailure) >= b.cfg.Cooldown {
		delete(b.m, key)
		return true
	}
	return false
}

// RecordFailure counts a failure for service. It reports true exactly when
// this failure trips the breaker from closed to open.
func (b *CircuitBreaker) RecordFailure(service string, now time.Time) (opened bool) {
	key := strings.TrimSpace(service)
	if b == nil || key == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled() {
		return false
	}
	b.expiredLocked(key, now)
	e := b.m[key]
	if e == nil {
		e = &breakerEntry{}
		b.m[key] = e
	}
	e.failures++
	e.lastFailure = now
	return e.failures == b.cfg.Threshold
}

// RecordSuccess closes the breaker for service and forgets its failures.
func (b *CircuitBreaker) RecordSuccess(service string) {
	key := strings.TrimSpace(service)
	if b == nil || key == "" {
		return
	}
	b.mu.Lock()
	delete(b.m, key)
	b.mu.Unlock()
}

// IsOpen reports whether calls to service should be suppressed at now.
// Expired entries are purged as a side effect.
func (b *CircuitBreaker) IsOpen(service string, now time.Time) bool {
	key := strings.TrimSpace(service)
	if b == nil || key == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled() || b.expiredLocked(key, now) {
		return false
	}
	return b.m[key].failures >= b.cfg.Threshold
}

// OpenUntil reports when the open breaker for service closes again. ok is
// false when the breaker is closed.
func (b *CircuitBreaker) OpenUntil(service string, now time.Time) (until time.Time, ok bool) {
	key := strings.TrimSpace(service)
	if b == nil || key == "" {
		return time.Time{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled() || b.expiredLocked(key, now) {
		return time.Time{}, false
	}
	e := b.m[key]
	if e.failures < b.cfg.Threshold {
		return time.Time{}, false
	}
	return e.lastFailure.Add(b.cfg.Cooldown), true
}

// Sweep purges every expired entry and returns how many were removed.
func (b *CircuitBreaker) Sweep(now time.Time) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k := range b.m {
		if b.expiredLocked(k, now) {
			n++
		}
	}
	return n
}

// BreakerState is a diagnostic view of one service entry.
type BreakerState struct {
	Service     string    `json:"service"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Open        bool      `json:"open"`
	OpenUntil   time.Time `json:"open_until,omitempty"`
}

// Snapshot lists live entries sorted by service name. Expired entries are
// reported as absent but not purged.
func (b *CircuitBreaker) Snapshot(now time.Time) []BreakerState {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BreakerState, 0, len(b.m))
	for k, e := range b.m {
		if now.Sub(e.lastFailure) >= b.cfg.Cooldown {
			continue
		}
		st := BreakerState{Service: k, Failures: e.failures, LastFailure: e.lastFailure}
		if b.enabled() && e.failures >= b.cfg.Threshold {
			st.Open = true
			st.OpenUntil = e.lastFailure.Add(b.cfg.Cooldown)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
