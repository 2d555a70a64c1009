package engine

import (
	"sync"
	"time"
)

// HistoryConfig bounds the execution log.
type HistoryConfig struct {
	MaxRecords    int           // default 10000
	Retention     time.Duration // default 7 days
	AverageWindow int           // successful records in the rolling average, default 100
}

func (c HistoryConfig) withDefaults() HistoryConfig {
	if c.MaxRecords <= 0 {
		c.MaxRecords = 10000
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.AverageWindow <= 0 {
		c.AverageWindow = 100
	}
	return c
}

// History is an append-only execution log capped by count; age pruning is
// explicit via Prune. Records are kept in append (completion) order.
type History struct {
	mu      sync.Mutex
	cfg     HistoryConfig
	records []ExecutionRecord
}

func NewHistory(cfg HistoryConfig) *History {
	return &History{cfg: cfg.withDefaults()}
}

func (h *History) Config() HistoryConfig { return h.cfg }

// Append adds r, trimming the oldest records beyond MaxRecords.
func (h *History) Append(r ExecutionRecord) {
	h.mu.Lock()
	h.records = append(h.records, r)
	if over := len(h.records) - h.cfg.MaxRecords; over > 0 {
		// Copy so the backing array doesn't grow without bound.
		kept := make([]ExecutionRecord, h.cfg.MaxRecords)
		copy(kept, h.records[over:])
		h.records = kept
	}
	h.mu.Unlock()
}

// Prune drops records executed before cutoff and returns how many were removed.
func (h *History) Prune(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.ExecutedAt.Before(cutoff) {
			continue
		}
		h.records[n] = r
		n++
	}
	removed := len(h.records) - n
	for i := n; i < len(h.records); i++ {
		h.records[i] = ExecutionRecord{}
	}
	h.records = h.records[:n]
	return removed
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Recent returns up to limit records, newest first. An empty taskID matches
// every task; limit <= 0 means no limit.
func (h *History) Recent(taskID string, limit int) []ExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ExecutionRecord, 0, min(len(h.records), max(limit, 0)))
	for i := len(h.records) - 1; i >= 0; i-- {
		r := h.records[i]
		if taskID != "" && r.TaskID != taskID {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// AverageDuration is the mean duration of the most recent AverageWindow
// successful records (for taskID, or all tasks when empty). n is the sample size.
func (h *History) AverageDuration(taskID string) (avg time.Duration, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total time.Duration
	for i := len(h.records) - 1; i >= 0 && n < h.cfg.AverageWindow; i-- {
		r := h.records[i]
		if r.Result != ResultSuccess || (taskID != "" && r.TaskID != taskID) {
			continue
		}
		total += r.Duration
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return total / time.Duration(n), n
}
