package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/transport"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

const maxValueLen = 200

// Publish renders a scheduler alert and enqueues it for the configured chat.
// It never blocks; failures are logged.
func (s *Service) Publish(event string, payload map[string]any, priority int) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	text := FormatAlert(event, payload)
	if !cfg.Enabled {
		s.log.Debug("alert not sent, notifier disabled", logx.String("event", event), logx.Int("priority", priority))
		return
	}
	if priority < cfg.MinPriority {
		s.muted.Add(1)
		s.log.Info("alert below min priority", logx.String("event", event), logx.Int("priority", priority), logx.String("text", text))
		return
	}
	if cfg.ChatID == 0 {
		s.log.Warn("alert not sent", logx.String("event", event), logx.Err(ErrNoTarget))
		return
	}

	n := transport.Notification{
		Channel:  "telegram",
		Priority: priority,
		Target:   transport.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID},
		Text:     text,
		Options:  &transport.SendOptions{DisablePreview: true, Silent: priority < 7},
	}
	if err := s.enqueue(context.Background(), n, event); err != nil {
		s.log.Warn("alert not queued", logx.String("event", event), logx.Int("priority", priority), logx.Err(err))
	}
}

// Notify enqueues an arbitrary notification.
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	return s.enqueue(ctx, n, "")
}

func (s *Service) enqueue(ctx context.Context, n transport.Notification, event string) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	var st DedupStore
	if s.cfg.PersistDedup {
		st = s.store
	}
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	j := job{n: n, event: event, key: dedupKey(n)}
	if window > 0 && j.key != "" && !s.dedupAllow(ctx, j.key, window, maxEntries, st, pch) {
		s.deduped.Add(1)
		s.emit("notifier.deduped", j, nil)
		return nil
	}

	select {
	case q <- j:
		s.queued.Add(1)
		s.emit("notifier.queued", j, nil)
		return nil
	default:
		s.dropped.Add(1)
		s.emit("notifier.dropped", j, ErrQueueFull)
		return ErrQueueFull
	}
}

// FormatAlert renders "[EVENT] k=v k=v" with keys sorted.
func FormatAlert(event string, payload map[string]any) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.ToUpper(strings.TrimSpace(event)))
	b.WriteString("]")

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(formatValue(payload[k]))
	}
	return b.String()
}

func formatValue(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		s = "-"
	case time.Time:
		s = x.Format(time.RFC3339)
	case *time.Time:
		if x == nil {
			s = "-"
		} else {
			s = x.Format(time.RFC3339)
		}
	case time.Duration:
		s = x.String()
	case error:
		s = x.Error()
	default:
		s = fmt.Sprint(x)
	}
	if strings.ContainsAny(s, " \t\n") {
		s = fmt.Sprintf("%q", s)
	}
	if len(s) > maxValueLen {
		s = s[:maxValueLen-3] + "..."
	}
	return s
}

// priorityTag prefixes message text; scheduler alerts use 10 for urgent.
func priorityTag(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}

func dedupKey(n transport.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d:%d|%s", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}
