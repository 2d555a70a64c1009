package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/api"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/config"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/invoke"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/market"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/notifier"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/storage"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/scheduler"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/transport/telegram"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

var parseDurationOrDefault = config.ParseDurationOrDefault

func mapLogConfig(cfg *config.Config) (logx.Config, error) {
	lc := cfg.Logging
	if !logx.ValidLevel(lc.Level) {
		return logx.Config{}, fmt.Errorf("logging.level: unknown level %q", lc.Level)
	}
	if !logx.ValidLevel(lc.Telegram.MinLevel) {
		return logx.Config{}, fmt.Errorf("logging.telegram.min_level: unknown level %q", lc.Telegram.MinLevel)
	}
	switch strings.ToLower(strings.TrimSpace(lc.Format)) {
	case "", "console", "json":
	default:
		return logx.Config{}, fmt.Errorf("logging.format: want console or json, got %q", lc.Format)
	}
	if lc.Telegram.RatePerSec < 0 {
		return logx.Config{}, fmt.Errorf("logging.telegram.rate_per_sec must be >= 0")
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		Format:  lc.Format,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}, nil
}

// mapTelegramConfig reports ok=false when no token is configured; alerts and
// chat logging are then dropped.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	tc := cfg.Telegram
	timeout, err := parseDurationOrDefault("telegram.timeout", tc.Timeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	if strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, false, nil
	}
	return telegram.Config{Token: strings.TrimSpace(tc.Token), APIURL: tc.APIURL, Timeout: timeout}, true, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{}, nil
	}
	nc := cfg.Notifier
	for _, f := range []struct {
		path string
		v    int
	}{
		{"notifier.workers", nc.Workers},
		{"notifier.queue_size", nc.QueueSize},
		{"notifier.rate_per_sec", nc.RatePerSec},
		{"notifier.retry_max", nc.RetryMax},
		{"notifier.dedup_max_entries", nc.DedupMaxEntries},
		{"notifier.history_size", nc.HistorySize},
	} {
		if f.v < 0 {
			return notifier.Config{}, fmt.Errorf("%s must be >= 0", f.path)
		}
	}
	if nc.MinPriority < 0 || nc.MinPriority > 10 {
		return notifier.Config{}, fmt.Errorf("notifier.min_priority must be within 0..10")
	}
	if nc.Enabled && nc.ChatID == 0 {
		return notifier.Config{}, fmt.Errorf("notifier.chat_id is required when the notifier is enabled")
	}

	retryBase, err := parseDurationOrDefault("notifier.retry_base", nc.RetryBase, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := parseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := parseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		ChatID:          nc.ChatID,
		ThreadID:        nc.ThreadID,
		MinPriority:     nc.MinPriority,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
		HistorySize:     nc.HistorySize,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMarketConfig(cfg *config.Config) (market.Config, error) {
	mc := market.DefaultConfig()
	if cfg.Market != nil {
		mc = *cfg.Market
	}
	if _, err := market.New(mc); err != nil {
		return market.Config{}, fmt.Errorf("market: %w", err)
	}
	return mc, nil
}

// mapSchedulerConfig overlays the file settings on scheduler.DefaultConfig.
func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.DefaultConfig()

	if sc.MaxConcurrent < 0 || sc.FaultThreshold < 0 || sc.BreakerThreshold < 0 || sc.HistoryMaxRecords < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler: counts must be >= 0")
	}
	if sc.MaxConcurrent > 0 {
		out.MaxConcurrent = sc.MaxConcurrent
	}
	if sc.FaultThreshold > 0 {
		out.FaultThreshold = sc.FaultThreshold
	}
	out.Breaker.Threshold = sc.BreakerThreshold
	out.History.MaxRecords = sc.HistoryMaxRecords

	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.jitter_buffer", sc.JitterBuffer, &out.JitterBuffer},
		{"scheduler.retry_base", sc.RetryBase, &out.Retry.Base},
		{"scheduler.retry_max_delay", sc.RetryMax, &out.Retry.Max},
		{"scheduler.fault_backoff_base", sc.FaultBase, &out.FaultBackoff.Base},
		{"scheduler.fault_backoff_max", sc.FaultMax, &out.FaultBackoff.Max},
		{"scheduler.breaker_cooldown", sc.BreakerCooldown, &out.Breaker.Cooldown},
		{"scheduler.history_retention", sc.HistoryRetention, &out.History.Retention},
		{"scheduler.poll_market_hours", sc.PollMarketHours, &out.PollMarketHours},
		{"scheduler.poll_pre_post", sc.PollPrePost, &out.PollPrePost},
		{"scheduler.poll_off_hours", sc.PollOffHours, &out.PollOffHours},
	}
	for _, d := range durations {
		v, err := parseDurationOrDefault(d.path, d.raw, *d.dst)
		if err != nil {
			return scheduler.Config{}, err
		}
		*d.dst = v
	}
	if out.Retry.Max < out.Retry.Base {
		return scheduler.Config{}, fmt.Errorf("scheduler.retry_max_delay must be >= scheduler.retry_base")
	}
	if out.FaultBackoff.Max < out.FaultBackoff.Base {
		return scheduler.Config{}, fmt.Errorf("scheduler.fault_backoff_max must be >= scheduler.fault_backoff_base")
	}

	switch raw := strings.TrimSpace(sc.CleanupSchedule); {
	case strings.EqualFold(raw, "off"):
		out.CleanupSchedule = ""
	case raw != "":
		expr, err := scheduler.ParseCleanupSchedule(raw)
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.cleanup_schedule: %w", err)
		}
		out.CleanupSchedule = expr
	}
	return out, nil
}

func mapAdminConfig(cfg *config.Config) (api.Config, error) {
	ac := cfg.Admin
	read, err := parseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 15*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := parseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 60*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:       ac.Enabled,
		Addr:          ac.Addr,
		Token:         ac.Token,
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}

func mapServices(cfg *config.Config) map[string]invoke.Command {
	out := make(map[string]invoke.Command, len(cfg.Services))
	for name, sc := range cfg.Services {
		out[name] = invoke.Command{Args: sc.Command, Dir: sc.Dir, Env: sc.Env}
	}
	return out
}

// knownServices lists every service a task target may name.
func knownServices(cfg *config.Config) map[string]bool {
	out := make(map[string]bool, len(cfg.Services)+1)
	for name := range cfg.Services {
		out[name] = true
	}
	if cfg.Systemd.Enabled {
		out[systemdService] = true
	}
	return out
}

// retryPolicyString is used in the startup log line.
func retryPolicyString(p engine.RetryPolicy) string {
	return p.Base.String() + ".." + p.Max.String()
}
