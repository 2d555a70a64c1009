package config

import (
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/market"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/scheduler"
)

// Config is the daemon configuration file. Durations are Go duration strings
// ("500ms", "30s", "6h").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`

	// Notifier and Storage are optional; a missing storage section means
	// in-memory only.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	// Market defaults to ASX hours in Australia/Sydney when omitted.
	Market    *market.Config  `json:"market,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Admin     AdminConfig     `json:"admin"`

	// Services maps a target's service part to the command that runs it.
	Services map[string]ServiceConfig `json:"services,omitempty"`
	Systemd  SystemdConfig            `json:"systemd"`

	// Tasks are registered at startup unless a persisted task has the same name.
	Tasks []scheduler.TaskSpec `json:"tasks,omitempty"`
}

type TelegramConfig struct {
	Token   string `json:"token"`
	APIURL  string `json:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	// LogChatID receives mirrored warning/error log lines.
	LogChatID int64 `json:"log_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	Format   string          `json:"format,omitempty"` // console|json
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifierConfig controls operator alerts. Omitting the section keeps the
// notifier disabled.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	ChatID          int64  `json:"chat_id"`
	ThreadID        int    `json:"thread_id,omitempty"`
	MinPriority     int    `json:"min_priority,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

// StorageConfig selects the persistence driver.
//
//	"storage": { "driver": "sqlite", "path": "./marketsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // none|file|sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig tunes dispatch, retries, the circuit breaker and retention.
// Zero values fall back to the scheduler defaults.
type SchedulerConfig struct {
	MaxConcurrent  int    `json:"max_concurrent,omitempty"`
	JitterBuffer   string `json:"jitter_buffer,omitempty"`
	FaultThreshold int    `json:"fault_threshold,omitempty"`

	RetryBase string `json:"retry_base,omitempty"`
	RetryMax  string `json:"retry_max_delay,omitempty"`
	FaultBase string `json:"fault_backoff_base,omitempty"`
	FaultMax  string `json:"fault_backoff_max,omitempty"`

	BreakerThreshold int    `json:"breaker_threshold,omitempty"`
	BreakerCooldown  string `json:"breaker_cooldown,omitempty"`

	HistoryMaxRecords int    `json:"history_max_records,omitempty"`
	HistoryRetention  string `json:"history_retention,omitempty"`

	PollMarketHours string `json:"poll_market_hours,omitempty"`
	PollPrePost     string `json:"poll_pre_post,omitempty"`
	PollOffHours    string `json:"poll_off_hours,omitempty"`

	// CleanupSchedule is a cron expression, "HH:MM" or an interval.
	// "off" disables the maintenance job; empty uses the default.
	CleanupSchedule string `json:"cleanup_schedule,omitempty"`
}

// AdminConfig controls the HTTP admin API.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default 127.0.0.1:8089
	Token   string `json:"token,omitempty"` // optional bearer token (never logged)

	// AllowInsecure permits a non-loopback Addr without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof behind the same auth.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// ServiceConfig is a command run for every target of one service. Task
// parameters are written to stdin as JSON.
type ServiceConfig struct {
	Command []string          `json:"command"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// SystemdConfig enables the built-in "systemd" service. Only Units may be
// started, stopped or restarted by tasks.
type SystemdConfig struct {
	Enabled bool     `json:"enabled"`
	Units   []string `json:"units,omitempty"`
}
