package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/eventbus"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/market"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/storage"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrAlreadyRunning = errors.New("task already running")
	ErrStopped        = errors.New("scheduler stopped")
	ErrTaskDisabled   = errors.New("task disabled")
	ErrAtCapacity     = errors.New("concurrency limit reached")
	ErrCircuitOpen    = engine.ErrCircuitOpen
)

// State is the scheduler loop state.
type State string

const (
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

// RecurrenceKind selects how the next run is derived after a run completes.
type RecurrenceKind string

const (
	RecurNone     RecurrenceKind = "none"     // run once, then stay unscheduled
	RecurDaily    RecurrenceKind = "daily"    // next matching daily slot
	RecurIntraday RecurrenceKind = "intraday" // every Every while market_hours last, then daily
)

type Recurrence struct {
	Kind  RecurrenceKind `json:"kind"`
	Every time.Duration  `json:"every,omitempty"`
}

// TaskSpec is the registration input. Durations are Go duration strings.
type TaskSpec struct {
	Name         string         `json:"name"`
	ScheduleTime string         `json:"schedule_time"`
	Weekdays     []int          `json:"weekdays"`
	Phase        string         `json:"market_phase"`
	Target       string         `json:"target"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Enabled      *bool          `json:"enabled,omitempty"`     // default true
	Priority     int            `json:"priority,omitempty"`    // 1 (highest) .. 10, default 5
	Timeout      string         `json:"timeout,omitempty"`     // default 300s
	MaxRetries   *int           `json:"max_retries,omitempty"` // default 3
	Recurrence   string         `json:"recurrence,omitempty"`  // none|daily|intraday, default daily
	Every        string         `json:"every,omitempty"`       // intraday interval
}

// Task is a registered task: its definition plus runtime state.
type Task struct {
	ID           string         `json:"task_id"`
	Name         string         `json:"name"`
	ScheduleTime string         `json:"schedule_time"`
	Weekdays     []int          `json:"weekdays"`
	Phase        market.Phase   `json:"market_phase"`
	Target       string         `json:"target"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Enabled      bool           `json:"enabled"`
	Priority     int            `json:"priority"`
	Timeout      time.Duration  `json:"timeout"`
	MaxRetries   int            `json:"max_retries"`
	Recurrence   Recurrence     `json:"recurrence"`

	RetryCount           int           `json:"retry_count"`
	LastRun              *time.Time    `json:"last_run,omitempty"`
	LastResult           engine.Result `json:"last_result,omitempty"`
	LastError            string        `json:"last_error,omitempty"`
	NextRun              *time.Time    `json:"next_run,omitempty"`
	SuccessCount         uint64        `json:"success_count"`
	FailureCount         uint64        `json:"failure_count"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	Unschedulable        bool          `json:"unschedulable,omitempty"`
	DisabledAt           *time.Time    `json:"disabled_at,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
}

// TaskInfo is a snapshot of a task as seen by callers.
type TaskInfo struct {
	Task
	Running      bool       `json:"running"`
	RunningSince *time.Time `json:"running_since,omitempty"`
}

// TaskStatus is TaskInfo plus recent execution history.
type TaskStatus struct {
	TaskInfo
	BreakerOpen bool                     `json:"breaker_open"`
	Recent      []engine.ExecutionRecord `json:"recent_executions"`
}

// Filter narrows ListTasks. Zero values match everything.
type Filter struct {
	Enabled *bool
	Phase   market.Phase
	Service string
	Running *bool
}

type CancelResult struct {
	TaskID     string `json:"task_id"`
	Found      bool   `json:"found"`
	WasRunning bool   `json:"was_running"`
}

// Invoker performs a task's effect. It must honor ctx cancellation; a call
// that ignores it is abandoned when the task times out or is cancelled.
type Invoker interface {
	Invoke(ctx context.Context, target string, params map[string]any) (any, error)
}

// Notifier receives operator alerts. Publish must not block.
type Notifier interface {
	Publish(event string, payload map[string]any, priority int)
}

// TaskStore is the persistence the scheduler needs; storage.Store satisfies it.
type TaskStore interface {
	SaveTask(ctx context.Context, rec storage.TaskRecord) error
	DeleteTask(ctx context.Context, id string) error
	LoadTasks(ctx context.Context) ([]storage.TaskRecord, error)
	AppendExecution(ctx context.Context, rec engine.ExecutionRecord) error
	PruneExecutions(ctx context.Context, before time.Time) (int, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config controls dispatch, retries, fault handling and retention.
type Config struct {
	MaxConcurrent  int
	JitterBuffer   time.Duration
	FaultThreshold int
	FaultBackoff   engine.RetryPolicy
	Retry          engine.RetryPolicy
	Breaker        engine.BreakerConfig
	History        engine.HistoryConfig

	PollMarketHours time.Duration
	PollPrePost     time.Duration
	PollOffHours    time.Duration

	// CleanupSchedule is a cron expression or interval ("6h") for retention cleanup.
	// Empty disables the maintenance job.
	CleanupSchedule string
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   4,
		JitterBuffer:    5 * time.Second,
		FaultThreshold:  5,
		FaultBackoff:    engine.DefaultRetryPolicy(),
		Retry:           engine.DefaultRetryPolicy(),
		PollMarketHours: 30 * time.Second,
		PollPrePost:     60 * time.Second,
		PollOffHours:    300 * time.Second,
		CleanupSchedule: "0 3 * * *",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.JitterBuffer < 0 {
		c.JitterBuffer = 0
	}
	if c.FaultThreshold <= 0 {
		c.FaultThreshold = d.FaultThreshold
	}
	if c.PollMarketHours <= 0 {
		c.PollMarketHours = d.PollMarketHours
	}
	if c.PollPrePost <= 0 {
		c.PollPrePost = d.PollPrePost
	}
	if c.PollOffHours <= 0 {
		c.PollOffHours = d.PollOffHours
	}
	return c
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithStore(st TaskStore) Option { return func(s *Service) { s.store = st } }

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// WithPreflight installs a check run at the start of every tick. An error
// counts as a scheduler fault.
func WithPreflight(fn func(ctx context.Context) error) Option {
	return func(s *Service) { s.preflight = fn }
}
