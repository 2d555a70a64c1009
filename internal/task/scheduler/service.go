package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/eventbus"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/market"
	rtsup "github.com/Todd-j-sutherland/trading-feature-sub006/internal/runtime/supervisor"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

// Service owns the task table, the in-flight handles and the circuit breaker.
// Every mutation goes through mu; invocations run outside it.
type Service struct {
	mu sync.Mutex

	cfg       Config
	log       logx.Logger
	bus       eventbus.Bus
	invoker   Invoker
	notifier  Notifier
	store     TaskStore
	clock     Clock
	preflight func(ctx context.Context) error

	sched    *market.Schedule
	tasks    map[string]*entry
	byName   map[string]string
	inflight map[string]*handle
	seq      uint64

	breaker  *engine.CircuitBreaker
	history  *engine.History
	counters engine.Counters
	retry    engine.RetryPolicy

	state     State
	faults    int
	lastFault string
	alerts    []alert

	wake    chan struct{}
	runCtx  context.Context
	sup     *rtsup.Supervisor
	cron    *cron.Cron
	running sync.WaitGroup

	persistWarnAt time.Time
}

type handle struct {
	seq     uint64
	cancel  context.CancelFunc
	started time.Time
	slot    time.Time // scheduled time this run was dispatched for
	retry   int       // retry count at dispatch
	manual  bool
}

type alert struct {
	event    string
	payload  map[string]any
	priority int
}

func New(cfg Config, sched *market.Schedule, invoker Invoker, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		invoker:  invoker,
		sched:    sched,
		tasks:    map[string]*entry{},
		byName:   map[string]string{},
		inflight: map[string]*handle{},
		breaker:  engine.NewCircuitBreaker(cfg.Breaker),
		history:  engine.NewHistory(cfg.History),
		retry:    cfg.Retry,
		state:    StateRunning,
		wake:     make(chan struct{}, 1),
		clock:    realClock{},
		runCtx:   context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.sched == nil {
		s.sched = market.MustNew(market.DefaultConfig())
	}
	return s
}

// Start runs the scheduler loop and the maintenance job until Stop or ctx ends.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.runCtx = s.sup.Context()
	sup := s.sup
	loc := s.sched.Location()
	s.mu.Unlock()

	c, err := s.startMaintenance(sup.Context(), loc)
	if err != nil {
		sup.Cancel()
		s.mu.Lock()
		s.sup = nil
		s.runCtx = context.Background()
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	sup.GoRestart("loop", func(c context.Context) error {
		s.run(c)
		return c.Err()
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("scheduler started",
		logx.Int("tasks", s.taskCount()),
		logx.Int("max_concurrent", s.cfg.MaxConcurrent),
		logx.String("tz", loc.String()),
	)
	return nil
}

// Stop moves the scheduler to STOPPED (terminal), waits for in-flight tasks
// until ctx expires and then abandons the rest.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateStopped, "shutdown")
	sup := s.sup
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		for id, h := range s.inflight {
			h.cancel()
			delete(s.inflight, id)
		}
		s.mu.Unlock()
		s.log.Warn("in-flight tasks abandoned on shutdown")
	}

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Wait blocks until no task goroutine is running.
func (s *Service) Wait() { s.running.Wait() }

// Supervisor returns the loop supervisor (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Service) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}

// queueAlertLocked defers a notification until flushAlerts runs outside mu.
func (s *Service) queueAlertLocked(event string, priority int, payload map[string]any) {
	s.alerts = append(s.alerts, alert{event: event, payload: payload, priority: priority})
}

func (s *Service) flushAlerts() {
	s.mu.Lock()
	pending := s.alerts
	s.alerts = nil
	s.mu.Unlock()
	if s.notifier == nil {
		return
	}
	for _, a := range pending {
		s.notifier.Publish(a.event, a.payload, a.priority)
	}
}

func (s *Service) setStateLocked(to State, reason string) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.log.Info("scheduler state changed", logx.String("from", string(from)), logx.String("to", string(to)), logx.String("reason", reason))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: "scheduler.state",
			Time: s.clock.Now(),
			Data: map[string]any{"from": from, "to": to, "reason": reason},
		})
	}
}
