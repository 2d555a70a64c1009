package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/market"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/storage"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type invokerFunc func(ctx context.Context, target string, params map[string]any) (any, error)

func (f invokerFunc) Invoke(ctx context.Context, target string, params map[string]any) (any, error) {
	return f(ctx, target, params)
}

type sentAlert struct {
	event    string
	payload  map[string]any
	priority int
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentAlert
}

func (n *recordingNotifier) Publish(event string, payload map[string]any, priority int) {
	n.mu.Lock()
	n.sent = append(n.sent, sentAlert{event: event, payload: payload, priority: priority})
	n.mu.Unlock()
}

func (n *recordingNotifier) count(event string) (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, prio := 0, 0
	for _, a := range n.sent {
		if a.event == event {
			c++
			prio = a.priority
		}
	}
	return c, prio
}

type memStore struct {
	mu    sync.Mutex
	tasks map[string]storage.TaskRecord
	execs []engine.ExecutionRecord
	fail  error
}

func newMemStore() *memStore { return &memStore{tasks: map[string]storage.TaskRecord{}} }

func (m *memStore) SaveTask(_ context.Context, rec storage.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.tasks[rec.ID] = rec
	return nil
}

func (m *memStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *memStore) LoadTasks(context.Context) ([]storage.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.TaskRecord, 0, len(m.tasks))
	for _, r := range m.tasks {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) AppendExecution(_ context.Context, rec engine.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, rec)
	return nil
}

func (m *memStore) PruneExecutions(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.execs[:0]
	n := 0
	for _, r := range m.execs {
		if r.ExecutedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.execs = kept
	return n, nil
}

// 2024-01-10 is a Wednesday.
func wed(h, m int) time.Time { return time.Date(2024, 1, 10, h, m, 0, 0, time.UTC) }

func thu(h, m int) time.Time { return time.Date(2024, 1, 11, h, m, 0, 0, time.UTC) }

type harness struct {
	svc      *Service
	clock    *fakeClock
	notifier *recordingNotifier
	store    *memStore
}

func newHarness(t *testing.T, cfg Config, inv Invoker, opts ...Option) *harness {
	t.Helper()
	mcfg := market.DefaultConfig()
	mcfg.Timezone = "UTC"
	sched, err := market.New(mcfg)
	if err != nil {
		t.Fatalf("market.New: %v", err)
	}
	h := &harness{clock: &fakeClock{now: wed(9, 0)}, notifier: &recordingNotifier{}, store: newMemStore()}
	all := append([]Option{WithClock(h.clock), WithNotifier(h.notifier), WithStore(h.store)}, opts...)
	cfg.CleanupSchedule = ""
	h.svc = New(cfg, sched, inv, all...)
	return h
}

func okInvoker() Invoker {
	return invokerFunc(func(context.Context, string, map[string]any) (any, error) { return nil, nil })
}

func weekdays() []int { return []int{1, 2, 3, 4, 5} }

func intp(v int) *int { return &v }

func boolp(v bool) *bool { return &v }

func mustSchedule(t *testing.T, s *Service, spec TaskSpec) string {
	t.Helper()
	id, err := s.ScheduleTask(context.Background(), spec)
	if err != nil {
		t.Fatalf("ScheduleTask(%s): %v", spec.Name, err)
	}
	return id
}

func mustStatus(t *testing.T, s *Service, id string) TaskStatus {
	t.Helper()
	st, err := s.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("GetTaskStatus: %v", err)
	}
	return st
}

func TestScheduleTaskNextRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before slot", wed(9, 0), wed(9, 30)},
		{"past due", wed(9, 45), thu(9, 30)},
		{"exactly at slot", wed(9, 30), thu(9, 30)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, DefaultConfig(), okInvoker())
			h.clock.Set(tt.now)
			id := mustSchedule(t, h.svc, TaskSpec{Name: "morning", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "news.collect"})
			st := mustStatus(t, h.svc, id)
			if st.NextRun == nil || !st.NextRun.Equal(tt.want) {
				t.Fatalf("next_run=%v want %v", st.NextRun, tt.want)
			}
			if st.Priority != 5 || st.MaxRetries != 3 || st.Timeout != 300*time.Second {
				t.Fatalf("defaults not applied: %+v", st.Task)
			}
		})
	}
}

func TestScheduleTaskValidation(t *testing.T) {
	t.Parallel()

	valid := func() TaskSpec {
		return TaskSpec{Name: "t", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.run"}
	}
	tests := []struct {
		name  string
		mut   func(*TaskSpec)
		field string
	}{
		{"empty name", func(s *TaskSpec) { s.Name = " " }, "name"},
		{"long name", func(s *TaskSpec) { s.Name = strings.Repeat("x", 101) }, "name"},
		{"bad time", func(s *TaskSpec) { s.ScheduleTime = "25:00" }, "schedule_time"},
		{"no weekdays", func(s *TaskSpec) { s.Weekdays = nil }, "weekdays"},
		{"bad weekday", func(s *TaskSpec) { s.Weekdays = []int{7} }, "weekdays"},
		{"bad phase", func(s *TaskSpec) { s.Phase = "lunch" }, "market_phase"},
		{"bad target", func(s *TaskSpec) { s.Target = "noservice" }, "target"},
		{"priority high", func(s *TaskSpec) { s.Priority = 11 }, "priority"},
		{"timeout short", func(s *TaskSpec) { s.Timeout = "10ms" }, "timeout"},
		{"timeout garbage", func(s *TaskSpec) { s.Timeout = "soon" }, "timeout"},
		{"retries high", func(s *TaskSpec) { s.MaxRetries = intp(11) }, "max_retries"},
		{"every without intraday", func(s *TaskSpec) { s.Every = "5m" }, "every"},
		{"intraday outside market hours", func(s *TaskSpec) { s.Recurrence = "intraday"; s.Every = "15m" }, "market_phase"},
		{"unknown recurrence", func(s *TaskSpec) { s.Recurrence = "weekly" }, "recurrence"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, DefaultConfig(), okInvoker())
			spec := valid()
			tt.mut(&spec)
			_, err := h.svc.ScheduleTask(context.Background(), spec)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			found := false
			for _, fe := range ve.Errors {
				if fe.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("no error for field %q in %v", tt.field, ve.Errors)
			}
			if n := len(h.svc.ListTasks(Filter{})); n != 0 {
				t.Fatalf("invalid task stored: %d tasks", n)
			}
		})
	}

	t.Run("duplicate name", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, DefaultConfig(), okInvoker())
		mustSchedule(t, h.svc, valid())
		spec := valid()
		spec.Name = "T"
		if _, err := h.svc.ScheduleTask(context.Background(), spec); err == nil {
			t.Fatalf("expected duplicate name error")
		}
	})
}

func TestPriorityOrderUnderCeiling(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	inv := invokerFunc(func(ctx context.Context, target string, _ map[string]any) (any, error) {
		mu.Lock()
		order = append(order, target)
		mu.Unlock()
		<-release
		return nil, nil
	})
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg, inv)
	mustSchedule(t, h.svc, TaskSpec{Name: "low", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.low", Priority: 5})
	mustSchedule(t, h.svc, TaskSpec{Name: "high", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.high", Priority: 1})
	h.clock.Set(wed(9, 30))

	rep, err := h.svc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Dispatched != 1 || rep.DeferredByCeiling != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	running := h.svc.ListTasks(Filter{Running: boolp(true)})
	if len(running) != 1 || running[0].Name != "high" {
		t.Fatalf("expected high running, got %+v", running)
	}

	close(release)
	h.svc.Wait()

	rep, err = h.svc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Dispatched != 1 {
		t.Fatalf("second tick: %+v", rep)
	}
	h.svc.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "svc.high" || order[1] != "svc.low" {
		t.Fatalf("dispatch order=%v", order)
	}
	if m := h.svc.GetMetrics(); m.Counters.CeilingDeferrals != 1 || m.Counters.Successes != 2 {
		t.Fatalf("counters: %+v", m.Counters)
	}
}

func TestRetryBackoffThenTerminalFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("upstream down")
	inv := invokerFunc(func(context.Context, string, map[string]any) (any, error) { return nil, boom })
	h := newHarness(t, DefaultConfig(), inv)
	id := mustSchedule(t, h.svc, TaskSpec{Name: "flaky", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.flaky", MaxRetries: intp(3)})

	now := wed(9, 30)
	for i, want := range []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second} {
		h.clock.Set(now)
		if _, err := h.svc.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		h.svc.Wait()
		st := mustStatus(t, h.svc, id)
		if st.RetryCount != i+1 {
			t.Fatalf("attempt %d: retry_count=%d", i+1, st.RetryCount)
		}
		if st.NextRun == nil || st.NextRun.Sub(now) != want {
			t.Fatalf("attempt %d: next_run=%v want now+%v", i+1, st.NextRun, want)
		}
		if st.LastResult != engine.ResultFailure || st.LastError != boom.Error() {
			t.Fatalf("attempt %d: result=%s err=%q", i+1, st.LastResult, st.LastError)
		}
		now = *st.NextRun
	}

	h.clock.Set(now)
	if _, err := h.svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	h.svc.Wait()
	st := mustStatus(t, h.svc, id)
	if st.RetryCount != 0 {
		t.Fatalf("retry_count not reset: %d", st.RetryCount)
	}
	if st.NextRun == nil || !st.NextRun.Equal(thu(9, 30)) {
		t.Fatalf("terminal failure should reschedule regularly, got %v", st.NextRun)
	}
	if n, prio := h.notifier.count("task_failed"); n != 1 || prio != 7 {
		t.Fatalf("task_failed alerts=%d prio=%d", n, prio)
	}
	if st.FailureCount != 4 || len(st.Recent) != 4 {
		t.Fatalf("failure_count=%d recent=%d", st.FailureCount, len(st.Recent))
	}
	if c := h.svc.GetMetrics().Counters; c.Retries != 3 || c.TerminalFailures != 1 {
		t.Fatalf("counters: %+v", c)
	}
}

func TestNoRetryErrorIsTerminal(t *testing.T) {
	t.Parallel()

	inv := invokerFunc(func(context.Context, string, map[string]any) (any, error) {
		return nil, engine.NoRetry(errors.New("bad params"))
	})
	h := newHarness(t, DefaultConfig(), inv)
	id := mustSchedule(t, h.svc, TaskSpec{Name: "strict", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.strict"})
	h.clock.Set(wed(9, 30))
	if _, err := h.svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	h.svc.Wait()
	st := mustStatus(t, h.svc, id)
	if st.RetryCount != 0 || st.NextRun == nil || !st.NextRun.Equal(thu(9, 30)) {
		t.Fatalf("expected terminal failure, got retry=%d next=%v", st.RetryCount, st.NextRun)
	}
}

func TestCircuitBreakerDefersService(t *testing.T) {
	t.Parallel()

	inv := invokerFunc(func(_ context.Context, target string, _ map[string]any) (any, error) {
		return nil, errors.New(target + " failed")
	})
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.Breaker = engine.BreakerConfig{Threshold: 2, Cooldown: 10 * time.Minute}
	h := newHarness(t, cfg, inv)
	for i, name := range []string{"a", "b", "c"} {
		mustSchedule(t, h.svc, TaskSpec{Name: name, ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "quotes." + name, Priority: i + 1, MaxRetries: intp(0)})
	}
	h.clock.Set(wed(9, 30))

	rep, err := h.svc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Dispatched != 2 {
		t.Fatalf("first tick: %+v", rep)
	}
	h.svc.Wait()

	if n, prio := h.notifier.count("circuit_breaker_opened"); n != 1 || prio != 9 {
		t.Fatalf("breaker alerts=%d prio=%d", n, prio)
	}
	rep, err = h.svc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Dispatched != 0 || rep.DeferredByBreaker != 1 {
		t.Fatalf("second tick: %+v", rep)
	}

	c := h.svc.ListTasks(Filter{Service: "quotes"})
	var id string
	for _, ti := range c {
		if ti.Name == "c" {
			id = ti.ID
		}
	}
	if _, err := h.svc.ExecuteTask(context.Background(), id, false); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("ExecuteTask without force: %v", err)
	}

	h.clock.Set(wed(9, 41))
	rep, err = h.svc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Dispatched != 1 {
		t.Fatalf("after cooldown: %+v", rep)
	}
	h.svc.Wait()
}

func TestCancelRunningTaskDiscardsLateResult(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	inv := invokerFunc(func(context.Context, string, map[string]any) (any, error) {
		<-release
		return nil, nil
	})
	h := newHarness(t, DefaultConfig(), inv)
	id := mustSchedule(t, h.svc, TaskSpec{Name: "slow", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.slow"})
	h.clock.Set(wed(9, 30))
	if _, err := h.svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	res := h.svc.CancelTask(context.Background(), id)
	if !res.Found || !res.WasRunning {
		t.Fatalf("first cancel: %+v", res)
	}
	if again := h.svc.CancelTask(context.Background(), id); again.Found {
		t.Fatalf("second cancel should be a no-op: %+v", again)
	}
	close(release)
	h.svc.Wait()

	if _, err := h.svc.GetTaskStatus(id); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("cancelled task still present: %v", err)
	}
	c := h.svc.GetMetrics().Counters
	if c.Executions != 0 || c.CancelledInFlight != 1 {
		t.Fatalf("late completion leaked into counters: %+v", c)
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if len(h.store.tasks) != 0 || len(h.store.execs) != 0 {
		t.Fatalf("store not cleaned: tasks=%d execs=%d", len(h.store.tasks), len(h.store.execs))
	}
}

func TestTaskTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	inv := invokerFunc(func(context.Context, string, map[string]any) (any, error) {
		<-release
		return nil, nil
	})
	h := newHarness(t, DefaultConfig(), inv)
	id := mustSchedule(t, h.svc, TaskSpec{Name: "hang", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.hang", Timeout: "1s", MaxRetries: intp(0)})
	h.clock.Set(wed(9, 30))
	if _, err := h.svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	h.svc.Wait()

	st := mustStatus(t, h.svc, id)
	if st.LastResult != engine.ResultTimeout {
		t.Fatalf("result=%s", st.LastResult)
	}
	if !strings.Contains(st.LastError, "timed out") {
		t.Fatalf("error=%q", st.LastError)
	}
	c := h.svc.GetMetrics().Counters
	if c.Timeouts != 1 || c.Failures != 1 {
		t.Fatalf("timeout should count as failure: %+v", c)
	}
}

func TestPreflightFaultsDegradeScheduler(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	healthy := false
	preflight := func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return nil
		}
		return errors.New("store unreachable")
	}
	cfg := DefaultConfig()
	cfg.FaultThreshold = 3
	h := newHarness(t, cfg, okInvoker(), WithPreflight(preflight))

	for i := 1; i < cfg.FaultThreshold; i++ {
		wait, stopped := h.svc.step(context.Background())
		if stopped || wait != cfg.FaultBackoff.Delay(i) {
			t.Fatalf("fault %d: wait=%v stopped=%v", i, wait, stopped)
		}
		if h.svc.State() != StateRunning {
			t.Fatalf("degraded too early at fault %d", i)
		}
	}
	h.svc.step(context.Background())
	if h.svc.State() != StateDegraded {
		t.Fatalf("state=%s want degraded", h.svc.State())
	}
	if n, prio := h.notifier.count("scheduler_degraded"); n != 1 || prio != 10 {
		t.Fatalf("degraded alerts=%d prio=%d", n, prio)
	}
	if m := h.svc.GetMetrics(); m.Faults != cfg.FaultThreshold || m.LastFault == "" {
		t.Fatalf("metrics: faults=%d last=%q", m.Faults, m.LastFault)
	}

	mu.Lock()
	healthy = true
	mu.Unlock()
	if st, err := h.svc.Resume(); err != nil || st != StateRunning {
		t.Fatalf("Resume: %s %v", st, err)
	}
	if _, stopped := h.svc.step(context.Background()); stopped {
		t.Fatalf("unexpected stop")
	}
	if m := h.svc.GetMetrics(); m.Faults != 0 {
		t.Fatalf("faults not cleared: %d", m.Faults)
	}
}

func TestPanickingTickCountsAsFault(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), okInvoker(), WithPreflight(func(context.Context) error { panic("boom") }))
	if _, stopped := h.svc.step(context.Background()); stopped {
		t.Fatalf("unexpected stop")
	}
	if c := h.svc.GetMetrics().Counters; c.TickFaults != 1 {
		t.Fatalf("tick faults=%d", c.TickFaults)
	}
}

func TestPauseResumeStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), okInvoker())
	mustSchedule(t, h.svc, TaskSpec{Name: "p", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.p"})
	h.clock.Set(wed(9, 30))

	if st, err := h.svc.Pause(); err != nil || st != StatePaused {
		t.Fatalf("Pause: %s %v", st, err)
	}
	rep, err := h.svc.Tick(context.Background())
	if err != nil || rep.Dispatched != 0 {
		t.Fatalf("paused tick dispatched: %+v %v", rep, err)
	}
	if _, err := h.svc.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	rep, err = h.svc.Tick(context.Background())
	if err != nil || rep.Dispatched != 1 {
		t.Fatalf("resumed tick: %+v %v", rep, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.svc.Stop(ctx)
	if h.svc.State() != StateStopped {
		t.Fatalf("state=%s", h.svc.State())
	}
	if _, err := h.svc.Tick(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Tick after stop: %v", err)
	}
	if _, err := h.svc.ScheduleTask(context.Background(), TaskSpec{Name: "late", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("ScheduleTask after stop: %v", err)
	}
	if _, err := h.svc.Resume(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Resume after stop: %v", err)
	}
}

func TestUnschedulableAlertOnlyOnTransition(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), okInvoker())
	// Sunday is not a trading day, so a market_hours slot never matches.
	id := mustSchedule(t, h.svc, TaskSpec{Name: "sunday", ScheduleTime: "11:00", Weekdays: []int{0}, Phase: "market_hours", Target: "svc.sun"})
	st := mustStatus(t, h.svc, id)
	if !st.Unschedulable || st.NextRun != nil {
		t.Fatalf("expected unschedulable, got %+v", st.Task)
	}

	mcfg := market.DefaultConfig()
	mcfg.Timezone = "UTC"
	if _, err := h.svc.SetMarketSchedule(context.Background(), mcfg); err != nil {
		t.Fatalf("SetMarketSchedule: %v", err)
	}
	if n, prio := h.notifier.count("task_unschedulable"); n != 1 || prio != 6 {
		t.Fatalf("unschedulable alerts=%d prio=%d", n, prio)
	}

	mcfg.TradingWeekdays = []int{0, 1, 2, 3, 4, 5}
	if _, err := h.svc.SetMarketSchedule(context.Background(), mcfg); err != nil {
		t.Fatalf("SetMarketSchedule: %v", err)
	}
	st = mustStatus(t, h.svc, id)
	want := time.Date(2024, 1, 14, 11, 0, 0, 0, time.UTC)
	if st.Unschedulable || st.NextRun == nil || !st.NextRun.Equal(want) {
		t.Fatalf("expected recompute to %v, got %+v", want, st.Task)
	}
}

func TestIntradayRecurrence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), okInvoker())
	id := mustSchedule(t, h.svc, TaskSpec{Name: "poll", ScheduleTime: "15:00", Weekdays: weekdays(), Phase: "market_hours", Target: "quotes.poll", Recurrence: "intraday", Every: "30m"})

	h.clock.Set(wed(15, 0))
	if _, err := h.svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	h.svc.Wait()
	if st := mustStatus(t, h.svc, id); st.NextRun == nil || !st.NextRun.Equal(wed(15, 30)) {
		t.Fatalf("next=%v want 15:30", st.NextRun)
	}

	h.clock.Set(wed(15, 30))
	if _, err := h.svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	h.svc.Wait()
	if st := mustStatus(t, h.svc, id); st.NextRun == nil || !st.NextRun.Equal(thu(15, 0)) {
		t.Fatalf("next=%v want thursday 15:00", st.NextRun)
	}
}

func TestOneShotRecurrence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), okInvoker())
	id := mustSchedule(t, h.svc, TaskSpec{Name: "once", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.once", Recurrence: "none"})
	h.clock.Set(wed(9, 30))
	if _, err := h.svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	h.svc.Wait()
	st := mustStatus(t, h.svc, id)
	if st.NextRun != nil || st.LastResult != engine.ResultSuccess {
		t.Fatalf("one-shot should be unscheduled after success: %+v", st.Task)
	}
}

func TestExecuteTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), okInvoker())
	id := mustSchedule(t, h.svc, TaskSpec{Name: "manual", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.manual", Enabled: boolp(false)})

	if _, err := h.svc.ExecuteTask(context.Background(), "nope", false); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("unknown id: %v", err)
	}
	if _, err := h.svc.ExecuteTask(context.Background(), id, false); !errors.Is(err, ErrTaskDisabled) {
		t.Fatalf("disabled: %v", err)
	}
	info, err := h.svc.ExecuteTask(context.Background(), id, true)
	if err != nil || !info.Running {
		t.Fatalf("forced: %+v %v", info, err)
	}
	h.svc.Wait()
	st := mustStatus(t, h.svc, id)
	if st.SuccessCount != 1 || st.Enabled {
		t.Fatalf("after forced run: %+v", st.Task)
	}
}

func TestSetTaskEnabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), okInvoker())
	id := mustSchedule(t, h.svc, TaskSpec{Name: "toggle", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.toggle"})

	info, err := h.svc.SetTaskEnabled(context.Background(), id, false)
	if err != nil || info.Enabled || info.NextRun != nil || info.DisabledAt == nil {
		t.Fatalf("disable: %+v %v", info.Task, err)
	}
	info, err = h.svc.SetTaskEnabled(context.Background(), id, true)
	if err != nil || !info.Enabled || info.NextRun == nil || !info.NextRun.Equal(wed(9, 30)) {
		t.Fatalf("enable: %+v %v", info.Task, err)
	}
	if _, err := h.svc.SetTaskEnabled(context.Background(), "missing", true); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

func TestListTasksOrderAndFilter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), okInvoker())
	mustSchedule(t, h.svc, TaskSpec{Name: "close", ScheduleTime: "16:30", Weekdays: weekdays(), Phase: "post_market", Target: "reports.close"})
	mustSchedule(t, h.svc, TaskSpec{Name: "open", ScheduleTime: "10:05", Weekdays: weekdays(), Phase: "market_hours", Target: "quotes.open"})
	mustSchedule(t, h.svc, TaskSpec{Name: "b-off", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "news.off", Enabled: boolp(false)})
	mustSchedule(t, h.svc, TaskSpec{Name: "a-off", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "news.off2", Enabled: boolp(false)})

	var names []string
	for _, ti := range h.svc.ListTasks(Filter{}) {
		names = append(names, ti.Name)
	}
	if got := strings.Join(names, ","); got != "open,close,a-off,b-off" {
		t.Fatalf("order=%s", got)
	}
	if got := h.svc.ListTasks(Filter{Enabled: boolp(false)}); len(got) != 2 {
		t.Fatalf("disabled filter: %d", len(got))
	}
	if got := h.svc.ListTasks(Filter{Phase: market.MarketHours}); len(got) != 1 || got[0].Name != "open" {
		t.Fatalf("phase filter: %+v", got)
	}
	if got := h.svc.ListTasks(Filter{Service: "NEWS"}); len(got) != 2 {
		t.Fatalf("service filter: %d", len(got))
	}
}

func TestRestoreFromStore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), okInvoker())
	id := mustSchedule(t, h.svc, TaskSpec{Name: "persisted", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.persist", Priority: 2})

	clock := &fakeClock{now: thu(8, 0)}
	sched, err := market.New(func() market.Config { c := market.DefaultConfig(); c.Timezone = "UTC"; return c }())
	if err != nil {
		t.Fatalf("market.New: %v", err)
	}
	cfg := DefaultConfig()
	cfg.CleanupSchedule = ""
	restored := New(cfg, sched, okInvoker(), WithClock(clock), WithStore(h.store))
	n, err := restored.Restore(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Restore: n=%d err=%v", n, err)
	}
	st, err := restored.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("GetTaskStatus: %v", err)
	}
	if st.Name != "persisted" || st.Priority != 2 {
		t.Fatalf("restored definition: %+v", st.Task)
	}
	if st.NextRun == nil || !st.NextRun.Equal(thu(9, 30)) {
		t.Fatalf("stale next_run not recomputed: %v", st.NextRun)
	}
	if _, err := restored.ScheduleTask(context.Background(), TaskSpec{Name: "Persisted", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.x"}); err == nil {
		t.Fatalf("restored name should be reserved")
	}
}

func TestPersistenceFailureKeepsRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), okInvoker())
	h.store.mu.Lock()
	h.store.fail = errors.New("disk full")
	h.store.mu.Unlock()

	id := mustSchedule(t, h.svc, TaskSpec{Name: "mem", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.mem"})
	if _, err := h.svc.GetTaskStatus(id); err != nil {
		t.Fatalf("task should exist in memory: %v", err)
	}
}

func TestCleanupRemovesOldDisabledTasks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), okInvoker())
	mustSchedule(t, h.svc, TaskSpec{Name: "stale", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.stale", Enabled: boolp(false)})
	keep := mustSchedule(t, h.svc, TaskSpec{Name: "live", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.live"})

	h.clock.Set(wed(9, 30))
	if _, err := h.svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	h.svc.Wait()

	h.clock.Set(wed(9, 30).Add(8 * 24 * time.Hour))
	rep := h.svc.Cleanup(context.Background(), 0)
	if len(rep.TasksRemoved) != 1 || rep.TasksRemoved[0] != "stale" {
		t.Fatalf("removed=%v", rep.TasksRemoved)
	}
	if rep.HistoryPruned != 1 || rep.StorePruned != 1 {
		t.Fatalf("pruned history=%d store=%d", rep.HistoryPruned, rep.StorePruned)
	}
	if _, err := h.svc.GetTaskStatus(keep); err != nil {
		t.Fatalf("enabled task removed: %v", err)
	}
}

func TestValidateTaskConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), okInvoker())
	rep := h.svc.ValidateTaskConfig(TaskSpec{Name: "dry", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.dry"})
	if !rep.Valid || rep.NextRun == nil || !rep.NextRun.Equal(wed(9, 30)) {
		t.Fatalf("report: %+v", rep)
	}
	if n := len(h.svc.ListTasks(Filter{})); n != 0 {
		t.Fatalf("dry run registered a task")
	}
	rep = h.svc.ValidateTaskConfig(TaskSpec{Name: "dry", ScheduleTime: "11:00", Weekdays: []int{6}, Phase: "market_hours", Target: "svc.dry"})
	if !rep.Valid || rep.NextRun != nil || len(rep.Warnings) == 0 {
		t.Fatalf("unschedulable preview: %+v", rep)
	}
	rep = h.svc.ValidateTaskConfig(TaskSpec{})
	if rep.Valid || len(rep.Errors) < 4 {
		t.Fatalf("empty spec: %+v", rep)
	}
}

func TestParseCleanupSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"0 3 * * *", "0 3 * * *", false},
		{"@daily", "@daily", false},
		{"cron: 30 2 * * 1-5", "30 2 * * 1-5", false},
		{"6h", "@every 6h0m0s", false},
		{"02:30", "@every 2h30m0s", false},
		{"30s", "", true},
		{"whenever", "", true},
		{"99 * * * *", "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseCleanupSchedule(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestOpenBreakerHoldsPollCadence(t *testing.T) {
	t.Parallel()

	inv := invokerFunc(func(_ context.Context, target string, _ map[string]any) (any, error) {
		if target == "quotes.first" {
			return nil, errors.New("quotes down")
		}
		return nil, nil
	})
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	cfg.PollPrePost = time.Hour
	cfg.Breaker = engine.BreakerConfig{Threshold: 1, Cooldown: 5 * time.Minute}
	h := newHarness(t, cfg, inv)
	mustSchedule(t, h.svc, TaskSpec{Name: "first", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "quotes.first", Priority: 1, MaxRetries: intp(0)})
	second := mustSchedule(t, h.svc, TaskSpec{Name: "second", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "quotes.second", Priority: 2})
	h.clock.Set(wed(9, 30))

	if _, stopped := h.svc.step(context.Background()); stopped {
		t.Fatal("step reported stopped")
	}
	h.svc.Wait()

	for i := 0; i < 3; i++ {
		wait, stopped := h.svc.step(context.Background())
		if stopped {
			t.Fatal("step reported stopped")
		}
		if wait != 5*time.Minute {
			t.Fatalf("step %d: wait=%v want breaker cooldown 5m", i, wait)
		}
	}
	if c := h.svc.GetMetrics().Counters; c.BreakerDeferrals != 1 {
		t.Fatalf("breaker deferrals=%d want 1", c.BreakerDeferrals)
	}

	h.clock.Set(wed(9, 35))
	rep, err := h.svc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Dispatched != 1 || rep.DeferredByBreaker != 0 {
		t.Fatalf("after cooldown: %+v", rep)
	}
	h.svc.Wait()
	if st := mustStatus(t, h.svc, second); st.SuccessCount != 1 {
		t.Fatalf("held task did not run after cooldown: %+v", st.Task)
	}
}

func TestStopRecordsRunsFinishedWhileDraining(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	inv := invokerFunc(func(context.Context, string, map[string]any) (any, error) {
		<-release
		return nil, nil
	})
	h := newHarness(t, DefaultConfig(), inv)
	id := mustSchedule(t, h.svc, TaskSpec{Name: "drain", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.drain"})
	h.clock.Set(wed(9, 30))
	if rep, err := h.svc.Tick(context.Background()); err != nil || rep.Dispatched != 1 {
		t.Fatalf("Tick: %+v %v", rep, err)
	}

	go func() {
		for h.svc.State() != StateStopped {
			time.Sleep(5 * time.Millisecond)
		}
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.svc.Stop(ctx)

	st := mustStatus(t, h.svc, id)
	if st.SuccessCount != 1 || st.LastRun == nil || st.LastResult != engine.ResultSuccess {
		t.Fatalf("drained run not recorded: %+v", st.Task)
	}
	if st.NextRun == nil || !st.NextRun.Equal(thu(9, 30)) {
		t.Fatalf("next_run=%v want thursday 09:30", st.NextRun)
	}
	if got := len(h.svc.History(id, 10)); got != 1 {
		t.Fatalf("history=%d want 1", got)
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if len(h.store.execs) != 1 {
		t.Fatalf("stored executions=%d want 1", len(h.store.execs))
	}
}

func TestExecuteTaskRespectsCeiling(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	inv := invokerFunc(func(context.Context, string, map[string]any) (any, error) {
		<-release
		return nil, nil
	})
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg, inv)
	a := mustSchedule(t, h.svc, TaskSpec{Name: "a", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.a"})
	b := mustSchedule(t, h.svc, TaskSpec{Name: "b", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.b", Enabled: boolp(false)})

	if _, err := h.svc.ExecuteTask(context.Background(), a, false); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if _, err := h.svc.ExecuteTask(context.Background(), b, true); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("forced run over the ceiling: %v", err)
	}
	close(release)
	h.svc.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.svc.ExecuteTask(ctx, b, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled ctx: %v", err)
	}
	if st := mustStatus(t, h.svc, b); st.SuccessCount != 0 {
		t.Fatalf("b ran: %+v", st.Task)
	}
}

func TestSetMarketScheduleKeepsRetryBackoff(t *testing.T) {
	t.Parallel()

	inv := invokerFunc(func(_ context.Context, target string, _ map[string]any) (any, error) {
		return nil, errors.New(target + " failed")
	})
	h := newHarness(t, DefaultConfig(), inv)
	flaky := mustSchedule(t, h.svc, TaskSpec{Name: "flaky", ScheduleTime: "09:30", Weekdays: weekdays(), Phase: "pre_market", Target: "svc.flaky", MaxRetries: intp(3)})
	idle := mustSchedule(t, h.svc, TaskSpec{Name: "idle", ScheduleTime: "09:45", Weekdays: weekdays(), Phase: "pre_market", Target: "other.idle"})
	h.clock.Set(wed(9, 30))
	if _, err := h.svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	h.svc.Wait()

	retryAt := wed(9, 30).Add(30 * time.Second)
	if st := mustStatus(t, h.svc, flaky); st.NextRun == nil || !st.NextRun.Equal(retryAt) {
		t.Fatalf("retry slot=%v want %v", st.NextRun, retryAt)
	}

	mcfg := market.DefaultConfig()
	mcfg.Timezone = "UTC"
	mcfg.Holidays = []string{"2024-01-10"}
	if _, err := h.svc.SetMarketSchedule(context.Background(), mcfg); err != nil {
		t.Fatalf("SetMarketSchedule: %v", err)
	}

	st := mustStatus(t, h.svc, flaky)
	if st.RetryCount != 1 || st.NextRun == nil || !st.NextRun.Equal(retryAt) {
		t.Fatalf("retrying task was recomputed: retry=%d next=%v", st.RetryCount, st.NextRun)
	}
	if st := mustStatus(t, h.svc, idle); st.NextRun == nil || !st.NextRun.Equal(thu(9, 45)) {
		t.Fatalf("idle task next=%v want thursday 09:45", st.NextRun)
	}
}
