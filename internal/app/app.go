package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/api"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/config"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/eventbus"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/invoke"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/invoke/systemd"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/market"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/notifier"
	rtsup "github.com/Todd-j-sutherland/trading-feature-sub006/internal/runtime/supervisor"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/storage"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/scheduler"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/transport"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/transport/telegram"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

const systemdService = "systemd"

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store
	units systemd.Units

	sched *scheduler.Service
	notif *notifier.Service
	api   *api.Server
}

// Option adjusts construction; tests use it to swap the invoker.
type Option func(*options)

type options struct {
	invoker scheduler.Invoker
	units   systemd.Units
}

// WithInvoker replaces the invoker built from services and systemd.
func WithInvoker(inv scheduler.Invoker) Option {
	return func(o *options) { o.invoker = inv }
}

// WithUnits supplies the systemd backend instead of dialing the system bus.
func WithUnits(u systemd.Units) Option {
	return func(o *options) { o.units = u }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	// Validation passed, so the mappers below cannot fail.
	logCfg, _ := mapLogConfig(cfg)
	tgCfg, tgEnabled, _ := mapTelegramConfig(cfg)
	ncfg, _ := mapNotifierConfig(cfg)
	scfg, storageEnabled, _ := mapStorageConfig(cfg)
	mcfg, _ := mapMarketConfig(cfg)
	schedCfg, _ := mapSchedulerConfig(cfg)
	adminCfg, _ := mapAdminConfig(cfg)

	// Telegram chat logging starts disabled until the target is set so
	// Apply does not warn about a missing chat.
	bootLogCfg := logCfg
	bootLogCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootLogCfg, nil)
	log := root.With(logx.String("comp", "app"))

	var sender transport.Sender
	if tgEnabled {
		tg, err := telegram.New(tgCfg, root.With(logx.String("comp", "telegram")))
		if err != nil {
			logSvc.Close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = tg
		logSvc.SetSender(tg)
	}
	logSvc.SetTelegramTarget(cfg.Telegram.LogChatID, cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)

	bus := eventbus.New()

	var store storage.Store
	if storageEnabled {
		st, err := storage.Open(scfg, root.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", scfg.Driver))
	}

	notif := notifier.New(ncfg, sender, root.With(logx.String("comp", "notifier")), bus, store)

	inv := o.invoker
	units := o.units
	if inv == nil {
		inv, units, err = buildInvoker(cfg, units, root)
		if err != nil {
			closeStore(store)
			logSvc.Close()
			return nil, err
		}
	}

	ms, _ := market.New(mcfg)
	schedOpts := []scheduler.Option{
		scheduler.WithLogger(root.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(bus),
		scheduler.WithNotifier(notif),
	}
	if store != nil {
		schedOpts = append(schedOpts, scheduler.WithStore(store), scheduler.WithPreflight(store.Ping))
	}
	sched := scheduler.New(schedCfg, ms, inv, schedOpts...)

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		units: units,
		sched: sched,
		notif: notif,
	}
	a.api = api.NewServer(adminCfg, sched, bus, root, api.WithStatus(a.status))

	log.Info("app configured",
		logx.String("market_tz", mcfg.Timezone),
		logx.Int("max_concurrent", schedCfg.MaxConcurrent),
		logx.String("retry", retryPolicyString(schedCfg.Retry)),
		logx.Bool("telegram", tgEnabled),
		logx.Bool("admin", adminCfg.Enabled),
	)
	return a, nil
}

// buildInvoker routes configured services to the exec invoker and the
// built-in systemd service to its registry handler.
func buildInvoker(cfg *config.Config, units systemd.Units, log logx.Logger) (scheduler.Invoker, systemd.Units, error) {
	reg := invoke.NewRegistry()
	if cfg.Systemd.Enabled {
		if units == nil {
			u, err := systemd.Connect(context.Background())
			if err != nil {
				return nil, nil, err
			}
			units = u
		}
		reg.Register(systemdService, systemd.Handler(units, cfg.Systemd.Units))
	}

	mux := invoke.NewMux(reg)
	if len(cfg.Services) > 0 {
		ex, err := invoke.NewExec(mapServices(cfg), log.With(logx.String("comp", "invoke")))
		if err != nil {
			return nil, units, err
		}
		for _, name := range ex.Services() {
			mux.Route(name, ex)
		}
	}
	return mux, units, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) API() *api.Server { return a.api }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	runCtx := a.sup.Context()

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}

	restored, err := a.sched.Restore(ctx)
	if err != nil {
		a.log.Warn("task restore failed; continuing with config tasks only", logx.Err(err))
	}
	added := a.registerConfigTasks(ctx, a.cfgm.Get())
	a.log.Info("tasks loaded", logx.Int("restored", restored), logx.Int("from_config", added))

	if err := a.sched.Start(runCtx); err != nil {
		return err
	}
	a.api.Start(runCtx)

	a.sup.Go0("eventbus.log", a.logEvents)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.String("state", string(a.sched.State())))
	return nil
}

// registerConfigTasks schedules tasks from the file whose names are not
// already registered, typically by Restore.
func (a *App) registerConfigTasks(ctx context.Context, cfg *config.Config) int {
	if cfg == nil {
		return 0
	}
	have := map[string]bool{}
	for _, t := range a.sched.ListTasks(scheduler.Filter{}) {
		have[strings.ToLower(t.Name)] = true
	}
	added := 0
	for _, spec := range cfg.Tasks {
		if have[strings.ToLower(strings.TrimSpace(spec.Name))] {
			continue
		}
		id, err := a.sched.ScheduleTask(ctx, spec)
		if err != nil {
			a.log.Warn("config task rejected", logx.String("task", spec.Name), logx.Err(err))
			continue
		}
		a.log.Debug("config task registered", logx.String("task", spec.Name), logx.String("id", id))
		added++
	}
	return added
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// status feeds the extra sections of GET /api/metrics.
func (a *App) status() map[string]any {
	out := map[string]any{
		"notifier": a.notif.Stats(),
		"bus":      a.bus.Stats(),
		"log_chat": map[string]any{"dropped": a.logs.Dropped()},
		"storage":  map[string]any{"enabled": a.store != nil},
	}
	sups := map[string]any{}
	if a.sup != nil {
		sups["app"] = a.sup.Snapshot()
	}
	if s := a.sched.Supervisor(); s != nil {
		sups["scheduler"] = s.Snapshot()
	}
	if s := a.notif.Supervisor(); s != nil {
		sups["notifier"] = s.Snapshot()
	}
	if s := a.api.Supervisor(); s != nil {
		sups["api"] = s.Snapshot()
	}
	out["supervisors"] = sups
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	a.step(ctx, "api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "systemd", time.Second, func(context.Context) error {
		if a.units != nil {
			return a.units.Close()
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return closeStore(a.store) })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline so
// one component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}

func closeStore(st storage.Store) error {
	if st == nil {
		return nil
	}
	return st.Close()
}
