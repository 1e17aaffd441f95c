package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"svcdispatch/internal/config"
	"svcdispatch/internal/eventbus"
	"svcdispatch/internal/history"
	"svcdispatch/internal/observability/metrics"
	"svcdispatch/internal/runtime/supervisor"
	"svcdispatch/internal/unit"
	logx "svcdispatch/pkg/logx"
)

// Options selects the configuration and the unit behaviors.
type Options struct {
	ConfigPath string
	// Env picks the overlay file (config.<Env>.yaml). May be empty.
	Env      string
	Registry *unit.Registry
}

type App struct {
	cfgm *config.Manager
	reg  *unit.Registry
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  history.Store
	pruner *history.Pruner

	metrics    *metrics.Metrics
	metricsSrv *metrics.Server

	events *eventLogger
	notify *sdNotifier

	loopMu sync.Mutex
	loop   *runningLoop

	stopOnce sync.Once
}

// New loads and validates the configuration and builds every component.
// Nothing runs until Start.
func New(opts Options) (*App, error) {
	if opts.Registry == nil {
		return nil, errors.New("app: unit registry is required")
	}
	cfgm := config.NewManager(opts.ConfigPath, opts.Env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// History (optional)
	store, err := history.Open(cfg.History.StoreConfig(), log.With(logx.String("comp", "history")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("history: %w", err)
	}
	var pruner *history.Pruner
	if store != nil {
		loc, _ := cfg.Location()
		pruner = history.NewPruner(store, cfg.History.RetentionOrDefault(), cfg.History.PruneScheduleOrDefault(), loc,
			log.With(logx.String("comp", "history")))
		log.Info("history enabled", logx.String("driver", cfg.History.StoreConfig().Driver))
	}

	m := metrics.New(bus.Dropped)

	return &App{
		cfgm:       cfgm,
		reg:        opts.Registry,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		pruner:     pruner,
		metrics:    m,
		metricsSrv: metrics.NewServer(m, log),
		events:     newEventLogger(log.With(logx.String("comp", "events"))),
		notify:     newNotifier(log.With(logx.String("comp", "systemd"))),
	}, nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.LogLevelOrDefault(),
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func metricsConfig(cfg *config.Config) metrics.ServerConfig {
	if cfg.Metrics == nil {
		return metrics.ServerConfig{}
	}
	return metrics.ServerConfig{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
		Path:    cfg.Metrics.Path,
		Pprof:   cfg.Metrics.Pprof,
	}
}

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()
	ds, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	logStartupSummary(a.log, Summarize(a.cfgm.Environment(), ds, a.reg), cfg)

	// Observers subscribe before the loop starts so loop_started is seen.
	events, unsubEvents := a.bus.Subscribe(256)
	a.sup.Go0("events.log", func(c context.Context) {
		defer unsubEvents()
		a.events.Consume(c, events)
	})

	observed, unsubMetrics := a.bus.Subscribe(256)
	a.sup.Go0("metrics.collect", func(c context.Context) {
		defer unsubMetrics()
		a.metrics.Consume(c, observed)
	})
	a.metricsSrv.Reconfigure(a.sup.Context(), metricsConfig(cfg))

	if a.store != nil {
		rec := history.NewRecorder(a.store, a.log.With(logx.String("comp", "history")))
		runs, unsubRuns := a.bus.Subscribe(256, history.Events...)
		a.sup.Go0("history.record", func(c context.Context) {
			defer unsubRuns()
			rec.Consume(c, runs)
		})
		if err := a.pruner.Start(); err != nil {
			return err
		}
	}

	l, err := a.buildLoop(cfg)
	if err != nil {
		return err
	}
	if err := a.runLoop(l); err != nil {
		return err
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				newCfg = drainLatest(sub, newCfg)
				a.apply(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)

	a.sup.Go0("systemd.watchdog", a.notify.Watchdog)
	a.notify.Ready()
	a.notify.Status(fmt.Sprintf("dispatching %d units", len(ds)))

	a.log.Info("app started")
	return nil
}

func drainLatest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// validate runs on every reload after Config.Validate. Unknown unit names are
// not an error; they surface as unit_not_found while the loop keeps going.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	ds, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	for _, name := range a.reg.Missing(ds) {
		a.log.Warn("configured unit has no registered behavior", logx.String("unit", name))
	}
	return nil
}

// apply makes a committed config effective.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs, changedUnits := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(changedUnits) > 0 {
		a.log.Debug("unit config changes detected", logx.Any("units", changedUnits))
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(logConfig(next))
	}

	if slices.Contains(sections, "units") || slices.Contains(sections, "timezone") || slices.Contains(sections, "poll_interval") {
		a.notify.Reloading()
		if err := a.restartLoop(ctx, next); err != nil {
			if ctx.Err() == nil {
				a.log.Error("dispatch loop restart failed", logx.Err(err))
			}
		} else {
			a.events.Reset()
			ds, _ := next.Descriptors()
			a.notify.Status(fmt.Sprintf("dispatching %d units", len(ds)))
		}
		a.notify.Ready()
	}

	if slices.Contains(sections, "metrics") {
		a.metricsSrv.Reconfigure(a.sup.Context(), metricsConfig(next))
	}
	if slices.Contains(sections, "history") {
		a.log.Warn("history config changed; restart required for changes to take effect")
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// The loop stops first; a running unit sees its context cancelled.
	a.step(ctx, "dispatch", 5*time.Second, a.stopLoop)
	a.step(ctx, "metrics", 2*time.Second, func(c context.Context) error { a.metricsSrv.Stop(c); return nil })
	a.step(ctx, "pruner", 2*time.Second, func(c context.Context) error {
		if a.pruner != nil {
			a.pruner.Stop(c)
		}
		return nil
	})

	// Wait for supervised goroutines (observers, config watch/reload) so the
	// recorder is done writing before the store closes.
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if names := lingering(a.sup.Snapshot()); len(names) > 0 {
			a.log.Warn("tasks still running", logx.String("tasks", strings.Join(names, ",")))
		}
		return err
	})
	a.step(ctx, "history", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// lingering returns the names of tasks that have not exited.
func lingering(tasks []supervisor.TaskStats) []string {
	var out []string
	for _, t := range tasks {
		if t.Active > 0 {
			out = append(out, t.Name)
		}
	}
	return out
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

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
		// fn must honor stepCtx; if it doesn't, report when it eventually finishes.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
