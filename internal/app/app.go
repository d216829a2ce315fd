package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"

	"aitester/internal/api"
	"aitester/internal/config"
	"aitester/internal/eventbus"
	"aitester/internal/execution"
	"aitester/internal/notifier"
	rtsup "aitester/internal/runtime/supervisor"
	"aitester/internal/schedule"
	"aitester/internal/storage"
	logx "aitester/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	store  storage.Store
	runner *execution.CommandRunner
	exec   *execution.Service
	engine *schedule.Engine
	notif  *notifier.Service
	api    *api.Server

	stopOnce sync.Once
}

// NewApp loads the config and wires every component. Nothing runs until
// Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

// Engine exposes the schedule engine, mainly for tests and embedding.
func (a *App) Engine() *schedule.Engine { return a.engine }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
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

// Start restores the persisted schedules and starts every service. A store
// read failure while restoring schedules is fatal.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	n, err := a.engine.LoadSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	a.engine.Start(a.sup.Context())
	a.api.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("schedules", n), logx.Bool("api", a.cfgm.Get().API.Enabled), logx.Bool("notifier", a.notif.Enabled()))
	sdNotify(a.log, daemon.SdNotifyReady)
	return nil
}

// applyConfig pushes a validated reload into the running services.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if config.RestartRequired(sections) {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	changed := func(s string) bool { return slices.Contains(sections, s) }

	if changed("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if changed("scheduler") {
		if sc, err := mapScheduleConfig(newCfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(sc)
		}
	}

	// The execution browser default follows scheduler.browser.
	if changed("execution") || changed("scheduler") {
		if ec, cc, err := mapExecutionConfig(newCfg); err != nil {
			a.log.Warn("invalid execution config; keeping previous", logx.Err(err))
		} else {
			a.exec.Apply(ec)
			a.runner.Apply(cc)
		}
	}

	if changed("notifier") {
		a.applyNotifier(ctx, newCfg)
	}

	if changed("api") {
		if ac, err := mapAPIConfig(newCfg); err != nil {
			a.log.Warn("invalid api config; keeping previous", logx.Err(err))
		} else {
			a.api.Reconfigure(ctx, ac)
		}
	}

	a.log.Info("config reloaded", fields...)
}

// applyNotifier restarts the notifier so worker count, queue size and the
// sender all follow the new config.
func (a *App) applyNotifier(ctx context.Context, cfg *config.Config) {
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	sender, err := newSender(ncfg)
	if err != nil {
		a.log.Warn("notifier sender rejected; keeping previous", logx.Err(err))
		return
	}

	wasEnabled := a.notif.Enabled()
	if wasEnabled {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	}
	a.notif.SetSender(sender)
	a.notif.Apply(ncfg)
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
	}
}

// Stop shuts everything down in dependency order. Each step is bounded so
// one component cannot stall the whole stop. Safe to call more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// API first so no new requests reach the engine.
	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("scheduler", 5*time.Second, a.engine.Shutdown)
	step("execution", 5*time.Second, a.exec.Stop)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
