// Package app wires the status store, catalog, executor, HTTP API and event
// forwarding into one daemon and owns their start/stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"procexec/internal/catalog"
	"procexec/internal/config"
	"procexec/internal/eventbus"
	"procexec/internal/executor"
	"procexec/internal/httpapi"
	rtsup "procexec/internal/runtime/supervisor"
	"procexec/internal/status"
	logx "procexec/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store status.Store
	exec  *executor.Executor
	http  *httpapi.Server
	fwd   *eventbus.Forwarder

	stopOnce sync.Once
}

// components is everything built from one config, before anything runs.
type components struct {
	store status.Store
	exec  *executor.Executor
}

// build opens the store and constructs the executor. The caller owns store.
func build(cfg *config.Config, log logx.Logger, bus eventbus.Bus) (*components, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	ecfg, err := mapExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(mapCatalogConfig(cfg), log.With(logx.Component("catalog")))
	if err != nil {
		return nil, err
	}
	store, err := status.Open(sc, log.With(logx.Component("status")))
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}
	ex, err := executor.New(ecfg, executor.Deps{Store: store, Catalog: cat, Log: log, Bus: bus})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Info("status store opened", logx.String("driver", sc.Driver))
	return &components{store: store, exec: ex}, nil
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}
	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	bus := eventbus.New()

	c, err := build(cfg, log, bus)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	var fwd *eventbus.Forwarder
	if u := strings.TrimSpace(cfg.Events.NATSURL); u != "" {
		fwd, err = eventbus.DialNATS(u, cfg.Events.SubjectPrefix, log.With(logx.Component("nats")))
		if err != nil {
			_ = c.store.Close()
			_ = logSvc.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.Component("app")),
		logs:    logSvc,
		bus:     bus,
		store:   c.store,
		exec:    c.exec,
		http:    httpapi.New(httpCfg, c.exec, log.With(logx.Component("http"))),
		fwd:     fwd,
	}, nil
}

func (a *App) Executor() *executor.Executor { return a.exec }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(validateConfig)

	if err := a.exec.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start executor: %w", err)
	}

	a.sup.Go("http.serve", a.http.Serve)

	if a.fwd != nil {
		a.sup.Go("events.nats", func(c context.Context) error { return a.fwd.Run(c, a.bus) })
	}

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

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
				newCfg = drainLatest(sub, newCfg)
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// drainLatest coalesces a burst of configs into the newest one.
func drainLatest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig applies the live sections and reports the rest.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogConfig(newCfg))

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(pending, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts everything down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("executor", 10*time.Second, func(c context.Context) error { a.exec.Shutdown(c); return nil })
	step("nats", 2*time.Second, func(c context.Context) error { a.fwd.Close(); return nil })
	step("supervisor", 5*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && c.Err() != nil {
			return err
		}
		return nil
	})
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// RunGC runs a single reaper pass against the configured store without
// starting the daemon.
func RunGC(ctx context.Context, cfgPath string, log logx.Logger) (executor.CleanReport, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return executor.CleanReport{}, err
	}
	if err := validateConfig(ctx, cfg); err != nil {
		return executor.CleanReport{}, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c, err := build(cfg, log, nil)
	if err != nil {
		return executor.CleanReport{}, err
	}
	defer func() { _ = c.store.Close() }()
	return c.exec.Clean(ctx), nil
}
