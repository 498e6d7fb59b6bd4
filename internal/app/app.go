// Package app wires the daemon together: config, logging, storage, registry,
// platform client, renewal service, alerting and pprof.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"renewd/internal/config"
	"renewd/internal/eventbus"
	"renewd/internal/notify"
	"renewd/internal/observability/pprof"
	"renewd/internal/platform"
	"renewd/internal/registry"
	"renewd/internal/renewal"
	rtsup "renewd/internal/runtime/supervisor"
	"renewd/internal/storage"
	"renewd/internal/transport/telegram"
	logx "renewd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg    *registry.Registry
	client *platform.Client
	renew  *renewal.Service
	notif  *notify.Service
	pprof  *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	regCfg, err := mapRegistryConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := registry.New(regCfg, store, log.With(logx.String("comp", "registry")))
	if store != nil {
		if err := reg.Load(context.Background()); err != nil {
			return nil, fmt.Errorf("load registry: %w", err)
		}
	}
	added, removed := reg.SyncDesired(context.Background(), desiredKeys(cfg))
	if added > 0 || removed > 0 {
		log.Info("registry synced to config",
			logx.Int("added", added), logx.Int("removed", removed))
	}

	clientCfg, err := mapClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := platform.New(clientCfg, log.With(logx.String("comp", "client")))

	// Alerting (optional)
	ncfg, tcfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sender notify.Sender
	if ncfg.Enabled {
		s, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		sender = s
	}
	notifSvc := notify.New(ncfg, sender, log.With(logx.String("comp", "notify")), bus, store)

	rcfg, err := mapRenewalConfig(cfg)
	if err != nil {
		return nil, err
	}
	var alerts renewal.AlertSink
	if ncfg.Enabled {
		alerts = notifSvc
	}
	renewSvc := renewal.New(rcfg, reg, client, store, alerts, log.With(logx.String("comp", "renewal")), bus)

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		client:  client,
		renew:   renewSvc,
		notif:   notifSvc,
		pprof:   pprofSvc,
	}, nil
}

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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapRegistryConfig(cfg); err != nil {
			return err
		}
		if _, err := mapClientConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRenewalConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapNotifyConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		// Desired subscriptions must reference configured platforms.
		supported := map[string]struct{}{}
		for _, p := range cfg.Platforms {
			supported[p] = struct{}{}
		}
		for _, s := range cfg.Subscriptions {
			if _, ok := supported[s.Platform]; !ok {
				return fmt.Errorf("subscriptions: platform %q is not in platforms", s.Platform)
			}
			if strings.TrimSpace(s.ID) == "" {
				return fmt.Errorf("subscriptions: id is required")
			}
		}
		return nil
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.renew.Enabled() {
		a.renew.Start(a.sup.Context())
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Event log tap for observability/debug.
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

	// Hot reload fan-out.
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
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				a.applyReload(c, newCfg, sections)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("platforms", len(a.cfgm.Get().Platforms)),
		logx.Int("tracked", a.reg.Len()))
	return nil
}

// applyReload pushes a validated config into the running components.
// The validator already ran, so mapping errors here mean a code bug; they are
// logged and the previous component config is kept.
func (a *App) applyReload(ctx context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if regCfg, err := mapRegistryConfig(cfg); err != nil {
		a.log.Warn("invalid registry config; keeping previous", logx.Err(err))
	} else {
		a.reg.Apply(regCfg)
		added, removed := a.reg.SyncDesired(ctx, desiredKeys(cfg))
		if added > 0 || removed > 0 {
			a.log.Info("registry synced to config",
				logx.Int("added", added), logx.Int("removed", removed))
		}
	}

	if clientCfg, err := mapClientConfig(cfg); err != nil {
		a.log.Warn("invalid client config; keeping previous", logx.Err(err))
	} else {
		a.client.Apply(clientCfg)
	}

	prevRenewEnabled := a.renew.Enabled()
	if rcfg, err := mapRenewalConfig(cfg); err != nil {
		a.log.Warn("invalid renewal config; keeping previous", logx.Err(err))
	} else {
		a.renew.Apply(rcfg)
		if prevRenewEnabled && !rcfg.Enabled {
			a.log.Info("renewal disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.renew.Stop(stopCtx)
			cancel()
		} else if !prevRenewEnabled && rcfg.Enabled {
			a.log.Info("renewal enabled via config")
			a.renew.Start(ctx)
		}
	}

	prevNotifEnabled := a.notif.Enabled()
	if ncfg, _, err := mapNotifyConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		if prevNotifEnabled && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevNotifEnabled && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if ppc, err := mapPprofConfig(cfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("renewal", 5*time.Second, func(c context.Context) error {
		a.renew.Stop(c)
		return nil
	})
	step("notify", 5*time.Second, func(c context.Context) error {
		a.notif.Stop(c)
		return nil
	})
	step("pprof", 3*time.Second, func(c context.Context) error {
		a.pprof.Stop(c)
		return nil
	})
	step("supervisor", 5*time.Second, func(c context.Context) error {
		return a.sup.Wait(c)
	})
	if a.store != nil {
		step("storage", 2*time.Second, func(context.Context) error {
			return a.store.Close()
		})
	}

	a.log.Info("stopped")
	return a.logs.Close()
}
