// Package app wires the watcher together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"livewatch/internal/config"
	"livewatch/internal/diag"
	"livewatch/internal/eventbus"
	"livewatch/internal/httpx"
	"livewatch/internal/metrics"
	"livewatch/internal/notifier"
	"livewatch/internal/poller"
	rtsup "livewatch/internal/runtime/supervisor"
	"livewatch/internal/storage"
	"livewatch/internal/twitch"
	logx "livewatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client   *httpx.Client
	twitch   *twitch.Client
	notif    *notifier.Dispatcher
	sinks    map[string]notifier.Sink
	poller   *poller.Poller
	metrics  *metrics.Metrics
	recent   *eventbus.Recorder
	diag     *diag.Service
	sd       *sdNotifier
	sinkHTTP *http.Client
}

// NewApp loads and validates the config at cfgPath and builds every
// component. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.Component("app")
	cfgm.SetLogger(log.Component("config"))

	a := &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      eventbus.New(),
		metrics:  metrics.New(),
		sd:       newSDNotifier(appLog),
		sinkHTTP: &http.Client{},
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, log.Component("storage"))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage ready", logx.String("driver", sc.Driver))

	hopt, err := mapHTTPOptions(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.client = httpx.New(hopt,
		httpx.WithLogger(log.Component("httpx")),
		httpx.WithAttemptHook(a.metrics.ObserveAttempt),
	)

	a.twitch, err = newTwitchClient(cfg, a.client, log.Component("twitch"))
	if err != nil {
		return nil, a.abort(err)
	}

	ncfg, sinks, err := mapNotifier(cfg, a.sinkHTTP)
	if err != nil {
		return nil, a.abort(err)
	}
	a.sinks = sinks
	a.notif = notifier.New(ncfg, sinks, a.client, log.Component("notifier"), a.bus)
	a.notif.SetResultHook(a.metrics.ObserveDispatch)

	popt, err := mapPollerOptions(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.poller = poller.New(popt, a.twitch, a.store, a.notif, log.Component("poller"), a.bus)
	a.poller.AddTickHook(a.metrics.ObserveTick)
	a.poller.AddTickHook(a.sd.ObserveTick)

	recent := cfg.Diagnostics.Recent
	if recent <= 0 {
		recent = 200
	}
	a.recent = eventbus.NewRecorder(recent, eventbus.TopicTransition, eventbus.TopicNotifyFailed)
	a.diag = diag.New(mapDiagConfig(cfg), diag.Deps{
		Poller:      a.poller,
		Transitions: a.recent,
		Metrics:     a.metrics.Handler(),
		Health:      a.health,
	}, log.Component("diag"))

	return a, nil
}

// abort releases what NewApp opened before failing.
func (a *App) abort(err error) error {
	closeSinks(a.sinks)
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) health() rtsup.Snapshot { return a.sup.Snapshot() }

// Done is closed when the app supervisor is cancelled (fatal error or Stop).
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
	cfg := a.cfgm.Get()

	popt, err := mapPollerOptions(cfg)
	if err != nil {
		return err
	}
	ids := channelIDs(cfg)
	a.sup.Go("poller", func(c context.Context) error {
		return a.poller.RunForever(c, ids, popt.Interval)
	})

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("eventbus.record", func(c context.Context) error {
		defer unsub()
		a.recent.Drain(c.Done(), events)
		return nil
	})

	if cfg.Diagnostics.Enabled {
		a.diag.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.Ready()
	a.log.Info("app started",
		logx.Int("channels", len(ids)),
		logx.Duration("interval", popt.Interval),
		logx.Duration("grace", popt.Grace),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
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
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	eventbus.Emit(a.bus, eventbus.TopicConfigReload, time.Now(), sections)

	for _, s := range sections {
		switch s {
		case "logging":
			if err := a.logs.Apply(mapLogging(newCfg)); err != nil {
				a.log.Warn("log file unavailable, using console", logx.Err(err))
			}
		case "cache", "http":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "twitch":
			a.applyTwitch(oldCfg, newCfg)
		case "notifier":
			a.applyNotifier(newCfg)
		case "diagnostics":
			a.diag.Reconfigure(ctx, mapDiagConfig(newCfg))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyTwitch(oldCfg, newCfg *config.Config) {
	added, removed := config.DiffChannels(oldCfg.Twitch.UserLogin, newCfg.Twitch.UserLogin)
	if len(added)+len(removed) > 0 {
		a.poller.SetChannels(channelIDs(newCfg))
		a.log.Info("channel list changed",
			logx.String("added", strings.Join(added, ",")),
			logx.String("removed", strings.Join(removed, ",")),
		)
	}
	popt, err := mapPollerOptions(newCfg)
	if err != nil {
		a.log.Warn("invalid twitch config; keeping previous timing", logx.Err(err))
		return
	}
	a.poller.SetGrace(popt.Grace)
	if err := a.poller.SetInterval(popt.Interval); err != nil {
		a.log.Warn("poll interval not applied", logx.Err(err))
	}
	if oldCfg.Twitch.ClientID != newCfg.Twitch.ClientID ||
		oldCfg.Twitch.AccessToken != newCfg.Twitch.AccessToken ||
		oldCfg.Twitch.HelixURL != newCfg.Twitch.HelixURL ||
		oldCfg.Twitch.BatchSize != newCfg.Twitch.BatchSize ||
		oldCfg.Twitch.PollConcurrency != newCfg.Twitch.PollConcurrency {
		a.log.Warn("twitch credentials or batching changed; restart required for changes to take effect")
	}
}

func (a *App) applyNotifier(newCfg *config.Config) {
	ncfg, sinks, err := mapNotifier(newCfg, a.sinkHTTP)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	old := a.sinks
	a.notif.Apply(ncfg, sinks)
	a.sinks = sinks
	closeSinks(old)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so background loops start unwinding; the poller
	// finishes its in-flight tick before RunForever returns.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
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
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("diagnostics", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	// Waits for the poller's last tick, which persists before it dispatches.
	step("supervisor", 30*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("sinks", time.Second, func(context.Context) error { closeSinks(a.sinks); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
