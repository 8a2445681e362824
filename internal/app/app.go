// Package app wires the notification pipeline: config, storage, checkers,
// queues, renderer, sender, guardian and the chat adapter.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"dynbot/internal/checker"
	"dynbot/internal/config"
	"dynbot/internal/event"
	"dynbot/internal/eventbus"
	"dynbot/internal/guardian"
	"dynbot/internal/queue"
	"dynbot/internal/render"
	"dynbot/internal/runtime/supervisor"
	"dynbot/internal/sender"
	"dynbot/internal/storage"
	"dynbot/internal/task/scheduler"
	"dynbot/internal/transport/telegram"
	"dynbot/internal/upstream"
	logx "dynbot/pkg/logx"
)

const commandTimeout = 30 * time.Second

type App struct {
	cfgPath string

	cfgm *config.Manager
	data *config.DataStore
	prov *config.Provider

	// sup runs config watch/reload and the bus logger. pipe runs the
	// renderer and sender, which outlive sup during the shutdown drain.
	sup  *supervisor.Supervisor
	pipe *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	sched   *scheduler.Scheduler

	dynQ  *queue.Queue[event.Event]
	liveQ *queue.Queue[event.Event]
	msgQ  *queue.Queue[render.Message]
	missQ *queue.Queue[render.Message]

	dyn       *checker.DynamicChecker
	live      *checker.LiveChecker
	liveClose *checker.LiveCloseChecker
	renderer  *render.Renderer
	sender    *sender.Sender
	retrier   *sender.Retrier
	guard     *guardian.Guardian
	cache     *guardian.CacheCleaner
	cmds      *commands

	retryInterval int
	drainTimeout  time.Duration
	systemd       bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The alert sink is attached once the adapter exists.
	logSvc, root := logx.New(mapLogConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root)

	ad, err := telegram.New(telegram.Config{
		Token:         cfg.Telegram.Token,
		PollTimeout:   config.Dur(cfg.Telegram.PollTimeout, 10*time.Second),
		ProbeInterval: config.Dur(cfg.Telegram.ProbeInterval, 30*time.Second),
		Admins:        mapContacts(cfg.Telegram.AdminContacts, log),
	}, root)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	logSvc.SetAlertSender(ad)

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	data := config.NewDataStore(cfg.Data.Path, root)
	if err := data.Reload(); err != nil {
		// already logged; the bot runs with empty subscriptions
		log.Warn("subscriptions not loaded", logx.Err(err))
	}
	prov := config.NewProvider(cfgm, data, store)

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	sched := scheduler.New(nil, scheduler.Config{Location: loc},
		scheduler.WithLogger(root.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(bus),
	)

	client, err := upstream.NewHTTPClient(mapUpstream(cfg), root)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:       cfgPath,
		cfgm:          cfgm,
		data:          data,
		prov:          prov,
		log:           log,
		logs:          logSvc,
		bus:           bus,
		store:         store,
		adapter:       ad,
		sched:         sched,
		dynQ:          queue.New[event.Event]("dynamic", cfg.Queues.Dynamic),
		liveQ:         queue.New[event.Event]("live", cfg.Queues.Live),
		msgQ:          queue.New[render.Message]("message", cfg.Queues.Message),
		missQ:         queue.New[render.Message]("miss", cfg.Queues.Miss),
		retryInterval: cfg.Sender.RetryInterval,
		drainTimeout:  config.Dur(cfg.Queues.DrainTimeout, 10*time.Second),
		systemd:       cfg.Guardian.Systemd,
	}

	deps := checker.Deps{Client: client, Source: prov, Log: root, Bus: bus}
	users := checker.NewLiveUsers(prov, root)
	a.dyn = checker.NewDynamicChecker(deps, a.dynQ, mapDynamic(cfg))
	a.live = checker.NewLiveChecker(deps, a.liveQ, users, cfg.Check.LiveCloseNotify)
	a.liveClose = checker.NewLiveCloseChecker(deps, a.liveQ, users, config.Dur(cfg.Check.LiveUserExpiry, checker.DefaultLiveUserExpiry))
	a.setCycleOptions(cfg.Check)

	a.renderer = render.New(prov, a.msgQ, mapRender(cfg), root, bus, a.dynQ, a.liveQ)

	var audit sender.Auditor
	if store != nil {
		audit = store
	}
	a.sender = sender.New(a.msgQ, a.missQ, ad, audit, mapSender(cfg), root, bus)
	a.retrier = sender.NewRetrier(a.sender)

	a.cache = guardian.NewCacheCleaner(mapCache(cfg), ad, root)
	a.guard = guardian.New(sched.Registry(), mapGuardian(cfg), root,
		guardian.WithConnectivity(ad),
		guardian.WithBus(bus),
		guardian.WithQueues(a.dynQ, a.liveQ, a.msgQ, a.missQ),
		guardian.WithEvictors(a.cache),
	)

	a.cmds = &commands{
		dyn:    a.dyn,
		data:   data,
		report: a.guard,
		tasks:  sched.Snapshot,
		queues: []queue.StatsSource{a.dynQ, a.liveQ, a.msgQ, a.missQ},
	}
	return a, nil
}

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

func (a *App) setCycleOptions(ch config.CheckConfig) {
	timeout := config.Dur(ch.CycleTimeout, checker.DefaultCycleTimeout)
	report := config.Dur(ch.ReportInterval, checker.DefaultReportInterval)
	for _, c := range []interface {
		SetTimeout(time.Duration)
		SetReportInterval(time.Duration)
	}{a.dyn, a.live, a.liveClose} {
		c.SetTimeout(timeout)
		c.SetReportInterval(report)
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	// The pipeline and adapter are stopped explicitly so queued messages can
	// still go out after intake stops.
	base := context.WithoutCancel(ctx)

	a.cfgm.SetCheck(func(_ context.Context, cfg *config.Config) error { return checkReload(cfg) })

	if err := a.adapter.Start(base); err != nil {
		return err
	}
	a.pipe = supervisor.New(base, supervisor.WithLogger(a.log.With(logx.String("comp", "pipeline"))))
	a.cmds.sups = []*supervisor.Supervisor{a.sup, a.pipe}
	a.adapter.RegisterCommands(a.sup.Context(), a.cmds, commandTimeout)

	a.pipe.Go("render", a.renderer.Run)
	a.pipe.Go("send", a.sender.Run)

	for _, t := range []struct {
		task scheduler.Task
		bind interface{ Bind(checker.IntervalSetter) }
	}{
		{a.dyn.Task(), a.dyn},
		{a.live.Task(), a.live},
		{a.liveClose.Task(), a.liveClose},
		{a.retrier.Task(a.retryInterval), nil},
		{a.guard.Task(), nil},
		{a.cache.Task(), nil},
	} {
		h, err := a.sched.Go(a.sup.Context(), t.task)
		if err != nil {
			return fmt.Errorf("start task %s: %w", t.task.Name, err)
		}
		if t.bind != nil {
			t.bind.Bind(h)
		}
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
				// Keep this debug-level to avoid noise for frequent pollers.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
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
				// Coalesce bursts: keep only the latest config in the channel.
			coalesce:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break coalesce
					}
				}
				a.apply(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("subscriptions", len(a.data.Snapshot().Subscriptions)),
		logx.Int("tasks", a.sched.Registry().Len()),
	)
	return nil
}

// apply pushes a reloaded config into the running components. Intervals and
// the low-speed window are read through the provider on every cycle.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	a.dyn.SetBanned(newCfg.Check.BannedSubtypes)
	a.live.SetCloseNotify(newCfg.Check.LiveCloseNotify)
	a.setCycleOptions(newCfg.Check)

	r := mapRender(newCfg)
	a.renderer.SetCards(r.Cards)
	a.renderer.SetTimeout(r.Timeout)
	a.sender.Apply(mapSender(newCfg))
	a.guard.Apply(mapGuardian(newCfg))
	a.cache.Apply(mapCache(newCfg))

	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.systemd {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
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
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Intake first: no new events once the checkers are gone.
	step("scheduler", 3*time.Second, a.sched.Stop)
	a.sup.Cancel()
	step("drain", a.drainTimeout, func(c context.Context) error {
		return waitEmpty(c, a.dynQ, a.liveQ, a.msgQ)
	})
	step("pipeline", 2*time.Second, a.pipe.Stop)
	if lost := a.dynQ.Len() + a.liveQ.Len() + a.msgQ.Len() + a.missQ.Len(); lost > 0 {
		a.log.Warn("undelivered items at shutdown", logx.Int("count", lost))
	}
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("guardian", time.Second, func(context.Context) error { return a.guard.Close() })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// waitEmpty polls until every queue is empty. In-flight items held by a
// worker are not visible here; the pipeline stop step bounds those.
func waitEmpty(ctx context.Context, qs ...interface{ Len() int }) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		pending := 0
		for _, q := range qs {
			pending += q.Len()
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d item(s) left: %w", pending, ctx.Err())
		case <-t.C:
		}
	}
}
