package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/observability/ops"
	"relaybot/internal/prompt"
	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/transport/botapi"
	"relaybot/internal/transport/mtproto"
	logx "relaybot/pkg/logx"
)

// Option customizes an App before Start.
type Option func(*App)

// WithTransport replaces the transport selected by telegram.transport.
func WithTransport(t relay.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithPrompter replaces the console prompter used for interactive login.
func WithPrompter(p relay.Prompter) Option {
	return func(a *App) { a.prompter = p }
}

// WithNotifier replaces the service-manager notifier.
func WithNotifier(n Notifier) Option {
	return func(a *App) { a.notify = n }
}

// App wires the relay: one transport connection, one poller feeding the
// cache, one timer per destination, plus the delivery journal and ops server.
type App struct {
	cfgm     *config.Manager
	cfg      *config.Config
	settings config.RelaySettings

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	transport relay.Transport
	prompter  relay.Prompter
	notify    Notifier

	cache *relay.Cache
	sched *relay.Scheduler
	ops   *ops.Service

	sup      *rtsup.Supervisor // app-lifetime goroutines
	relaySup *rtsup.Supervisor // poller only, so it can be drained before the connection closes

	mu      sync.Mutex
	started bool
	conn    relay.Conn
	handles []*relay.Handle

	closeOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

// NewApp loads (or creates) the config at cfgPath, validates it and builds
// every component. Nothing talks to the network until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetLogger(logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgm.Path(), err)
	}
	settings, err := config.ParseRelay(cfg.Relay)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:     cfgm,
		cfg:      cfg,
		settings: settings,
		log:      log,
		logs:     logSvc,
		bus:      eventbus.New(),
		cache:    relay.NewCache(),
	}
	for _, o := range opts {
		o(a)
	}

	if a.transport == nil {
		if a.transport, err = newTransport(cfg, log); err != nil {
			return nil, err
		}
	}
	if a.prompter == nil {
		a.prompter = prompt.NewConsole(log.With(logx.String("comp", "prompt")))
	}
	if a.notify == nil {
		a.notify = systemdNotifier{}
	}

	sc, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}
	if a.store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if cfg.Ops.Enabled {
		a.ops = ops.New(ops.Config{
			Addr:          cfg.Ops.Addr,
			Token:         cfg.Ops.Token,
			AllowInsecure: cfg.Ops.AllowInsecure,
			Pprof:         cfg.Ops.Pprof,
		}, a.status, log.With(logx.String("comp", "ops")))
	}
	return a, nil
}

func newTransport(cfg *config.Config, log logx.Logger) (relay.Transport, error) {
	tc := cfg.Telegram
	switch strings.ToLower(strings.TrimSpace(tc.Transport)) {
	case "", config.TransportMTProto:
		return mtproto.New(mtproto.Config{
			APIID:      tc.APIID,
			APIHash:    tc.APIHash,
			MaxRetries: tc.MaxRetries,
		}, log.With(logx.String("comp", "mtproto"))), nil
	case config.TransportBotAPI:
		return botapi.New(botapi.Config{Token: tc.BotToken}, log.With(logx.String("comp", "botapi"))), nil
	default:
		return nil, fmt.Errorf("unknown telegram.transport %q", tc.Transport)
	}
}

func loggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			Chat:       l.Telegram.Chat,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, nil
	}
	if driver == "sqlite3" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if driver == "sqlite" && path == "" {
		return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

// Done is closed when the app context ends (signal, fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error recorded by the app supervisor.
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// Start connects the transport (logging in through the prompter when
// needed), persists a changed session, fetches the source once, then starts
// the poller and one timer per destination. Only a connection or login
// failure aborts startup.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	a.started = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))), rtsup.WithCancelOnError(true))
	a.relaySup = rtsup.New(a.sup.Context(), rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))))
	a.mu.Unlock()

	a.log.Info("connecting", logx.String("transport", a.transport.Name()))
	conn, cred, err := a.transport.Connect(a.sup.Context(), a.cfg.Telegram.Session, a.prompter)
	if err != nil {
		return fmt.Errorf("connect %s: %w", a.transport.Name(), err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	if cred != a.cfg.Telegram.Session {
		if err := a.cfgm.SaveSession(cred); err != nil {
			a.log.Error("session not persisted; login will be asked again next start", logx.Err(err))
		}
	}
	a.logs.SetSender(conn)

	a.startEventLog()
	if a.store != nil {
		a.startRecorder()
	}

	poller, err := relay.NewPoller(relay.PollerConfig{
		Source:   a.settings.Source,
		Interval: a.settings.PollInterval,
		Timeout:  a.settings.FetchTimeout,
	}, conn, a.cache, a.log.With(logx.String("comp", "poller")), a.bus)
	if err != nil {
		return err
	}
	// the first fetch finishes before any timer starts so first ticks see it
	poller.PollOnce(a.sup.Context())
	a.relaySup.GoRestart("relay.poller", poller.Loop, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	overlap, err := relay.ParseOverlap(a.settings.Overlap)
	if err != nil {
		return err
	}
	sched := relay.NewScheduler(relay.SchedulerConfig{
		SendTimeout: a.settings.SendTimeout,
		Overlap:     overlap,
	}, a.cache, conn, a.log.With(logx.String("comp", "scheduler")), a.bus)
	a.mu.Lock()
	a.sched = sched
	a.mu.Unlock()

	dests, err := relay.DestinationsFromMinutes(a.settings.Destinations)
	if err != nil {
		return err
	}
	for _, d := range dests {
		h, err := sched.Start(d)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.handles = append(a.handles, h)
		a.mu.Unlock()
	}

	if a.ops != nil {
		if err := a.ops.Start(a.sup.Context()); err != nil {
			a.log.Warn("ops server not started", logx.Err(err))
		}
	}

	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.startSystemd()
	a.log.Info("relay started",
		logx.String("source", a.settings.Source),
		logx.Int("destinations", len(dests)),
	)
	return nil
}

// startEventLog mirrors bus events at debug level.
func (a *App) startEventLog() {
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
}

// startConfigReload applies logging changes live; other sections are only
// reported because they need a restart.
func (a *App) startConfigReload() {
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })
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
				sections, attrs, restart := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				a.logs.Apply(loggingConfig(newCfg))

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
				if restart {
					a.log.Warn("config change needs a restart to take effect", logx.String("changed", strings.Join(sections, ",")))
				}
			}
		}
	})
}

// Stop shuts down every component in order: timers, poller, ops server,
// connection, storage. Each step is bounded; in-flight sends are abandoned.
// Idempotent and safe for concurrent callers.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context) error {
	a.mu.Lock()
	sup, relaySup, conn, sched := a.sup, a.relaySup, a.conn, a.sched
	handles := append([]*relay.Handle(nil), a.handles...)
	a.mu.Unlock()

	a.log.Info("stopping")
	a.notify.Stopping()
	if sup != nil {
		sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		var cancel context.CancelFunc
		if max > 0 {
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
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("destinations", time.Second, func(context.Context) error {
		for _, h := range handles {
			h.Stop()
		}
		if sched != nil {
			sched.Stop()
		}
		return nil
	})
	step("poller", 2*time.Second, func(c context.Context) error {
		if relaySup == nil {
			return nil
		}
		return ignoreCanceled(relaySup.Stop(c))
	})
	step("ops", time.Second, func(c context.Context) error {
		if a.ops != nil {
			return a.ops.Stop(c)
		}
		return nil
	})
	step("connection", 3*time.Second, func(c context.Context) error {
		a.logs.SetSender(nil)
		return a.closeConn(c, conn)
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if sup == nil {
			return nil
		}
		return ignoreCanceled(sup.Wait(c))
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeConn closes the transport connection at most once.
func (a *App) closeConn(ctx context.Context, conn relay.Conn) error {
	if conn == nil {
		return nil
	}
	var err error
	a.closeOnce.Do(func() { err = conn.Close(ctx) })
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
