// Package app wires config, storage, the post queue, the dispatcher and the
// HTTP API into one process and applies config hot reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/dispatch"
	"postpilot/internal/eventbus"
	"postpilot/internal/httpapi"
	"postpilot/internal/queue"
	"postpilot/internal/ratelimit"
	"postpilot/internal/runtime/supervisor"
	"postpilot/internal/slot"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type Option func(*App)

// WithPublisher replaces the dry-run publisher.
func WithPublisher(p dispatch.Publisher) Option {
	return func(a *App) { a.pub = p }
}

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	queue *queue.Queue
	pub   dispatch.Publisher

	api  *httpapi.API
	disp *dispatcherRef

	mu      sync.Mutex
	srv     *httpapi.Server
	applied settings
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	st, err := mapSettings(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(st.log)
	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		disp:    &dispatcherRef{},
		applied: st,
	}
	for _, o := range opts {
		o(a)
	}

	store, err := storage.Open(st.storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.log.Info("storage opened", logx.String("driver", st.storage.Driver))

	a.queue, err = queue.New(queue.Config{MaxRetries: st.maxRetries}, queue.Deps{
		Registry: st.registry,
		Limiter:  ratelimit.FromRegistry(st.registry),
		Slots:    slot.New(slot.WithLocation(st.loc), slot.WithHorizon(st.horizon)),
		Store:    store,
		Bus:      a.bus,
		Log:      log.With(logx.String("comp", "queue")),
	})
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	d, err := a.newDispatcher(st.dispatch)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.disp.Store(d)

	a.api = httpapi.New(a.queue, a.disp, log.With(logx.String("comp", "http")))
	a.srv = httpapi.NewServer(st.http, a.api, log.With(logx.String("comp", "http")))
	return a, nil
}

func (a *App) newDispatcher(cfg dispatch.Config) (*dispatch.Service, error) {
	return dispatch.New(cfg, a.queue, a.pub, a.log.With(logx.String("comp", "dispatch")), a.bus)
}

// Queue exposes the post queue for embedding callers.
func (a *App) Queue() *queue.Queue { return a.queue }

// HTTPAddr returns the bound API address, or "" when the API is off.
func (a *App) HTTPAddr() string {
	a.mu.Lock()
	srv := a.srv
	a.mu.Unlock()
	return srv.Addr()
}

// HTTPReady is closed once the API listens.
func (a *App) HTTPReady() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.srv.Ready()
}

// Done is closed when the app context ends (fatal error or Stop).
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional reload: a config that fails to map is never committed
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapSettings(cfg)
		return err
	})

	if err := a.disp.Load().Start(runCtx); err != nil {
		return err
	}
	a.mu.Lock()
	srv := a.srv
	a.mu.Unlock()
	if err := srv.Start(runCtx); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()), logx.Strings("platforms", a.applied.registry.IDs()))
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	pe, ok := e.Data.(eventbus.PostEvent)
	if !ok {
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		return
	}
	fields := []logx.Field{
		logx.String("type", e.Type),
		logx.String("id", pe.ID),
		logx.String("platform", pe.Platform),
		logx.Time("scheduled_at", pe.ScheduledAt),
	}
	if pe.Error != "" {
		fields = append(fields, logx.String("error", pe.Error))
	}
	a.log.Debug("event", fields...)
}

// applyConfig applies a validated reload. Logging, dispatcher and HTTP
// settings take effect live; storage, queue and platforms need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, platChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	st, err := mapSettings(newCfg)
	if err != nil {
		// The validator already ran; this only trips on a race with a rewrite.
		a.log.Warn("config reload invalid; keeping previous", logx.Err(err))
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			if err := a.logs.Apply(st.log); err != nil {
				a.log.Warn("log file unavailable; continuing without it", logx.Err(err))
			}
		case "storage", "queue":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "platforms":
			a.log.Warn("platform config changed; restart required for changes to take effect",
				logx.Strings("platforms", platChanged))
		case "dispatcher":
			a.reloadDispatcher(ctx, st.dispatch)
		case "http":
			a.reloadHTTP(ctx, st.http)
		}
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) reloadDispatcher(ctx context.Context, cfg dispatch.Config) {
	next, err := a.newDispatcher(cfg)
	if err != nil {
		a.log.Warn("dispatcher config rejected; keeping previous", logx.Err(err))
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.disp.Load().Stop(stopCtx); err != nil {
		a.log.Warn("dispatcher stop failed", logx.Err(err))
	}
	cancel()
	a.disp.Store(next)
	if err := next.Start(ctx); err != nil {
		a.log.Error("dispatcher restart failed", logx.Err(err))
	}
}

func (a *App) reloadHTTP(ctx context.Context, cfg httpapi.ServerConfig) {
	next := httpapi.NewServer(cfg, a.api, a.log.With(logx.String("comp", "http")))
	a.mu.Lock()
	prev := a.srv
	a.srv = next
	a.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := prev.Stop(stopCtx); err != nil {
		a.log.Warn("http stop failed", logx.Err(err))
	}
	cancel()
	if err := next.Start(ctx); err != nil {
		a.log.Error("http restart failed", logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	// Supervised loops go first so no reload can restart a component that
	// is being stopped.
	errs = append(errs,
		a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait),
		a.step(ctx, "http", 3*time.Second, func(c context.Context) error {
			a.mu.Lock()
			srv := a.srv
			a.mu.Unlock()
			return srv.Stop(c)
		}),
		a.step(ctx, "dispatcher", 5*time.Second, func(c context.Context) error { return a.disp.Load().Stop(c) }),
		a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() }),
	)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that overruns is left behind and logged when it finally returns.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
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
		took := time.Since(start)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			return fmt.Errorf("%s: %w", name, err)
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Err(err))
		}()
		return fmt.Errorf("%s: %w", name, stepCtx.Err())
	}
}
