package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"campuscast/internal/access"
	"campuscast/internal/audience"
	"campuscast/internal/config"
	"campuscast/internal/dispatch"
	"campuscast/internal/eventbus"
	"campuscast/internal/fields"
	"campuscast/internal/merge"
	"campuscast/internal/observability/tracing"
	"campuscast/internal/runtime/supervisor"
	"campuscast/internal/schedule"
	"campuscast/internal/storage"
	"campuscast/internal/transport"
	logx "campuscast/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	sup *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    *eventbus.MemBus
	store  storage.Store
	tracer *tracing.Provider

	registry *fields.Registry
	engine   *merge.Engine
	coord    *dispatch.Coordinator
	sched    *schedule.Service

	sender transport.Sender

	mu     sync.RWMutex
	cfg    *config.Config
	policy accessPolicy
}

type Option func(*options)

type options struct {
	store  storage.Store
	sender transport.Sender
	log    logx.Logger
}

// WithStore replaces the configured storage driver.
func WithStore(st storage.Store) Option { return func(o *options) { o.store = st } }

// WithSender routes every channel to s. Address checks still apply.
func WithSender(s transport.Sender) Option { return func(o *options) { o.sender = s } }

// WithLogger replaces the logging service built from config.
func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// New loads the config file at cfgPath and wires the app. Reloads of that file
// are applied once Start runs.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := NewFromConfig(cfg, opts...)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// NewFromConfig wires the app without a backing file.
func NewFromConfig(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	a := &App{cfg: cfg, bus: eventbus.New(), sender: o.sender}
	if o.log.IsZero() {
		a.logs, a.log = logx.New(mapLogConfig(cfg))
	} else {
		a.log = o.log
	}
	log := a.log.With(logx.Component("app"))

	pol, err := mapAccess(cfg)
	if err != nil {
		return nil, err
	}
	a.policy = pol

	a.store = o.store
	if a.store == nil {
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.store, err = storage.Open(sc, a.log.With(logx.Component("storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		log.Debug("storage opened", logx.String("driver", sc.Driver))
	}

	a.tracer = tracing.Noop()
	if cfg.Tracing != nil {
		if a.tracer, err = tracing.NewProvider(*cfg.Tracing); err != nil {
			_ = a.store.Close()
			return nil, err
		}
	}

	a.registry, err = fields.NewDefault(cfg.Fields.Custom...)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.engine = merge.NewEngine(a.registry)

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.coord = dispatch.New(dc, a.engine,
		audience.NewResolver(a.store, a.log.With(logx.Component("audience"))),
		a.store, a.log,
		dispatch.WithBus(a.bus),
		dispatch.WithTracer(a.tracer.Tracer()),
	)

	scfg, err := mapScheduleConfig(cfg, pol)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.sched = schedule.New(scfg, a.coord, a.store, a.senderFor, a.log, a.bus, schedule.WithTracer(a.tracer.Tracer()))
	defs, err := mapSchedules(cfg, pol)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	if err := a.sched.Set(defs); err != nil {
		_ = a.store.Close()
		return nil, err
	}

	log.Debug("app wired", logx.Int("fields", a.registry.Len()), logx.Int("schedules", len(defs)), logx.Bool("tracing", a.tracer.Enabled()))
	return a, nil
}

func (a *App) senderFor(kind transport.Kind) transport.Sender {
	if a.sender != nil {
		return transport.NewChannel(kind, a.sender)
	}
	return transport.New(kind, a.log)
}

func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

func (a *App) Store() storage.Store { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Fields lists every token a template may use, grouped by category.
func (a *App) Fields() []fields.Info { return a.registry.List() }

// Validate checks template syntax and returns the tokens no field defines.
// Unknown tokens are not an error; they render blank.
func (a *App) Validate(template string) ([]string, error) {
	return a.engine.Validate(template)
}

// DispatchRequest is a caller-facing bulk send.
type DispatchRequest struct {
	Label string
	// Principal is the caller. When nil, PrincipalID is looked up in storage
	// (or matched against the configured bypass principal).
	Principal   *access.Principal
	PrincipalID string
	Audience    audience.Specifier
	Template    string
	CustomData  map[string]string
	CourseID    string
	LessonID    string
	// Transport selects the channel; empty means dispatch.transport.
	Transport transport.Kind
	// MinRole raises or lowers the required role for this send; empty means
	// access.dispatch_min_role.
	MinRole access.Role
}

// Dispatch authorizes, resolves, renders and sends req. See dispatch.Coordinator.
func (a *App) Dispatch(ctx context.Context, req DispatchRequest) (dispatch.Result, error) {
	a.mu.RLock()
	pol := a.policy
	defKind := a.cfg.Dispatch.Transport
	a.mu.RUnlock()

	if req.MinRole != "" && !pol.hierarchy.Known(req.MinRole) {
		return dispatch.Result{}, fmt.Errorf("min role: unknown role %q", req.MinRole)
	}

	p := req.Principal
	if p == nil {
		var err error
		if p, err = a.lookupPrincipal(ctx, pol, req.PrincipalID); err != nil {
			return dispatch.Result{}, err
		}
	}

	kind := req.Transport
	if kind == "" {
		k, err := transport.ParseKind(defKind)
		if err != nil {
			return dispatch.Result{}, err
		}
		kind = k
	}

	return a.coord.Dispatch(ctx, dispatch.Request{
		Label:       req.Label,
		Principal:   p,
		Requirement: pol.requirement(string(req.MinRole)),
		Audience:    req.Audience,
		Template:    req.Template,
		CustomData:  req.CustomData,
		CourseID:    req.CourseID,
		LessonID:    req.LessonID,
	}, a.senderFor(kind))
}

func (a *App) lookupPrincipal(ctx context.Context, pol accessPolicy, id string) (*access.Principal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	if pol.bypass != nil && pol.bypass.ID == id {
		p := *pol.bypass
		return &p, nil
	}
	r, ok, err := a.store.Recipient(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load principal %q: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	return r.Principal(), nil
}

func (a *App) Jobs() []dispatch.Status { return a.coord.Jobs() }

func (a *App) Schedules() []schedule.Info { return a.sched.List() }

// TriggerSchedule runs a configured schedule now.
func (a *App) TriggerSchedule(ctx context.Context, id string) (dispatch.Result, error) {
	return a.sched.Trigger(ctx, id)
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

// Start runs the long-lived loops: scheduler, event log, and config reload
// when the app was built from a file.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if a.Config().Scheduler.Enabled {
		a.sched.Start(a.sup.Context())
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.Component("config")))
		// transactional config reload: validate before commit/publish
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateRuntime(cfg) })

		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			for {
				select {
				case <-c.Done():
					return nil
				case newCfg, ok := <-sub:
					if !ok {
						return nil
					}
					// Coalesce bursts: keep only the latest config.
					for drained := false; !drained; {
						select {
						case newer := <-sub:
							if newer != nil {
								newCfg = newer
							}
						default:
							drained = true
						}
					}
					a.applyConfig(c, newCfg)
				}
			}
		})
		a.sup.GoRestart("config.watch", time.Second, 30*time.Second, func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started", logx.Bool("scheduler", a.sched.Running()), logx.Bool("reload", a.cfgm != nil))
	return nil
}

func (a *App) applyConfig(ctx context.Context, newCfg *config.Config) {
	a.mu.RLock()
	oldCfg := a.cfg
	a.mu.RUnlock()

	sections, attrs, scheds := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	pol, err := mapAccess(newCfg)
	if err != nil {
		a.log.Warn("invalid access config; keeping previous", logx.Err(err))
		return
	}
	dc, err := mapDispatchConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		return
	}
	scfg, err := mapScheduleConfig(newCfg, pol)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	defs, err := mapSchedules(newCfg, pol)
	if err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
		return
	}

	if a.logs != nil {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	a.coord.Apply(dc)
	a.sched.Apply(scfg)
	if len(scheds) > 0 || contains(sections, "access") {
		if err := a.sched.Set(defs); err != nil {
			a.log.Warn("schedule reload failed; keeping previous", logx.Err(err))
		}
	}
	switch running := a.sched.Running(); {
	case running && !newCfg.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !running && newCfg.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	for _, s := range sections {
		switch s {
		case "storage", "fields", "tracing":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.mu.Lock()
	a.cfg = newCfg
	a.policy = pol
	a.mu.Unlock()

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Stop shuts the app down step by step; each step is bounded so one component
// can't stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("tracing", 2*time.Second, a.tracer.Shutdown)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		return a.logs.Close()
	}
	return nil
}
