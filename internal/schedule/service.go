package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"campuscast/internal/access"
	"campuscast/internal/dispatch"
	"campuscast/internal/eventbus"
	"campuscast/internal/observability/tracing"
	"campuscast/internal/transport"
	logx "campuscast/pkg/logx"
)

type entry struct {
	def    Definition
	spec   ParsedSpec
	cronID cron.EntryID
	timer  *time.Timer
	// running survives reloads of the same id so overlap detection holds
	// across config changes.
	running *atomic.Bool

	lmu  sync.Mutex
	last *Run
}

type Option func(*Service)

func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service triggers scheduled dispatches. Execution is delegated to the Dispatcher.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	parser  cron.Parser
	c       *cron.Cron
	loc     *time.Location
	entries map[string]*entry
	order   []string
	flags   map[string]*atomic.Bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dispatcher Dispatcher
	principals Principals
	senders    SenderFor
	log        logx.Logger
	bus        eventbus.Bus
	tracer     trace.Tracer
	now        func() time.Time
}

func New(cfg Config, d Dispatcher, principals Principals, senders SenderFor, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:        cfg,
		parser:     newParser(),
		entries:    map[string]*entry{},
		flags:      map[string]*atomic.Bool{},
		dispatcher: d,
		principals: principals,
		senders:    senders,
		log:        log.With(logx.Component("schedule")),
		bus:        bus,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.tracer == nil {
		s.tracer = tracing.Noop().Tracer()
	}
	if s.senders == nil {
		s.senders = func(k transport.Kind) transport.Sender { return transport.New(k, s.log) }
	}
	return s
}

func newParser() cron.Parser {
	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ValidateDefinitions reports the first problem Set would reject defs for.
func ValidateDefinitions(defs []Definition) error {
	_, err := validate(newParser(), defs)
	return err
}

func validate(parser cron.Parser, defs []Definition) ([]*entry, error) {
	seen := make(map[string]struct{}, len(defs))
	out := make([]*entry, 0, len(defs))
	for i, d := range defs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, fmt.Errorf("schedules[%d]: id required", i)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("schedules[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = struct{}{}
		spec, err := ParseSchedule(d.Schedule)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", d.ID, err)
		}
		if spec.Kind == SpecCron {
			if _, err := parser.Parse(spec.Cron); err != nil {
				return nil, fmt.Errorf("schedule %q: invalid cron %q: %w", d.ID, spec.Cron, err)
			}
		}
		if !d.Audience.Valid() {
			return nil, fmt.Errorf("schedule %q: audience required", d.ID)
		}
		if strings.TrimSpace(d.Template) == "" {
			return nil, fmt.Errorf("schedule %q: template required", d.ID)
		}
		if d.Transport == "" {
			d.Transport = transport.KindLog
		}
		out = append(out, &entry{def: d, spec: spec})
	}
	return out, nil
}

// Set replaces every registered schedule. Definitions are validated as a set;
// on error nothing changes.
func (s *Service) Set(defs []Definition) error {
	next, err := validate(s.parser, defs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		s.disarmLocked(s.entries[id])
	}

	entries := make(map[string]*entry, len(next))
	order := make([]string, 0, len(next))
	flags := make(map[string]*atomic.Bool, len(next))
	for _, e := range next {
		id := e.def.ID
		if f, ok := s.flags[id]; ok {
			e.running = f
		} else {
			e.running = new(atomic.Bool)
		}
		flags[id] = e.running
		if old, ok := s.entries[id]; ok {
			old.lmu.Lock()
			e.last = old.last
			old.lmu.Unlock()
		}
		entries[id] = e
		order = append(order, id)
	}
	s.entries, s.order, s.flags = entries, order, flags

	if s.c != nil {
		for _, id := range s.order {
			s.armLocked(s.entries[id])
		}
	}
	s.log.Info("schedules applied", logx.Int("count", len(s.order)))
	return nil
}

// Apply swaps runtime settings. A timezone change restarts cron.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	for _, id := range s.order {
		s.disarmLocked(s.entries[id])
	}
	s.c.Stop()
	s.startCronLocked()
}

// Start begins triggering. ctx bounds every run started by the service.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.order)))
}

// Running reports whether Start has been called without a matching Stop.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, id := range s.order {
		s.armLocked(s.entries[id])
	}
	s.c.Start()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Stop halts triggering and waits for in-flight runs until ctx is done, after
// which they are canceled.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, id := range s.order {
		s.disarmLocked(s.entries[id])
	}
	cancel := s.cancel
	s.mu.Unlock()

	if c == nil {
		return
	}
	c.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop deadline reached; canceling running schedules")
	}
	cancel()
	<-done
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) armLocked(e *entry) {
	id := e.def.ID
	job := cron.FuncJob(func() { s.fire(id) })
	switch e.spec.Kind {
	case SpecCron:
		eid, err := s.c.AddJob(e.spec.Cron, job)
		if err != nil {
			s.log.Warn("cron add failed", logx.Schedule(id), logx.Err(err))
			return
		}
		e.cronID = eid
	case SpecInterval:
		e.cronID = s.c.Schedule(cron.Every(e.spec.Every), job)
	case SpecOnce:
		wait := e.spec.At.Sub(s.now())
		if wait <= 0 {
			s.log.Debug("one-shot schedule already past; not armed", logx.Schedule(id), logx.Time("at", e.spec.At))
			return
		}
		e.timer = time.AfterFunc(wait, func() { s.fire(id) })
	}
}

func (s *Service) disarmLocked(e *entry) {
	if e == nil {
		return
	}
	if e.cronID != 0 && s.c != nil {
		s.c.Remove(e.cronID)
	}
	e.cronID = 0
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (s *Service) fire(id string) {
	s.mu.Lock()
	if s.c == nil || s.runCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	ctx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	if _, err := s.Trigger(ctx, id); err != nil {
		s.log.Debug("scheduled run ended with error", logx.Schedule(id), logx.Err(err))
	}
}

// Trigger runs schedule id now, in the caller's goroutine. The principal is
// read at this moment, so an account deactivated after scheduling is denied.
func (s *Service) Trigger(ctx context.Context, id string) (dispatch.Result, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	cfg := s.cfg
	s.mu.Unlock()
	if !ok {
		return dispatch.Result{}, fmt.Errorf("%w: %q", ErrUnknownSchedule, id)
	}

	if !e.running.CompareAndSwap(false, true) {
		s.log.Warn("schedule skipped; previous run still active", logx.Schedule(id))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleSkipped, Time: s.now(), Data: eventbus.ScheduleSkipped{ScheduleID: id, Reason: "overlap"}})
		}
		return dispatch.Result{}, ErrOverlap
	}
	defer e.running.Store(false)

	def := e.def
	ctx, span := s.tracer.Start(ctx, tracing.SpanSchedule, trace.WithAttributes(
		attribute.String(tracing.AttrScheduleID, id),
		attribute.String(tracing.AttrPrincipalID, def.PrincipalID),
	))
	defer span.End()

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = cfg.RunTimeout
	}
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := s.now()
	p, err := s.principal(ctx, cfg, def.PrincipalID)
	if err != nil {
		tracing.Fail(span, err)
		e.record(Run{At: started, Err: err.Error()})
		return dispatch.Result{}, err
	}

	res, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		Label:       "schedule:" + id,
		Principal:   p,
		Requirement: def.Requirement,
		Audience:    def.Audience,
		Template:    def.Template,
		CustomData:  def.CustomData,
		CourseID:    def.CourseID,
		LessonID:    def.LessonID,
		ScheduleID:  id,
	}, s.senders(def.Transport))

	run := Run{At: started, JobID: res.JobID, Sent: res.Sent, Failed: res.Failed}
	if err != nil {
		run.Err = err.Error()
		tracing.Fail(span, err)
		s.log.Warn("scheduled dispatch failed", logx.Schedule(id), logx.Err(err))
	} else {
		s.log.Info("scheduled dispatch done", logx.Schedule(id), logx.Job(res.JobID), logx.Int("sent", res.Sent), logx.Int("failed", res.Failed))
	}
	e.record(run)
	return res, err
}

// principal returns nil for an empty or unknown id; the gate then denies the
// run as unauthenticated.
func (s *Service) principal(ctx context.Context, cfg Config, id string) (*access.Principal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	if cfg.Bypass != nil && cfg.Bypass.ID == id {
		p := *cfg.Bypass
		return &p, nil
	}
	if s.principals == nil {
		return nil, nil
	}
	r, ok, err := s.principals.Recipient(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load principal %q: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	return r.Principal(), nil
}

func (e *entry) record(r Run) {
	e.lmu.Lock()
	e.last = &r
	e.lmu.Unlock()
}

// List returns registered schedules in definition order.
func (s *Service) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.order))
	for _, id := range s.order {
		e := s.entries[id]
		inf := Info{ID: id, Kind: e.spec.Kind, Schedule: e.def.Schedule, Running: e.running.Load()}
		switch {
		case e.cronID != 0 && s.c != nil:
			inf.Next = s.c.Entry(e.cronID).Next
		case e.timer != nil:
			inf.Next = e.spec.At
		}
		e.lmu.Lock()
		if e.last != nil {
			r := *e.last
			inf.Last = &r
		}
		e.lmu.Unlock()
		out = append(out, inf)
	}
	return out
}
