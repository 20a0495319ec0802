package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"campuscast/internal/access"
	"campuscast/internal/audience"
	"campuscast/internal/eventbus"
	"campuscast/internal/fields"
	"campuscast/internal/merge"
	"campuscast/internal/observability/tracing"
	"campuscast/internal/storage"
	"campuscast/internal/transport"
	logx "campuscast/pkg/logx"
)

// Resolver turns an audience into recipients.
type Resolver interface {
	Resolve(ctx context.Context, s audience.Specifier) (audience.Resolution, error)
}

// Catalog supplies course and lesson metadata for rendering.
type Catalog interface {
	Course(ctx context.Context, id string) (storage.Course, bool, error)
	Lesson(ctx context.Context, id string) (storage.Lesson, bool, error)
}

type Option func(*Coordinator)

func WithBus(b eventbus.Bus) Option { return func(c *Coordinator) { c.bus = b } }

func WithTracer(t trace.Tracer) Option { return func(c *Coordinator) { c.tracer = t } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func WithTracker(t *Tracker) Option { return func(c *Coordinator) { c.tracker = t } }

// Coordinator runs gate, resolve, render and send for bulk messages.
type Coordinator struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	engine   *merge.Engine
	resolver Resolver
	catalog  Catalog
	log      logx.Logger
	bus      eventbus.Bus
	tracer   trace.Tracer
	tracker  *Tracker
	now      func() time.Time
}

func New(cfg Config, engine *merge.Engine, resolver Resolver, catalog Catalog, log logx.Logger, opts ...Option) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		engine:   engine,
		resolver: resolver,
		catalog:  catalog,
		log:      log.With(logx.Component("dispatch")),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.tracer == nil {
		c.tracer = tracing.Noop().Tracer()
	}
	if c.tracker == nil {
		c.tracker = NewTracker(cfg.StatusTTL)
	}
	return c
}

// Apply swaps runtime settings. Running dispatches keep the settings they started with.
func (c *Coordinator) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (c *Coordinator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Status returns live status for a job id.
func (c *Coordinator) Status(jobID string) (Status, bool) { return c.tracker.Get(jobID) }

func (c *Coordinator) Jobs() []Status { return c.tracker.List() }

func (c *Coordinator) publish(typ string, data any) {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: data})
	}
}

// Dispatch authorizes req, resolves its audience and sends one rendered
// message per recipient through tr.
//
// Authorization, template, metadata and resolution errors abort before any
// recipient is touched. Per-recipient failures land in Result.Failures. On
// cancellation the partial Result is returned together with ctx.Err().
func (c *Coordinator) Dispatch(ctx context.Context, req Request, tr transport.Sender) (Result, error) {
	c.mu.Lock()
	cfg := c.cfg
	lim := c.limiter
	c.mu.Unlock()

	res := Result{JobID: uuid.NewString()}
	log := c.log.With(logx.Job(res.JobID))
	if req.Label != "" {
		log = log.With(logx.String("name", req.Label))
	}

	ctx, span := c.tracer.Start(ctx, tracing.SpanDispatch, trace.WithAttributes(
		attribute.String(tracing.AttrJobID, res.JobID),
		attribute.String(tracing.AttrAudience, req.Audience.String()),
	))
	defer span.End()

	if dec := access.Authorize(req.Principal, req.Requirement); !dec.Allow {
		pid := ""
		if req.Principal != nil {
			pid = req.Principal.ID
		}
		log.Warn("dispatch denied", logx.String("principal", pid), logx.String("reason", dec.Reason.String()))
		c.publish(eventbus.TypeDispatchDenied, eventbus.DispatchDenied{JobID: res.JobID, PrincipalID: pid, Reason: dec.Reason.String()})
		err := dec.Err()
		tracing.Fail(span, err)
		return res, err
	}

	tpl, err := c.engine.Compile(req.Template)
	if err != nil {
		tracing.Fail(span, err)
		return res, err
	}

	md, err := c.loadMeta(ctx, req)
	if err != nil {
		tracing.Fail(span, err)
		return res, err
	}

	rctx, rspan := c.tracer.Start(ctx, tracing.SpanResolve)
	resolved, err := c.resolver.Resolve(rctx, req.Audience)
	tracing.Fail(rspan, err)
	rspan.End()
	if err != nil {
		tracing.Fail(span, err)
		return res, err
	}

	recipients := resolved.Recipients
	res.Total = len(recipients)
	res.Dropped = resolved.Dropped
	res.DroppedIDs = resolved.DroppedIDs

	start := c.now()
	c.tracker.start(res.JobID, req.Label, res.Total, start)
	c.publish(eventbus.TypeDispatchStarted, eventbus.DispatchStarted{
		JobID: res.JobID, Audience: req.Audience.String(), Total: res.Total,
		Dropped: res.Dropped, StartedAt: start, ScheduleID: req.ScheduleID,
	})
	log.Info("dispatch started", logx.String("audience", req.Audience.String()), logx.Int("total", res.Total), logx.Int("dropped", res.Dropped))

	if res.Total > 0 {
		c.fanOut(ctx, cfg, lim, tr, tpl, md, req, recipients, &res, log)
	}

	res.Canceled = ctx.Err() != nil
	c.tracker.finish(res.JobID, res.Canceled, c.now())
	took := c.now().Sub(start)
	c.publish(eventbus.TypeDispatchFinished, eventbus.DispatchFinished{
		JobID: res.JobID, Total: res.Total, Sent: res.Sent, Failed: res.Failed,
		Skipped: res.Skipped, Canceled: res.Canceled, Took: took,
	})
	span.SetAttributes(
		attribute.Int(tracing.AttrTotal, res.Total),
		attribute.Int(tracing.AttrSent, res.Sent),
		attribute.Int(tracing.AttrFailed, res.Failed),
		attribute.Int(tracing.AttrSkipped, res.Skipped),
	)

	summary := []logx.Field{
		logx.Int("total", res.Total),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Int("skipped", res.Skipped),
		logx.Duration("dur", took),
	}
	switch {
	case res.Canceled:
		log.Warn("dispatch canceled", summary...)
		tracing.Fail(span, ctx.Err())
		return res, ctx.Err()
	case res.Failed > 0:
		log.Warn("dispatch finished with failures", summary...)
	default:
		log.Info("dispatch finished", summary...)
	}
	return res, nil
}

type meta struct {
	course *storage.Course
	lesson *storage.Lesson
}

func (c *Coordinator) loadMeta(ctx context.Context, req Request) (meta, error) {
	var m meta
	if c.catalog == nil {
		return m, nil
	}
	if req.LessonID != "" {
		l, ok, err := c.catalog.Lesson(ctx, req.LessonID)
		if err != nil {
			return m, err
		}
		if !ok {
			return m, &UnknownLessonError{LessonID: req.LessonID}
		}
		m.lesson = &l
	}

	courseID := req.CourseID
	if courseID == "" && req.Audience.Kind() == audience.KindCourse {
		courseID = req.Audience.CourseID()
	}
	if courseID == "" && m.lesson != nil {
		courseID = m.lesson.CourseID
	}
	if courseID == "" {
		return m, nil
	}
	co, ok, err := c.catalog.Course(ctx, courseID)
	if err != nil {
		return m, err
	}
	if !ok {
		// The lesson's own course is best effort; an explicit or audience course is not.
		if req.CourseID == "" && req.Audience.Kind() != audience.KindCourse {
			return m, nil
		}
		return m, &audience.UnknownCourseError{CourseID: courseID}
	}
	m.course = &co
	return m, nil
}

type outcome struct {
	idx     int
	sent    bool
	skipped bool
	failure *Failure
	warning *merge.UnresolvedTokenWarning
}

func (c *Coordinator) fanOut(ctx context.Context, cfg Config, lim *rate.Limiter, tr transport.Sender, tpl *merge.Template, m meta, req Request, recipients []storage.Recipient, res *Result, log logx.Logger) {
	workers := min(cfg.Workers, len(recipients))
	work := make(chan int)
	outcomes := make([]outcome, len(recipients))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	record := func(o outcome) {
		mu.Lock()
		outcomes[o.idx] = o
		mu.Unlock()
		c.tracker.update(res.JobID, func(st *Status) {
			switch {
			case o.sent:
				st.Sent++
			case o.skipped:
				st.Skipped++
			case o.failure != nil:
				st.Failed++
			}
		})
		if o.failure != nil {
			c.publish(eventbus.TypeDispatchRecipientFailed, eventbus.RecipientFailed{
				JobID: res.JobID, RecipientID: o.failure.RecipientID,
				Reason: string(o.failure.Reason), Error: o.failure.Err.Error(),
			})
		}
	}

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for idx := range work {
				record(c.sendOne(ctx, cfg, lim, tr, tpl, m, req, idx, recipients[idx], res.JobID, log))
			}
		}()
	}

	next := 0
feed:
	for ; next < len(recipients); next++ {
		select {
		case <-ctx.Done():
			break feed
		case work <- next:
		}
	}
	close(work)
	wg.Wait()

	for i := next; i < len(recipients); i++ {
		outcomes[i] = outcome{idx: i, skipped: true}
		c.tracker.update(res.JobID, func(st *Status) { st.Skipped++ })
	}

	for _, o := range outcomes {
		switch {
		case o.sent:
			res.Sent++
		case o.skipped:
			res.Skipped++
		case o.failure != nil:
			res.Failed++
			res.Failures = append(res.Failures, *o.failure)
		}
		if o.warning != nil {
			res.Warnings = append(res.Warnings, *o.warning)
		}
	}
}

func (c *Coordinator) sendOne(ctx context.Context, cfg Config, lim *rate.Limiter, tr transport.Sender, tpl *merge.Template, m meta, req Request, idx int, to storage.Recipient, jobID string, log logx.Logger) outcome {
	o := outcome{idx: idx}
	if ctx.Err() != nil {
		o.skipped = true
		return o
	}

	ctx, span := c.tracer.Start(ctx, tracing.SpanSend, trace.WithAttributes(attribute.String(tracing.AttrRecipientID, to.ID)))
	defer span.End()

	user := to
	sys := cfg.Platform
	sys.Now = c.now()
	msg, err := tpl.Render(&fields.RenderContext{
		User:   &user,
		Course: m.course,
		Lesson: m.lesson,
		System: sys,
		Custom: req.CustomData,
	})
	if err != nil {
		o.failure = &Failure{RecipientID: to.ID, Reason: ReasonRender, Err: err}
		span.SetAttributes(attribute.String(tracing.AttrReason, string(ReasonRender)))
		tracing.Fail(span, err)
		log.Warn("render failed", logx.Recipient(to.ID), logx.Err(err))
		return o
	}
	o.warning = msg.Warning()
	if o.warning != nil {
		log.Debug("unresolved tokens", logx.Recipient(to.ID), logx.Strings("tokens", o.warning.Tokens))
	}

	attempts, err := sendWithRetry(ctx, cfg, lim, tr, to, msg.Text)
	span.SetAttributes(attribute.Int(tracing.AttrAttempts, attempts))
	if err == nil {
		o.sent = true
		return o
	}
	if attempts == 0 {
		// Canceled before the transport saw it.
		o.skipped = true
		o.warning = nil
		return o
	}

	reason := ReasonTransport
	switch {
	case ctx.Err() != nil:
		reason = ReasonCanceled
	case errors.Is(err, context.DeadlineExceeded):
		reason = ReasonTimeout
	}
	o.failure = &Failure{
		RecipientID: to.ID,
		Reason:      reason,
		Err:         &TransportError{RecipientID: to.ID, Attempts: attempts, Err: err},
	}
	span.SetAttributes(attribute.String(tracing.AttrReason, string(reason)))
	tracing.Fail(span, err)
	log.Warn("send failed", logx.Recipient(to.ID), logx.String("reason", string(reason)), logx.Int("attempts", attempts), logx.Err(err))
	return o
}
