// Package dispatch moves due posts from scheduled to published or failed.
//
// A cron-driven poll sweeps posts stuck in dispatching, collects due posts and
// hands them to a bounded worker pool. Each worker claims its post with
// MarkDispatching (only one claimant can win), paces publishes per platform
// and records the result. A per-platform circuit breaker stops hammering a
// platform that keeps failing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"postpilot/internal/eventbus"
	"postpilot/internal/post"
	"postpilot/internal/queue"
	"postpilot/internal/runtime/supervisor"
	logx "postpilot/pkg/logx"
)

// ErrPollInProgress is returned by RunOnce while another poll is running.
var ErrPollInProgress = errors.New("dispatch poll already in progress")

const (
	outcomeQueued Outcome = "queued"
	outcomeFull   Outcome = "queue_full"
)

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	cfg  Config
	spec ParsedSpec
	log  logx.Logger
	bus  eventbus.Bus
	q    Queue
	pub  Publisher
	now  func() time.Time

	circuits *circuits

	pmu    sync.Mutex
	pacers map[string]*rate.Limiter

	mu       sync.Mutex
	c        *cron.Cron
	entry    cron.EntryID
	sup      *supervisor.Supervisor
	jobs     chan post.Post
	inflight map[string]struct{}
	last     Report

	polling  atomic.Bool
	dropped  atomic.Uint64
	overlaps atomic.Uint64
}

func New(cfg Config, q Queue, pub Publisher, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Service, error) {
	if q == nil {
		return nil, errors.New("dispatch: queue required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if pub == nil {
		pub = LogPublisher{Log: log}
	}
	s := &Service{
		cfg:  cfg,
		spec: spec,
		log:  log,
		bus:  bus,
		q:    q,
		pub:  pub,
		now:  time.Now,
		circuits: newCircuits(circuitCfg{
			trip:       cfg.CircuitTripFailures,
			baseDelay:  cfg.CircuitBaseDelay,
			maxDelay:   cfg.CircuitMaxDelay,
			resetAfter: cfg.CircuitResetAfter,
		}),
		pacers:   map[string]*rate.Limiter{},
		inflight: map[string]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start launches the worker pool and the poll schedule. It is a no-op when
// the dispatcher is disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("dispatcher disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	loc := s.location()
	sched, err := s.spec.Schedule(time.Now().In(loc), "dispatch.poll")
	if err != nil {
		return fmt.Errorf("dispatch schedule: %w", err)
	}

	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.jobs = make(chan post.Post, s.cfg.QueueSize)
	jobs := s.jobs
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", i), func(ctx context.Context) error {
			return s.worker(ctx, jobs)
		}, time.Second, 30*time.Second)
	}

	pollCtx := s.sup.Context()
	cl := cronLogger{log: s.log}
	s.c = cron.New(cron.WithLocation(loc), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	s.entry = s.c.Schedule(sched, cron.FuncJob(func() { s.poll(pollCtx) }))
	s.c.Start()

	s.log.Info("dispatcher started",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("tz", loc.String()),
		logx.Int("workers", s.cfg.Workers),
		logx.Bool("auto_retry", s.cfg.AutoRetry))
	return nil
}

// Stop halts polling and waits for in-flight publishes or ctx.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	c, sup := s.c, s.sup
	s.c, s.sup = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
	return err
}

// RunOnce performs one poll synchronously, publishing due posts in the
// calling goroutine.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	if !s.polling.CompareAndSwap(false, true) {
		return Report{}, ErrPollInProgress
	}
	defer s.polling.Store(false)
	rep := s.cycle(ctx, s.process)
	s.setLast(rep)
	return rep, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:    s.cfg.Enabled,
		Running:    s.c != nil,
		Schedule:   s.cfg.Schedule,
		Workers:    s.cfg.Workers,
		QueueCap:   s.cfg.QueueSize,
		InFlight:   len(s.inflight),
		LastReport: s.last,
	}
	if s.jobs != nil {
		snap.QueueLen = len(s.jobs)
	}
	if s.c != nil {
		snap.Next = s.c.Entry(s.entry).Next
	}
	s.mu.Unlock()
	snap.Dropped = s.dropped.Load()
	snap.Overlaps = s.overlaps.Load()
	snap.Circuits = s.circuits.snapshot(s.now())
	return snap
}

// poll is the cron job. Overlapping ticks are skipped.
func (s *Service) poll(ctx context.Context) {
	if !s.polling.CompareAndSwap(false, true) {
		s.overlaps.Add(1)
		s.log.Debug("poll skipped; previous poll still running")
		return
	}
	defer s.polling.Store(false)

	rep := s.cycle(ctx, s.enqueue)
	s.setLast(rep)
	if rep.Due > 0 || rep.Swept > 0 {
		s.log.Debug("poll done",
			logx.Int("due", rep.Due),
			logx.Int("queued", rep.Queued),
			logx.Int("skipped", rep.Skipped),
			logx.Int("swept", rep.Swept))
	}
}

// cycle collects up to BatchSize dispatchable posts. Platforms with an open
// circuit are left out of the query. Posts skipped for any other reason stay
// scheduled, so the next page starts past them.
func (s *Service) cycle(ctx context.Context, handle func(ctx context.Context, p post.Post) Outcome) Report {
	now := s.now()
	rep := Report{At: now}
	rep.Swept = s.sweep(ctx, now)

	open := s.circuits.openPlatforms(now)
	handled, offset := 0, 0
	for handled < s.cfg.BatchSize && ctx.Err() == nil {
		limit := s.cfg.BatchSize - handled
		due, err := s.q.ListQueue(ctx, queue.Filter{
			Status:           post.StatusScheduled,
			ExcludePlatforms: open,
			DueBefore:        now,
			Limit:            limit,
			Offset:           offset,
		})
		if err != nil {
			s.log.Error("list due posts failed", logx.Err(err))
			return rep
		}
		rep.Due += len(due)
		for _, p := range due {
			if ctx.Err() != nil {
				return rep
			}
			if tripped, until := s.circuits.isOpen(now, p.Platform); tripped {
				s.skipped(p, fmt.Sprintf("circuit open until %s", until.Format(time.RFC3339)))
				rep.add(OutcomeSkipped)
				offset++
				continue
			}
			switch o := handle(ctx, p); o {
			case outcomeFull:
				rep.add(OutcomeSkipped)
				s.log.Debug("dispatch queue full; ending poll", logx.Int("queued", rep.Queued))
				return rep
			case outcomeQueued:
				// still scheduled until a worker claims it
				rep.Queued++
				handled++
				offset++
			case OutcomeSkipped:
				rep.add(o)
				offset++
			default:
				rep.add(o)
				handled++
			}
		}
		if len(due) < limit {
			break
		}
	}
	return rep
}

// sweep fails posts that have sat in dispatching longer than StaleAfter, so a
// crash between claim and result does not strand them.
func (s *Service) sweep(ctx context.Context, now time.Time) int {
	stale, err := s.q.ListStale(ctx, post.StatusDispatching, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		s.log.Error("list stale posts failed", logx.Err(err))
		return 0
	}
	n := 0
	for _, p := range stale {
		if s.isInflight(p.ID) {
			continue
		}
		if _, err := s.q.MarkFailed(ctx, p.ID, "dispatch timed out"); err != nil {
			s.log.Debug("stale sweep lost race", logx.String("id", p.ID), logx.Err(err))
			continue
		}
		s.log.Warn("stale dispatch failed", logx.String("id", p.ID), logx.String("platform", p.Platform), logx.Time("since", p.UpdatedAt))
		n++
	}
	return n
}

func (s *Service) enqueue(_ context.Context, p post.Post) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs == nil {
		return OutcomeSkipped
	}
	if _, ok := s.inflight[p.ID]; ok {
		return OutcomeSkipped
	}
	select {
	case s.jobs <- p:
		s.inflight[p.ID] = struct{}{}
		return outcomeQueued
	default:
		s.dropped.Add(1)
		return outcomeFull
	}
}

func (s *Service) worker(ctx context.Context, jobs <-chan post.Post) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-jobs:
			s.process(ctx, p)
			s.mu.Lock()
			delete(s.inflight, p.ID)
			s.mu.Unlock()
		}
	}
}

// process claims, publishes and records one post.
func (s *Service) process(ctx context.Context, p post.Post) Outcome {
	log := s.log.With(logx.String("id", p.ID), logx.String("platform", p.Platform))
	if err := s.pace(ctx, p.Platform); err != nil {
		return OutcomeSkipped
	}

	claimed, err := s.q.MarkDispatching(ctx, p.ID)
	if err != nil {
		if st, ok := queue.CurrentState(err); ok {
			log.Debug("claim lost", logx.String("status", string(st)))
		} else {
			log.Warn("claim failed", logx.Err(err))
		}
		return OutcomeSkipped
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	a, perr := s.pub.Publish(pctx, claimed)
	cancel()

	// Results are recorded even during shutdown so posts are not left in
	// dispatching.
	rctx := context.WithoutCancel(ctx)
	if !errors.Is(perr, ErrPermanent) {
		s.circuits.record(s.now(), p.Platform, perr)
	}

	if perr == nil {
		if _, err := s.q.MarkPublished(rctx, p.ID, a); err != nil {
			log.Error("mark published failed", logx.Err(err))
			return OutcomeFailed
		}
		log.Info("post published", logx.String("external_id", a.ExternalID))
		return OutcomePublished
	}

	reason := perr.Error()
	if errors.Is(perr, context.DeadlineExceeded) {
		reason = fmt.Sprintf("dispatch timed out after %s", s.cfg.DispatchTimeout)
	}
	if _, err := s.q.MarkFailed(rctx, p.ID, reason); err != nil {
		log.Error("mark failed failed", logx.Err(err))
		return OutcomeFailed
	}
	log.Warn("publish failed", logx.String("reason", reason))

	if !s.cfg.AutoRetry || errors.Is(perr, ErrPermanent) {
		return OutcomeFailed
	}
	next, err := s.q.RetryPost(rctx, p.ID)
	if err != nil {
		var me *queue.MaxRetriesExceededError
		switch {
		case errors.As(err, &me):
			log.Warn("retries exhausted", logx.Int("retry_count", me.RetryCount))
		default:
			log.Warn("auto retry failed", logx.Err(err))
		}
		return OutcomeFailed
	}
	log.Info("post rescheduled", logx.Int("retry_count", next.RetryCount), logx.Time("at", next.ScheduledAt))
	return OutcomeRetried
}

func (s *Service) pace(ctx context.Context, platform string) error {
	if s.cfg.PublishRate <= 0 {
		return ctx.Err()
	}
	s.pmu.Lock()
	lim := s.pacers[platform]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(s.cfg.PublishRate), 1)
		s.pacers[platform] = lim
	}
	s.pmu.Unlock()
	return lim.Wait(ctx)
}

func (s *Service) skipped(p post.Post, why string) {
	s.log.Debug("dispatch skipped", logx.String("id", p.ID), logx.String("platform", p.Platform), logx.String("why", why))
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.DispatchSkipped, Data: eventbus.PostEvent{
		ID:          p.ID,
		Platform:    p.Platform,
		Status:      string(p.Status),
		ScheduledAt: p.ScheduledAt,
		RetryCount:  p.RetryCount,
		Error:       why,
	}})
}

func (s *Service) isInflight(id string) bool {
	s.mu.Lock()
	_, ok := s.inflight[id]
	s.mu.Unlock()
	return ok
}

func (s *Service) setLast(r Report) {
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
