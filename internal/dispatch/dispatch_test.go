package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"postpilot/internal/content"
	"postpilot/internal/eventbus"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	"postpilot/internal/queue"
	"postpilot/internal/ratelimit"
	"postpilot/internal/slot"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	q   *queue.Queue
	clk *clock
	bus eventbus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := platform.NewRegistry(
		platform.Profile{ID: "x", MaxTextLength: 280, SupportsMedia: true, MinInterval: time.Minute, HourlyLimit: 100, DailyLimit: 100},
		platform.Profile{ID: "y", MaxTextLength: 280, MinInterval: time.Minute, HourlyLimit: 100, DailyLimit: 100},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	clk := &clock{now: t0}
	bus := eventbus.New()
	q, err := queue.New(queue.Config{MaxRetries: 2}, queue.Deps{
		Registry: reg,
		Limiter:  ratelimit.FromRegistry(reg, ratelimit.WithClock(clk.Now)),
		Slots:    slot.New(slot.WithClock(clk.Now), slot.WithLocation(time.UTC)),
		Store:    storage.NewMemory(),
		Bus:      bus,
		Now:      clk.Now,
	})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	return &harness{q: q, clk: clk, bus: bus}
}

func (h *harness) schedule(t *testing.T, platformID string, in time.Duration) post.Post {
	t.Helper()
	p, err := h.q.SchedulePost(context.Background(), queue.ScheduleRequest{
		Platform:    platformID,
		Content:     content.Content{Text: "hello"},
		ScheduledAt: h.clk.Now().Add(in),
		Override:    true,
	})
	if err != nil {
		t.Fatalf("SchedulePost: %v", err)
	}
	return p
}

func (h *harness) service(t *testing.T, cfg Config, pub Publisher) *Service {
	t.Helper()
	s, err := New(cfg, h.q, pub, logx.Nop(), h.bus, WithClock(h.clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func okPublisher(calls *atomic.Int32) Publisher {
	return PublisherFunc(func(ctx context.Context, p post.Post) (post.Analytics, error) {
		calls.Add(1)
		return post.Analytics{ExternalID: "ext-" + p.ID}, nil
	})
}

func failPublisher(err error) Publisher {
	return PublisherFunc(func(ctx context.Context, p post.Post) (post.Analytics, error) {
		return post.Analytics{}, err
	})
}

func status(t *testing.T, h *harness, id string) post.Post {
	t.Helper()
	p, err := h.q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return p
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		bad   bool
	}{
		{in: "30s", kind: SpecInterval, every: 30 * time.Second},
		{in: "00:05", kind: SpecInterval, every: 5 * time.Minute},
		{in: "every:1m", kind: SpecInterval, every: time.Minute},
		{in: "interval:01:30", kind: SpecInterval, every: 90 * time.Minute},
		{in: "* * * * *", kind: SpecCron},
		{in: "@every 10s", kind: SpecCron},
		{in: "cron:*/5 * * * *", kind: SpecCron},
		{in: "", bad: true},
		{in: "soon", bad: true},
		{in: "-5s", bad: true},
		{in: "00:75", bad: true},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		if tc.bad {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
		}
		if ps.Kind != tc.kind || ps.Every != tc.every {
			t.Fatalf("ParseSchedule(%q) = %+v", tc.in, ps)
		}
		if _, err := ps.Schedule(t0, "test"); err != nil {
			t.Fatalf("Schedule(%q): %v", tc.in, err)
		}
	}
}

func TestIntervalScheduleSpreadsFirstRun(t *testing.T) {
	t.Parallel()
	ps, _ := ParseSchedule("1m")
	sched, _ := ps.Schedule(t0, "x")
	first := sched.Next(t0)
	if first.Before(t0) || first.After(t0.Add(maxStartupSpread)) {
		t.Fatalf("first run %v outside spread window", first)
	}
}

func TestRunOncePublishesDuePosts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	due := h.schedule(t, "x", time.Minute)
	later := h.schedule(t, "x", 3*time.Hour)
	h.clk.Advance(2 * time.Minute)

	var calls atomic.Int32
	s := h.service(t, Config{}, okPublisher(&calls))
	rep, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Due != 1 || rep.Published != 1 || calls.Load() != 1 {
		t.Fatalf("report = %+v calls=%d", rep, calls.Load())
	}

	got := status(t, h, due.ID)
	if got.Status != post.StatusPublished || got.Analytics == nil || got.Analytics.ExternalID != "ext-"+due.ID {
		t.Fatalf("due post = %+v", got)
	}
	if st := status(t, h, later.ID).Status; st != post.StatusScheduled {
		t.Fatalf("future post status = %s", st)
	}

	rep, _ = s.RunOnce(context.Background())
	if rep.Due != 0 || calls.Load() != 1 {
		t.Fatalf("published post dispatched again: %+v", rep)
	}
	if !s.Snapshot().LastReport.At.Equal(h.clk.Now()) {
		t.Fatal("snapshot does not carry the last report")
	}
}

func TestRunOnceSkipsCancelled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.schedule(t, "x", time.Minute)
	if err := h.q.CancelPost(context.Background(), p.ID); err != nil {
		t.Fatalf("CancelPost: %v", err)
	}
	h.clk.Advance(time.Hour)

	var calls atomic.Int32
	rep, _ := h.service(t, Config{}, okPublisher(&calls)).RunOnce(context.Background())
	if rep.Due != 0 || calls.Load() != 0 {
		t.Fatalf("cancelled post dispatched: %+v", rep)
	}
}

func TestFailureRecordsReason(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.schedule(t, "x", time.Minute)
	h.clk.Advance(2 * time.Minute)

	rep, _ := h.service(t, Config{}, failPublisher(errors.New("http 503"))).RunOnce(context.Background())
	if rep.Failed != 1 || rep.Retried != 0 {
		t.Fatalf("report = %+v", rep)
	}
	got := status(t, h, p.ID)
	if got.Status != post.StatusFailed || got.ErrorMessage != "http 503" {
		t.Fatalf("post = %+v", got)
	}
}

func TestAutoRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.schedule(t, "x", time.Minute)
	h.clk.Advance(2 * time.Minute)

	s := h.service(t, Config{AutoRetry: true}, failPublisher(errors.New("http 503")))
	rep, _ := s.RunOnce(context.Background())
	if rep.Retried != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := status(t, h, p.ID)
	if got.Status != post.StatusScheduled || got.RetryCount != 1 || got.ErrorMessage != "" {
		t.Fatalf("post = %+v", got)
	}
	if !got.ScheduledAt.After(h.clk.Now()) {
		t.Fatalf("retry not rescheduled into the future: %v", got.ScheduledAt)
	}
}

func TestAutoRetrySkipsPermanent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.schedule(t, "x", time.Minute)
	h.clk.Advance(2 * time.Minute)

	s := h.service(t, Config{AutoRetry: true}, failPublisher(Permanent(errors.New("content rejected"))))
	rep, _ := s.RunOnce(context.Background())
	if rep.Failed != 1 || rep.Retried != 0 {
		t.Fatalf("report = %+v", rep)
	}
	got := status(t, h, p.ID)
	if got.Status != post.StatusFailed || !strings.Contains(got.ErrorMessage, "content rejected") {
		t.Fatalf("post = %+v", got)
	}
	for _, c := range s.Snapshot().Circuits {
		if c.Failures != 0 || c.Open {
			t.Fatalf("permanent failure touched the circuit: %+v", c)
		}
	}
}

func TestPublishTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.schedule(t, "x", time.Minute)
	h.clk.Advance(2 * time.Minute)

	block := PublisherFunc(func(ctx context.Context, _ post.Post) (post.Analytics, error) {
		<-ctx.Done()
		return post.Analytics{}, ctx.Err()
	})
	_, _ = h.service(t, Config{DispatchTimeout: 20 * time.Millisecond}, block).RunOnce(context.Background())

	got := status(t, h, p.ID)
	if got.Status != post.StatusFailed || !strings.Contains(got.ErrorMessage, "timed out") {
		t.Fatalf("post = %+v", got)
	}
}

func TestCircuitOpensPerPlatform(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.schedule(t, "x", time.Duration(i+1)*time.Minute)
	}
	okY := h.schedule(t, "y", time.Minute)
	h.clk.Advance(10 * time.Minute)

	events, unsub := h.bus.Subscribe(64)
	defer unsub()

	pub := PublisherFunc(func(ctx context.Context, p post.Post) (post.Analytics, error) {
		if p.Platform == "x" {
			return post.Analytics{}, errors.New("http 500")
		}
		return post.Analytics{ExternalID: "ok"}, nil
	})
	s := h.service(t, Config{CircuitTripFailures: 2, CircuitBaseDelay: time.Minute}, pub)
	rep, _ := s.RunOnce(context.Background())
	if rep.Failed != 2 || rep.Skipped != 1 || rep.Published != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if st := status(t, h, okY.ID).Status; st != post.StatusPublished {
		t.Fatalf("y post status = %s", st)
	}

	var open bool
	for _, c := range s.Snapshot().Circuits {
		if c.Platform == "x" {
			open = c.Open
		}
	}
	if !open {
		t.Fatal("expected x circuit open")
	}

	var sawSkip bool
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.DispatchSkipped {
			sawSkip = true
		}
	}
	if !sawSkip {
		t.Fatal("missing dispatch.skipped event")
	}

	// After the cooldown the remaining post is attempted again.
	h.clk.Advance(2 * time.Minute)
	rep, _ = s.RunOnce(context.Background())
	if rep.Skipped != 0 || rep.Failed != 1 {
		t.Fatalf("report after cooldown = %+v", rep)
	}
}

func TestSweepFailsStaleDispatching(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.schedule(t, "x", time.Minute)
	h.clk.Advance(2 * time.Minute)
	if _, err := h.q.MarkDispatching(context.Background(), p.ID); err != nil {
		t.Fatalf("MarkDispatching: %v", err)
	}

	var calls atomic.Int32
	s := h.service(t, Config{StaleAfter: 5 * time.Minute}, okPublisher(&calls))
	rep, _ := s.RunOnce(context.Background())
	if rep.Swept != 0 {
		t.Fatalf("fresh dispatching post swept: %+v", rep)
	}

	h.clk.Advance(6 * time.Minute)
	rep, _ = s.RunOnce(context.Background())
	if rep.Swept != 1 || calls.Load() != 0 {
		t.Fatalf("report = %+v calls=%d", rep, calls.Load())
	}
	got := status(t, h, p.ID)
	if got.Status != post.StatusFailed || got.ErrorMessage != "dispatch timed out" {
		t.Fatalf("post = %+v", got)
	}
}

func TestConcurrentRunOnceNeverDoublePublishes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for i := 0; i < 10; i++ {
		h.schedule(t, "x", time.Duration(i+1)*time.Minute)
	}
	h.clk.Advance(time.Hour)

	var calls atomic.Int32
	a := h.service(t, Config{}, okPublisher(&calls))
	b := h.service(t, Config{}, okPublisher(&calls))

	var wg sync.WaitGroup
	for _, s := range []*Service{a, b} {
		wg.Add(1)
		go func(s *Service) {
			defer wg.Done()
			_, _ = s.RunOnce(context.Background())
		}(s)
	}
	wg.Wait()

	if calls.Load() != 10 {
		t.Fatalf("publish calls = %d, want 10", calls.Load())
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	off := h.service(t, Config{Enabled: false}, nil)
	if err := off.Start(context.Background()); err != nil {
		t.Fatalf("Start disabled: %v", err)
	}
	if off.Snapshot().Running {
		t.Fatal("disabled dispatcher running")
	}

	s := h.service(t, Config{Enabled: true, Schedule: "1h", Workers: 3}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := s.Snapshot()
	if !snap.Running || snap.Workers != 3 || snap.QueueCap != 48 {
		t.Fatalf("snapshot = %+v", snap)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Snapshot().Running {
		t.Fatal("still running after Stop")
	}
}

func TestEnqueueHandsPostsToWorkers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := h.schedule(t, "x", time.Minute)
	h.clk.Advance(2 * time.Minute)

	var calls atomic.Int32
	s := h.service(t, Config{Enabled: true, Schedule: "1h", Workers: 1}, okPublisher(&calls))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	s.poll(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for status(t, h, p.ID).Status != post.StatusPublished {
		if time.Now().After(deadline) {
			t.Fatalf("post not published by worker; status=%s", status(t, h, p.ID).Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestOpenCircuitDoesNotStarveOtherPlatforms(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.schedule(t, "x", time.Duration(i+1)*time.Minute)
	}
	okY := h.schedule(t, "y", 10*time.Minute)
	h.clk.Advance(time.Hour)

	pub := PublisherFunc(func(ctx context.Context, p post.Post) (post.Analytics, error) {
		if p.Platform == "x" {
			return post.Analytics{}, errors.New("http 503")
		}
		return post.Analytics{ExternalID: "ok"}, nil
	})
	s := h.service(t, Config{BatchSize: 2, CircuitTripFailures: 1, CircuitBaseDelay: time.Hour}, pub)

	rep, _ := s.RunOnce(context.Background())
	if rep.Failed != 1 || rep.Skipped != 2 || rep.Published != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if st := status(t, h, okY.ID).Status; st != post.StatusPublished {
		t.Fatalf("y post status = %s", st)
	}

	// The open platform is no longer listed at all.
	rep, _ = s.RunOnce(context.Background())
	if rep.Due != 0 || rep.Skipped != 0 {
		t.Fatalf("second report = %+v", rep)
	}
}

func TestEnqueuePagesPastInflightPosts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	first := h.schedule(t, "x", time.Minute)
	second := h.schedule(t, "y", 2*time.Minute)
	h.clk.Advance(time.Hour)

	s := h.service(t, Config{BatchSize: 1}, nil)
	s.jobs = make(chan post.Post, 4)

	rep := s.cycle(context.Background(), s.enqueue)
	if rep.Queued != 1 || !s.isInflight(first.ID) {
		t.Fatalf("first cycle = %+v", rep)
	}

	// first is still scheduled and in flight; the batch must reach second.
	rep = s.cycle(context.Background(), s.enqueue)
	if rep.Queued != 1 || rep.Skipped != 1 || !s.isInflight(second.ID) {
		t.Fatalf("second cycle = %+v", rep)
	}
	if len(s.jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(s.jobs))
	}
}

func TestEnqueueStopsWhenQueueFull(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.schedule(t, "x", time.Duration(i+1)*time.Minute)
	}
	h.clk.Advance(time.Hour)

	s := h.service(t, Config{BatchSize: 10}, nil)
	s.jobs = make(chan post.Post, 1)

	rep := s.cycle(context.Background(), s.enqueue)
	if rep.Queued != 1 || rep.Skipped != 1 || s.dropped.Load() != 1 {
		t.Fatalf("report = %+v dropped=%d", rep, s.dropped.Load())
	}
}
