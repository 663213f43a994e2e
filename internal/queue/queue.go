// Package queue owns scheduled posts and their lifecycle.
//
// States: scheduled -> dispatching -> published | failed, scheduled -> cancelled,
// failed -> scheduled (retry, bounded by MaxRetries). Every transition is a
// compare-and-swap against the store, so a post can be claimed for dispatch by
// at most one caller.
//
// Slot selection is serialized per platform: the "read active posts, pick a
// slot, persist" sequence runs under that platform's lock, so two concurrent
// schedules in one process never pick the same conflict-free slot. Separate
// processes sharing a store are not coordinated.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/content"
	"postpilot/internal/eventbus"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	"postpilot/internal/ratelimit"
	"postpilot/internal/slot"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

const DefaultMaxRetries = 3

type Config struct {
	// MaxRetries bounds RetryPost. 0 means DefaultMaxRetries.
	MaxRetries int
}

// Deps are the collaborators the queue is built from.
type Deps struct {
	Registry *platform.Registry
	Limiter  *ratelimit.Limiter
	Slots    *slot.Engine
	Store    storage.Store
	Bus      eventbus.Bus // optional
	Log      logx.Logger  // optional
	Now      func() time.Time
}

// ScheduleRequest is the input of SchedulePost.
//
// ScheduledAt is honoured only with Override, the manual path that bypasses
// conflict avoidance. Content is still validated and rate limited.
type ScheduleRequest struct {
	Platform    string
	Content     content.Content
	ContentType string
	SourceType  string
	SourceID    string
	ScheduledAt time.Time
	Override    bool
}

// Filter selects posts for ListQueue. Zero fields match everything; Limit 0
// means no limit.
type Filter struct {
	Platform string
	// ExcludePlatforms drops posts for these platforms; ids are not
	// checked against the registry.
	ExcludePlatforms []string
	Status           post.Status
	ContentType      string
	DueBefore        time.Time
	Limit            int
	Offset           int
}

type Queue struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	registry *platform.Registry
	limiter  *ratelimit.Limiter
	slots    *slot.Engine
	store    storage.Store
	now      func() time.Time

	// One lock per platform, created up front; the map is never written again.
	platMu map[string]*sync.Mutex
}

func New(cfg Config, d Deps) (*Queue, error) {
	if d.Registry == nil || d.Limiter == nil || d.Slots == nil || d.Store == nil {
		return nil, errors.New("queue: registry, limiter, slots and store are required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	q := &Queue{
		cfg:      cfg,
		log:      d.Log,
		bus:      d.Bus,
		registry: d.Registry,
		limiter:  d.Limiter,
		slots:    d.Slots,
		store:    d.Store,
		now:      d.Now,
		platMu:   map[string]*sync.Mutex{},
	}
	for _, id := range d.Registry.IDs() {
		q.platMu[id] = &sync.Mutex{}
	}
	return q, nil
}

func (q *Queue) MaxRetries() int { return q.cfg.MaxRetries }

// Platforms returns the registered platform profiles.
func (q *Queue) Platforms() []platform.Profile { return q.registry.Profiles() }

// SchedulePost validates, admits, places and persists a new post.
func (q *Queue) SchedulePost(ctx context.Context, req ScheduleRequest) (post.Post, error) {
	prof, err := q.registry.Lookup(req.Platform)
	if err != nil {
		return post.Post{}, err
	}

	errs := content.Validate(req.Content, prof).Errors
	if !req.ScheduledAt.IsZero() && !req.Override {
		errs = append(errs, "scheduled_at requires override")
	}
	if req.Override && req.ScheduledAt.IsZero() {
		errs = append(errs, "override requires scheduled_at")
	}
	if len(errs) > 0 {
		return post.Post{}, &ValidationError{Errors: errs}
	}

	grant, err := q.reserve(prof.ID)
	if err != nil {
		return post.Post{}, err
	}

	now := q.now()
	p := post.Post{
		ID:          uuid.NewString(),
		Platform:    prof.ID,
		Content:     req.Content,
		ContentType: strings.TrimSpace(req.ContentType),
		SourceType:  strings.TrimSpace(req.SourceType),
		SourceID:    strings.TrimSpace(req.SourceID),
		Status:      post.StatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}.Clone()

	err = q.withPlatform(prof.ID, func() error {
		if req.Override {
			p.ScheduledAt = req.ScheduledAt
		} else {
			at, err := q.nextSlot(ctx, prof)
			if err != nil {
				return err
			}
			p.ScheduledAt = at
		}
		return q.store.Insert(ctx, p)
	})
	if err != nil {
		q.release(grant)
		return post.Post{}, fmt.Errorf("schedule post: %w", err)
	}

	q.record(ctx, "schedule", "", p, eventbus.PostScheduled)
	if req.Override {
		q.log.Info("post scheduled with override", logx.String("id", p.ID), logx.String("platform", p.Platform), logx.Time("at", p.ScheduledAt))
	}
	return p, nil
}

// CancelPost moves a scheduled post to cancelled. Any other state is an error
// naming that state; a dispatching post is never interrupted.
func (q *Queue) CancelPost(ctx context.Context, id string) error {
	_, err := q.transition(ctx, id, "cancel", post.StatusScheduled, post.StatusCancelled, nil)
	return err
}

// RetryPost re-admits a failed post: it consumes a fresh rate-limit slot and a
// fresh scheduling slot, increments RetryCount and clears ErrorMessage.
func (q *Queue) RetryPost(ctx context.Context, id string) (post.Post, error) {
	cur, err := q.get(ctx, id)
	if err != nil {
		return post.Post{}, err
	}
	if cur.Status != post.StatusFailed {
		return post.Post{}, &InvalidStateTransitionError{ID: id, Op: "retry", Current: cur.Status}
	}
	if cur.RetryCount >= q.cfg.MaxRetries {
		return post.Post{}, &MaxRetriesExceededError{ID: id, RetryCount: cur.RetryCount, MaxRetries: q.cfg.MaxRetries}
	}
	prof, err := q.registry.Lookup(cur.Platform)
	if err != nil {
		return post.Post{}, err
	}
	grant, err := q.reserve(prof.ID)
	if err != nil {
		return post.Post{}, err
	}

	var next post.Post
	err = q.withPlatform(prof.ID, func() error {
		at, err := q.nextSlot(ctx, prof)
		if err != nil {
			return err
		}
		next = cur.Clone()
		next.RetryCount = cur.RetryCount + 1
		next.ErrorMessage = ""
		next.ScheduledAt = at
		next.Status = post.StatusScheduled
		next.UpdatedAt = q.now()
		return q.store.CompareAndSwap(ctx, next, post.StatusFailed)
	})
	if err != nil {
		q.release(grant)
		return post.Post{}, q.casError(ctx, id, "retry", err)
	}

	q.record(ctx, "retry", post.StatusFailed, next, eventbus.PostRetried)
	return next, nil
}

// MarkDispatching claims a scheduled post for publishing. Exactly one of any
// number of concurrent callers succeeds.
func (q *Queue) MarkDispatching(ctx context.Context, id string) (post.Post, error) {
	return q.transition(ctx, id, "dispatch", post.StatusScheduled, post.StatusDispatching, nil)
}

// MarkPublished records a successful publish and its analytics.
func (q *Queue) MarkPublished(ctx context.Context, id string, a post.Analytics) (post.Post, error) {
	return q.transition(ctx, id, "publish", post.StatusDispatching, post.StatusPublished, func(p *post.Post) {
		a := a
		p.Analytics = &a
		p.ErrorMessage = ""
	})
}

// MarkFailed records a dispatch failure reason on the post.
func (q *Queue) MarkFailed(ctx context.Context, id string, reason string) (post.Post, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "dispatch failed"
	}
	return q.transition(ctx, id, "fail", post.StatusDispatching, post.StatusFailed, func(p *post.Post) {
		p.ErrorMessage = reason
	})
}

// Get returns one post.
func (q *Queue) Get(ctx context.Context, id string) (post.Post, error) {
	return q.get(ctx, id)
}

// ListQueue returns posts matching f ordered by ScheduledAt ascending.
func (q *Queue) ListQueue(ctx context.Context, f Filter) ([]post.Post, error) {
	sq := storage.Query{
		ExcludePlatforms: f.ExcludePlatforms,
		ContentType:      strings.TrimSpace(f.ContentType),
		DueBefore:        f.DueBefore,
		Limit:            f.Limit,
		Offset:           f.Offset,
	}
	if f.Platform != "" {
		prof, err := q.registry.Lookup(f.Platform)
		if err != nil {
			return nil, err
		}
		sq.Platform = prof.ID
	}
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, &ValidationError{Errors: []string{fmt.Sprintf("unknown status %q", f.Status)}}
		}
		sq.Statuses = []post.Status{f.Status}
	}
	if sq.Limit < 0 {
		sq.Limit = 0
	}
	if sq.Offset < 0 {
		sq.Offset = 0
	}
	return q.store.List(ctx, sq)
}

// ListStale returns posts in status whose last update is older than before.
// The dispatcher uses it to find posts stuck in dispatching.
func (q *Queue) ListStale(ctx context.Context, status post.Status, before time.Time, limit int) ([]post.Post, error) {
	return q.store.List(ctx, storage.Query{Statuses: []post.Status{status}, UpdatedBefore: before, Limit: limit})
}

// CheckRateLimit previews admission for platform without reserving.
func (q *Queue) CheckRateLimit(platformID string) (bool, error) {
	d, err := q.limiter.Check(platformID)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// RateLimitStatus returns the preview decision and current counters.
func (q *Queue) RateLimitStatus(platformID string) (ratelimit.Decision, ratelimit.Window, error) {
	d, err := q.limiter.Check(platformID)
	if err != nil {
		return ratelimit.Decision{}, ratelimit.Window{}, err
	}
	w, err := q.limiter.Snapshot(platformID)
	return d, w, err
}

// ---- internals ----

func (q *Queue) get(ctx context.Context, id string) (post.Post, error) {
	id = strings.TrimSpace(id)
	p, err := q.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return post.Post{}, notFound(id)
	}
	return p, err
}

// transition applies from -> to through the store CAS. On a lost race the
// error reports the state that won.
func (q *Queue) transition(ctx context.Context, id, op string, from, to post.Status, mutate func(p *post.Post)) (post.Post, error) {
	cur, err := q.get(ctx, id)
	if err != nil {
		return post.Post{}, err
	}
	if cur.Status != from {
		return post.Post{}, &InvalidStateTransitionError{ID: cur.ID, Op: op, Current: cur.Status}
	}
	next := cur.Clone()
	next.Status = to
	next.UpdatedAt = q.now()
	if mutate != nil {
		mutate(&next)
	}
	if err := q.store.CompareAndSwap(ctx, next, from); err != nil {
		return post.Post{}, q.casError(ctx, cur.ID, op, err)
	}

	q.record(ctx, op, from, next, eventTypeFor(to))
	return next, nil
}

func (q *Queue) casError(ctx context.Context, id, op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrConflict):
		if latest, gerr := q.store.Get(ctx, id); gerr == nil {
			return &InvalidStateTransitionError{ID: id, Op: op, Current: latest.Status}
		}
		return fmt.Errorf("post %s: %s: %w", id, op, err)
	case errors.Is(err, storage.ErrNotFound):
		return notFound(id)
	default:
		return fmt.Errorf("post %s: %s: %w", id, op, err)
	}
}

func (q *Queue) reserve(platformID string) (ratelimit.Reservation, error) {
	d, res, err := q.limiter.CheckAndReserve(platformID)
	if err != nil {
		return ratelimit.Reservation{}, err
	}
	if !d.Allowed {
		q.log.Debug("rate limit denied", logx.String("platform", platformID), logx.Duration("retry_after", d.RetryAfter))
		return ratelimit.Reservation{}, &RateLimitExceededError{Platform: platformID, RetryAfter: d.RetryAfter}
	}
	return res, nil
}

func (q *Queue) release(res ratelimit.Reservation) {
	if err := q.limiter.Release(res); err != nil {
		q.log.Warn("rate limit release failed", logx.String("platform", res.Platform), logx.Err(err))
	}
}

func (q *Queue) withPlatform(platformID string, fn func() error) error {
	mu := q.platMu[platformID]
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// nextSlot reads the platform's active posts and asks the engine for a slot.
// Call under the platform lock.
func (q *Queue) nextSlot(ctx context.Context, prof platform.Profile) (time.Time, error) {
	active, err := q.store.List(ctx, storage.Query{
		Platform: prof.ID,
		Statuses: []post.Status{post.StatusScheduled, post.StatusDispatching},
	})
	if err != nil {
		return time.Time{}, err
	}
	occupied := make([]time.Time, 0, len(active))
	for _, p := range active {
		occupied = append(occupied, p.ScheduledAt)
	}
	at := q.slots.NextSlot(prof, occupied)
	if slot.Conflicts(at, occupied, prof.MinInterval) {
		q.log.Warn("no conflict-free slot in horizon; using first candidate",
			logx.String("platform", prof.ID), logx.Time("at", at), logx.Int("active", len(active)))
	}
	return at, nil
}

func (q *Queue) record(ctx context.Context, action string, from post.Status, p post.Post, evType string) {
	err := q.store.AppendAudit(ctx, storage.AuditEntry{
		At:       p.UpdatedAt,
		PostID:   p.ID,
		Platform: p.Platform,
		Action:   action,
		From:     from,
		To:       p.Status,
		Error:    p.ErrorMessage,
	})
	if err != nil {
		q.log.Warn("audit append failed", logx.String("id", p.ID), logx.String("action", action), logx.Err(err))
	}
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: evType, Time: p.UpdatedAt, Data: eventbus.PostEvent{
			ID:          p.ID,
			Platform:    p.Platform,
			Status:      string(p.Status),
			ScheduledAt: p.ScheduledAt,
			RetryCount:  p.RetryCount,
			Error:       p.ErrorMessage,
		}})
	}
	q.log.Debug("post "+action,
		logx.String("id", p.ID),
		logx.String("platform", p.Platform),
		logx.String("status", string(p.Status)),
		logx.Time("scheduled_at", p.ScheduledAt))
}

func eventTypeFor(s post.Status) string {
	switch s {
	case post.StatusCancelled:
		return eventbus.PostCancelled
	case post.StatusDispatching:
		return eventbus.PostDispatching
	case post.StatusPublished:
		return eventbus.PostPublished
	case post.StatusFailed:
		return eventbus.PostFailed
	default:
		return eventbus.PostScheduled
	}
}
