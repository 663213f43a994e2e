// Package ratelimit implements per-platform admission control with fixed
// hourly and daily windows.
//
// Windows are reset, not slid: once now - start reaches the period the count
// drops to zero and the window restarts at now. A caller can therefore burst
// up to twice the limit across a window boundary. That trade buys O(1) memory
// per platform.
package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"postpilot/internal/platform"
)

const (
	HourWindow = time.Hour
	DayWindow  = 24 * time.Hour
)

// Limits configures one platform.
type Limits struct {
	Hourly int
	Daily  int
}

// Window is a point-in-time copy of a platform's counters.
type Window struct {
	HourlyCount     int
	DailyCount      int
	HourWindowStart time.Time
	DayWindowStart  time.Time
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is the wait until the blocking window resets. With both
	// windows full it is the later of the two resets, since the nearer one
	// alone would still deny.
	RetryAfter time.Duration
}

// Reservation identifies the windows a granted slot was counted in.
type Reservation struct {
	Platform        string
	HourWindowStart time.Time
	DayWindowStart  time.Time
}

type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter holds one guarded window per platform. The platform set is fixed at
// construction, so the map itself is read-only and only per-platform state locks.
type Limiter struct {
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	mu     sync.Mutex
	limits Limits
	win    Window
}

func New(limits map[string]Limits, opts ...Option) *Limiter {
	l := &Limiter{now: time.Now, buckets: make(map[string]*bucket, len(limits))}
	for _, o := range opts {
		o(l)
	}
	for id, lim := range limits {
		l.buckets[platform.NormalizeID(id)] = &bucket{limits: lim}
	}
	return l
}

// FromRegistry builds a limiter using each profile's hourly/daily limits.
func FromRegistry(r *platform.Registry, opts ...Option) *Limiter {
	limits := map[string]Limits{}
	for _, p := range r.Profiles() {
		limits[p.ID] = Limits{Hourly: p.HourlyLimit, Daily: p.DailyLimit}
	}
	return New(limits, opts...)
}

// CheckAndReserve admits one request for id if neither window is full,
// incrementing both counters in the same critical section. The returned
// Reservation is only meaningful when the decision is allowed.
func (l *Limiter) CheckAndReserve(id string) (Decision, Reservation, error) {
	b, err := l.bucket(id)
	if err != nil {
		return Decision{}, Reservation{}, err
	}
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.win = b.win.rolled(now)
	if d := decide(b.limits, b.win, now); !d.Allowed {
		return d, Reservation{}, nil
	}
	b.win.HourlyCount++
	b.win.DailyCount++
	return Decision{Allowed: true}, Reservation{
		Platform:        platform.NormalizeID(id),
		HourWindowStart: b.win.HourWindowStart,
		DayWindowStart:  b.win.DayWindowStart,
	}, nil
}

// Check reports what CheckAndReserve would decide, without reserving and
// without moving any window start.
func (l *Limiter) Check(id string) (Decision, error) {
	b, err := l.bucket(id)
	if err != nil {
		return Decision{}, err
	}
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	return decide(b.limits, b.win.rolled(now), now), nil
}

// Release returns a reserved slot to the windows it was counted in. A window
// that has rolled since the reservation is left alone. Counters never go
// below zero.
func (l *Limiter) Release(r Reservation) error {
	b, err := l.bucket(r.Platform)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.win.HourlyCount > 0 && b.win.HourWindowStart.Equal(r.HourWindowStart) {
		b.win.HourlyCount--
	}
	if b.win.DailyCount > 0 && b.win.DayWindowStart.Equal(r.DayWindowStart) {
		b.win.DailyCount--
	}
	b.mu.Unlock()
	return nil
}

// Snapshot returns the counters for id as they stand at now, with expired
// windows shown reset. The stored state is not touched.
func (l *Limiter) Snapshot(id string) (Window, error) {
	b, err := l.bucket(id)
	if err != nil {
		return Window{}, err
	}
	now := l.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.win.rolled(now), nil
}

// Platforms returns the configured platform ids.
func (l *Limiter) Platforms() []string {
	out := make([]string, 0, len(l.buckets))
	for id := range l.buckets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (l *Limiter) bucket(id string) (*bucket, error) {
	b, ok := l.buckets[platform.NormalizeID(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", platform.ErrInvalidPlatform, id)
	}
	return b, nil
}

// rolled returns w with any window whose period has elapsed reset to now.
func (w Window) rolled(now time.Time) Window {
	if w.HourWindowStart.IsZero() || now.Sub(w.HourWindowStart) >= HourWindow {
		w.HourlyCount = 0
		w.HourWindowStart = now
	}
	if w.DayWindowStart.IsZero() || now.Sub(w.DayWindowStart) >= DayWindow {
		w.DailyCount = 0
		w.DayWindowStart = now
	}
	return w
}

// decide assumes w is rolled to now.
func decide(lim Limits, w Window, now time.Time) Decision {
	hourFull := w.HourlyCount >= lim.Hourly
	dayFull := w.DailyCount >= lim.Daily
	if !hourFull && !dayFull {
		return Decision{Allowed: true}
	}

	var wait time.Duration
	hourWait := w.HourWindowStart.Add(HourWindow).Sub(now)
	dayWait := w.DayWindowStart.Add(DayWindow).Sub(now)
	switch {
	case hourFull && dayFull:
		wait = max(hourWait, dayWait)
	case hourFull:
		wait = hourWait
	default:
		wait = dayWait
	}
	if wait < 0 {
		wait = 0
	}
	return Decision{Allowed: false, RetryAfter: wait}
}
