// Package slot picks publish times for posts.
//
// Candidates are a platform's preferred times of day expanded over a rolling
// horizon. The first candidate that keeps MinInterval distance from every
// occupied timestamp wins. When every candidate conflicts the first candidate
// is returned anyway, so callers always get a timestamp.
package slot

import (
	"sort"
	"time"

	"postpilot/internal/platform"
)

const DefaultHorizonDays = 7

type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLocation sets the timezone preferred times are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithHorizon sets how many days ahead candidates are generated.
func WithHorizon(days int) Option {
	return func(e *Engine) {
		if days > 0 {
			e.horizon = days
		}
	}
}

// Engine is stateless apart from its settings; safe for concurrent use.
type Engine struct {
	now     func() time.Time
	loc     *time.Location
	horizon int
}

func New(opts ...Option) *Engine {
	e := &Engine{now: time.Now, loc: time.Local, horizon: DefaultHorizonDays}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Location() *time.Location { return e.loc }

// NextSlot returns the earliest conflict-free candidate for p given the
// timestamps already occupied on that platform.
func (e *Engine) NextSlot(p platform.Profile, occupied []time.Time) time.Time {
	if len(p.PreferredTimes) == 0 {
		// Interval candidates are walked, not materialized.
		var first time.Time
		found := e.eachInterval(e.now().In(e.loc), p.MinInterval, func(c time.Time) bool {
			if first.IsZero() {
				first = c
			}
			return !Conflicts(c, occupied, p.MinInterval)
		})
		if !found.IsZero() {
			return found
		}
		return first
	}
	cands := e.Candidates(p)
	for _, c := range cands {
		if !Conflicts(c, occupied, p.MinInterval) {
			return c
		}
	}
	// Best effort: every candidate conflicts.
	return cands[0]
}

// Candidates lists candidate timestamps for p in ascending order. The list is
// never empty.
func (e *Engine) Candidates(p platform.Profile) []time.Time {
	now := e.now().In(e.loc)
	if len(p.PreferredTimes) == 0 {
		return e.intervalCandidates(now, p.MinInterval)
	}

	out := make([]time.Time, 0, len(p.PreferredTimes)*(e.horizon+1))
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)
	end := now.AddDate(0, 0, e.horizon)
	// One extra day so late-evening calls still see a full horizon.
	for d := 0; d <= e.horizon; d++ {
		day := today.AddDate(0, 0, d)
		for _, tod := range p.PreferredTimes {
			c := tod.On(day, e.loc)
			if !c.After(now) || c.After(end) {
				continue
			}
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		// Horizon shorter than the gap to the next preferred time.
		out = append(out, p.PreferredTimes[0].On(today.AddDate(0, 0, 1), e.loc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (e *Engine) intervalCandidates(now time.Time, step time.Duration) []time.Time {
	var out []time.Time
	e.eachInterval(now, step, func(c time.Time) bool {
		out = append(out, c)
		return false
	})
	return out
}

// eachInterval calls fn for every interval candidate from the next whole
// minute to the horizon, in order, and returns the first candidate fn
// accepts. Steps below a minute are raised to one.
func (e *Engine) eachInterval(now time.Time, step time.Duration, fn func(time.Time) bool) time.Time {
	if step <= 0 {
		step = time.Hour
	}
	step = max(step, time.Minute)
	start := now.Truncate(time.Minute)
	if !start.After(now) {
		start = start.Add(time.Minute)
	}
	end := now.AddDate(0, 0, e.horizon)
	if end.Before(start) {
		end = start
	}
	for c := start; !c.After(end); c = c.Add(step) {
		if fn(c) {
			return c
		}
	}
	return time.Time{}
}

// Conflicts reports whether t lies strictly within gap of any occupied time.
func Conflicts(t time.Time, occupied []time.Time, gap time.Duration) bool {
	for _, o := range occupied {
		d := t.Sub(o)
		if d < 0 {
			d = -d
		}
		if d < gap {
			return true
		}
	}
	return false
}
