package dispatch

import (
	"sort"
	"sync"
	"time"
)

// circuit is a consecutive-failure breaker for one platform.
//
//   - success resets failures and closes the circuit
//   - failure increments failures; once failures >= trip the circuit opens for
//     an exponentially increasing cooldown capped at maxDelay
type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func (c circuitCfg) enabled() bool { return c.trip > 0 }

type circuits struct {
	mu  sync.Mutex
	cfg circuitCfg
	m   map[string]*circuit
}

func newCircuits(cfg circuitCfg) *circuits {
	return &circuits{cfg: cfg, m: map[string]*circuit{}}
}

// getLocked returns the breaker for platform, applying the idle reset.
func (s *circuits) getLocked(now time.Time, platform string) *circuit {
	st := s.m[platform]
	if st == nil {
		st = &circuit{}
		s.m[platform] = st
	}
	if !st.lastFailure.IsZero() && s.cfg.resetAfter > 0 && now.Sub(st.lastFailure) > s.cfg.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
	return st
}

func (s *circuits) isOpen(now time.Time, platform string) (bool, time.Time) {
	if !s.cfg.enabled() {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(now, platform)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// openPlatforms lists platforms whose breaker is open at now.
func (s *circuits) openPlatforms(now time.Time) []string {
	if !s.cfg.enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.m {
		if st := s.getLocked(now, id); !st.openUntil.IsZero() && now.Before(st.openUntil) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *circuits) record(now time.Time, platform string, err error) {
	if !s.cfg.enabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(now, platform)
	if err == nil {
		*st = circuit{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < s.cfg.trip {
		return
	}
	d := s.cfg.baseDelay
	for i := 0; i < st.fails-s.cfg.trip && d < s.cfg.maxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, s.cfg.maxDelay))
}

// CircuitInfo is the observable state of one platform breaker.
type CircuitInfo struct {
	Platform  string    `json:"platform"`
	Failures  int       `json:"failures"`
	Open      bool      `json:"open"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

func (s *circuits) snapshot(now time.Time) []CircuitInfo {
	s.mu.Lock()
	out := make([]CircuitInfo, 0, len(s.m))
	for id, st := range s.m {
		out = append(out, CircuitInfo{
			Platform:  id,
			Failures:  st.fails,
			Open:      !st.openUntil.IsZero() && now.Before(st.openUntil),
			OpenUntil: st.openUntil,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}
