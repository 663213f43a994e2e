// Package platform holds the static per-platform posting profiles.
//
// A Registry is built once at startup and never mutated afterwards, so
// lookups need no locking.
package platform

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidPlatform is returned for platform ids that are not registered.
var ErrInvalidPlatform = errors.New("invalid platform")

// MinIntervalFloor is the smallest accepted MinInterval. Slots are placed on
// whole minutes.
const MinIntervalFloor = time.Minute

// Profile describes the posting constraints of one platform.
type Profile struct {
	ID             string
	MaxTextLength  int
	SupportsMedia  bool
	RequiresMedia  bool
	MinInterval    time.Duration
	PreferredTimes []TimeOfDay
	HourlyLimit    int
	DailyLimit     int
}

type Registry struct {
	profiles map[string]Profile
	ids      []string
}

// NewRegistry validates profiles and returns an immutable registry.
func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		p.ID = NormalizeID(p.ID)
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.profiles[p.ID]; dup {
			return nil, fmt.Errorf("platform %q: duplicate id", p.ID)
		}
		p.PreferredTimes = sortTimes(p.PreferredTimes)
		r.profiles[p.ID] = p
		r.ids = append(r.ids, p.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Lookup returns the profile for id.
func (r *Registry) Lookup(id string) (Profile, error) {
	if r == nil {
		return Profile{}, fmt.Errorf("%w: %q", ErrInvalidPlatform, id)
	}
	p, ok := r.profiles[NormalizeID(id)]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrInvalidPlatform, id)
	}
	out := p
	out.PreferredTimes = append([]TimeOfDay(nil), p.PreferredTimes...)
	return out, nil
}

// IDs returns registered platform ids, sorted.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.ids...)
}

// Profiles returns all profiles ordered by id.
func (r *Registry) Profiles() []Profile {
	if r == nil {
		return nil
	}
	out := make([]Profile, 0, len(r.ids))
	for _, id := range r.ids {
		p, _ := r.Lookup(id)
		out = append(out, p)
	}
	return out
}

func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (p Profile) validate() error {
	if p.ID == "" {
		return errors.New("platform id required")
	}
	if p.MaxTextLength < 0 {
		return fmt.Errorf("platform %q: max_text_length must be >= 0", p.ID)
	}
	if p.MinInterval < MinIntervalFloor {
		return fmt.Errorf("platform %q: min_interval must be at least %s", p.ID, MinIntervalFloor)
	}
	if p.HourlyLimit <= 0 {
		return fmt.Errorf("platform %q: hourly_limit must be > 0", p.ID)
	}
	if p.DailyLimit <= 0 {
		return fmt.Errorf("platform %q: daily_limit must be > 0", p.ID)
	}
	if p.RequiresMedia && !p.SupportsMedia {
		return fmt.Errorf("platform %q: requires_media set but supports_media is false", p.ID)
	}
	return nil
}

func sortTimes(in []TimeOfDay) []TimeOfDay {
	out := append([]TimeOfDay(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].Minutes() < out[j].Minutes() })
	n := 0
	for i, t := range out {
		if i > 0 && t == out[n-1] {
			continue
		}
		out[n] = t
		n++
	}
	return out[:n]
}
