package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative duration; empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Durations parses many fields and keeps every error, so one bad config
// reports all of its bad durations at once.
type Durations struct {
	errs []error
}

// Get returns the parsed value, def when raw is empty or zero, or def after
// recording an error.
func (d *Durations) Get(path, raw string, def time.Duration) time.Duration {
	v, err := ParseDurationField(path, raw)
	if err != nil {
		d.errs = append(d.errs, err)
		return def
	}
	if v <= 0 {
		return def
	}
	return v
}

// Required is Get for fields that must be set and positive.
func (d *Durations) Required(path, raw string) time.Duration {
	if strings.TrimSpace(raw) == "" {
		d.errs = append(d.errs, fmt.Errorf("%s: required", path))
		return 0
	}
	n := len(d.errs)
	v := d.Get(path, raw, 0)
	if v == 0 && len(d.errs) == n {
		d.errs = append(d.errs, fmt.Errorf("%s: must be > 0", path))
	}
	return v
}

func (d *Durations) Err() error { return errors.Join(d.errs...) }
