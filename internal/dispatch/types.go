package dispatch

import (
	"context"
	"time"

	"postpilot/internal/post"
	"postpilot/internal/queue"
)

// Config controls the dispatcher.
type Config struct {
	Enabled  bool
	Schedule string // poll schedule, see ParseSchedule
	Timezone string // IANA TZ for cron schedules

	Workers   int
	QueueSize int
	BatchSize int // due posts collected per poll

	DispatchTimeout time.Duration // per publish call
	StaleAfter      time.Duration // dispatching longer than this is swept to failed
	PublishRate     float64       // publishes per second per platform; 0 means unpaced

	CircuitTripFailures int // 0 means 5, negative disables
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration

	AutoRetry bool
}

const (
	DefaultSchedule        = "30s"
	DefaultWorkers         = 2
	DefaultBatchSize       = 50
	DefaultDispatchTimeout = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 16
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 4 * c.DispatchTimeout
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 30 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 15 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = time.Hour
	}
	return c
}

// Queue is the slice of the post queue the dispatcher drives.
type Queue interface {
	ListQueue(ctx context.Context, f queue.Filter) ([]post.Post, error)
	ListStale(ctx context.Context, status post.Status, before time.Time, limit int) ([]post.Post, error)
	MarkDispatching(ctx context.Context, id string) (post.Post, error)
	MarkPublished(ctx context.Context, id string, a post.Analytics) (post.Post, error)
	MarkFailed(ctx context.Context, id string, reason string) (post.Post, error)
	RetryPost(ctx context.Context, id string) (post.Post, error)
}

// Outcome is the result of one dispatch attempt.
type Outcome string

const (
	OutcomePublished Outcome = "published"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetried   Outcome = "retried"
	OutcomeSkipped   Outcome = "skipped" // lost the claim or circuit open
)

// Report summarizes one poll.
type Report struct {
	At        time.Time `json:"at"`
	Swept     int       `json:"swept"`
	Due       int       `json:"due"`
	Published int       `json:"published"`
	Failed    int       `json:"failed"`
	Retried   int       `json:"retried"`
	Skipped   int       `json:"skipped"`
	Queued    int       `json:"queued"`
}

func (r *Report) add(o Outcome) {
	switch o {
	case OutcomePublished:
		r.Published++
	case OutcomeFailed:
		r.Failed++
	case OutcomeRetried:
		r.Failed++
		r.Retried++
	case OutcomeSkipped:
		r.Skipped++
	}
}

// Snapshot is a point-in-time view of the dispatcher.
type Snapshot struct {
	Enabled    bool          `json:"enabled"`
	Running    bool          `json:"running"`
	Schedule   string        `json:"schedule"`
	Workers    int           `json:"workers"`
	QueueLen   int           `json:"queue_len"`
	QueueCap   int           `json:"queue_cap"`
	InFlight   int           `json:"in_flight"`
	Dropped    uint64        `json:"dropped"`
	Overlaps   uint64        `json:"overlaps"`
	Next       time.Time     `json:"next,omitempty"`
	LastReport Report        `json:"last_report"`
	Circuits   []CircuitInfo `json:"circuits"`
}
