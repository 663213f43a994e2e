// Package post defines the scheduled post record and its lifecycle states.
package post

import (
	"time"

	"postpilot/internal/content"
)

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusDispatching Status = "dispatching"
	StatusPublished   Status = "published"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusScheduled, StatusDispatching, StatusPublished, StatusFailed, StatusCancelled}
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusDispatching, StatusPublished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether a post in this state still occupies a platform slot.
func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusDispatching
}

// Analytics is attached by the dispatcher after publication.
type Analytics struct {
	ExternalID  string             `json:"external_id,omitempty"`
	URL         string             `json:"url,omitempty"`
	Impressions int64              `json:"impressions,omitempty"`
	Clicks      int64              `json:"clicks,omitempty"`
	Likes       int64              `json:"likes,omitempty"`
	Shares      int64              `json:"shares,omitempty"`
	Comments    int64              `json:"comments,omitempty"`
	Extra       map[string]float64 `json:"extra,omitempty"`
}

// Post is the unit of work. It is passed by value; Clone before sharing
// across goroutines that may mutate slices or maps.
type Post struct {
	ID           string          `json:"id"`
	Platform     string          `json:"platform"`
	Content      content.Content `json:"content"`
	ContentType  string          `json:"content_type,omitempty"`
	SourceType   string          `json:"source_type,omitempty"`
	SourceID     string          `json:"source_id,omitempty"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	Status       Status          `json:"status"`
	RetryCount   int             `json:"retry_count"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Analytics    *Analytics      `json:"analytics,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (p Post) Clone() Post {
	out := p
	if p.Content.MediaRefs != nil {
		out.Content.MediaRefs = append([]string(nil), p.Content.MediaRefs...)
	}
	if p.Analytics != nil {
		a := *p.Analytics
		if p.Analytics.Extra != nil {
			a.Extra = make(map[string]float64, len(p.Analytics.Extra))
			for k, v := range p.Analytics.Extra {
				a.Extra[k] = v
			}
		}
		out.Analytics = &a
	}
	return out
}
