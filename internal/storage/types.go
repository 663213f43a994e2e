package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"postpilot/internal/post"
)

var (
	ErrNotFound = errors.New("post not found")
	ErrConflict = errors.New("post status changed concurrently")
	ErrExists   = errors.New("post already exists")
	ErrClosed   = errors.New("storage closed")
)

// Store is the persistence contract the queue depends on.
type Store interface {
	Insert(ctx context.Context, p post.Post) error
	Get(ctx context.Context, id string) (post.Post, error)
	// CompareAndSwap replaces the record with p only if the stored status is
	// expect. It returns ErrConflict otherwise and ErrNotFound if p.ID is unknown.
	CompareAndSwap(ctx context.Context, p post.Post, expect post.Status) error
	// List returns matching posts ordered by ScheduledAt, then ID.
	List(ctx context.Context, q Query) ([]post.Post, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Query filters List. Zero fields match everything.
type Query struct {
	Platform         string
	ExcludePlatforms []string
	Statuses      []post.Status
	ContentType   string
	DueBefore     time.Time // ScheduledAt <= DueBefore
	UpdatedBefore time.Time // UpdatedAt < UpdatedBefore
	Limit         int
	Offset        int
}

// AuditEntry records one lifecycle transition.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time   `json:"at"`
	PostID   string      `json:"post_id"`
	Platform string      `json:"platform"`
	Action   string      `json:"action"`
	From     post.Status `json:"from,omitempty"`
	To       post.Status `json:"to"`
	Error    string      `json:"error,omitempty"`
}

func (q Query) match(p post.Post) bool {
	if q.Platform != "" && !strings.EqualFold(q.Platform, p.Platform) {
		return false
	}
	for _, ex := range q.ExcludePlatforms {
		if strings.EqualFold(ex, p.Platform) {
			return false
		}
	}
	if len(q.Statuses) > 0 {
		ok := false
		for _, s := range q.Statuses {
			if s == p.Status {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if q.ContentType != "" && q.ContentType != p.ContentType {
		return false
	}
	if !q.DueBefore.IsZero() && p.ScheduledAt.After(q.DueBefore) {
		return false
	}
	if !q.UpdatedBefore.IsZero() && !p.UpdatedAt.Before(q.UpdatedBefore) {
		return false
	}
	return true
}

// page sorts posts and applies offset/limit.
func (q Query) page(posts []post.Post) []post.Post {
	sort.Slice(posts, func(i, j int) bool {
		a, b := posts[i], posts[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.ID < b.ID
	})
	if q.Offset > 0 {
		if q.Offset >= len(posts) {
			return []post.Post{}
		}
		posts = posts[q.Offset:]
	}
	if q.Limit > 0 && len(posts) > q.Limit {
		posts = posts[:q.Limit]
	}
	return posts
}
