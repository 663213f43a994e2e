package storage

import (
	"context"
	"sync"

	"postpilot/internal/post"
)

// memStore keeps posts in a map. It is also the read index of the file driver.
type memStore struct {
	mu     sync.RWMutex
	posts  map[string]post.Post
	audit  []AuditEntry
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{posts: map[string]post.Post{}}
}

func (s *memStore) Insert(ctx context.Context, p post.Post) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.posts[p.ID]; ok {
		return ErrExists
	}
	s.posts[p.ID] = p.Clone()
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (post.Post, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return post.Post{}, ErrClosed
	}
	p, ok := s.posts[id]
	if !ok {
		return post.Post{}, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *memStore) CompareAndSwap(ctx context.Context, p post.Post, expect post.Status) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casLocked(p, expect)
}

func (s *memStore) casLocked(p post.Post, expect post.Status) error {
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.posts[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expect {
		return ErrConflict
	}
	s.posts[p.ID] = p.Clone()
	return nil
}

func (s *memStore) List(ctx context.Context, q Query) ([]post.Post, error) {
	_ = ctx
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	out := make([]post.Post, 0, len(s.posts))
	for _, p := range s.posts {
		if q.match(p) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()
	return q.page(out), nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	return nil
}

// Audit returns a copy of recorded audit entries.
func (s *memStore) Audit() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
