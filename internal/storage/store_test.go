package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postpilot/internal/content"
	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func mkPost(id, platform string, at time.Duration, st post.Status) post.Post {
	return post.Post{
		ID:          id,
		Platform:    platform,
		Content:     content.Content{Text: "hello " + id, MediaRefs: []string{"s3://" + id}},
		ContentType: "promo",
		ScheduledAt: base.Add(at),
		Status:      st,
		CreatedAt:   base,
		UpdatedAt:   base,
	}
}

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "file", "posts")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	out["file"] = fs

	ss, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "posts.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	out["sqlite"] = ss

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestStoreContract(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			p := mkPost("a", "twitter", time.Hour, post.StatusScheduled)
			if err := st.Insert(ctx, p); err != nil {
				t.Fatalf("Insert: %v", err)
			}
			if err := st.Insert(ctx, p); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate Insert err = %v, want ErrExists", err)
			}

			got, err := st.Get(ctx, "a")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !got.ScheduledAt.Equal(p.ScheduledAt) || got.Content.Text != p.Content.Text || len(got.Content.MediaRefs) != 1 {
				t.Fatalf("Get mismatch: %+v", got)
			}
			if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing err = %v", err)
			}

			next := got
			next.Status = post.StatusDispatching
			next.UpdatedAt = base.Add(time.Minute)
			if err := st.CompareAndSwap(ctx, next, post.StatusScheduled); err != nil {
				t.Fatalf("CAS: %v", err)
			}
			if err := st.CompareAndSwap(ctx, next, post.StatusScheduled); !errors.Is(err, ErrConflict) {
				t.Fatalf("second CAS err = %v, want ErrConflict", err)
			}
			missing := next
			missing.ID = "missing"
			if err := st.CompareAndSwap(ctx, missing, post.StatusScheduled); !errors.Is(err, ErrNotFound) {
				t.Fatalf("CAS missing err = %v, want ErrNotFound", err)
			}

			done := next
			done.Status = post.StatusPublished
			done.Analytics = &post.Analytics{Impressions: 10, Extra: map[string]float64{"ctr": 0.5}}
			if err := st.CompareAndSwap(ctx, done, post.StatusDispatching); err != nil {
				t.Fatalf("CAS publish: %v", err)
			}
			got, _ = st.Get(ctx, "a")
			if got.Analytics == nil || got.Analytics.Impressions != 10 || got.Analytics.Extra["ctr"] != 0.5 {
				t.Fatalf("analytics not persisted: %+v", got.Analytics)
			}

			if err := st.AppendAudit(ctx, AuditEntry{At: base, PostID: "a", Platform: "twitter", Action: "publish", From: post.StatusDispatching, To: post.StatusPublished}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func TestStoreListOrderingAndFilters(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed := []post.Post{
				mkPost("p3", "twitter", 3*time.Hour, post.StatusScheduled),
				mkPost("p1", "twitter", 1*time.Hour, post.StatusScheduled),
				mkPost("p2", "linkedin", 2*time.Hour, post.StatusScheduled),
				mkPost("p4", "twitter", 4*time.Hour, post.StatusFailed),
				mkPost("p0", "twitter", 1*time.Hour, post.StatusScheduled),
			}
			seed[2].ContentType = "article"
			for _, p := range seed {
				if err := st.Insert(ctx, p); err != nil {
					t.Fatalf("Insert %s: %v", p.ID, err)
				}
			}

			all, err := st.List(ctx, Query{})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			assertIDs(t, all, "p0", "p1", "p2", "p3", "p4")

			tw, _ := st.List(ctx, Query{Platform: "twitter", Statuses: []post.Status{post.StatusScheduled}})
			assertIDs(t, tw, "p0", "p1", "p3")

			rest, _ := st.List(ctx, Query{ExcludePlatforms: []string{"Twitter"}})
			assertIDs(t, rest, "p2")

			art, _ := st.List(ctx, Query{ContentType: "article"})
			assertIDs(t, art, "p2")

			due, _ := st.List(ctx, Query{DueBefore: base.Add(2 * time.Hour)})
			assertIDs(t, due, "p0", "p1", "p2")

			page, _ := st.List(ctx, Query{Limit: 2, Offset: 1})
			assertIDs(t, page, "p1", "p2")

			empty, _ := st.List(ctx, Query{Offset: 10})
			assertIDs(t, empty)

			stale, _ := st.List(ctx, Query{UpdatedBefore: base})
			assertIDs(t, stale)
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "posts")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p := mkPost("a", "twitter", time.Hour, post.StatusScheduled)
	if err := st.Insert(ctx, p); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	p.Status = post.StatusCancelled
	if err := st.CompareAndSwap(ctx, p, post.StatusScheduled); err != nil {
		t.Fatalf("CAS: %v", err)
	}
	if err := st.Insert(ctx, mkPost("b", "twitter", 2*time.Hour, post.StatusScheduled)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, err := st2.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Status != post.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	all, _ := st2.List(ctx, Query{})
	assertIDs(t, all, "a", "b")
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for file driver without path")
	}
}

func assertIDs(t *testing.T, posts []post.Post, ids ...string) {
	t.Helper()
	if len(posts) != len(ids) {
		got := make([]string, 0, len(posts))
		for _, p := range posts {
			got = append(got, p.ID)
		}
		t.Fatalf("ids = %v, want %v", got, ids)
	}
	for i, id := range ids {
		if posts[i].ID != id {
			t.Fatalf("ids[%d] = %s, want %s", i, posts[i].ID, id)
		}
	}
}
