package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const postColumns = `id, platform, content_text, media_refs, content_type, source_type, source_id,
	scheduled_at, status, retry_count, error_message, analytics, created_at, updated_at`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Insert(ctx context.Context, p post.Post) error {
	args, err := postArgs(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO posts(`+postColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		args...,
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrExists
	}
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (post.Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return post.Post{}, ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) CompareAndSwap(ctx context.Context, p post.Post, expect post.Status) error {
	media, analytics, err := encodeJSONColumns(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET scheduled_at=?, status=?, retry_count=?, error_message=?, analytics=?,
			media_refs=?, content_text=?, updated_at=?
		 WHERE id=? AND status=?`,
		p.ScheduledAt.UnixNano(), string(p.Status), p.RetryCount, nullStr(p.ErrorMessage), analytics,
		media, p.Content.Text, p.UpdatedAt.UnixNano(),
		p.ID, string(expect),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE id = ?`, p.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (s *sqliteStore) List(ctx context.Context, q Query) ([]post.Post, error) {
	var (
		where []string
		args  []any
	)
	if q.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, strings.ToLower(q.Platform))
	}
	if len(q.ExcludePlatforms) > 0 {
		ph := make([]string, 0, len(q.ExcludePlatforms))
		for _, id := range q.ExcludePlatforms {
			ph = append(ph, "?")
			args = append(args, strings.ToLower(id))
		}
		where = append(where, "platform NOT IN ("+strings.Join(ph, ",")+")")
	}
	if len(q.Statuses) > 0 {
		ph := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			ph = append(ph, "?")
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if q.ContentType != "" {
		where = append(where, "content_type = ?")
		args = append(args, q.ContentType)
	}
	if !q.DueBefore.IsZero() {
		where = append(where, "scheduled_at <= ?")
		args = append(args, q.DueBefore.UnixNano())
	}
	if !q.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, q.UpdatedBefore.UnixNano())
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + postColumns + ` FROM posts`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY scheduled_at ASC, id ASC")
	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []post.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, post_id, platform, action, from_status, to_status, err) VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.PostID, e.Platform, e.Action, nullStr(string(e.From)), string(e.To), nullStr(e.Error),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (post.Post, error) {
	var (
		p                                   post.Post
		media, sourceType, sourceID, errMsg sql.NullString
		analytics                           sql.NullString
		status                              string
		scheduledAt, createdAt, updatedAt   int64
	)
	err := r.Scan(&p.ID, &p.Platform, &p.Content.Text, &media, &p.ContentType, &sourceType, &sourceID,
		&scheduledAt, &status, &p.RetryCount, &errMsg, &analytics, &createdAt, &updatedAt)
	if err != nil {
		return post.Post{}, err
	}
	p.Status = post.Status(status)
	p.SourceType = sourceType.String
	p.SourceID = sourceID.String
	p.ErrorMessage = errMsg.String
	p.ScheduledAt = time.Unix(0, scheduledAt).UTC()
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if media.Valid && media.String != "" {
		if err := json.Unmarshal([]byte(media.String), &p.Content.MediaRefs); err != nil {
			return post.Post{}, fmt.Errorf("post %s: media_refs: %w", p.ID, err)
		}
	}
	if analytics.Valid && analytics.String != "" {
		var a post.Analytics
		if err := json.Unmarshal([]byte(analytics.String), &a); err != nil {
			return post.Post{}, fmt.Errorf("post %s: analytics: %w", p.ID, err)
		}
		p.Analytics = &a
	}
	return p, nil
}

func postArgs(p post.Post) ([]any, error) {
	media, analytics, err := encodeJSONColumns(p)
	if err != nil {
		return nil, err
	}
	return []any{
		p.ID, p.Platform, p.Content.Text, media, p.ContentType, nullStr(p.SourceType), nullStr(p.SourceID),
		p.ScheduledAt.UnixNano(), string(p.Status), p.RetryCount, nullStr(p.ErrorMessage), analytics,
		p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(),
	}, nil
}

func encodeJSONColumns(p post.Post) (media any, analytics any, err error) {
	if len(p.Content.MediaRefs) > 0 {
		b, err := json.Marshal(p.Content.MediaRefs)
		if err != nil {
			return nil, nil, err
		}
		media = string(b)
	}
	if p.Analytics != nil {
		b, err := json.Marshal(p.Analytics)
		if err != nil {
			return nil, nil, err
		}
		analytics = string(b)
	}
	return media, analytics, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
