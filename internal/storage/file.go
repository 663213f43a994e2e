package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

const fileCompactEvery = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.posts.snapshot.json  (periodic snapshot)
//   - <prefix>.posts.journal.jsonl  (append-only journal of full records)
//
// The journal is periodically compacted into the snapshot. Reads are served
// from the in-memory index; writers are serialized by mu.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	index        *memStore

	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".posts.snapshot.json"
	journalPath := prefix + ".posts.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	index := newMemStore()
	if err := loadSnapshot(snapPath, index.posts); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("post snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	n, err := replayJournal(journalPath, index.posts)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = af.Close()
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("posts", len(index.posts)), logx.Int("journal_records", n))
	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		index:        index,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		// Leave a compact snapshot behind so the next open replays nothing.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("post compact on close failed", logx.Err(err))
		}
		err1 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.auditFile != nil {
		err2 = s.auditFile.Close()
		s.auditFile = nil
	}
	_ = s.index.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) Insert(ctx context.Context, p post.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, err := s.index.Get(ctx, p.ID); err == nil {
		return ErrExists
	}
	if err := s.appendLocked(p); err != nil {
		return err
	}
	return s.index.Insert(ctx, p)
}

func (s *fileStore) Get(ctx context.Context, id string) (post.Post, error) {
	return s.index.Get(ctx, id)
}

func (s *fileStore) CompareAndSwap(ctx context.Context, p post.Post, expect post.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	cur, err := s.index.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	if cur.Status != expect {
		return ErrConflict
	}
	if err := s.appendLocked(p); err != nil {
		return err
	}
	return s.index.CompareAndSwap(ctx, p, expect)
}

func (s *fileStore) List(ctx context.Context, q Query) ([]post.Post, error) {
	return s.index.List(ctx, q)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// appendLocked writes one journal record. Call with s.mu held.
func (s *fileStore) appendLocked(p post.Post) error {
	if err := json.NewEncoder(s.journalFile).Encode(p); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		// Best-effort compact; the journal stays authoritative on failure.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("post compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the whole index to the snapshot and truncates the journal.
// The caller holds s.mu, so the index cannot change underneath.
func (s *fileStore) compactLocked() error {
	s.index.mu.RLock()
	snap := make(map[string]post.Post, len(s.index.posts))
	for k, v := range s.index.posts {
		snap[k] = v
	}
	s.index.mu.RUnlock()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]post.Post) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]post.Post
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJournal applies journal records in order; the last record per id wins.
func replayJournal(path string, out map[string]post.Post) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		var p post.Post
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			// Torn tail write after a crash.
			continue
		}
		if p.ID == "" {
			continue
		}
		out[p.ID] = p
		n++
	}
	return n, sc.Err()
}
