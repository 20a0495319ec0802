package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"campuscast/internal/access"
	logx "campuscast/pkg/logx"
)

// ReadSnapshot decodes a JSON or YAML snapshot file.
// YAML is a superset of JSON, so one decoder serves both.
func ReadSnapshot(path string) (Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := yaml.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return snap, nil
}

// fileStore serves a snapshot file and reloads it whenever the file's
// modification time or size changes, so every query sees current state.
// A reload that fails to parse keeps the previous image and logs a warning.
type fileStore struct {
	log  logx.Logger
	path string

	mu      sync.Mutex
	ix      *index
	modTime time.Time
	size    int64
	closed  bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	s := &fileStore{log: log, path: path}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(true); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) reloadLocked(force bool) error {
	fi, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	if !force && s.ix != nil && fi.ModTime().Equal(s.modTime) && fi.Size() == s.size {
		return nil
	}
	snap, err := ReadSnapshot(s.path)
	if err != nil {
		return err
	}
	ix, err := buildIndex(snap)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", s.path, err)
	}
	s.ix, s.modTime, s.size = ix, fi.ModTime(), fi.Size()
	s.log.Debug("directory snapshot loaded", logx.String("path", s.path), logx.Int("recipients", len(ix.recipients)))
	return nil
}

// current returns the up-to-date index. Callers must hold s.mu.
func (s *fileStore) current(ctx context.Context) (*index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.reloadLocked(false); err != nil {
		if s.ix == nil {
			return nil, err
		}
		s.log.Warn("directory snapshot reload failed; serving previous image", logx.String("path", s.path), logx.Err(err))
	}
	return s.ix, nil
}

func (s *fileStore) ListRecipients(ctx context.Context) ([]Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return ix.filter(func(Recipient) bool { return true }), nil
}

func (s *fileStore) RecipientsByRole(ctx context.Context, role access.Role) ([]Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return ix.filter(func(r Recipient) bool { return r.Role == role }), nil
}

func (s *fileStore) RecipientsByIDs(ctx context.Context, ids []string) ([]Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return ix.byIDs(ids), nil
}

func (s *fileStore) EnrolledRecipients(ctx context.Context, courseID string) ([]Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return ix.enrolled(courseID), nil
}

func (s *fileStore) Recipient(ctx context.Context, id string) (Recipient, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, err := s.current(ctx)
	if err != nil {
		return Recipient{}, false, err
	}
	i, ok := ix.byID[id]
	if !ok {
		return Recipient{}, false, nil
	}
	return ix.recipients[i], true, nil
}

func (s *fileStore) Course(ctx context.Context, id string) (Course, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, err := s.current(ctx)
	if err != nil {
		return Course{}, false, err
	}
	c, ok := ix.courses[id]
	return c, ok, nil
}

func (s *fileStore) Lesson(ctx context.Context, id string) (Lesson, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, err := s.current(ctx)
	if err != nil {
		return Lesson{}, false, err
	}
	l, ok := ix.lessons[id]
	return l, ok, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.ix = nil
	s.mu.Unlock()
	return nil
}
