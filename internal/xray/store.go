package xray

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Store owns the live xray configuration file. All agent-driven mutations
// flow through Commit, which writes a temp file in the same directory and
// renames it over the live path, so the file on disk is always a complete,
// previously validated document. Readers get the last committed snapshot.
type Store struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	raw []byte
	doc *Document
}

// NewStore creates a store for the configuration file at path.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Open loads the live document into the snapshot. A missing file is
// bootstrapped via the supplied constructor; an unreadable or malformed
// file is an error, since guessing at proxy config is worse than refusing
// to start. Stale candidate files from an interrupted apply are removed.
func (s *Store) Open(bootstrap func() (*Document, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.candidatePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale candidate: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		if bootstrap == nil {
			return fmt.Errorf("config file %s does not exist", s.path)
		}
		doc, err := bootstrap()
		if err != nil {
			return fmt.Errorf("bootstrap config: %w", err)
		}
		if err := s.commitLocked(doc); err != nil {
			return fmt.Errorf("write bootstrap config: %w", err)
		}
		s.logger.Info("bootstrapped default xray config", "path", s.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", s.path, err)
	}

	doc, err := ParseDocument(data)
	if err != nil {
		return fmt.Errorf("config file %s: %w", s.path, err)
	}

	s.raw = data
	s.doc = doc
	return nil
}

// Read returns an independent copy of the last committed document.
func (s *Store) Read() (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc == nil {
		return nil, fmt.Errorf("config store not opened")
	}
	return s.doc.Clone()
}

// Raw returns a copy of the last committed bytes.
func (s *Store) Raw() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bytes.Clone(s.raw)
}

// UsersCount reports the number of managed clients in the snapshot.
func (s *Store) UsersCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc == nil {
		return 0
	}
	return len(s.doc.Clients())
}

// Path returns the live configuration path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) candidatePath() string {
	return s.path + ".candidate"
}

// WriteCandidate renders doc to the scratch path used for validation and
// returns that path. The live file is not touched.
func (s *Store) WriteCandidate(doc *Document) (string, error) {
	data, err := doc.Encode()
	if err != nil {
		return "", err
	}
	path := s.candidatePath()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write candidate %s: %w", path, err)
	}
	return path, nil
}

// DiscardCandidate removes the scratch file left by WriteCandidate.
func (s *Store) DiscardCandidate() {
	if err := os.Remove(s.candidatePath()); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove candidate config", "err", err)
	}
}

// Commit atomically replaces the live file with doc and updates the
// snapshot. The rename only happens after the bytes are flushed, so a
// crash mid-commit leaves the previous document in place.
func (s *Store) Commit(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(doc)
}

func (s *Store) commitLocked(doc *Document) error {
	data, err := doc.Encode()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace config %s: %w", s.path, err)
	}

	parsed, err := ParseDocument(data)
	if err != nil {
		return err
	}
	s.raw = data
	s.doc = parsed
	return nil
}

// Watch follows the live file for out-of-band edits (an operator touching
// the config directly) and refreshes the snapshot when the bytes differ
// from the last commit. It blocks until ctx is done. The parent directory
// is watched because rename-style writers replace the file's inode.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			s.refresh()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", "err", err)
		}
	}
}

// refresh re-reads the live file. Events triggered by our own Commit are
// byte-identical to the snapshot and skipped; a genuinely different file
// becomes the new snapshot unless it fails to parse.
func (s *Store) refresh() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("config changed on disk but is unreadable", "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bytes.Equal(data, s.raw) {
		return
	}

	doc, err := ParseDocument(data)
	if err != nil {
		s.logger.Warn("ignoring malformed out-of-band config edit", "err", err)
		return
	}

	s.raw = data
	s.doc = doc
	s.logger.Info("config edited outside the agent, snapshot refreshed",
		"path", s.path,
		"users", len(doc.Clients()),
	)
}
