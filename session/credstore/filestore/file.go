// Package filestore persists the credential pair as a JSON file on the
// device. Writes are atomic (temp file + rename) and the file is
// created with 0600 permissions. The store watches the file with
// fsnotify so that rotation performed by another process on the same
// device is observed without polling.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/threesixty/tripsync-go/session/credstore"
)

// Store implements credstore.Store and credstore.Watcher backed by a
// single JSON file.
type Store struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	// last credential written by this process, used to suppress watch
	// callbacks for our own saves.
	lastSaved credstore.Credential
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a file-backed store at path. The parent directory must
// exist; the file itself is created on first Save.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("filestore: path is required")
	}
	s := &Store{path: path, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Load(ctx context.Context) (credstore.Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return credstore.Credential{}, nil
		}
		return credstore.Credential{}, fmt.Errorf("filestore: read %s: %w", s.path, err)
	}
	var cred credstore.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		// A torn or corrupt file is treated as logged out rather than
		// wedging the session manager at startup.
		s.log.Warn("credstore.file.corrupt", slog.String("path", s.path), slog.String("err", err.Error()))
		return credstore.Credential{}, nil
	}
	return cred, nil
}

func (s *Store) Save(ctx context.Context, cred credstore.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("filestore: marshal credential: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("filestore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("filestore: rename %s: %w", tmp, err)
	}
	s.lastSaved = cred
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSaved = credstore.Credential{}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: remove %s: %w", s.path, err)
	}
	return nil
}

// Watch observes the credential file for external writes and invokes fn
// with the re-read credential. It returns after the watcher is
// established; callbacks run on a background goroutine until ctx is
// cancelled.
func (s *Store) Watch(ctx context.Context, fn func(credstore.Credential)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filestore: watcher: %w", err)
	}
	// Watch the directory: the atomic rename replaces the file inode,
	// so a watch on the file itself would be lost after one rotation.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("filestore: watch %s: %w", filepath.Dir(s.path), err)
	}

	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				cred, err := s.Load(ctx)
				if err != nil {
					s.log.Warn("credstore.file.reload.fail", slog.String("err", err.Error()))
					continue
				}
				s.mu.Lock()
				own := cred == s.lastSaved
				s.mu.Unlock()
				if own {
					continue
				}
				fn(cred)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("credstore.file.watch.fail", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}
