package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore keeps one JSON file per session under a directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the directory if needed. An empty dir means
// ~/.config/webpm/sessions.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("session dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "webpm", "sessions")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory holding the session files.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// read loads a session file; expired sessions are removed and reported
// as ErrExpired.
func (s *FileStore) read(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session %s: %w", filepath.Base(path), err)
	}
	if sess.IsExpired() {
		_ = os.Remove(path)
		return nil, ErrExpired
	}
	return &sess, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.path(id))
}

// Set implements Store. The file is replaced atomically so a concurrent
// reader never sees a partial session.
func (s *FileStore) Set(_ context.Context, sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, sess.ID+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(sess.ID))
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Cleanup implements Store.
func (s *FileStore) Cleanup(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		// read removes what has expired.
		_, _ = s.read(filepath.Join(s.dir, e.Name()))
	}
	return nil
}

// localSessionID names the single session the CLI keeps.
const localSessionID = "local"

// CLIStore is the session recorded by "webpm session set" or
// "webpm serve".
type CLIStore struct {
	store Store
}

// NewCLIStore wraps store.
func NewCLIStore(store Store) *CLIStore {
	return &CLIStore{store: store}
}

// GetSession returns the recorded session, ErrNotFound or ErrExpired.
func (c *CLIStore) GetSession(ctx context.Context) (*Session, error) {
	return c.store.Get(ctx, localSessionID)
}

// SaveSession records cookie for ttl.
func (c *CLIStore) SaveSession(ctx context.Context, cookie Cookie, ttl time.Duration) error {
	return c.store.Set(ctx, New(localSessionID, cookie, ttl))
}

// DeleteSession forgets the recorded session.
func (c *CLIStore) DeleteSession(ctx context.Context) error {
	return c.store.Delete(ctx, localSessionID)
}

// Local implements Source.
func (c *CLIStore) Local(ctx context.Context) (*Cookie, error) {
	sess, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	return &sess.Cookie, nil
}
