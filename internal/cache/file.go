package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/stemsi/exstem-attempt/internal/model"
)

var ErrBadAttemptID = errors.New("attempt id cannot name a cache file")

// FileCache keeps one JSON file per attempt under dir so a snapshot survives
// the client process. Writes go to a temp file that is synced and renamed
// over the old one, so a crash leaves either the old or the new snapshot.
type FileCache struct {
	dir string
	mu  sync.Mutex
}

// NewFileCache creates a FileCache rooted at dir. The directory is created
// on first save.
func NewFileCache(dir string) *FileCache {
	return &FileCache{dir: dir}
}

// DefaultFileCacheDir is the per-user location of attempt snapshots.
func DefaultFileCacheDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(base, "exstem", "attempts"), nil
}

func (c *FileCache) path(attemptID string) (string, error) {
	if attemptID == "" || attemptID == "." || attemptID == ".." {
		return "", ErrBadAttemptID
	}
	return filepath.Join(c.dir, url.PathEscape(attemptID)+".json"), nil
}

func (c *FileCache) Save(_ context.Context, snap *model.AttemptSnapshot) error {
	target, err := c.path(snap.AttemptID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (c *FileCache) Load(_ context.Context, attemptID string) (*model.AttemptSnapshot, error) {
	target, err := c.path(attemptID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	raw, err := os.ReadFile(target)
	c.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap model.AttemptSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (c *FileCache) Clear(_ context.Context, attemptID string) error {
	target, err := c.path(attemptID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}
