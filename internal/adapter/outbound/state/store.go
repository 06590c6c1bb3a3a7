package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
)

// DefaultMaxBytes mirrors the few-megabyte quota of browser local storage.
const DefaultMaxBytes = 5 << 20

// FileStateStore reads and writes the security log snapshot file.
// It provides atomic writes (write-tmp-then-rename), automatic backups,
// file locking (flock for cross-process, mutex for in-process) and a size
// quota that surfaces as securitylog.ErrQuotaExceeded.
type FileStateStore struct {
	path     string
	maxBytes int
	mu       sync.Mutex
	logger   *slog.Logger
}

// Option configures a FileStateStore.
type Option func(*FileStateStore)

// WithMaxBytes sets the quota. Zero or negative disables it.
func WithMaxBytes(n int) Option {
	return func(s *FileStateStore) { s.maxBytes = n }
}

// NewFileStateStore creates a new FileStateStore for the given file path.
func NewFileStateStore(path string, logger *slog.Logger, opts ...Option) *FileStateStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStateStore{
		path:     path,
		maxBytes: DefaultMaxBytes,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads and parses the snapshot file.
// A missing file returns securitylog.ErrNotFound. Files readable by group
// or others are loaded with a warning.
func (s *FileStateStore) Load(ctx context.Context) (securitylog.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return securitylog.Snapshot{}, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return securitylog.Snapshot{}, securitylog.ErrNotFound
		}
		return securitylog.Snapshot{}, fmt.Errorf("read state file: %w", err)
	}

	// Unix permission bits do not apply on Windows.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			mode := info.Mode().Perm()
			if mode&0077 != 0 {
				s.logger.Warn("state file has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return securitylog.Snapshot{}, fmt.Errorf("parse state file: %w", err)
	}
	if doc.Version != "" && doc.Version != SchemaVersion {
		return securitylog.Snapshot{}, fmt.Errorf("unsupported state version %q", doc.Version)
	}
	return doc.Snapshot, nil
}

// Save writes the snapshot to disk atomically.
//
// The write sequence is:
//  1. Marshal and check the quota
//  2. Acquire in-process mutex and flock on path+".lock"
//  3. Copy current file to path+".bak"
//  4. Write path+".tmp" with 0600, fsync, rename over path
func (s *FileStateStore) Save(ctx context.Context, snap securitylog.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := Document{Version: SchemaVersion, Snapshot: snap, UpdatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')
	if s.maxBytes > 0 && len(data) > s.maxBytes {
		return fmt.Errorf("snapshot is %d bytes, quota %d: %w", len(data), s.maxBytes, securitylog.ErrQuotaExceeded)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := lockSnapshot(s.path)
	if err != nil {
		return err
	}
	defer release()

	if current, readErr := os.ReadFile(s.path); readErr == nil {
		if writeErr := os.WriteFile(s.path+".bak", current, 0600); writeErr != nil {
			s.logger.Warn("failed to create backup", "error", writeErr)
		}
	}

	if err := s.writeAtomic(data); err != nil {
		return err
	}

	// The rename keeps the temp file's mode; chmod again in case the
	// target existed with wider permissions.
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on state file", "error", err)
	}

	s.logger.Debug("state saved", "path", s.path, "bytes", len(data))
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// over the target path. On any error the temp file is cleaned up.
func (s *FileStateStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to state: %w", err)
	}
	return nil
}

// Exists returns true if the state file exists on disk.
func (s *FileStateStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Ping checks that the directory holding the state file is accessible.
func (s *FileStateStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(filepath.Dir(s.path))
	if err != nil {
		return fmt.Errorf("state directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("state directory %s is not a directory", filepath.Dir(s.path))
	}
	return nil
}

// Path returns the configured file path.
func (s *FileStateStore) Path() string {
	return s.path
}

var _ securitylog.Storage = (*FileStateStore)(nil)
