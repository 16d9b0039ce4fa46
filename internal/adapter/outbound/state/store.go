// Package state persists the engine's catalog snapshot (rules, policies,
// operators) as a JSON file with atomic writes and cross-process locking.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/privarion/privarion/internal/config"
)

// Snapshot is the persisted catalog state. It round-trips through the same
// spec types the YAML catalogs use, so a snapshot can seed the engine the
// way catalog files do.
type Snapshot struct {
	Version   string                `json:"version"`
	Rules     []config.RuleSpec     `json:"rules"`
	Policies  []config.PolicySpec   `json:"policies"`
	Operators []config.OperatorSpec `json:"operators"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// SnapshotStore manages reading and writing the snapshot file. Writes are
// atomic (write-tmp-then-rename) with a backup of the previous file, and
// locked both in-process (mutex) and cross-process (flock).
type SnapshotStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewSnapshotStore creates a store for the given file path.
func NewSnapshotStore(path string, logger *slog.Logger) *SnapshotStore {
	return &SnapshotStore{
		path:   path,
		logger: logger,
	}
}

// Load reads and parses the snapshot file. If the file does not exist it
// returns DefaultSnapshot. Invalid JSON is an error. Warns when the file
// has permissions more open than 0600.
func (s *SnapshotStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("snapshot file not found, using empty snapshot", "path", s.path)
			return s.DefaultSnapshot(), nil
		}
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}

	// Unix permission bits are not meaningful on Windows.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			mode := info.Mode().Perm()
			if mode&0077 != 0 {
				s.logger.Warn("snapshot file has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot file: %w", err)
	}
	return &snap, nil
}

// Save writes the snapshot to disk atomically.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire flock on path+".lock"
//  3. Copy current file to path+".bak" (skipped if no current file)
//  4. Marshal as indented JSON
//  5. Write to path+".tmp" with 0600 permissions
//  6. Fsync the temp file
//  7. Rename path+".tmp" -> path
func (s *SnapshotStore) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.UpdatedAt = time.Now().UTC()

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	if currentData, readErr := os.ReadFile(s.path); readErr == nil {
		bakPath := s.path + ".bak"
		if writeErr := os.WriteFile(bakPath, currentData, 0600); writeErr != nil {
			s.logger.Warn("failed to create backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}

	// Rename can inherit looser umask modes on some filesystems.
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on snapshot file", "error", err)
	}

	s.logger.Debug("snapshot saved", "path", s.path)
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it over the
// target path. On any error the temp file is cleaned up.
func (s *SnapshotStore) writeAtomic(data []byte) error {
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
		return fmt.Errorf("rename temp to snapshot: %w", err)
	}
	return nil
}

// DefaultSnapshot returns an empty snapshot. An empty rule set means no rule
// matches, so requests fall through to the engine's default-allow decision.
func (s *SnapshotStore) DefaultSnapshot() *Snapshot {
	now := time.Now().UTC()
	return &Snapshot{
		Version:   "1",
		Rules:     []config.RuleSpec{},
		Policies:  []config.PolicySpec{},
		Operators: []config.OperatorSpec{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Exists reports whether the snapshot file exists on disk.
func (s *SnapshotStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the configured file path.
func (s *SnapshotStore) Path() string {
	return s.path
}
