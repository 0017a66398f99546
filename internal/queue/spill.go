package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tinytelemetry/courier/internal/model"
)

// Spill persists the pending queue as a single JSON snapshot so events survive
// a crash or restart. Writes go through a temp file, fsync, and rename; the
// snapshot on disk is always either the previous state or the new one, never a
// torn write. One agent process owns a spill path at a time.
type Spill struct {
	path string
}

// NewSpill creates a spill store at path, creating parent directories.
func NewSpill(path string) (*Spill, error) {
	if path == "" {
		return nil, fmt.Errorf("spill: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("spill: create directory: %w", err)
	}
	return &Spill{path: path}, nil
}

// Path returns the snapshot location.
func (s *Spill) Path() string { return s.path }

// Save replaces the on-disk snapshot with the given entries.
func (s *Spill) Save(entries []*model.QueuedEvent) error {
	if entries == nil {
		entries = []*model.QueuedEvent{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("spill: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("spill: open temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("spill: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("spill: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("spill: close: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("spill: rename: %w", err)
	}
	return nil
}

// Load reads the snapshot and drops entries older than maxAge (0 keeps
// everything). A missing file is an empty queue; a corrupt file is discarded
// rather than blocking startup.
func (s *Spill) Load(maxAge time.Duration) ([]*model.QueuedEvent, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("spill: read: %w", err)
	}
	var entries []*model.QueuedEvent
	if err := json.Unmarshal(data, &entries); err != nil {
		os.Remove(s.path)
		return nil, fmt.Errorf("spill: corrupt snapshot discarded: %w", err)
	}
	if maxAge <= 0 {
		return entries, nil
	}
	cutoff := time.Now().Add(-maxAge)
	fresh := entries[:0]
	for _, e := range entries {
		if e != nil && e.EnqueuedAt.After(cutoff) {
			fresh = append(fresh, e)
		}
	}
	return fresh, nil
}

// Clear removes the snapshot.
func (s *Spill) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("spill: clear: %w", err)
	}
	return nil
}
