package jobregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Store persists and loads batch snapshots from an on-disk directory.
//
// Directory layout:
//
//	<root>/<batch_id>/batch.json
//
// Root is expected to be under the app data dir.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) BatchDir(batchID string) string {
	return filepath.Join(s.root, batchID)
}

func (s *Store) SnapshotPath(batchID string) string {
	return filepath.Join(s.BatchDir(batchID), "batch.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("batch store root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write replaces the batch's snapshot atomically.
func (s *Store) Write(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("batch snapshot is nil")
	}
	batchID := strings.TrimSpace(snap.BatchID)
	if batchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}
	return writeJSONAtomic(s.SnapshotPath(batchID), snap)
}

// writeJSONAtomic writes v as indented JSON via a temp file and rename.
func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) Get(batchID string) (*Snapshot, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, fmt.Errorf("batch_id is required")
	}
	b, err := os.ReadFile(s.SnapshotPath(batchID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("batch.json is empty")
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(trimmed), &snap); err != nil {
		return nil, fmt.Errorf("parse batch.json: %w", err)
	}

	// Zombie detection: a batch that claims running but whose waiting
	// process is gone will never be updated again.
	if snap.State == BatchStateRunning && snap.PID > 0 && snap.PID != os.Getpid() {
		if !isProcessAlive(snap.PID) {
			snap.State = BatchStateUnknown
			snap.UpdatedAt = time.Now().UTC()
			_ = s.Write(&snap)
		}
	}

	return &snap, nil
}

// List returns every readable snapshot, newest first.
func (s *Store) List() ([]Snapshot, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read batches root: %w", err)
	}

	out := make([]Snapshot, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		snap, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *snap)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
