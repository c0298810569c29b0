package snapshot

// ============================================================================
// Snapshot Manager
// Responsibilities:
// 1. Serialize the full record set into a JSON snapshot file
// 2. Write atomically (temp file + fsync + rename) so a crash never leaves
//    a half-written snapshot behind
// 3. Verify schema compatibility on load
// 4. Bound WAL replay on restart (records up to LastSeq are already folded in)
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// SchemaVersion is the snapshot layout written by this package.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager reads and writes one snapshot file.
type Manager struct {
	mu   sync.Mutex
	path string
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the snapshot file path.
func (m *Manager) Path() string { return m.path }

// Exists reports whether a snapshot has been written.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Write atomically replaces the snapshot with data.
func (m *Manager) Write(data types.SnapshotData) error {
	data.SchemaVer = SchemaVersion
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return replaceFile(m.path, payload)
}

// replaceFile writes payload next to path and renames it into place.
func replaceFile(path string, payload []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(payload); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields an empty snapshot, which
// is what a first start looks like.
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	raw, err := os.ReadFile(m.path)
	m.mu.Unlock()

	empty := types.SnapshotData{Jobs: make(map[types.JobID]*types.Job), SchemaVer: SchemaVersion}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return empty, nil
	case err != nil:
		return empty, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data types.SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		return empty, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return empty, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Jobs == nil {
		data.Jobs = empty.Jobs
	}
	for id, job := range data.Jobs {
		if job == nil || job.ID != id {
			return empty, fmt.Errorf("%w: entry %q does not match its record", ErrCorruptedSnapshot, id)
		}
	}
	return data, nil
}
