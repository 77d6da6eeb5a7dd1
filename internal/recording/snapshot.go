package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const snapshotVersion = 1

// Snapshot is the durable form of the registry.
type Snapshot struct {
	Version  int                        `json:"version"`
	SavedAt  time.Time                  `json:"savedAt"`
	Sessions map[string]SnapshotSession `json:"sessions"`
}

// SnapshotSession is one registry entry inside a Snapshot.
type SnapshotSession struct {
	CreatedAt time.Time `json:"createdAt"`
	Chunks    []int     `json:"chunks"`
}

// SnapshotFile persists snapshots to a single file that is replaced on each save.
type SnapshotFile struct {
	path string
}

// NewSnapshotFile returns a SnapshotFile writing to path.
func NewSnapshotFile(path string) *SnapshotFile {
	return &SnapshotFile{path: path}
}

// Path returns the snapshot location.
func (f *SnapshotFile) Path() string {
	return f.path
}

// Save writes snap to a temp file beside the target, syncs it and renames it
// into place, so a crash mid-save leaves the previous snapshot intact.
func (f *SnapshotFile) Save(snap Snapshot) error {
	if snap.Version == 0 {
		snap.Version = snapshotVersion
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields an empty snapshot and no
// error; an unparseable one yields an error matching ErrSnapshotCorrupt.
// The older flat form {"<id>": [0, 1, 2]} is accepted too.
func (f *SnapshotFile) Load() (Snapshot, error) {
	empty := Snapshot{Version: snapshotVersion, Sessions: map[string]SnapshotSession{}}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return empty, nil
		}
		return empty, fmt.Errorf("snapshot: read: %w", err)
	}
	return decodeSnapshot(data)
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	empty := Snapshot{Version: snapshotVersion, Sessions: map[string]SnapshotSession{}}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return empty, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}

	if _, ok := probe["version"]; ok {
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return empty, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
		}
		if snap.Version != snapshotVersion {
			return empty, fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupt, snap.Version)
		}
		if snap.Sessions == nil {
			snap.Sessions = map[string]SnapshotSession{}
		}
		if err := checkSnapshot(snap); err != nil {
			return empty, err
		}
		return snap, nil
	}

	var flat map[string][]int
	if err := json.Unmarshal(data, &flat); err != nil {
		return empty, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	for id, chunks := range flat {
		if chunks == nil {
			chunks = []int{}
		}
		empty.Sessions[id] = SnapshotSession{Chunks: chunks}
	}
	if err := checkSnapshot(empty); err != nil {
		return Snapshot{Version: snapshotVersion, Sessions: map[string]SnapshotSession{}}, err
	}
	return empty, nil
}

// checkSnapshot rejects entries the registry cannot serve: ids that are not
// usable as storage names, and index lists that are negative or not strictly
// increasing.
func checkSnapshot(snap Snapshot) error {
	for id, s := range snap.Sessions {
		if !ValidSessionID(id) {
			return fmt.Errorf("%w: invalid session id %q", ErrSnapshotCorrupt, id)
		}
		for i, idx := range s.Chunks {
			if idx < 0 {
				return fmt.Errorf("%w: session %s: negative chunk index %d", ErrSnapshotCorrupt, id, idx)
			}
			if i > 0 && idx <= s.Chunks[i-1] {
				return fmt.Errorf("%w: session %s: chunk index %d out of order", ErrSnapshotCorrupt, id, idx)
			}
		}
	}
	return nil
}
