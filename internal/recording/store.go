package recording

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ChunkStore is the durable, append-only storage of chunk bytes keyed by
// (session id, index). Implementations must be safe for concurrent use;
// writes to distinct keys never coordinate with each other.
type ChunkStore interface {
	// Put persists payload at (sessionID, index), creating the session
	// container on first use. Writing an existing key overwrites it.
	Put(sessionID string, index int, payload []byte) error

	// ListOrdered returns the stored indices in numeric ascending order.
	// An unknown session yields an empty slice and no error.
	ListOrdered(sessionID string) ([]int, error)

	// Get returns the exact bytes written at (sessionID, index), or an error
	// matching ErrChunkNotFound.
	Get(sessionID string, index int) ([]byte, error)

	// Provision creates an empty container for the session.
	Provision(sessionID string) error

	// Exists reports whether the session has a backing container.
	Exists(sessionID string) bool

	// Sessions lists the session ids that have a container.
	Sessions() ([]string, error)
}

// FileChunkStore lays sessions out as <root>/<sessionID>/<index><ext>.
type FileChunkStore struct {
	root string
	ext  string
}

// NewFileChunkStore creates root if needed. ext is appended to every chunk
// file name (e.g. ".webm"); it may be empty.
func NewFileChunkStore(root, ext string) (*FileChunkStore, error) {
	if root == "" {
		return nil, errors.New("chunk store: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("chunk store: create root: %w", err)
	}
	return &FileChunkStore{root: root, ext: ext}, nil
}

// Root returns the directory holding all session containers.
func (s *FileChunkStore) Root() string {
	return s.root
}

func (s *FileChunkStore) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *FileChunkStore) chunkPath(sessionID string, index int) string {
	return filepath.Join(s.sessionDir(sessionID), strconv.Itoa(index)+s.ext)
}

// Put implements ChunkStore.Put. The payload is written to a temp file in the
// session directory, synced, then renamed over the final name so a reader
// never observes a partially written chunk.
func (s *FileChunkStore) Put(sessionID string, index int, payload []byte) error {
	if !ValidSessionID(sessionID) {
		return &ValidationError{Field: "sessionId", Reason: "invalid characters or length"}
	}
	if index < 0 {
		return &StorageError{Op: "put", SessionID: sessionID, Index: index, Err: errors.New("negative index")}
	}

	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "put", SessionID: sessionID, Index: index, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".chunk-*.tmp")
	if err != nil {
		return &StorageError{Op: "put", SessionID: sessionID, Index: index, Err: err}
	}
	tmpPath := tmp.Name()

	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return &StorageError{Op: "put", SessionID: sessionID, Index: index, Err: err}
	}

	if _, err := tmp.Write(payload); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "put", SessionID: sessionID, Index: index, Err: err}
	}
	if err := os.Rename(tmpPath, s.chunkPath(sessionID, index)); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "put", SessionID: sessionID, Index: index, Err: err}
	}
	return nil
}

// ListOrdered implements ChunkStore.ListOrdered. Names that are not
// <int><ext> (temp files, strays) are skipped.
func (s *FileChunkStore) ListOrdered(sessionID string) ([]int, error) {
	if !ValidSessionID(sessionID) {
		return []int{}, nil
	}

	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []int{}, nil
		}
		return nil, &StorageError{Op: "list", SessionID: sessionID, Index: -1, Err: err}
	}

	indices := make([]int, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, s.ext) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, s.ext))
		if err != nil || n < 0 {
			continue
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices, nil
}

// Get implements ChunkStore.Get.
func (s *FileChunkStore) Get(sessionID string, index int) ([]byte, error) {
	if !ValidSessionID(sessionID) {
		return nil, fmt.Errorf("%w: %s/%d", ErrChunkNotFound, sessionID, index)
	}
	data, err := os.ReadFile(s.chunkPath(sessionID, index))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%d", ErrChunkNotFound, sessionID, index)
		}
		return nil, &StorageError{Op: "get", SessionID: sessionID, Index: index, Err: err}
	}
	return data, nil
}

// Provision implements ChunkStore.Provision.
func (s *FileChunkStore) Provision(sessionID string) error {
	if !ValidSessionID(sessionID) {
		return &ValidationError{Field: "sessionId", Reason: "invalid characters or length"}
	}
	if err := os.MkdirAll(s.sessionDir(sessionID), 0o755); err != nil {
		return &StorageError{Op: "provision", SessionID: sessionID, Index: -1, Err: err}
	}
	return nil
}

// Exists implements ChunkStore.Exists.
func (s *FileChunkStore) Exists(sessionID string) bool {
	if !ValidSessionID(sessionID) {
		return false
	}
	info, err := os.Stat(s.sessionDir(sessionID))
	return err == nil && info.IsDir()
}

// Sessions implements ChunkStore.Sessions.
func (s *FileChunkStore) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &StorageError{Op: "scan", SessionID: s.root, Index: -1, Err: err}
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && ValidSessionID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// MemoryChunkStore is an in-memory implementation of ChunkStore. Nothing
// survives a restart; it backs tests and ephemeral deployments.
type MemoryChunkStore struct {
	mu       sync.RWMutex
	sessions map[string]map[int][]byte
}

// NewMemoryChunkStore returns a new empty in-memory store.
func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{
		sessions: make(map[string]map[int][]byte),
	}
}

// Put implements ChunkStore.Put.
func (s *MemoryChunkStore) Put(sessionID string, index int, payload []byte) error {
	if !ValidSessionID(sessionID) {
		return &ValidationError{Field: "sessionId", Reason: "invalid characters or length"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks, ok := s.sessions[sessionID]
	if !ok {
		chunks = make(map[int][]byte)
		s.sessions[sessionID] = chunks
	}
	chunks[index] = append([]byte(nil), payload...)
	return nil
}

// ListOrdered implements ChunkStore.ListOrdered.
func (s *MemoryChunkStore) ListOrdered(sessionID string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks := s.sessions[sessionID]
	indices := make([]int, 0, len(chunks))
	for i := range chunks {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices, nil
}

// Get implements ChunkStore.Get.
func (s *MemoryChunkStore) Get(sessionID string, index int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.sessions[sessionID][index]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrChunkNotFound, sessionID, index)
	}
	return append([]byte(nil), data...), nil
}

// Provision implements ChunkStore.Provision.
func (s *MemoryChunkStore) Provision(sessionID string) error {
	if !ValidSessionID(sessionID) {
		return &ValidationError{Field: "sessionId", Reason: "invalid characters or length"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		s.sessions[sessionID] = make(map[int][]byte)
	}
	return nil
}

// Exists implements ChunkStore.Exists.
func (s *MemoryChunkStore) Exists(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// Sessions implements ChunkStore.Sessions.
func (s *MemoryChunkStore) Sessions() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
