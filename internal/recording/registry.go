package recording

import (
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// sessionEntry is the registry's view of one session. Its mutex serializes
// index assignment for that session only.
type sessionEntry struct {
	mu        sync.Mutex
	createdAt time.Time
	chunks    []int
}

// nextIndex is one past the last committed index, which equals len(chunks)
// for a contiguous list. Caller must hold e.mu.
func (e *sessionEntry) nextIndex() int {
	if len(e.chunks) == 0 {
		return 0
	}
	return e.chunks[len(e.chunks)-1] + 1
}

func (e *sessionEntry) session(id string) Session {
	return Session{
		ID:        id,
		CreatedAt: e.createdAt,
		Chunks:    append([]int{}, e.chunks...),
	}
}

// Registry maps session ids to their ordered chunk indices.
//
// The map itself is guarded by mu, held only long enough to find or insert
// an entry; index assignment takes the entry's own lock so unrelated sessions
// never contend.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	now      func() time.Time
	newID    func() string
}

// NewRegistry returns an empty registry that issues ULID session ids.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*sessionEntry),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return ulid.Make().String() },
	}
}

// CreateSession registers a new session with an empty index list.
func (r *Registry) CreateSession() Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for r.sessions[id] != nil {
		id = r.newID()
	}

	e := &sessionEntry{createdAt: r.now(), chunks: []int{}}
	r.sessions[id] = e
	return e.session(id)
}

// AppendChunk assigns and records the next index for sessionID, creating the
// session if it is unknown.
func (r *Registry) AppendChunk(sessionID string) int {
	idx, _ := r.Commit(sessionID, nil)
	return idx
}

// Commit assigns the next index for sessionID and runs write with it while
// holding the session's lock. The index is recorded only if write succeeds,
// so a failed write leaves no gap and the index is reused by the next
// fragment. A nil write records unconditionally.
func (r *Registry) Commit(sessionID string, write func(index int) error) (int, error) {
	e := r.entry(sessionID)

	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.nextIndex()
	if write != nil {
		if err := write(idx); err != nil {
			return -1, err
		}
	}
	e.chunks = append(e.chunks, idx)
	return idx, nil
}

// entry returns the entry for sessionID, inserting an empty one if missing.
func (r *Registry) entry(sessionID string) *sessionEntry {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sessionID]; ok {
		return e
	}
	e = &sessionEntry{createdAt: r.now(), chunks: []int{}}
	r.sessions[sessionID] = e
	return e
}

// Session returns a copy of one session.
func (r *Registry) Session(sessionID string) (Session, bool) {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return Session{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session(sessionID), true
}

// ListSessions returns a copy of the session -> chunk index mapping.
func (r *Registry) ListSessions() map[string][]int {
	out := make(map[string][]int)
	for _, s := range r.sessionsCopy() {
		out[s.ID] = s.Chunks
	}
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// sessionsCopy copies every session under its own lock, so no session is
// observed halfway through an append. Result is sorted by id.
func (r *Registry) sessionsCopy() []Session {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	entries := make([]*sessionEntry, 0, len(r.sessions))
	for id, e := range r.sessions {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Session, len(ids))
	for i, e := range entries {
		e.mu.Lock()
		out[i] = e.session(ids[i])
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns a point-in-time copy suitable for persisting.
func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{
		Version:  snapshotVersion,
		SavedAt:  r.now(),
		Sessions: make(map[string]SnapshotSession),
	}
	for _, s := range r.sessionsCopy() {
		snap.Sessions[s.ID] = SnapshotSession{CreatedAt: s.CreatedAt, Chunks: s.Chunks}
	}
	return snap
}

// Restore replaces the registry contents with snap.
func (r *Registry) Restore(snap Snapshot) {
	sessions := make(map[string]*sessionEntry, len(snap.Sessions))
	for id, s := range snap.Sessions {
		chunks := append([]int{}, s.Chunks...)
		sort.Ints(chunks)
		sessions[id] = &sessionEntry{createdAt: s.CreatedAt, chunks: chunks}
	}

	r.mu.Lock()
	r.sessions = sessions
	r.mu.Unlock()
}

// Reconcile makes sure sessionID is registered and adopts onDisk (sorted
// ascending) when the stored chunks run past what the registry knows, e.g.
// after a crash between snapshots. It reports whether the list was replaced.
func (r *Registry) Reconcile(sessionID string, onDisk []int) bool {
	e := r.entry(sessionID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(onDisk) == 0 || onDisk[len(onDisk)-1] < e.nextIndex() {
		return false
	}
	e.chunks = append([]int{}, onDisk...)
	return true
}
