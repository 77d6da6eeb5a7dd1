package recording

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"session-recorder/internal/platform/logger"
)

// failingStore fails every Put while failPut is set.
type failingStore struct {
	*MemoryChunkStore
	failPut bool
}

func (s *failingStore) Put(sessionID string, index int, payload []byte) error {
	if s.failPut {
		return &StorageError{Op: "put", SessionID: sessionID, Index: index, Err: errors.New("no space left on device")}
	}
	return s.MemoryChunkStore.Put(sessionID, index, payload)
}

type testEnv struct {
	dir       string
	store     *FileChunkStore
	snapshots *SnapshotFile
	svc       *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	return openTestEnv(t, dir)
}

// openTestEnv builds a service over dir, as a process restart would.
func openTestEnv(t *testing.T, dir string) *testEnv {
	t.Helper()
	store, err := NewFileChunkStore(filepath.Join(dir, "uploads"), ".webm")
	if err != nil {
		t.Fatalf("NewFileChunkStore: %v", err)
	}
	snapshots := NewSnapshotFile(filepath.Join(dir, "recordings.json"))
	svc := NewService(NewRegistry(), store, snapshots, logger.Nop(), nil)
	if err := svc.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return &testEnv{dir: dir, store: store, snapshots: snapshots, svc: svc}
}

func TestService_StartSession(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.svc.StartSession()
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !env.store.Exists(sess.ID) {
		t.Error("StartSession should provision storage")
	}
	chunks, ok := env.svc.ListSessions()[sess.ID]
	if !ok || len(chunks) != 0 {
		t.Errorf("new session should be listed with no chunks: ok=%v chunks=%v", ok, chunks)
	}
}

func TestService_Ingest(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.svc.StartSession()

	for i, size := range []int{100, 200, 50} {
		r, err := env.svc.Ingest(Fragment{SessionID: sess.ID, Chunk: make([]byte, size)})
		if err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		if r.ChunkIndex != i || r.ChunkSize != size || r.SessionID != sess.ID {
			t.Errorf("receipt %d = %+v", i, r)
		}
	}

	got, _ := env.store.ListOrdered(sess.ID)
	if !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Errorf("ListOrdered = %v", got)
	}
	if !reflect.DeepEqual(env.svc.ListSessions()[sess.ID], []int{0, 1, 2}) {
		t.Errorf("registry = %v", env.svc.ListSessions()[sess.ID])
	}
}

func TestService_Ingest_unknown_session(t *testing.T) {
	env := newTestEnv(t)

	r, err := env.svc.Ingest(Fragment{SessionID: "adhoc", Chunk: []byte("data")})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if r.ChunkIndex != 0 {
		t.Errorf("ChunkIndex = %d, want 0", r.ChunkIndex)
	}
	if _, ok := env.svc.ListSessions()["adhoc"]; !ok {
		t.Error("ad-hoc session should be listed")
	}
	if !env.store.Exists("adhoc") {
		t.Error("ad-hoc session should have storage")
	}
}

func TestService_Ingest_validation(t *testing.T) {
	env := newTestEnv(t)

	for name, frag := range map[string]Fragment{
		"missing_session": {Chunk: []byte("x")},
		"missing_chunk":   {SessionID: "s1"},
		"path_traversal":  {SessionID: "../etc", Chunk: []byte("x")},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := env.svc.Ingest(frag)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected *ValidationError, got %v", err)
			}
		})
	}
	if n := env.svc.SessionCount(); n != 0 {
		t.Errorf("rejected fragments should not register sessions, got %d", n)
	}
}

func TestService_Ingest_storage_failure(t *testing.T) {
	store := &failingStore{MemoryChunkStore: NewMemoryChunkStore(), failPut: true}
	svc := NewService(NewRegistry(), store, nil, logger.Nop(), nil)

	_, err := svc.Ingest(Fragment{SessionID: "s1", Chunk: []byte("x")})
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StorageError, got %v", err)
	}
	if chunks := svc.ListSessions()["s1"]; len(chunks) != 0 {
		t.Errorf("failed write must not record an index, got %v", chunks)
	}

	store.failPut = false
	r, err := svc.Ingest(Fragment{SessionID: "s1", Chunk: []byte("y")})
	if err != nil || r.ChunkIndex != 0 {
		t.Errorf("after recovery: %+v, %v", r, err)
	}
}

func TestService_Session(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.svc.Ingest(Fragment{SessionID: "s1", Chunk: []byte("x")})

	sess, err := env.svc.Session("s1")
	if err != nil || !reflect.DeepEqual(sess.Chunks, []int{0}) {
		t.Errorf("Session = %+v, %v", sess, err)
	}
	if _, err := env.svc.Session("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestService_Flush_and_reopen(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.svc.StartSession()
	_, _ = env.svc.Ingest(Fragment{SessionID: sess.ID, Chunk: []byte("a")})
	_, _ = env.svc.Ingest(Fragment{SessionID: sess.ID, Chunk: []byte("b")})
	_, _ = env.svc.Ingest(Fragment{SessionID: "other", Chunk: []byte("c")})

	before := env.svc.ListSessions()
	if err := env.svc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reopened := openTestEnv(t, env.dir)
	if !reflect.DeepEqual(reopened.svc.ListSessions(), before) {
		t.Errorf("after restart %v, want %v", reopened.svc.ListSessions(), before)
	}
	r, _ := reopened.svc.Ingest(Fragment{SessionID: sess.ID, Chunk: []byte("d")})
	if r.ChunkIndex != 2 {
		t.Errorf("next index after restart = %d, want 2", r.ChunkIndex)
	}
}

func TestService_Open_corrupt_snapshot(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "recordings.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	env := openTestEnv(t, dir)
	if n := env.svc.SessionCount(); n != 0 {
		t.Errorf("expected empty registry, got %d sessions", n)
	}
}

func TestService_Open_invalid_snapshot_uses_storage(t *testing.T) {
	env := newTestEnv(t)
	for _, c := range []string{"a", "b"} {
		if _, err := env.svc.Ingest(Fragment{SessionID: "s", Chunk: []byte(c)}); err != nil {
			t.Fatal(err)
		}
	}
	bad := `{"s":[-3],"../evil":[0],"d":[0,0,1]}`
	if err := os.WriteFile(env.snapshots.Path(), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}

	reopened := openTestEnv(t, env.dir)
	got := reopened.svc.ListSessions()
	want := map[string][]int{"s": {0, 1}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListSessions = %v, want %v", got, want)
	}

	r, err := reopened.svc.Ingest(Fragment{SessionID: "s", Chunk: []byte("c")})
	if err != nil {
		t.Fatalf("Ingest after rejected snapshot: %v", err)
	}
	if r.ChunkIndex != 2 {
		t.Errorf("next index = %d, want 2", r.ChunkIndex)
	}
}

func TestService_Open_reconciles_storage(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.svc.Ingest(Fragment{SessionID: "s1", Chunk: []byte("a")})
	if err := env.svc.Flush(); err != nil {
		t.Fatal(err)
	}
	// Written after the last snapshot, then the process dies.
	_, _ = env.svc.Ingest(Fragment{SessionID: "s1", Chunk: []byte("b")})
	_, _ = env.svc.Ingest(Fragment{SessionID: "late", Chunk: []byte("c")})

	reopened := openTestEnv(t, env.dir)
	got := reopened.svc.ListSessions()
	if !reflect.DeepEqual(got["s1"], []int{0, 1}) {
		t.Errorf("s1 = %v, want [0 1]", got["s1"])
	}
	if !reflect.DeepEqual(got["late"], []int{0}) {
		t.Errorf("late = %v, want [0]", got["late"])
	}

	r, _ := reopened.svc.Ingest(Fragment{SessionID: "s1", Chunk: []byte("d")})
	if r.ChunkIndex != 2 {
		t.Errorf("next index = %d, want 2 (no overwrite of stored chunk)", r.ChunkIndex)
	}
	data, _ := reopened.store.Get("s1", 1)
	if string(data) != "b" {
		t.Errorf("chunk 1 = %q, want b", data)
	}
}

func TestService_StartClose_writes_snapshot(t *testing.T) {
	env := newTestEnv(t)
	env.svc.Start(time.Second)
	_, _ = env.svc.Ingest(Fragment{SessionID: "s1", Chunk: []byte("a")})

	if err := env.svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	snap, err := env.snapshots.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(snap.Sessions["s1"].Chunks, []int{0}) {
		t.Errorf("snapshot after Close = %v", snap.Sessions)
	}
}

func TestService_periodic_flush(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.svc.Ingest(Fragment{SessionID: "s1", Chunk: []byte("a")})
	env.svc.Start(time.Second)
	defer env.svc.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(env.snapshots.Path()); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("periodic snapshot was not written")
}
