package recording

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"session-recorder/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

func newTestHandler(t *testing.T, store ChunkStore) (*Handler, *Service) {
	t.Helper()
	svc := NewService(NewRegistry(), store, nil, logger.Nop(), nil)
	return NewHandler(svc, NewReconstructor(store, 0), "", logger.Nop(), nil), svc
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

// writeRecorder keeps each Write call separately.
type writeRecorder struct {
	*httptest.ResponseRecorder
	writes [][]byte
}

func (w *writeRecorder) Write(b []byte) (int, error) {
	w.writes = append(w.writes, append([]byte(nil), b...))
	return w.ResponseRecorder.Write(b)
}

func TestHandler_StartSession(t *testing.T) {
	store := NewMemoryChunkStore()
	h, _ := newTestHandler(t, store)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/start-session", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SessionID == "" || !store.Exists(body.SessionID) {
		t.Errorf("expected provisioned session, got %q", body.SessionID)
	}
}

func TestHandler_ListRecordings(t *testing.T) {
	h, svc := newTestHandler(t, NewMemoryChunkStore())
	r := newTestRouter(h)

	_, _ = svc.Ingest(Fragment{SessionID: "s1", Chunk: []byte("a")})
	_, _ = svc.Ingest(Fragment{SessionID: "s1", Chunk: []byte("b")})
	_, _ = svc.Ingest(Fragment{SessionID: "s2", Chunk: []byte("c")})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recordings", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got map[string][]int
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string][]int{"s1": {0, 1}, "s2": {0}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("recordings = %v, want %v", got, want)
	}
}

func TestHandler_GetSession(t *testing.T) {
	h, svc := newTestHandler(t, NewMemoryChunkStore())
	r := newTestRouter(h)
	_, _ = svc.Ingest(Fragment{SessionID: "s1", Chunk: []byte("a")})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/s1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sess Session
	_ = json.NewDecoder(rec.Body).Decode(&sess)
	if sess.ID != "s1" || !reflect.DeepEqual(sess.Chunks, []int{0}) {
		t.Errorf("unexpected session %+v", sess)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_Stream(t *testing.T) {
	h, svc := newTestHandler(t, NewMemoryChunkStore())
	r := newTestRouter(h)

	sess, _ := svc.StartSession()
	sizes := []int{100, 200, 50}
	for i, size := range sizes {
		if _, err := svc.Ingest(Fragment{SessionID: sess.ID, Chunk: bytes.Repeat([]byte{byte(i + 1)}, size)}); err != nil {
			t.Fatal(err)
		}
	}

	rec := &writeRecorder{ResponseRecorder: httptest.NewRecorder()}
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/"+sess.ID, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/webm" {
		t.Errorf("expected video/webm, got %s", ct)
	}
	if rec.Body.Len() != 350 {
		t.Errorf("expected 350 bytes, got %d", rec.Body.Len())
	}
	if len(rec.writes) != len(sizes) {
		t.Fatalf("expected %d writes, got %d", len(sizes), len(rec.writes))
	}
	for i, w := range rec.writes {
		if len(w) != sizes[i] || w[0] != byte(i+1) {
			t.Errorf("write %d: len %d first byte %d", i, len(w), w[0])
		}
	}
	if !rec.Flushed {
		t.Error("expected chunks to be flushed")
	}
}

func TestHandler_Stream_empty_session(t *testing.T) {
	h, svc := newTestHandler(t, NewMemoryChunkStore())
	r := newTestRouter(h)
	sess, _ := svc.StartSession()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/"+sess.ID, nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %d bytes", rec.Body.Len())
	}
}

func TestHandler_Stream_not_found(t *testing.T) {
	h, _ := newTestHandler(t, NewMemoryChunkStore())
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected no body, got %q", rec.Body.String())
	}
}

func TestHandler_Stream_error_before_first_byte(t *testing.T) {
	store := &vanishingStore{MemoryChunkStore: NewMemoryChunkStore(), vanishAt: 0}
	h, svc := newTestHandler(t, store)
	r := newTestRouter(h)
	_, _ = svc.Ingest(Fragment{SessionID: "s1", Chunk: []byte("a")})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/s1", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON error, got %s", ct)
	}
}

func TestHandler_Stream_aborts_mid_stream(t *testing.T) {
	store := &vanishingStore{MemoryChunkStore: NewMemoryChunkStore(), vanishAt: 1}
	h, svc := newTestHandler(t, store)
	_, _ = svc.Ingest(Fragment{SessionID: "s1", Chunk: []byte("first")})
	_, _ = svc.Ingest(Fragment{SessionID: "s1", Chunk: []byte("second")})

	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream/s1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 header, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatalf("expected truncated body error, read %q cleanly", body)
	}
	if string(body) != "first" {
		t.Errorf("expected the first chunk before the abort, got %q", body)
	}
}

// vanishingStore lists every chunk but fails to read the one at vanishAt,
// as if it were deleted out of band after listing.
type vanishingStore struct {
	*MemoryChunkStore
	vanishAt int
}

func (s *vanishingStore) Get(sessionID string, index int) ([]byte, error) {
	if index == s.vanishAt {
		return nil, ErrChunkNotFound
	}
	return s.MemoryChunkStore.Get(sessionID, index)
}
