package recording

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"session-recorder/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// DefaultContentType is served for playback when none is configured.
const DefaultContentType = "video/webm"

// Handler exposes the recorder HTTP endpoints using go-chi.
type Handler struct {
	svc         *Service
	playback    *Reconstructor
	contentType string
	log         *slog.Logger
	metrics     *metrics.Metrics
}

// NewHandler returns a Handler. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewHandler(svc *Service, playback *Reconstructor, contentType string, log *slog.Logger, m *metrics.Metrics) *Handler {
	if contentType == "" {
		contentType = DefaultContentType
	}
	return &Handler{svc: svc, playback: playback, contentType: contentType, log: log, metrics: m}
}

// Routes mounts the session and playback endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/start-session", h.StartSession)
	r.Get("/recordings", h.ListRecordings)
	r.Get("/sessions/{session_id}", h.GetSession)
	r.Get("/stream/{session_id}", h.Stream)
}

type startSessionResponse struct {
	SessionID string `json:"sessionId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// StartSession handles POST /start-session.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.StartSession()
	if err != nil {
		h.log.Error("start session failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not provision session storage"})
		return
	}
	writeJSON(w, http.StatusOK, startSessionResponse{SessionID: sess.ID})
}

// ListRecordings handles GET /recordings: session id -> ordered chunk indices.
func (h *Handler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ListSessions())
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if !ValidSessionID(sessionID) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	sess, err := h.svc.Session(sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Error("get session failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not read session"})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Stream handles GET /stream/{session_id}. Chunks are written and flushed one
// at a time. If a chunk cannot be read before anything was sent the response
// is a 500; after bytes were sent the response is aborted so the consumer sees
// a truncated chunked body rather than a clean end.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	pb, err := h.playback.Open(sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Error("open playback failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not list session chunks"})
		return
	}
	if h.metrics != nil {
		h.metrics.IncPlaybacks()
	}

	rc := http.NewResponseController(w)
	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", h.contentType)
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
	}

	err = pb.Stream(r.Context(), func(chunk []byte) error {
		begin()
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	})

	if err == nil {
		begin()
		h.log.Debug("playback complete",
			slog.String("session_id", sessionID),
			slog.Int("chunks", len(pb.Indices)))
		return
	}

	if r.Context().Err() != nil {
		h.log.Debug("playback cancelled by consumer", slog.String("session_id", sessionID))
		return
	}

	if h.metrics != nil {
		h.metrics.IncPlaybackErrors()
	}
	h.log.Error("playback failed",
		slog.String("session_id", sessionID),
		slog.Bool("partial", started),
		slog.String("error", err.Error()))

	if !started {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	panic(http.ErrAbortHandler)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
