package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"session-recorder/internal/platform/metrics"

	"github.com/robfig/cron/v3"
)

// DefaultSnapshotInterval is how often the registry is written to disk.
const DefaultSnapshotInterval = 5 * time.Second

// Service owns the session lifecycle: it ties the registry to chunk storage,
// commits ingested fragments, and keeps the registry snapshot current.
//
// Lifecycle: NewService -> Open (load snapshot, reconcile with storage) ->
// Start (periodic flush) -> Close (stop scheduler, final flush).
type Service struct {
	registry  *Registry
	store     ChunkStore
	snapshots *SnapshotFile
	log       *slog.Logger
	metrics   *metrics.Metrics

	flushMu sync.Mutex
	cron    *cron.Cron
}

// NewService returns a Service. snapshots may be nil to disable persistence
// of the registry; m may be nil to disable metric recording.
func NewService(registry *Registry, store ChunkStore, snapshots *SnapshotFile, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		registry:  registry,
		store:     store,
		snapshots: snapshots,
		log:       log,
		metrics:   m,
	}
}

// Open rehydrates the registry. An unreadable snapshot is logged and the
// registry starts empty. Sessions found in storage are then reconciled so
// chunks written after the last snapshot keep their indices.
func (s *Service) Open() error {
	if s.snapshots != nil {
		snap, err := s.snapshots.Load()
		if err != nil {
			s.log.Error("registry snapshot unreadable, starting with empty registry",
				slog.String("path", s.snapshots.Path()),
				slog.Bool("corrupt", errors.Is(err, ErrSnapshotCorrupt)),
				slog.String("error", err.Error()))
		}
		s.registry.Restore(snap)
		s.log.Info("registry restored",
			slog.String("path", s.snapshots.Path()),
			slog.Int("sessions", len(snap.Sessions)))
	}

	ids, err := s.store.Sessions()
	if err != nil {
		return fmt.Errorf("scan chunk storage: %w", err)
	}
	for _, id := range ids {
		indices, err := s.store.ListOrdered(id)
		if err != nil {
			return fmt.Errorf("scan session %s: %w", id, err)
		}
		if s.registry.Reconcile(id, indices) {
			s.log.Warn("registry behind chunk storage, adopted stored indices",
				slog.String("session_id", id),
				slog.Int("chunks", len(indices)))
		}
	}
	return nil
}

// StartSession creates a session and provisions its empty storage.
func (s *Service) StartSession() (Session, error) {
	sess := s.registry.CreateSession()
	if err := s.store.Provision(sess.ID); err != nil {
		return Session{}, err
	}
	if s.metrics != nil {
		s.metrics.IncSessionsStarted()
	}
	s.log.Info("session started", slog.String("session_id", sess.ID))
	return sess, nil
}

// ListSessions returns the session -> chunk index mapping.
func (s *Service) ListSessions() map[string][]int {
	return s.registry.ListSessions()
}

// Session returns one session. Sessions that only exist in storage are
// reported with their stored listing.
func (s *Service) Session(sessionID string) (Session, error) {
	if sess, ok := s.registry.Session(sessionID); ok {
		return sess, nil
	}
	if !s.store.Exists(sessionID) {
		return Session{}, ErrSessionNotFound
	}
	indices, err := s.store.ListOrdered(sessionID)
	if err != nil {
		return Session{}, err
	}
	return Session{ID: sessionID, Chunks: indices}, nil
}

// SessionCount returns the number of registered sessions.
func (s *Service) SessionCount() int {
	return s.registry.Len()
}

// Ingest validates a fragment, assigns it the session's next index and
// persists it. The index is committed only when the bytes are on disk; on a
// storage failure nothing is recorded and the error is returned.
func (s *Service) Ingest(frag Fragment) (Receipt, error) {
	if err := frag.Validate(); err != nil {
		if s.metrics != nil {
			s.metrics.IncIngestErrors("validation")
		}
		return Receipt{}, err
	}

	idx, err := s.registry.Commit(frag.SessionID, func(index int) error {
		return s.store.Put(frag.SessionID, index, frag.Chunk)
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncIngestErrors("storage")
		}
		s.log.Error("chunk write failed",
			slog.String("session_id", frag.SessionID),
			slog.Int("size", len(frag.Chunk)),
			slog.String("error", err.Error()))
		return Receipt{}, err
	}

	if s.metrics != nil {
		s.metrics.ObserveChunk(len(frag.Chunk))
	}
	s.log.Debug("chunk stored",
		slog.String("session_id", frag.SessionID),
		slog.Int("chunk_index", idx),
		slog.Int("size", len(frag.Chunk)))
	return Receipt{SessionID: frag.SessionID, ChunkIndex: idx, ChunkSize: len(frag.Chunk)}, nil
}

// Flush writes the current registry snapshot.
func (s *Service) Flush() error {
	if s.snapshots == nil {
		return nil
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	snap := s.registry.Snapshot()
	err := s.snapshots.Save(snap)
	if s.metrics != nil {
		s.metrics.ObserveSnapshot(err)
	}
	if err != nil {
		s.log.Error("registry snapshot failed",
			slog.String("path", s.snapshots.Path()),
			slog.String("error", err.Error()))
		return err
	}
	s.log.Debug("registry snapshot saved",
		slog.String("path", s.snapshots.Path()),
		slog.Int("sessions", len(snap.Sessions)))
	return nil
}

// Start schedules Flush every interval. Overlapping runs are skipped.
// Intervals under a second are rounded up to one second.
func (s *Service) Start(interval time.Duration) {
	if s.snapshots == nil || s.cron != nil {
		return
	}
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		_ = s.Flush()
	}))
	c.Start()
	s.cron = c

	s.log.Info("registry snapshots scheduled",
		slog.String("path", s.snapshots.Path()),
		slog.Duration("interval", interval))
}

// Close stops the periodic flush, waits for a running one, and writes a
// final snapshot.
func (s *Service) Close() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
	return s.Flush()
}
