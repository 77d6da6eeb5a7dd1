package recording

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultChunkDelay is the pause between consecutive chunks of a playback.
const DefaultChunkDelay = time.Second

// Reconstructor replays a session's chunks in index order.
type Reconstructor struct {
	store ChunkStore
	delay time.Duration
}

// NewReconstructor returns a Reconstructor reading from store and pausing
// delay between chunks. A zero delay streams as fast as the consumer reads.
func NewReconstructor(store ChunkStore, delay time.Duration) *Reconstructor {
	if delay < 0 {
		delay = DefaultChunkDelay
	}
	return &Reconstructor{store: store, delay: delay}
}

// Playback is one replay of a session, fixed to the chunk listing that
// existed when it was opened. Chunks appended later are not included.
type Playback struct {
	SessionID string
	Indices   []int

	store   ChunkStore
	limiter *rate.Limiter
}

// Open captures the session's current chunk listing. It returns
// ErrSessionNotFound if the session has no backing storage.
func (r *Reconstructor) Open(sessionID string) (*Playback, error) {
	if !r.store.Exists(sessionID) {
		return nil, ErrSessionNotFound
	}
	indices, err := r.store.ListOrdered(sessionID)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if r.delay > 0 {
		limit = rate.Every(r.delay)
	}
	return &Playback{
		SessionID: sessionID,
		Indices:   indices,
		store:     r.store,
		limiter:   rate.NewLimiter(limit, 1),
	}, nil
}

// Stream reads each chunk in order and hands it to emit. The first chunk is
// emitted immediately, later ones after the pacing delay. It stops as soon as
// ctx is done or emit fails. A chunk that cannot be read ends the replay with
// a *PartialReconstructionError.
func (p *Playback) Stream(ctx context.Context, emit func([]byte) error) error {
	for sent, idx := range p.Indices {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		data, err := p.store.Get(p.SessionID, idx)
		if err != nil {
			return &PartialReconstructionError{SessionID: p.SessionID, Index: idx, Sent: sent, Err: err}
		}
		if err := emit(data); err != nil {
			return err
		}
	}
	return nil
}
