package recording

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session has no backing storage.
	ErrSessionNotFound = errors.New("session not found")

	// ErrChunkNotFound is returned by ChunkStore.Get for an absent chunk.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrInvalidMessage is matched by every ValidationError.
	ErrInvalidMessage = errors.New("invalid ingestion message")

	// ErrSnapshotCorrupt is returned when a registry snapshot cannot be parsed.
	ErrSnapshotCorrupt = errors.New("registry snapshot corrupt")
)

// ValidationError rejects a malformed ingestion message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidMessage
}

// StorageError wraps a failure of the durable medium.
type StorageError struct {
	Op        string
	SessionID string
	Index     int
	Err       error
}

func (e *StorageError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("storage %s %s/%d: %v", e.Op, e.SessionID, e.Index, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// PartialReconstructionError reports a chunk that was listed when playback
// began but could not be read when its turn came.
type PartialReconstructionError struct {
	SessionID string
	Index     int
	// Sent is the number of chunks already emitted before the failure.
	Sent int
	Err  error
}

func (e *PartialReconstructionError) Error() string {
	return fmt.Sprintf("playback of %s stopped at chunk %d after %d chunks: %v", e.SessionID, e.Index, e.Sent, e.Err)
}

func (e *PartialReconstructionError) Unwrap() error {
	return e.Err
}
