package recording

import (
	"regexp"
	"time"
)

// Session is a logical recording: an opaque id and the ordered chunk indices
// committed to it so far.
type Session struct {
	ID        string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	Chunks    []int     `json:"chunks"`
}

// Fragment is one inbound unit of media data, before it has been assigned an index.
type Fragment struct {
	SessionID string `json:"sessionId"`
	Chunk     []byte `json:"chunk"`
}

// Receipt describes a persisted chunk. It is both the success acknowledgment
// payload and the broadcast notification.
type Receipt struct {
	SessionID  string `json:"sessionId"`
	ChunkIndex int    `json:"chunkIndex"`
	ChunkSize  int    `json:"chunkSize"`
}

// Session ids become directory names, so they are restricted to a safe alphabet.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSessionID reports whether id can be used as a session identifier.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Validate checks that the fragment names a usable session and carries bytes.
func (f Fragment) Validate() error {
	switch {
	case f.SessionID == "":
		return &ValidationError{Field: "sessionId", Reason: "missing"}
	case !ValidSessionID(f.SessionID):
		return &ValidationError{Field: "sessionId", Reason: "invalid characters or length"}
	case len(f.Chunk) == 0:
		return &ValidationError{Field: "chunk", Reason: "missing or empty"}
	}
	return nil
}
