package types

import (
	"time"
)

// Outcome is the terminal state of a session.
type Outcome string

const (
	OutcomeClosed     Outcome = "closed"      // peer performed an orderly close
	OutcomeReadError  Outcome = "read_error"  // read failed, session-local
	OutcomeWriteError Outcome = "write_error" // write failed, session-local
	OutcomeCancelled  Outcome = "cancelled"   // supervisor shutdown
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventSessionOpened EventType = "session_opened"
	EventSessionClosed EventType = "session_closed"
)

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Peer      string    `json:"peer"`
	StartedAt time.Time `json:"started_at"`
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`
}

// SessionEvent is published by the supervisor on session start and end.
type SessionEvent struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Session   SessionInfo `json:"session"`
	Outcome   Outcome     `json:"outcome,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// EventSink receives session lifecycle events. Implementations must not block.
type EventSink interface {
	OnSessionEvent(ev *SessionEvent)
}
