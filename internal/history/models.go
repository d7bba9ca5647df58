package history

import (
	"time"

	"callbridge/internal/call"
)

// Entry is an immutable, append-only record of a finished call from one
// party's perspective (each party logs its own row).
//
// Invariants:
// - Entries are never updated or deleted.
// - user_id is required; history queries are always per user.
// - Recording is best-effort; call teardown never blocks on history failures.

type Entry struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`
	CallID string `json:"call_id" db:"call_id"`

	PeerID   string `json:"peer_id" db:"peer_id"`
	PeerName string `json:"peer_name" db:"peer_name"`

	Direction Direction      `json:"direction" db:"direction"`
	Kind      call.MediaKind `json:"kind" db:"kind"`

	// Reason is the terminal end reason surfaced to the presentation layer.
	Reason string `json:"reason" db:"reason"`

	// Answered is false for calls that never reached active; on the
	// receiving side that is a missed call.
	Answered bool `json:"answered" db:"answered"`

	// StartedAt is when media started flowing; zero if never answered.
	StartedAt time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   time.Time `json:"ended_at" db:"ended_at"`

	// DurationSeconds is derived from started/ended; kept as an int for JSON
	// friendliness, stored as INT in Postgres.
	DurationSeconds int `json:"duration" db:"duration"`
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)
