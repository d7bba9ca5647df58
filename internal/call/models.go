package call

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Identity is the authenticated local user on whose behalf calls run.
// It is supplied by the auth layer and never mutated by the call core.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// MediaKind selects which local media a call captures.
type MediaKind string

const (
	MediaVoice MediaKind = "voice"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaVoice || k == MediaVideo
}

// Status is the shared lifecycle status of a call record.
//
// Transitions are one-way: calling -> active -> ended, or calling -> ended.
// Once ended, a record is immutable and serves as call history.
type Status string

const (
	StatusCalling Status = "calling"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// Descriptor is an opaque connection-negotiation blob (offer or answer)
// produced by the media transport layer. The call core never inspects it.
type Descriptor []byte

// Record is the persisted signaling artifact, one per call attempt.
//
// Ownership of fields is split between the two parties:
// - the caller writes the initial record including Offer,
// - the receiver writes Answer exactly once (flipping status to active),
// - either party writes status=ended with EndedAt.
//
// There is no transactional guard against both parties writing ended
// concurrently; that is benign because ended is terminal and idempotent.
type Record struct {
	CallID       string     `json:"call_id"`
	CallerID     string     `json:"caller_id"`
	CallerName   string     `json:"caller_name"`
	ReceiverID   string     `json:"receiver_id"`
	ReceiverName string     `json:"receiver_name"`
	Kind         MediaKind  `json:"kind"`
	Status       Status     `json:"status"`
	Offer        Descriptor `json:"offer,omitempty"`
	Answer       Descriptor `json:"answer,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	EndedAt      time.Time  `json:"ended_at,omitempty"`
}

// Terminal reports whether the record can no longer change.
func (r Record) Terminal() bool { return r.Status == StatusEnded }

// Notice is the ephemeral projection of an inbound calling record that the
// presentation layer renders as an accept/decline prompt. A newer notice from
// the same caller supersedes an older one; notices are never persisted.
type Notice struct {
	CallID     string    `json:"call_id"`
	CallerID   string    `json:"caller_id"`
	CallerName string    `json:"caller_name"`
	Kind       MediaKind `json:"kind"`
	CreatedAt  time.Time `json:"created_at"`
}

// NoticeFrom projects a calling record into a Notice.
func NoticeFrom(r Record) Notice {
	return Notice{
		CallID:     r.CallID,
		CallerID:   r.CallerID,
		CallerName: r.CallerName,
		Kind:       r.Kind,
		CreatedAt:  r.CreatedAt,
	}
}

// NewCallID generates a caller-side globally unique call id.
// Timestamp prefix keeps ids roughly sortable for history listings.
func NewCallID(now time.Time) string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%d-%s", now.UnixMilli(), hex.EncodeToString(b[:]))
}
