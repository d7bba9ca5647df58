// Package signaling exchanges call records between two parties through a
// shared store. Neither party needs to be online for a write to land; live
// subscriptions deliver at-least-once and possibly out of order, so consumers
// must treat duplicate deliveries of the same (call_id, status) as no-ops.
package signaling

import (
	"context"
	"errors"
	"time"

	"callbridge/internal/call"
)

// ErrUnavailable indicates the backing store could not be reached. Writes are
// not retried automatically; a stale retry could race with a newer state.
var ErrUnavailable = errors.New("signaling store unavailable")

// Filter selects which records a subscription observes.
// Exactly one of CallID or ReceiverID must be set.
type Filter struct {
	// CallID observes every update of a single record.
	CallID string

	// ReceiverID observes records addressed to this identity. Status narrows
	// the feed to one status; empty matches every status.
	ReceiverID string
	Status     call.Status
}

// ByCall observes all updates of one record.
func ByCall(callID string) Filter { return Filter{CallID: callID} }

// InboundFor observes new calling records addressed to receiverID.
func InboundFor(receiverID string) Filter {
	return Filter{ReceiverID: receiverID, Status: call.StatusCalling}
}

// ForReceiver observes every update of records addressed to receiverID,
// whatever their status. The notice listener uses it so an invitation can be
// withdrawn when its record leaves the calling state.
func ForReceiver(receiverID string) Filter {
	return Filter{ReceiverID: receiverID}
}

// Matches reports whether a record falls under the filter.
func (f Filter) Matches(r call.Record) bool {
	if f.CallID != "" {
		return r.CallID == f.CallID
	}
	if r.ReceiverID != f.ReceiverID {
		return false
	}
	return f.Status == "" || r.Status == f.Status
}

// Subscription is a live, cancellable feed of records.
type Subscription interface {
	// Records yields matching records until Cancel. The channel closes after
	// cancellation; deliveries may duplicate.
	Records() <-chan call.Record

	// Cancel releases the subscription. Idempotent.
	Cancel()
}

// Channel is the store-and-forward descriptor exchange between two parties.
//
// Field ownership: the caller creates the record via Publish, the receiver
// answers exactly once via AttachAnswer, either party ends via End.
type Channel interface {
	// Publish upserts the record. Writes against an ended record are dropped
	// (ended records are immutable history).
	Publish(ctx context.Context, rec call.Record) error

	// AttachAnswer atomically attaches the receiver's answer and flips the
	// record from calling to active. First accepted answer wins; a losing
	// attempt gets call.ErrNoticeExpired.
	AttachAnswer(ctx context.Context, callID string, answer call.Descriptor) (call.Record, error)

	// End marks the record ended with endedAt. Idempotent; the first writer's
	// timestamp sticks.
	End(ctx context.Context, callID string, endedAt time.Time) error

	// Get fetches the current record, or call.ErrNotFound.
	Get(ctx context.Context, callID string) (call.Record, error)

	// Subscribe opens a live feed for the filter.
	Subscribe(ctx context.Context, f Filter) (Subscription, error)
}
