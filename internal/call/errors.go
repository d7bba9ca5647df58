package call

import "errors"

// Caller-error class: rejected synchronously, no state is mutated.
var (
	// ErrAlreadyInCall is returned when a start or accept command arrives
	// while a non-terminal session already occupies the identity's slot.
	ErrAlreadyInCall = errors.New("already in a call")

	// ErrNoticeExpired is returned when accepting a notice whose backing
	// record is no longer in calling state (caller hung up, or another
	// device of the same receiver answered first).
	ErrNoticeExpired = errors.New("call notice expired")

	// ErrInvalidArgument is returned for malformed commands.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a call record does not exist.
	ErrNotFound = errors.New("call not found")
)

// End reasons surfaced to the presentation layer. Every terminal transition
// emits exactly one call_ended event carrying one of these.
const (
	ReasonHangup             = "hangup"
	ReasonRemoteEnded        = "remote_ended"
	ReasonMediaDenied        = "media_denied"
	ReasonPeerFailure        = "peer_failure"
	ReasonStorageUnavailable = "storage_unavailable"
	ReasonNoticeExpired      = "notice_expired"
)
