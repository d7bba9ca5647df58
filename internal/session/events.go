package session

import (
	"callbridge/internal/call"
	"callbridge/internal/media"
)

// State of a call session. Idle is the pre-construction state and is not
// modeled; Ended is terminal.
type State string

const (
	StateOffering   State = "offering"
	StateCalling    State = "calling"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
)

// Role of the local party in a call.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// Events is the port the presentation adapter consumes. Implementations must
// not block; calls arrive from session loops and listener goroutines.
type Events interface {
	StateChanged(userID, callID string, state State)
	NoticeReceived(userID string, n call.Notice)
	LocalMediaReady(userID, callID string)
	RemoteMediaArrived(userID, callID, streamID string)
	CallEnded(userID, callID, reason string)
}

// Internal state-machine events. All transitions run serially against the
// session's event queue; the queue is the only way anything touches session
// state, so the machine itself needs no locking.
type event interface{ name() string }

// localDescriptorReady: setup produced this side's descriptor.
type localDescriptorReady struct{ desc call.Descriptor }

// setupFailed: media acquisition or negotiation setup failed before the
// descriptor was produced.
type setupFailed struct {
	reason string
	err    error
}

// remoteAnswer: the answer listener observed the receiver's descriptor.
// Accepted only in Calling; anywhere else it is a stale signal and dropped.
type remoteAnswer struct{ answer call.Descriptor }

// remoteMedia: the peer connection surfaced an inbound stream.
type remoteMedia struct{ stream media.RemoteStream }

// peerFailure: transport/negotiation failure reported by the peer connection.
type peerFailure struct{ err error }

// hangup: local end request.
type hangup struct{}

// remoteEnded: a status=ended record was observed for this call.
type remoteEnded struct{}

func (localDescriptorReady) name() string { return "local_descriptor_ready" }
func (setupFailed) name() string          { return "setup_failed" }
func (remoteAnswer) name() string         { return "remote_answer" }
func (remoteMedia) name() string          { return "remote_media" }
func (peerFailure) name() string          { return "peer_failure" }
func (hangup) name() string               { return "hangup" }
func (remoteEnded) name() string          { return "remote_ended" }
