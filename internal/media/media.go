// Package media defines the narrow interface the call core uses to drive the
// peer-connection capability. Codec negotiation, NAT traversal and packet
// transport live behind these interfaces; the core only shuttles opaque
// descriptors and reacts to stream/failure events.
package media

import (
	"context"
	"errors"

	"callbridge/internal/call"
)

// ErrAcquisitionDenied indicates local media could not be acquired (device
// permission refused, capture unavailable). The session aborts without ever
// publishing a record.
var ErrAcquisitionDenied = errors.New("local media acquisition denied")

// LocalStream is the handle to the local capture tracks of one call.
type LocalStream interface {
	// ToggleAudio flips the audio track's enabled flag and returns the new
	// state. Returns false when no audio track exists; never errors, since
	// the UI may invoke it speculatively before media is ready.
	ToggleAudio() bool

	// ToggleVideo is ToggleAudio for the video track.
	ToggleVideo() bool

	// Stop stops all tracks. Idempotent.
	Stop()
}

// RemoteStream is an inbound media stream surfaced to the presentation layer.
type RemoteStream interface {
	ID() string
	Kind() string
}

// Callbacks deliver asynchronous peer-connection events. They may fire from
// transport goroutines; consumers must not block.
type Callbacks struct {
	RemoteMedia func(RemoteStream)
	Failure     func(error)
}

// PeerConnection negotiates one media transport.
type PeerConnection interface {
	// CreateLocalDescriptor produces this side's descriptor: an offer when no
	// remote descriptor has been applied yet, an answer otherwise. Blocks
	// until candidate gathering completes; cancellable via ctx.
	CreateLocalDescriptor(ctx context.Context) (call.Descriptor, error)

	// ApplyRemoteDescriptor feeds the other party's descriptor in.
	ApplyRemoteDescriptor(d call.Descriptor) error

	// Close releases the transport. Idempotent.
	Close() error
}

// Engine constructs local media and peer connections.
type Engine interface {
	// AcquireLocalMedia obtains capture tracks for the media kind. This is
	// the one human-perceptibly blocking operation in call setup and must
	// honor ctx cancellation (user hangs up before media resolves).
	AcquireLocalMedia(ctx context.Context, kind call.MediaKind) (LocalStream, error)

	// NewPeerConnection builds a transport carrying the local stream.
	NewPeerConnection(local LocalStream, cb Callbacks) (PeerConnection, error)
}
