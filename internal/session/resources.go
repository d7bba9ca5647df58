package session

import (
	"sync"

	"callbridge/internal/media"
	"callbridge/internal/signaling"
)

// resources tracks everything a session must release on teardown: local media
// tracks, the peer connection, and open signaling subscriptions. Registration
// after release is refused and the resource is released on the spot, so setup
// goroutines racing a teardown can never leak a live track or subscription.
type resources struct {
	mu       sync.Mutex
	released bool
	stream   media.LocalStream
	pc       media.PeerConnection
	subs     []signaling.Subscription
}

// setMedia registers the stream and peer connection. Returns false (after
// releasing both) if teardown already ran.
func (r *resources) setMedia(stream media.LocalStream, pc media.PeerConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		if stream != nil {
			stream.Stop()
		}
		if pc != nil {
			_ = pc.Close()
		}
		return false
	}
	r.stream = stream
	r.pc = pc
	return true
}

// addSub registers a signaling subscription. Returns false (after cancelling
// it) if teardown already ran.
func (r *resources) addSub(sub signaling.Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		sub.Cancel()
		return false
	}
	r.subs = append(r.subs, sub)
	return true
}

func (r *resources) localStream() media.LocalStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream
}

func (r *resources) peerConn() media.PeerConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pc
}

// release stops media, closes the peer connection and cancels subscriptions.
// Runs its work at most once regardless of which teardown edge invokes it.
func (r *resources) release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	stream, pc, subs := r.stream, r.pc, r.subs
	r.stream, r.pc, r.subs = nil, nil, nil
	r.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	if pc != nil {
		_ = pc.Close()
	}
	for _, sub := range subs {
		sub.Cancel()
	}
}
