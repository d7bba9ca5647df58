package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"callbridge/internal/call"
	"callbridge/internal/media"
	"callbridge/internal/signaling"
)

// flakyChannel wraps a channel and fails a configured number of writes with
// ErrUnavailable, modeling a transient store outage.
type flakyChannel struct {
	signaling.Channel

	mu          sync.Mutex
	publishFail int
	attachFail  int
}

func (c *flakyChannel) Publish(ctx context.Context, rec call.Record) error {
	c.mu.Lock()
	fail := c.publishFail > 0
	if fail {
		c.publishFail--
	}
	c.mu.Unlock()
	if fail {
		return signaling.ErrUnavailable
	}
	return c.Channel.Publish(ctx, rec)
}

func (c *flakyChannel) AttachAnswer(ctx context.Context, callID string, answer call.Descriptor) (call.Record, error) {
	c.mu.Lock()
	fail := c.attachFail > 0
	if fail {
		c.attachFail--
	}
	c.mu.Unlock()
	if fail {
		return call.Record{}, signaling.ErrUnavailable
	}
	return c.Channel.AttachAnswer(ctx, callID, answer)
}

// fakeStream tracks toggle/stop calls so tests can assert that no live track
// survives a teardown.
type fakeStream struct {
	mu       sync.Mutex
	stopped  bool
	audioOn  bool
	videoOn  bool
	hasVideo bool
}

func (s *fakeStream) ToggleAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.audioOn = !s.audioOn
	return s.audioOn
}

func (s *fakeStream) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.hasVideo {
		return false
	}
	s.videoOn = !s.videoOn
	return s.videoOn
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *fakeStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// fakePeer produces an offer before a remote descriptor is applied and an
// answer afterwards, mirroring the real adapter's behavior.
type fakePeer struct {
	mu      sync.Mutex
	closed  bool
	applied []call.Descriptor
	cb      media.Callbacks
}

func (p *fakePeer) CreateLocalDescriptor(ctx context.Context) (call.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	kind := "offer"
	if len(p.applied) > 0 {
		kind = "answer"
	}
	desc, _ := json.Marshal(map[string]string{"type": kind})
	return desc, nil
}

func (p *fakePeer) ApplyRemoteDescriptor(d call.Descriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, d)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) AppliedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.applied)
}

func (p *fakePeer) FireRemoteMedia(id string) {
	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()
	if cb.RemoteMedia != nil {
		cb.RemoteMedia(fakeRemote{id: id})
	}
}

func (p *fakePeer) FireFailure(err error) {
	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()
	if cb.Failure != nil {
		cb.Failure(err)
	}
}

type fakeRemote struct{ id string }

func (r fakeRemote) ID() string   { return r.id }
func (r fakeRemote) Kind() string { return "audio" }

// fakeEngine hands out fake streams and peers. acquireGate, when set, makes
// media acquisition block until the gate closes or the context is cancelled,
// modeling a pending device permission prompt.
type fakeEngine struct {
	mu          sync.Mutex
	acquireErr  error
	acquireGate chan struct{}
	streams     []*fakeStream
	peers       []*fakePeer
}

func (e *fakeEngine) AcquireLocalMedia(ctx context.Context, kind call.MediaKind) (media.LocalStream, error) {
	e.mu.Lock()
	gate := e.acquireGate
	err := e.acquireErr
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := &fakeStream{audioOn: true, hasVideo: kind == call.MediaVideo, videoOn: kind == call.MediaVideo}
	e.mu.Lock()
	e.streams = append(e.streams, s)
	e.mu.Unlock()
	return s, nil
}

func (e *fakeEngine) NewPeerConnection(local media.LocalStream, cb media.Callbacks) (media.PeerConnection, error) {
	p := &fakePeer{cb: cb}
	e.mu.Lock()
	e.peers = append(e.peers, p)
	e.mu.Unlock()
	return p, nil
}

func (e *fakeEngine) LastStream() *fakeStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.streams) == 0 {
		return nil
	}
	return e.streams[len(e.streams)-1]
}

func (e *fakeEngine) LastPeer() *fakePeer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.peers) == 0 {
		return nil
	}
	return e.peers[len(e.peers)-1]
}

// recorder captures presentation events and exposes channels for waiting.
type recorder struct {
	mu      sync.Mutex
	states  []State
	notices []call.Notice
	reasons []string

	stateCh  chan State
	noticeCh chan call.Notice
	endedCh  chan string
}

func newRecorder() *recorder {
	return &recorder{
		stateCh:  make(chan State, 128),
		noticeCh: make(chan call.Notice, 16),
		endedCh:  make(chan string, 16),
	}
}

func (r *recorder) StateChanged(userID, callID string, state State) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	r.stateCh <- state
}

func (r *recorder) NoticeReceived(userID string, n call.Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
	r.noticeCh <- n
}

func (r *recorder) LocalMediaReady(userID, callID string)             {}
func (r *recorder) RemoteMediaArrived(userID, callID, streamID string) {}

func (r *recorder) CallEnded(userID, callID, reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
	r.endedCh <- reason
}

func (r *recorder) EndedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

const waitTimeout = 2 * time.Second
