// Package session owns call lifecycle: the per-call state machine, the
// per-identity manager arbitrating call slots and inbound notices, and the
// registry mapping authenticated identities to managers.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callbridge/internal/call"
	"callbridge/internal/media"
	"callbridge/internal/signaling"
)

// endPublishTimeout bounds the best-effort final status write during
// teardown. Local cleanup never waits on the remote store beyond this.
const endPublishTimeout = 3 * time.Second

// sink receives session lifecycle callbacks. The manager implements it to
// forward events to the presentation port and to clear its slot.
type sink interface {
	stateChanged(s *Session, state State)
	localMediaReady(s *Session)
	remoteMediaArrived(s *Session, stream media.RemoteStream)
	ended(s *Session, reason string)
}

// Session is the state machine for a single call. All transitions execute
// serially on the run loop; external goroutines (setup, signaling listeners,
// transport callbacks) communicate exclusively through the event queue.
type Session struct {
	CallID string
	Role   Role
	Kind   call.MediaKind
	Self   call.Identity
	Peer   call.Identity

	channel signaling.Channel
	engine  media.Engine
	out     sink
	clock   func() time.Time
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	res resources

	// Guarded by the run loop; snapshotted for readers via stateSnapshot.
	state     State
	createdAt time.Time
	startedAt time.Time
	endReason string

	// published flips once this side has written to the shared record
	// (caller: initial publish, receiver: attached answer). A session that
	// never wrote must not publish an end either; ending the record after a
	// lost accept race would tear down the winner's active call.
	published bool

	snap stateSnapshot
}

type sessionConfig struct {
	callID  string
	role    Role
	kind    call.MediaKind
	self    call.Identity
	peer    call.Identity
	channel signaling.Channel
	engine  media.Engine
	out     sink
	clock   func() time.Time
	log     *slog.Logger
}

func newSession(cfg sessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		CallID:    cfg.callID,
		Role:      cfg.role,
		Kind:      cfg.kind,
		Self:      cfg.self,
		Peer:      cfg.peer,
		channel:   cfg.channel,
		engine:    cfg.engine,
		out:       cfg.out,
		clock:     cfg.clock,
		log:       cfg.log.With("call_id", cfg.callID, "role", string(cfg.role)),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan event, 32),
		done:      make(chan struct{}),
		state:     StateOffering,
		createdAt: cfg.clock().UTC(),
	}
	s.snap.set(StateOffering, time.Time{}, "")
	return s
}

// start launches the run loop and the setup task. offer is nil for the caller
// role and carries the remote offer for the receiver role.
func (s *Session) start(offer call.Descriptor) {
	go s.run()
	go s.setup(offer)
}

// Hangup requests a local end. Safe from any goroutine and any state;
// a no-op once the session is terminal.
func (s *Session) Hangup() { s.post(hangup{}) }

// Done closes when the session reaches Ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// ToggleAudio flips the local audio track. Tolerated in any state; reports
// false when no local media exists yet.
func (s *Session) ToggleAudio() bool {
	if stream := s.res.localStream(); stream != nil {
		return stream.ToggleAudio()
	}
	return false
}

// ToggleVideo is ToggleAudio for the video track.
func (s *Session) ToggleVideo() bool {
	if stream := s.res.localStream(); stream != nil {
		return stream.ToggleVideo()
	}
	return false
}

// Snapshot is a read-only view of the session for API responses. Elapsed is
// derived from the wall clock on demand rather than ticked by the session.
type Snapshot struct {
	CallID    string         `json:"call_id"`
	Role      Role           `json:"role"`
	Kind      call.MediaKind `json:"kind"`
	Peer      call.Identity  `json:"peer"`
	State     State          `json:"state"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms"`
	EndReason string         `json:"end_reason,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	state, startedAt, reason := s.snap.get()
	var elapsed int64
	if !startedAt.IsZero() {
		elapsed = s.clock().Sub(startedAt).Milliseconds()
	}
	return Snapshot{
		CallID:    s.CallID,
		Role:      s.Role,
		Kind:      s.Kind,
		Peer:      s.Peer,
		State:     state,
		StartedAt: startedAt,
		ElapsedMS: elapsed,
		EndReason: reason,
	}
}

// State returns the current state as seen by outside readers.
func (s *Session) State() State {
	state, _, _ := s.snap.get()
	return state
}

func (s *Session) post(ev event) bool {
	select {
	case <-s.done:
		return false
	case s.events <- ev:
		return true
	}
}

func (s *Session) run() {
	for s.state != StateEnded {
		s.handle(<-s.events)
	}
	close(s.done)
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case localDescriptorReady:
		s.onLocalDescriptor(ev.desc)

	case setupFailed:
		s.log.Warn("call setup failed", "reason", ev.reason, "err", ev.err)
		s.end(ev.reason)

	case remoteAnswer:
		// Accepted only while Calling. A late or duplicate answer is a stale
		// signal, not an error: signaling is eventually consistent.
		if s.state != StateCalling {
			s.log.Debug("stale answer dropped", "state", string(s.state))
			return
		}
		pc := s.res.peerConn()
		if pc == nil {
			return
		}
		if err := pc.ApplyRemoteDescriptor(ev.answer); err != nil {
			s.log.Warn("applying answer failed", "err", err)
			s.end(call.ReasonPeerFailure)
			return
		}
		s.setState(StateConnecting)

	case remoteMedia:
		if s.state != StateConnecting {
			return
		}
		s.startedAt = s.clock().UTC()
		s.setState(StateActive)
		s.out.remoteMediaArrived(s, ev.stream)

	case peerFailure:
		if s.state == StateEnding || s.state == StateEnded {
			return
		}
		s.log.Warn("peer connection failure", "err", ev.err)
		s.end(call.ReasonPeerFailure)

	case hangup:
		s.end(call.ReasonHangup)

	case remoteEnded:
		s.end(call.ReasonRemoteEnded)
	}
}

// onLocalDescriptor runs once per session when setup hands over this side's
// descriptor. Caller: publish the calling record and wait for an answer.
// Receiver: attach the answer (first accepted wins) and wait for media.
func (s *Session) onLocalDescriptor(desc call.Descriptor) {
	if s.state != StateOffering {
		return
	}
	s.out.localMediaReady(s)

	switch s.Role {
	case RoleCaller:
		rec := call.Record{
			CallID:       s.CallID,
			CallerID:     s.Self.ID,
			CallerName:   s.Self.DisplayName,
			ReceiverID:   s.Peer.ID,
			ReceiverName: s.Peer.DisplayName,
			Kind:         s.Kind,
			Status:       call.StatusCalling,
			Offer:        desc,
			CreatedAt:    s.createdAt,
		}
		if err := s.channel.Publish(s.ctx, rec); err != nil {
			s.log.Warn("publishing offer failed", "err", err)
			s.end(call.ReasonStorageUnavailable)
			return
		}
		s.published = true
		s.setState(StateCalling)
		s.watchRecord()

	case RoleReceiver:
		if _, err := s.channel.AttachAnswer(s.ctx, s.CallID, desc); err != nil {
			switch {
			case errors.Is(err, call.ErrNoticeExpired), errors.Is(err, call.ErrNotFound):
				// Caller hung up, or another device of ours won the accept
				// race. Tear down without publishing an end.
				s.log.Info("accept lost the answer race")
				s.end(call.ReasonNoticeExpired)
			default:
				s.log.Warn("attaching answer failed", "err", err)
				s.end(call.ReasonStorageUnavailable)
			}
			return
		}
		s.published = true
		s.setState(StateConnecting)
		s.watchRecord()
	}
}

// watchRecord follows this call's record for the answer (caller) and for a
// remote end (both roles). Deliveries are at-least-once; the state guards in
// handle make duplicates idempotent.
func (s *Session) watchRecord() {
	sub, err := s.channel.Subscribe(s.ctx, signaling.ByCall(s.CallID))
	if err != nil {
		s.log.Warn("record subscription failed", "err", err)
		s.end(call.ReasonStorageUnavailable)
		return
	}
	if !s.res.addSub(sub) {
		return
	}
	go func() {
		for rec := range sub.Records() {
			switch {
			case rec.Status == call.StatusEnded:
				s.post(remoteEnded{})
			case rec.Status == call.StatusActive && len(rec.Answer) > 0:
				s.post(remoteAnswer{answer: rec.Answer})
			}
		}
	}()
}

// setup acquires local media and produces this side's descriptor. It runs off
// the loop because media acquisition can block on a permission prompt; the
// session context cancels it if the user hangs up first.
func (s *Session) setup(offer call.Descriptor) {
	stream, err := s.engine.AcquireLocalMedia(s.ctx, s.Kind)
	if err != nil {
		s.fail(call.ReasonMediaDenied, err)
		return
	}

	pc, err := s.engine.NewPeerConnection(stream, media.Callbacks{
		RemoteMedia: func(r media.RemoteStream) { s.post(remoteMedia{stream: r}) },
		Failure:     func(err error) { s.post(peerFailure{err: err}) },
	})
	if err != nil {
		stream.Stop()
		s.fail(call.ReasonPeerFailure, err)
		return
	}
	if !s.res.setMedia(stream, pc) {
		// Session tore down while we were acquiring; resources were released
		// by setMedia.
		return
	}

	if s.Role == RoleReceiver {
		if err := pc.ApplyRemoteDescriptor(offer); err != nil {
			s.fail(call.ReasonPeerFailure, err)
			return
		}
	}

	desc, err := pc.CreateLocalDescriptor(s.ctx)
	if err != nil {
		s.fail(call.ReasonPeerFailure, err)
		return
	}
	s.post(localDescriptorReady{desc: desc})
}

func (s *Session) fail(reason string, err error) {
	s.post(setupFailed{reason: reason, err: err})
}

// end drives Ending -> Ended. Cleanup (media, transport, subscriptions) runs
// exactly once no matter which edge got here; the final status write is
// best-effort and never blocks local teardown beyond its timeout.
func (s *Session) end(reason string) {
	if s.state == StateEnding || s.state == StateEnded {
		return
	}
	s.endReason = reason
	s.setState(StateEnding)

	s.res.release()
	s.cancel()

	if s.published {
		publishCtx, cancel := context.WithTimeout(context.Background(), endPublishTimeout)
		defer cancel()
		if err := s.channel.End(publishCtx, s.CallID, s.clock().UTC()); err != nil && !errors.Is(err, call.ErrNotFound) {
			s.log.Warn("publishing end failed", "err", err)
		}
	}

	s.setState(StateEnded)
	s.log.Info("call ended", "reason", reason)
	s.out.ended(s, reason)
}

func (s *Session) setState(st State) {
	s.state = st
	s.snap.set(st, s.startedAt, s.endReason)
	s.out.stateChanged(s, st)
}

// stateSnapshot mirrors loop-owned fields for concurrent readers (API
// handlers, the manager's busy check).
type stateSnapshot struct {
	mu        sync.Mutex
	state     State
	startedAt time.Time
	reason    string
}

func (s *stateSnapshot) set(state State, startedAt time.Time, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.startedAt = startedAt
	s.reason = reason
}

func (s *stateSnapshot) get() (State, time.Time, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.startedAt, s.reason
}
