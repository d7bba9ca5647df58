package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"callbridge/internal/call"
	"callbridge/internal/history"
	"callbridge/internal/media"
	"callbridge/internal/signaling"
)

// closeDrainTimeout bounds how long Close waits for an active session to
// finish its teardown.
const closeDrainTimeout = 5 * time.Second

// Manager is the single source of truth for what call, if any, one identity
// is currently in or being invited to.
//
// Invariants:
// - at most one non-terminal session per identity,
// - at most one outstanding notice per remote caller (newer supersedes older).
type Manager struct {
	self    call.Identity
	channel signaling.Channel
	engine  media.Engine
	events  Events
	history *history.Service
	clock   func() time.Time
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	active  *Session
	notices map[string]call.Notice
	inbound signaling.Subscription
}

// ManagerConfig wires a manager's collaborators. History may be nil.
type ManagerConfig struct {
	Self    call.Identity
	Channel signaling.Channel
	Engine  media.Engine
	Events  Events
	History *history.Service
	Clock   func() time.Time
	Log     *slog.Logger
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Self.ID == "" {
		return nil, fmt.Errorf("%w: identity required", call.ErrInvalidArgument)
	}
	if cfg.Channel == nil || cfg.Engine == nil || cfg.Events == nil {
		return nil, errors.New("session: channel, engine and events are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		self:    cfg.Self,
		channel: cfg.Channel,
		engine:  cfg.Engine,
		events:  cfg.Events,
		history: cfg.History,
		clock:   cfg.Clock,
		log:     cfg.Log.With("user_id", cfg.Self.ID),
		ctx:     ctx,
		cancel:  cancel,
		notices: make(map[string]call.Notice),
	}, nil
}

// Start opens the inbound-notice listener. Must be called once before the
// manager receives commands.
func (m *Manager) Start() error {
	sub, err := m.channel.Subscribe(m.ctx, signaling.ForReceiver(m.self.ID))
	if err != nil {
		return fmt.Errorf("inbound subscription: %w", err)
	}
	m.mu.Lock()
	m.inbound = sub
	m.mu.Unlock()
	go m.listen(sub)
	return nil
}

// listen turns inbound records into notices. A calling record becomes a
// notice: a redelivery of the same record is dropped, a newer call from the
// same caller supersedes the retained one. Any other status means the caller
// gave up or another device answered, so a notice retained for that call is
// withdrawn. Notices arriving while busy are retained silently: once the
// record later leaves calling unanswered, history shows it as missed.
func (m *Manager) listen(sub signaling.Subscription) {
	for rec := range sub.Records() {
		if rec.CallerID == m.self.ID {
			continue
		}
		if rec.Status != call.StatusCalling {
			m.dropNoticeByCall(rec.CallID)
			continue
		}
		n := call.NoticeFrom(rec)

		m.mu.Lock()
		prev, seen := m.notices[n.CallerID]
		if seen && prev.CallID == n.CallID {
			m.mu.Unlock()
			continue
		}
		m.notices[n.CallerID] = n
		busy := m.busyLocked()
		m.mu.Unlock()

		m.log.Info("inbound call notice", "call_id", n.CallID, "caller_id", n.CallerID, "busy", busy)
		if !busy {
			m.events.NoticeReceived(m.self.ID, n)
		}
	}
}

// StartCall places an outgoing call. Fails with call.ErrAlreadyInCall while a
// non-terminal session occupies the slot; the existing session is untouched.
func (m *Manager) StartCall(ctx context.Context, calleeID, calleeName string, kind call.MediaKind) (Snapshot, error) {
	if calleeID == "" || !kind.Valid() {
		return Snapshot{}, call.ErrInvalidArgument
	}
	if calleeID == m.self.ID {
		return Snapshot{}, fmt.Errorf("%w: cannot call yourself", call.ErrInvalidArgument)
	}

	m.mu.Lock()
	if m.busyLocked() {
		m.mu.Unlock()
		return Snapshot{}, call.ErrAlreadyInCall
	}
	s := newSession(sessionConfig{
		callID:  call.NewCallID(m.clock()),
		role:    RoleCaller,
		kind:    kind,
		self:    m.self,
		peer:    call.Identity{ID: calleeID, DisplayName: calleeName},
		channel: m.channel,
		engine:  m.engine,
		out:     m,
		clock:   m.clock,
		log:     m.log,
	})
	m.active = s
	m.mu.Unlock()

	m.log.Info("starting call", "call_id", s.CallID, "callee_id", calleeID, "kind", string(kind))
	s.start(nil)
	return s.Snapshot(), nil
}

// AcceptCall answers a retained notice. Fails with call.ErrAlreadyInCall when
// busy, and with call.ErrNoticeExpired when the backing record has left the
// calling state (caller hung up, or another device answered first).
func (m *Manager) AcceptCall(ctx context.Context, callID string) (Snapshot, error) {
	m.mu.Lock()
	notice, ok := m.noticeByCallLocked(callID)
	m.mu.Unlock()

	rec, err := m.channel.Get(ctx, callID)
	switch {
	case errors.Is(err, call.ErrNotFound):
		if ok {
			m.dropNotice(notice)
			return Snapshot{}, call.ErrNoticeExpired
		}
		return Snapshot{}, call.ErrNotFound
	case err != nil:
		return Snapshot{}, err
	case rec.Status != call.StatusCalling:
		if ok {
			m.dropNotice(notice)
		}
		// The listener may already have withdrawn the notice for a call that
		// left the ringing state; the accept still reports why it lost.
		if rec.ReceiverID == m.self.ID {
			return Snapshot{}, call.ErrNoticeExpired
		}
		return Snapshot{}, call.ErrNotFound
	case !ok:
		return Snapshot{}, call.ErrNotFound
	}

	m.mu.Lock()
	if m.busyLocked() {
		m.mu.Unlock()
		return Snapshot{}, call.ErrAlreadyInCall
	}
	// The notice stays retained until the attach lands: a transient store
	// failure leaves the record calling and the accept retryable.
	s := newSession(sessionConfig{
		callID:  rec.CallID,
		role:    RoleReceiver,
		kind:    rec.Kind,
		self:    m.self,
		peer:    call.Identity{ID: rec.CallerID, DisplayName: rec.CallerName},
		channel: m.channel,
		engine:  m.engine,
		out:     m,
		clock:   m.clock,
		log:     m.log,
	})
	m.active = s
	m.mu.Unlock()

	m.log.Info("accepting call", "call_id", rec.CallID, "caller_id", rec.CallerID)
	s.start(rec.Offer)
	return s.Snapshot(), nil
}

// DeclineCall clears the notice locally. The shared record is deliberately
// untouched: there is no declined status, the caller observes silence and
// gives up on its own.
func (m *Manager) DeclineCall(callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	notice, ok := m.noticeByCallLocked(callID)
	if !ok {
		return call.ErrNotFound
	}
	delete(m.notices, notice.CallerID)
	m.log.Info("call declined", "call_id", callID, "caller_id", notice.CallerID)
	return nil
}

// EndActiveCall hangs up the active session; a no-op when idle.
func (m *Manager) EndActiveCall() {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s != nil {
		s.Hangup()
	}
}

// ToggleAudio flips the active call's audio track. Reports false when idle or
// before local media exists.
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return s.ToggleAudio()
}

// ToggleVideo is ToggleAudio for the video track.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return s.ToggleVideo()
}

// Active returns a snapshot of the current session, if any.
func (m *Manager) Active() (Snapshot, bool) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Notices lists retained inbound notices, newest first.
func (m *Manager) Notices() []call.Notice {
	m.mu.Lock()
	out := make([]call.Notice, 0, len(m.notices))
	for _, n := range m.notices {
		out = append(out, n)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Self returns the identity this manager serves.
func (m *Manager) Self() call.Identity { return m.self }

// Close cancels the inbound listener, hangs up any active session and waits
// briefly for its teardown.
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	sub := m.inbound
	s := m.active
	m.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if s != nil {
		s.Hangup()
		select {
		case <-s.Done():
		case <-time.After(closeDrainTimeout):
			m.log.Warn("session teardown timed out on close", "call_id", s.CallID)
		}
	}
}

func (m *Manager) busyLocked() bool {
	return m.active != nil && m.active.State() != StateEnded
}

func (m *Manager) noticeByCallLocked(callID string) (call.Notice, bool) {
	for _, n := range m.notices {
		if n.CallID == callID {
			return n, true
		}
	}
	return call.Notice{}, false
}

func (m *Manager) dropNotice(n call.Notice) {
	m.mu.Lock()
	if cur, ok := m.notices[n.CallerID]; ok && cur.CallID == n.CallID {
		delete(m.notices, n.CallerID)
	}
	m.mu.Unlock()
}

func (m *Manager) dropNoticeByCall(callID string) {
	m.mu.Lock()
	for caller, n := range m.notices {
		if n.CallID == callID {
			delete(m.notices, caller)
		}
	}
	m.mu.Unlock()
}

/* ===================== session sink ===================== */

func (m *Manager) stateChanged(s *Session, state State) {
	if s.Role == RoleReceiver && state == StateConnecting {
		// The answer landed; the invitation is consumed.
		m.dropNoticeByCall(s.CallID)
	}
	m.events.StateChanged(m.self.ID, s.CallID, state)
}

func (m *Manager) localMediaReady(s *Session) {
	m.events.LocalMediaReady(m.self.ID, s.CallID)
}

func (m *Manager) remoteMediaArrived(s *Session, stream media.RemoteStream) {
	m.events.RemoteMediaArrived(m.self.ID, s.CallID, stream.ID())
}

// ended clears the slot, logs history best-effort, and guarantees the
// presentation layer sees exactly one call_ended per session; a call never
// silently disappears.
func (m *Manager) ended(s *Session, reason string) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()

	m.recordHistory(s, reason)
	m.events.CallEnded(m.self.ID, s.CallID, reason)
}

func (m *Manager) recordHistory(s *Session, reason string) {
	if m.history == nil {
		return
	}
	snap := s.Snapshot()
	direction := DirectionFor(s.Role)
	ctx, cancel := context.WithTimeout(context.Background(), endPublishTimeout)
	defer cancel()
	err := m.history.Record(ctx, history.Entry{
		UserID:    m.self.ID,
		CallID:    s.CallID,
		PeerID:    s.Peer.ID,
		PeerName:  s.Peer.DisplayName,
		Direction: direction,
		Kind:      s.Kind,
		Reason:    reason,
		StartedAt: snap.StartedAt,
		EndedAt:   m.clock().UTC(),
	})
	if err != nil {
		m.log.Warn("recording call history failed", "call_id", s.CallID, "err", err)
	}
}

// DirectionFor maps a session role to its history direction.
func DirectionFor(r Role) history.Direction {
	if r == RoleReceiver {
		return history.DirectionIncoming
	}
	return history.DirectionOutgoing
}
