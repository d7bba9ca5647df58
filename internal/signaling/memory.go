package signaling

import (
	"context"
	"sync"
	"time"

	"callbridge/internal/call"
)

// Memory is an in-process Channel for tests and single-node deployments.
// It mirrors the Redis adapter's semantics, including duplicate-prone
// delivery: a subscriber may see the current snapshot and then the same
// state again from a broadcast.
type Memory struct {
	mu      sync.Mutex
	records map[string]call.Record
	subs    map[*memorySub]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]call.Record),
		subs:    make(map[*memorySub]struct{}),
	}
}

func (m *Memory) Publish(ctx context.Context, rec call.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.CallID]; ok && existing.Terminal() {
		// Stale write against immutable history; drop silently.
		return nil
	}
	m.records[rec.CallID] = rec
	m.broadcastLocked(rec)
	return nil
}

func (m *Memory) AttachAnswer(ctx context.Context, callID string, answer call.Descriptor) (call.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[callID]
	if !ok {
		return call.Record{}, call.ErrNotFound
	}
	if rec.Status != call.StatusCalling {
		return call.Record{}, call.ErrNoticeExpired
	}
	rec.Answer = answer
	rec.Status = call.StatusActive
	m.records[callID] = rec
	m.broadcastLocked(rec)
	return rec, nil
}

func (m *Memory) End(ctx context.Context, callID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[callID]
	if !ok {
		return call.ErrNotFound
	}
	if rec.Terminal() {
		return nil
	}
	rec.Status = call.StatusEnded
	rec.EndedAt = endedAt
	m.records[callID] = rec
	m.broadcastLocked(rec)
	return nil
}

func (m *Memory) Get(ctx context.Context, callID string) (call.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[callID]
	if !ok {
		return call.Record{}, call.ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Subscribe(ctx context.Context, f Filter) (Subscription, error) {
	sub := &memorySub{
		parent: m,
		filter: f,
		out:    make(chan call.Record, 16),
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	// Deliver the current snapshot so late subscribers observe in-flight
	// records (an answer written before the caller subscribed, etc).
	for _, rec := range m.records {
		if f.Matches(rec) {
			sub.deliver(rec)
		}
	}
	m.mu.Unlock()

	return sub, nil
}

func (m *Memory) broadcastLocked(rec call.Record) {
	for sub := range m.subs {
		if sub.filter.Matches(rec) {
			sub.deliver(rec)
		}
	}
}

type memorySub struct {
	parent *Memory
	filter Filter
	out    chan call.Record
	once   sync.Once
}

func (s *memorySub) Records() <-chan call.Record { return s.out }

func (s *memorySub) deliver(rec call.Record) {
	select {
	case s.out <- rec:
	default:
		// Slow consumer; dropped deliveries are recovered by the snapshot on
		// resubscribe, matching the at-least-once (not exactly-once) contract.
	}
}

func (s *memorySub) Cancel() {
	s.once.Do(func() {
		s.parent.mu.Lock()
		delete(s.parent.subs, s)
		s.parent.mu.Unlock()
		close(s.out)
	})
}
