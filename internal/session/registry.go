package session

import (
	"log/slog"
	"sync"
	"time"

	"callbridge/internal/call"
	"callbridge/internal/history"
	"callbridge/internal/media"
	"callbridge/internal/signaling"
)

// Registry hands out one Manager per authenticated identity, creating and
// starting it on first use. The single-slot call invariant is per identity;
// the registry only scopes it.
type Registry struct {
	channel signaling.Channel
	engine  media.Engine
	events  Events
	history *history.Service
	clock   func() time.Time
	log     *slog.Logger

	mu       sync.Mutex
	managers map[string]*Manager
	closed   bool
}

// RegistryConfig shares collaborators across all managers.
type RegistryConfig struct {
	Channel signaling.Channel
	Engine  media.Engine
	Events  Events
	History *history.Service
	Clock   func() time.Time
	Log     *slog.Logger
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Registry{
		channel:  cfg.Channel,
		engine:   cfg.Engine,
		events:   cfg.Events,
		history:  cfg.History,
		clock:    cfg.Clock,
		log:      cfg.Log,
		managers: make(map[string]*Manager),
	}
}

// Manager returns the identity's manager, creating and starting it if needed.
func (r *Registry) Manager(ident call.Identity) (*Manager, error) {
	if ident.ID == "" {
		return nil, call.ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, call.ErrInvalidArgument
	}
	if m, ok := r.managers[ident.ID]; ok {
		return m, nil
	}

	m, err := NewManager(ManagerConfig{
		Self:    ident,
		Channel: r.channel,
		Engine:  r.engine,
		Events:  r.events,
		History: r.history,
		Clock:   r.clock,
		Log:     r.log,
	})
	if err != nil {
		return nil, err
	}
	if err := m.Start(); err != nil {
		return nil, err
	}
	r.managers[ident.ID] = m
	return m, nil
}

// Close shuts down every manager.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.managers = map[string]*Manager{}
	r.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
}
