// Package gateway pushes call lifecycle events to connected UI clients over
// websockets. It is the delivery side of the session package's Events port;
// commands travel the other way over the REST API.
package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"callbridge/internal/call"
	"callbridge/internal/session"
)

// Event is the wire form of a lifecycle notification. Type is one of state,
// inbound_call, local_media, remote_media, call_ended; the other fields are
// populated per type.
type Event struct {
	Type     string       `json:"type"`
	CallID   string       `json:"call_id,omitempty"`
	State    string       `json:"state,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	StreamID string       `json:"stream_id,omitempty"`
	Notice   *call.Notice `json:"notice,omitempty"`
	At       time.Time    `json:"at"`
}

// Hub fans events out to every connection a user has open. A user with no
// connections simply misses events; the REST surface remains authoritative
// for current state.
type Hub struct {
	log      *slog.Logger
	clock    func() time.Time
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
	closed  bool
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		clock: time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]map[*client]struct{}),
	}
}

// Serve upgrades the request and keeps the connection registered until the
// peer goes away. The caller has already authenticated the identity.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, ident call.Identity) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := newClient(ident.ID, conn, h.log)
	if !h.add(c) {
		_ = conn.Close()
		return nil
	}
	h.log.Info("event client connected", "user_id", ident.ID)

	go c.writePump()
	c.readPump()

	h.remove(c)
	h.log.Info("event client disconnected", "user_id", ident.ID)
	return nil
}

// Close disconnects every client. New connections are refused afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = map[string]map[*client]struct{}{}
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// push delivers to all of the user's connections. Must not block: it is
// called from session loops.
func (h *Hub) push(userID string, ev Event) {
	ev.At = h.clock().UTC()

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.trySend(ev) {
			h.log.Warn("event dropped for slow client", "user_id", userID, "type", ev.Type)
		}
	}
}

/* ================= session.Events ================= */

func (h *Hub) StateChanged(userID, callID string, state session.State) {
	h.push(userID, Event{Type: "state", CallID: callID, State: string(state)})
}

func (h *Hub) NoticeReceived(userID string, n call.Notice) {
	h.push(userID, Event{Type: "inbound_call", CallID: n.CallID, Notice: &n})
}

func (h *Hub) LocalMediaReady(userID, callID string) {
	h.push(userID, Event{Type: "local_media", CallID: callID})
}

func (h *Hub) RemoteMediaArrived(userID, callID, streamID string) {
	h.push(userID, Event{Type: "remote_media", CallID: callID, StreamID: streamID})
}

func (h *Hub) CallEnded(userID, callID, reason string) {
	h.push(userID, Event{Type: "call_ended", CallID: callID, Reason: reason})
}

var _ session.Events = (*Hub)(nil)
