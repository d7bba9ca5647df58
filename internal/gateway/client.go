package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 32
)

// client is one websocket connection for one user. The connection is
// push-only; inbound frames are read just to service pings and detect close.
type client struct {
	userID string
	conn   *websocket.Conn
	log    *slog.Logger

	send chan Event
	once sync.Once
	done chan struct{}
}

func newClient(userID string, conn *websocket.Conn, log *slog.Logger) *client {
	return &client{
		userID: userID,
		conn:   conn,
		log:    log,
		send:   make(chan Event, sendBuffer),
		done:   make(chan struct{}),
	}
}

// trySend queues the event without blocking. A full buffer means the client
// is not draining; dropping is preferable to stalling a session loop.
func (c *client) trySend(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump blocks until the connection drops. Client frames carry no
// commands; those arrive over the REST API.
func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("event connection closed unexpectedly", "user_id", c.userID, "err", err)
			}
			return
		}
	}
}
