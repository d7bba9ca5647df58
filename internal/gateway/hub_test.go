package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"callbridge/internal/call"
	"callbridge/internal/session"
)

func dialHub(t *testing.T, hub *Hub, userID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, call.Identity{ID: userID})
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func waitClients(t *testing.T, hub *Hub, userID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		n := len(hub.clients[userID])
		hub.mu.Unlock()
		if n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("user %s never reached %d clients", userID, want)
}

func TestHub_DeliversEventsToAllUserConnections(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	phone := dialHub(t, hub, "alice")
	laptop := dialHub(t, hub, "alice")
	other := dialHub(t, hub, "bob")
	waitClients(t, hub, "alice", 2)
	waitClients(t, hub, "bob", 1)

	hub.StateChanged("alice", "call-1", session.StateCalling)

	for _, conn := range []*websocket.Conn{phone, laptop} {
		ev := readEvent(t, conn)
		if ev.Type != "state" || ev.CallID != "call-1" || ev.State != string(session.StateCalling) {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.At.IsZero() {
			t.Fatalf("event missing timestamp")
		}
	}

	// bob must not see alice's event; his next event is his own.
	hub.CallEnded("bob", "call-2", call.ReasonRemoteEnded)
	ev := readEvent(t, other)
	if ev.Type != "call_ended" || ev.CallID != "call-2" || ev.Reason != call.ReasonRemoteEnded {
		t.Fatalf("unexpected event for bob: %+v", ev)
	}
}

func TestHub_NoticeEventCarriesPayload(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn := dialHub(t, hub, "bob")
	waitClients(t, hub, "bob", 1)

	n := call.Notice{
		CallID:     "call-9",
		CallerID:   "alice",
		CallerName: "Alice",
		Kind:       call.MediaVideo,
		CreatedAt:  time.Unix(1700000000, 0).UTC(),
	}
	hub.NoticeReceived("bob", n)

	ev := readEvent(t, conn)
	if ev.Type != "inbound_call" || ev.Notice == nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Notice.CallerID != "alice" || ev.Notice.Kind != call.MediaVideo {
		t.Fatalf("notice payload mangled: %+v", ev.Notice)
	}
}

func TestHub_PushWithoutClientsIsNoop(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	hub.LocalMediaReady("ghost", "call-1")
	hub.RemoteMediaArrived("ghost", "call-1", "s1")
}

func TestHub_DisconnectUnregistersClient(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn := dialHub(t, hub, "alice")
	waitClients(t, hub, "alice", 1)

	conn.Close()
	waitClients(t, hub, "alice", 0)
}

func TestHub_CloseRefusesNewConnections(t *testing.T) {
	hub := NewHub(nil)
	hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, call.Identity{ID: "alice"})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		// Refused at upgrade time is also acceptable.
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected closed connection after hub close")
	}
}
