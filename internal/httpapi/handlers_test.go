package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"callbridge/internal/auth"
	"callbridge/internal/call"
	"callbridge/internal/config"
	"callbridge/internal/gateway"
	"callbridge/internal/history"
	"callbridge/internal/media"
	"callbridge/internal/session"
	"callbridge/internal/signaling"
)

type stubStream struct{ audioOn, videoOn bool }

func (s *stubStream) ToggleAudio() bool { s.audioOn = !s.audioOn; return s.audioOn }
func (s *stubStream) ToggleVideo() bool { s.videoOn = !s.videoOn; return s.videoOn }
func (s *stubStream) Stop()             {}

type stubPeer struct{}

func (stubPeer) CreateLocalDescriptor(ctx context.Context) (call.Descriptor, error) {
	return call.Descriptor(`{"type":"offer"}`), nil
}
func (stubPeer) ApplyRemoteDescriptor(call.Descriptor) error { return nil }
func (stubPeer) Close() error                                { return nil }

type stubEngine struct{}

func (stubEngine) AcquireLocalMedia(ctx context.Context, kind call.MediaKind) (media.LocalStream, error) {
	return &stubStream{audioOn: true, videoOn: kind == call.MediaVideo}, nil
}

func (stubEngine) NewPeerConnection(local media.LocalStream, cb media.Callbacks) (media.PeerConnection, error) {
	return stubPeer{}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *session.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	authMgr, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	hub := gateway.NewHub(nil)
	t.Cleanup(hub.Close)
	reg := session.NewRegistry(session.RegistryConfig{
		Channel: signaling.NewMemory(),
		Engine:  stubEngine{},
		Events:  hub,
		History: history.NewService(history.NewMemoryRepo()),
	})
	t.Cleanup(reg.Close)

	h := Handlers{
		Auth:     authMgr,
		Registry: reg,
		History:  history.NewService(history.NewMemoryRepo()),
		Hub:      hub,
	}

	r := gin.New()
	r.POST("/v1/auth/login", h.Login)
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(authMgr))
	{
		v1.GET("/me", h.Me)
		v1.GET("/events", h.Events)
		v1.GET("/calls/active", h.ActiveCall)
		v1.GET("/calls/history", h.CallHistory)
		v1.POST("/calls/start", h.StartCall)
		v1.POST("/calls/accept", h.AcceptCall)
		v1.POST("/calls/decline", h.DeclineCall)
		v1.POST("/calls/end", h.EndCall)
		v1.POST("/calls/toggle-audio", h.ToggleAudio)
		v1.POST("/calls/toggle-video", h.ToggleVideo)
	}
	return r, reg
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, r *gin.Engine, userID, name string) string {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/v1/auth/login", "", `{"user_id":"`+userID+`","display_name":"`+name+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.AccessToken == "" {
		t.Fatalf("login response: %v %s", err, w.Body.String())
	}
	return resp.AccessToken
}

func TestLogin_RequiresUserID(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/v1/auth/login", "", `{"display_name":"Alice"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/v1/me", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMe_ReturnsIdentity(t *testing.T) {
	r, _ := newTestRouter(t)
	tok := login(t, r, "alice", "Alice")

	w := doJSON(t, r, http.MethodGet, "/v1/me", tok, "")
	if w.Code != http.StatusOK {
		t.Fatalf("me: %d %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["user_id"] != "alice" || resp["display_name"] != "Alice" {
		t.Fatalf("unexpected identity: %v", resp)
	}
}

func TestStartCall_LifecycleStatusCodes(t *testing.T) {
	r, _ := newTestRouter(t)
	tok := login(t, r, "alice", "Alice")

	w := doJSON(t, r, http.MethodPost, "/v1/calls/start", tok, `{"callee_id":"bob","callee_name":"Bob","kind":"voice"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	var snap session.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil || snap.CallID == "" {
		t.Fatalf("snapshot: %v %s", err, w.Body.String())
	}

	// A second call while the first is live conflicts.
	w = doJSON(t, r, http.MethodPost, "/v1/calls/start", tok, `{"callee_id":"carol","kind":"voice"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/v1/calls/end", tok, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("end: %d", w.Code)
	}
	// Ending with no active call stays a no-op.
	w = doJSON(t, r, http.MethodPost, "/v1/calls/end", tok, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("idempotent end: %d", w.Code)
	}
}

func TestStartCall_Validation(t *testing.T) {
	r, _ := newTestRouter(t)
	tok := login(t, r, "alice", "Alice")

	for _, body := range []string{
		`{"callee_id":"","kind":"voice"}`,
		`{"callee_id":"bob","kind":"hologram"}`,
		`{"callee_id":"alice","kind":"voice"}`,
	} {
		w := doJSON(t, r, http.MethodPost, "/v1/calls/start", tok, body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestAcceptCall_UnknownIs404(t *testing.T) {
	r, _ := newTestRouter(t)
	tok := login(t, r, "bob", "Bob")

	w := doJSON(t, r, http.MethodPost, "/v1/calls/accept", tok, `{"call_id":"missing"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", w.Code, w.Body.String())
	}
}

func TestDeclineCall_UnknownIs404(t *testing.T) {
	r, _ := newTestRouter(t)
	tok := login(t, r, "bob", "Bob")

	w := doJSON(t, r, http.MethodPost, "/v1/calls/decline", tok, `{"call_id":"missing"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestActiveCall_ReflectsSession(t *testing.T) {
	r, _ := newTestRouter(t)
	tok := login(t, r, "alice", "Alice")

	w := doJSON(t, r, http.MethodGet, "/v1/calls/active", tok, "")
	if w.Code != http.StatusOK {
		t.Fatalf("active: %d", w.Code)
	}
	var idle struct {
		InCall bool `json:"in_call"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &idle)
	if idle.InCall {
		t.Fatalf("expected idle")
	}

	if w := doJSON(t, r, http.MethodPost, "/v1/calls/start", tok, `{"callee_id":"bob","kind":"video"}`); w.Code != http.StatusCreated {
		t.Fatalf("start: %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, "/v1/calls/active", tok, "")
	var busy struct {
		InCall bool             `json:"in_call"`
		Call   session.Snapshot `json:"call"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &busy)
	if !busy.InCall || busy.Call.Kind != call.MediaVideo {
		t.Fatalf("unexpected active payload: %s", w.Body.String())
	}
}

func TestToggles_FalseWhenIdle(t *testing.T) {
	r, _ := newTestRouter(t)
	tok := login(t, r, "alice", "Alice")

	for _, path := range []string{"/v1/calls/toggle-audio", "/v1/calls/toggle-video"} {
		w := doJSON(t, r, http.MethodPost, path, tok, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d", path, w.Code)
		}
		var resp struct {
			Enabled bool `json:"enabled"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Enabled {
			t.Fatalf("%s: expected false when idle", path)
		}
	}
}

func TestCallHistory_EmptyAndLimitValidation(t *testing.T) {
	r, _ := newTestRouter(t)
	tok := login(t, r, "alice", "Alice")

	w := doJSON(t, r, http.MethodGet, "/v1/calls/history", tok, "")
	if w.Code != http.StatusOK {
		t.Fatalf("history: %d", w.Code)
	}
	var resp struct {
		Entries []history.Entry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Entries == nil {
		t.Fatalf("expected empty entries array: %s", w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/v1/calls/history?limit=-1", tok, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
}
