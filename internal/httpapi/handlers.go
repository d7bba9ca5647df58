// Package httpapi exposes the REST control surface. Handlers stay thin:
// parse/validate input, resolve the caller's session manager, return JSON.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"callbridge/internal/auth"
	"callbridge/internal/call"
	"callbridge/internal/gateway"
	"callbridge/internal/history"
	"callbridge/internal/session"
	"callbridge/internal/signaling"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
type Handlers struct {
	Auth     *auth.Manager
	Registry *session.Registry
	History  *history.Service
	Hub      *gateway.Hub
}

// --- Auth ---

type loginRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.DisplayName)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

func (h Handlers) Me(c *gin.Context) {
	ident, err := auth.Identity(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": ident.ID, "display_name": ident.DisplayName})
}

// --- Calls ---

type startCallRequest struct {
	CalleeID   string `json:"callee_id"`
	CalleeName string `json:"callee_name"`
	Kind       string `json:"kind"`
}

func (h Handlers) StartCall(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	snap, err := m.StartCall(c.Request.Context(), req.CalleeID, req.CalleeName, call.MediaKind(req.Kind))
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

type callIDRequest struct {
	CallID string `json:"call_id"`
}

func (h Handlers) AcceptCall(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	var req callIDRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CallID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	snap, err := m.AcceptCall(c.Request.Context(), req.CallID)
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h Handlers) DeclineCall(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	var req callIDRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CallID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	if err := m.DeclineCall(req.CallID); err != nil {
		abortDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) EndCall(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	m.EndActiveCall()
	c.Status(http.StatusNoContent)
}

func (h Handlers) ToggleAudio(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": m.ToggleAudio()})
}

func (h Handlers) ToggleVideo(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": m.ToggleVideo()})
}

// ActiveCall reports the current session and any pending inbound notices.
func (h Handlers) ActiveCall(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	resp := gin.H{"in_call": false, "notices": m.Notices()}
	if snap, ok := m.Active(); ok {
		resp["in_call"] = true
		resp["call"] = snap
	}
	c.JSON(http.StatusOK, resp)
}

// --- History ---

func (h Handlers) CallHistory(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history not configured"})
		return
	}
	ident, err := auth.Identity(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	entries, err := h.History.List(c.Request.Context(), ident.ID, limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// --- Events ---

// Events upgrades to a websocket and streams lifecycle events for the
// authenticated user.
func (h Handlers) Events(c *gin.Context) {
	if h.Hub == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "gateway not configured"})
		return
	}
	ident, err := auth.Identity(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	// Touching the manager here ensures the inbound-notice listener is live
	// before the first event frame can be expected.
	if h.Registry != nil {
		if _, err := h.Registry.Manager(ident); err != nil {
			abortDomainError(c, err)
			return
		}
	}
	if err := h.Hub.Serve(c.Writer, c.Request, ident); err != nil {
		c.Abort()
	}
}

func (h Handlers) manager(c *gin.Context) (*session.Manager, bool) {
	if h.Registry == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "sessions not configured"})
		return nil, false
	}
	ident, err := auth.Identity(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return nil, false
	}
	m, err := h.Registry.Manager(ident)
	if err != nil {
		abortDomainError(c, err)
		return nil, false
	}
	return m, true
}

func abortDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, call.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, call.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, call.ErrAlreadyInCall):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "already in a call"})
	case errors.Is(err, call.ErrNoticeExpired):
		c.AbortWithStatusJSON(http.StatusGone, gin.H{"error": "call no longer available"})
	case errors.Is(err, signaling.ErrUnavailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "signaling unavailable"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
