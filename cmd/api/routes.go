package main

import (
	"net/http"

	"callbridge/internal/httpapi"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, healthz gin.HandlerFunc) {
	// public
	r.GET("/healthz", healthz)
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", h.Me)

		// Lifecycle events stream (websocket).
		v1.GET("/events", h.Events)

		calls := v1.Group("/calls")
		{
			calls.POST("/start", h.StartCall)
			calls.POST("/accept", h.AcceptCall)
			calls.POST("/decline", h.DeclineCall)
			calls.POST("/end", h.EndCall)
			calls.POST("/toggle-audio", h.ToggleAudio)
			calls.POST("/toggle-video", h.ToggleVideo)
			calls.GET("/active", h.ActiveCall)
			calls.GET("/history", h.CallHistory)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}
