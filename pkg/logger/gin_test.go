package logger

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func serveOnce(t *testing.T, buf *bytes.Buffer, handler gin.HandlerFunc, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l := slog.New(slog.NewJSONHandler(buf, nil))

	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/v1/calls/active", handler)

	req := httptest.NewRequest(http.MethodGet, "/v1/calls/active", nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_CorrelatesUserAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	w := serveOnce(t, &buf, func(c *gin.Context) {
		c.Set("user_id", "alice")
		c.Status(http.StatusOK)
	}, nil)

	if w.Header().Get(headerRequestID) == "" {
		t.Fatalf("expected generated request id header")
	}
	line := buf.String()
	if !strings.Contains(line, `"user_id":"alice"`) {
		t.Fatalf("summary missing user correlation: %s", line)
	}
	if !strings.Contains(line, `"path":"/v1/calls/active"`) || !strings.Contains(line, `"request_id"`) {
		t.Fatalf("unexpected summary line: %s", line)
	}
}

func TestMiddleware_KeepsCallerRequestID(t *testing.T) {
	var buf bytes.Buffer
	w := serveOnce(t, &buf, func(c *gin.Context) {
		c.Status(http.StatusOK)
	}, http.Header{headerRequestID: []string{"rid-1"}})

	if got := w.Header().Get(headerRequestID); got != "rid-1" {
		t.Fatalf("request id rewritten: %q", got)
	}
	if !strings.Contains(buf.String(), `"request_id":"rid-1"`) {
		t.Fatalf("summary missing caller request id: %s", buf.String())
	}
}
