package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/onechat-realtime/internal/http/middleware"
	"github.com/tbourn/onechat-realtime/internal/session"
)

// Handlers binds the HTTP routes to the session hub.
type Handlers struct {
	hub *session.Hub
	ws  WSOptions
}

// New returns Handlers over hub. ws configures the websocket endpoint.
func New(hub *session.Hub, ws WSOptions) *Handlers {
	return &Handlers{hub: hub, ws: ws.withDefaults()}
}

// actor returns the façade for the authenticated caller, or aborts with 401
// when the auth middleware did not run.
func (h *Handlers) actor(c *gin.Context) (*session.Actor, bool) {
	uid := middleware.UserID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return nil, false
	}
	return h.hub.Actor(uid), true
}

// notModified sets a weak ETag built from (kind, key, count, newest) and
// reports whether the client's copy is current.
func notModified(c *gin.Context, kind, key string, count int64, newest *time.Time) bool {
	var ts int64
	if newest != nil {
		ts = newest.UnixMilli()
	}
	etag := fmt.Sprintf(`W/"%s:%s:%d:%d"`, kind, key, count, ts)
	c.Header("ETag", etag)
	c.Header("Cache-Control", "private, no-cache")
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}

// Health reports liveness and the number of live sessions on this node.
func (h *Handlers) Health(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"status": "ok", "sessions": h.hub.Sessions()})
}
