// Package httpapi wires the Gin engine: engine-wide middleware, the
// authenticated API group, and the REST and websocket routes over the
// session hub.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/onechat-realtime/internal/config"
	"github.com/tbourn/onechat-realtime/internal/http/handlers"
	"github.com/tbourn/onechat-realtime/internal/http/middleware"
	"github.com/tbourn/onechat-realtime/internal/repo"
	"github.com/tbourn/onechat-realtime/internal/session"
)

var corsHeaders = []string{
	"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match",
	middleware.HeaderUserID, middleware.HeaderIdempotencyKey,
}

var corsExpose = []string{"X-Request-ID", "ETag", middleware.HeaderIdempotencyReplayed, "Retry-After"}

// RegisterRoutes attaches middleware and routes to r.
//
// Engine order: tracing, request id, redacting logger, recovery, metrics,
// CORS, security headers, gzip (not on the websocket path). API group order:
// body limit, auth, idempotency, rate limit.
func RegisterRoutes(r *gin.Engine, hub *session.Hub, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	base := cfg.APIBasePath
	wsPath := joinPath(base, "/ws")

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))
	r.Use(middleware.Recovery())
	r.Use(middleware.Metrics())
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{wsPath, "/metrics"})))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	limiter := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	h := handlers.New(hub, handlers.WSOptions{
		PongWait:          cfg.WSPongWait,
		ReadLimit:         cfg.WSReadLimit,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AllowedOrigins:    cfg.CORS.AllowedOrigins,
		Limiter:           limiter,
	})

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	db := hub.Conversations.DB
	auth := middleware.NewAuthenticator(cfg.JWTSecret, cfg.TrustUserHeader)

	api := groupWithPrefix(r, base)
	api.Use(
		limitBody(1<<20),
		auth.Handler(),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200},
			func(ctx context.Context, userID, conversationID, key string, now time.Time) (bool, error) {
				rec, err := repo.GetIdempotency(ctx, db, userID, conversationID, key, now)
				return err == nil && rec != nil, err
			}),
		limiter.Handler(),
	)
	{
		api.PUT("/me", h.PutMe)

		api.GET("/conversations", h.ListConversations)
		api.POST("/conversations", h.OpenConversation)
		api.GET("/conversations/:id/messages", h.ListMessages)
		api.POST("/conversations/:id/messages", h.PostMessage)

		api.PATCH("/messages/:id", h.EditMessage)
		api.DELETE("/messages/:id", h.DeleteMessage)

		api.POST("/chat-requests", h.StartChat)
		api.GET("/chat-requests", h.ListPending)
		api.GET("/chat-requests/outgoing", h.ListOutgoing)
		api.POST("/chat-requests/:id/accept", h.AcceptRequest)
		api.POST("/chat-requests/:id/ignore", h.IgnoreRequest)

		api.POST("/presence/heartbeat", h.Heartbeat)
		api.GET("/presence", h.Presence)
		api.GET("/presence/recent", h.RecentlyActive)

		api.GET("/ws", h.Websocket)
	}
}

// corsMiddleware allows every origin when none are configured, otherwise
// only the listed ones. Credentials are never allowed: identity travels in
// the Authorization header.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  corsHeaders,
		ExposeHeaders: corsExpose,
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

// limitBody caps request bodies at maxBytes.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	return base + p
}
