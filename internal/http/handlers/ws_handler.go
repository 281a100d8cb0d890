package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tbourn/onechat-realtime/internal/http/middleware"
	"github.com/tbourn/onechat-realtime/internal/session"
)

// WSOptions configures the websocket endpoint.
type WSOptions struct {
	// PongWait is how long the connection may stay silent (no frame, no
	// pong) before it is dropped. Default 60s.
	PongWait time.Duration
	// PingPeriod must be shorter than PongWait. Default 30s.
	PingPeriod time.Duration
	// WriteWait bounds each write. Default 10s.
	WriteWait time.Duration
	// ReadLimit caps an inbound frame in bytes. Default 64 KiB.
	ReadLimit int64
	// SendBuffer is the number of replies queued for the writer. A client
	// that lets it fill up is disconnected. Default 128.
	SendBuffer int
	// HeartbeatInterval is advertised to the client in the connected frame.
	HeartbeatInterval time.Duration
	// AllowedOrigins restricts browser origins; empty allows all.
	AllowedOrigins []string
	// Limiter, when set, charges every inbound frame to the user's bucket.
	Limiter *middleware.RateLimiter
}

func (o WSOptions) withDefaults() WSOptions {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait / 2
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 128
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 60 * time.Second
	}
	return o
}

func (o WSOptions) upgrader() *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(o.AllowedOrigins))
	for _, origin := range o.AllowedOrigins {
		allowed[origin] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(allowed) == 0 || origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// Frame types sent by the client.
const (
	frameSubscribe        = "subscribe"
	frameUnsubscribe      = "unsubscribe"
	frameSubscribeInbox   = "subscribe_inbox"
	frameUnsubscribeInbox = "unsubscribe_inbox"
	frameHeartbeat        = "heartbeat"
	frameSend             = "send"
)

// ClientFrame is one command from the client. Ref is echoed on the reply.
type ClientFrame struct {
	Type           string `json:"type"`
	Ref            string `json:"ref,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ConnectedFrame is the first frame of every connection.
type ConnectedFrame struct {
	Type              string `json:"type"`
	SessionID         string `json:"session_id"`
	UserID            string `json:"user_id"`
	HeartbeatInterval int    `json:"heartbeat_interval_seconds"`
}

// AckFrame confirms a client command.
type AckFrame struct {
	Type           string `json:"type"`
	Ref            string `json:"ref,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Payload        any    `json:"payload,omitempty"`
}

// ErrorFrame reports a failed command. Code is a façade code or one of
// bad_request, unsupported_type, rate_limited.
type ErrorFrame struct {
	Type           string `json:"type"`
	Ref            string `json:"ref,omitempty"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	Retryable      bool   `json:"retryable,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ResyncFrame tells the client to reload a topic and subscribe again.
type ResyncFrame struct {
	Type string `json:"type"`
	session.ResyncNotice
}

var (
	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Open websocket connections.",
	})
	wsFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_frames_total",
		Help: "Websocket frames by direction and type.",
	}, []string{"direction", "type"})
)

func init() {
	prometheus.MustRegister(wsConnections, wsFrames)
}

// wsConn owns one websocket. The writer goroutine is the only one that
// writes to ws; everyone else queues on send.
type wsConn struct {
	ws   *websocket.Conn
	opts WSOptions
	lg   zerolog.Logger

	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *wsConn) enqueue(v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		c.lg.Error().Err(err).Msg("websocket frame marshal failed")
		return false
	}
	select {
	case <-c.closed:
		return false
	case c.send <- payload:
		return true
	default:
		c.close(websocket.CloseGoingAway, "send buffer full")
		return false
	}
}

func (c *wsConn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(c.opts.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *wsConn) write(msgType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(msgType, payload)
}

// writeLoop drains the session's updates and the reply queue, and pings.
func (c *wsConn) writeLoop(sess *session.Session) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	defer c.close(websocket.CloseGoingAway, "session closed")

	for {
		var (
			payload []byte
			err     error
		)
		select {
		case <-c.closed:
			return
		case u, ok := <-sess.Updates():
			if !ok {
				return
			}
			payload, err = encodeUpdate(u)
			if err != nil {
				c.lg.Error().Err(err).Msg("websocket update marshal failed")
				continue
			}
		case payload = <-c.send:
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		if err := c.write(websocket.TextMessage, payload); err != nil {
			c.lg.Debug().Err(err).Msg("websocket write failed")
			return
		}
	}
}

func encodeUpdate(u session.Update) ([]byte, error) {
	if u.Resync != nil {
		wsFrames.WithLabelValues("out", "resync").Inc()
		return json.Marshal(ResyncFrame{Type: "resync", ResyncNotice: *u.Resync})
	}
	wsFrames.WithLabelValues("out", string(u.Event.Type)).Inc()
	return json.Marshal(u.Event)
}

// Websocket serves GET /ws. The connection is one session: connecting counts
// as a heartbeat, and closing the socket releases every subscription.
func (h *Handlers) Websocket(c *gin.Context) {
	uid := middleware.UserID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	lg := *middleware.LoggerFrom(c)

	ws, err := h.ws.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		lg.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ctx := c.Request.Context()

	sess, err := h.hub.Connect(ctx, uid)
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"),
			time.Now().Add(h.ws.WriteWait))
		_ = ws.Close()
		return
	}

	conn := &wsConn{
		ws:     ws,
		opts:   h.ws,
		lg:     lg.With().Str("session_id", sess.ID).Logger(),
		send:   make(chan []byte, h.ws.SendBuffer),
		closed: make(chan struct{}),
	}
	wsConnections.Inc()
	defer func() {
		sess.Close()
		conn.close(websocket.CloseNormalClosure, "bye")
		wsConnections.Dec()
	}()

	ws.SetReadLimit(h.ws.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(h.ws.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.ws.PongWait))
	})

	conn.enqueue(ConnectedFrame{
		Type:              "connected",
		SessionID:         sess.ID,
		UserID:            uid,
		HeartbeatInterval: int(h.ws.HeartbeatInterval / time.Second),
	})
	go conn.writeLoop(sess)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				conn.lg.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.ws.PongWait))

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			wsFrames.WithLabelValues("in", "invalid").Inc()
			conn.enqueue(ErrorFrame{Type: "error", Code: ErrCodeBadRequest, Message: "invalid frame"})
			continue
		}
		if h.ws.Limiter != nil && !h.ws.Limiter.Allow("user:"+uid) {
			wsFrames.WithLabelValues("in", "rate_limited").Inc()
			conn.enqueue(ErrorFrame{Type: "error", Ref: frame.Ref, Code: "rate_limited", Message: "Slow down.", Retryable: true})
			continue
		}
		h.dispatch(ctx, conn, sess, frame)
	}
}

func (h *Handlers) dispatch(ctx context.Context, conn *wsConn, sess *session.Session, f ClientFrame) {
	label := f.Type
	var (
		ack *AckFrame
		err error
	)
	switch f.Type {
	case frameSubscribe:
		if err = sess.SubscribeConversation(ctx, f.ConversationID); err == nil {
			ack = &AckFrame{Type: "subscribed", ConversationID: f.ConversationID}
		}
	case frameUnsubscribe:
		sess.Unsubscribe(f.ConversationID)
		ack = &AckFrame{Type: "unsubscribed", ConversationID: f.ConversationID}
	case frameSubscribeInbox:
		if err = sess.SubscribeRequestInbox(); err == nil {
			ack = &AckFrame{Type: "inbox_subscribed"}
		}
	case frameUnsubscribeInbox:
		sess.UnsubscribeRequestInbox()
		ack = &AckFrame{Type: "inbox_unsubscribed"}
	case frameHeartbeat:
		if err = sess.Heartbeat(ctx); err == nil {
			ack = &AckFrame{Type: "heartbeat_ack"}
		}
	case frameSend:
		m, _, sendErr := sess.SendMessageOnce(ctx, f.ConversationID, f.Content, f.IdempotencyKey)
		if err = sendErr; err == nil {
			ack = &AckFrame{Type: "sent", ConversationID: f.ConversationID, Payload: m}
		}
	default:
		label = "unsupported"
		wsFrames.WithLabelValues("in", label).Inc()
		conn.enqueue(ErrorFrame{Type: "error", Ref: f.Ref, Code: "unsupported_type", Message: "Unknown frame type."})
		return
	}
	wsFrames.WithLabelValues("in", label).Inc()

	if err != nil {
		e := asSessionError(err)
		conn.enqueue(ErrorFrame{
			Type:           "error",
			Ref:            f.Ref,
			Code:           string(e.Code),
			Message:        e.Message,
			Retryable:      e.Retryable,
			ConversationID: e.ConversationID,
		})
		return
	}
	ack.Ref = f.Ref
	conn.enqueue(ack)
}
