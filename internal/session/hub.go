// Package session is the façade the presentation layer talks to. An Actor
// issues commands and queries on behalf of one user; a Session is an Actor
// with a live connection that owns bus subscriptions and an outbound stream.
//
// Every error returned from this package is an *Error.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/onechat-realtime/internal/bus"
	"github.com/tbourn/onechat-realtime/internal/presence"
	"github.com/tbourn/onechat-realtime/internal/services"
)

// DefaultOutboundBuffer is the size of a session's outbound stream.
const DefaultOutboundBuffer = 64

// DefaultGapWait is how long a conversation subscription holds events that
// arrived ahead of a missing sequence number before giving up on it.
const DefaultGapWait = 2 * time.Second

// Hub wires the core components together and tracks live sessions.
type Hub struct {
	Conversations *services.ConversationService
	Requests      *services.RequestService
	Users         *services.UserService
	Presence      *presence.Registry
	Bus           *bus.Bus

	// OutboundBuffer sizes each session's stream.
	OutboundBuffer int
	// GapWait bounds how long out-of-order events are held.
	GapWait time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub returns a Hub over the given components.
func NewHub(conv *services.ConversationService, req *services.RequestService, users *services.UserService, reg *presence.Registry, b *bus.Bus) *Hub {
	return &Hub{
		Conversations:  conv,
		Requests:       req,
		Users:          users,
		Presence:       reg,
		Bus:            b,
		OutboundBuffer: DefaultOutboundBuffer,
		GapWait:        DefaultGapWait,
		sessions:       make(map[string]*Session),
	}
}

// Actor returns a stateless command handle for userID.
func (h *Hub) Actor(userID string) *Actor {
	return &Actor{hub: h, UserID: userID}
}

// Connect opens a live session for userID and records a heartbeat. The
// session must be closed by the caller.
func (h *Hub) Connect(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, Describe(services.ErrValidation)
	}
	buf := h.OutboundBuffer
	if buf <= 0 {
		buf = DefaultOutboundBuffer
	}
	s := &Session{
		Actor: h.Actor(userID),
		ID:    uuid.NewString(),
		out:   make(chan Update, buf),
		done:  make(chan struct{}),
		convs: make(map[string]*bus.Subscription),
	}

	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	sessionsActive.Inc()

	if err := s.Heartbeat(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Str("user_id", userID).Msg("heartbeat on connect failed")
	}
	log.Info().Str("session_id", s.ID).Str("user_id", userID).Msg("session connected")
	return s, nil
}

func (h *Hub) forget(id string) {
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		sessionsActive.Dec()
	}
}

// Sessions reports how many sessions are live.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll closes every live session. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}
