package session

import (
	"context"
	"time"

	"github.com/tbourn/onechat-realtime/internal/domain"
	"github.com/tbourn/onechat-realtime/internal/services"
)

// Actor runs commands and queries as one user. It holds no connection state
// and is what the REST transport uses.
type Actor struct {
	hub    *Hub
	UserID string
}

// SendMessage posts content to a conversation.
func (a *Actor) SendMessage(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	m, err := a.hub.Conversations.PostMessage(ctx, conversationID, a.UserID, content)
	return m, describe(err)
}

// SendMessageOnce posts content at most once per idempotency key.
func (a *Actor) SendMessageOnce(ctx context.Context, conversationID, content, key string) (*domain.Message, bool, error) {
	m, replayed, err := a.hub.Conversations.PostMessageOnce(ctx, conversationID, a.UserID, content, key)
	return m, replayed, describe(err)
}

func (a *Actor) EditMessage(ctx context.Context, messageID, content string) (*domain.Message, error) {
	m, err := a.hub.Conversations.EditMessage(ctx, messageID, a.UserID, content)
	return m, describe(err)
}

func (a *Actor) DeleteMessage(ctx context.Context, messageID string) error {
	return describe(a.hub.Conversations.DeleteMessage(ctx, messageID, a.UserID))
}

// StartChat asks the owner of email for a conversation, or returns the
// conversation the two already share.
func (a *Actor) StartChat(ctx context.Context, email string, message *string) (*services.StartResult, error) {
	res, err := a.hub.Requests.StartChat(ctx, a.UserID, email, message)
	return res, describe(err)
}

// OpenConversation opens the conversation with the owner of email directly.
func (a *Actor) OpenConversation(ctx context.Context, email string) (*domain.Conversation, error) {
	c, err := a.hub.Conversations.OpenByEmail(ctx, a.hub.Users, a.UserID, email)
	return c, describe(err)
}

// AcceptRequest returns the id of the conversation created or found.
func (a *Actor) AcceptRequest(ctx context.Context, requestID string) (string, error) {
	id, err := a.hub.Requests.Accept(ctx, requestID, a.UserID)
	return id, describe(err)
}

func (a *Actor) IgnoreRequest(ctx context.Context, requestID string) (*domain.ChatRequest, error) {
	r, err := a.hub.Requests.Ignore(ctx, requestID, a.UserID)
	return r, describe(err)
}

func (a *Actor) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	out, err := a.hub.Conversations.List(ctx, a.UserID)
	return out, describe(err)
}

func (a *Actor) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	out, err := a.hub.Conversations.ListMessages(ctx, conversationID, a.UserID, limit)
	return out, describe(err)
}

func (a *Actor) ListPending(ctx context.Context) ([]domain.RequestView, error) {
	out, err := a.hub.Requests.ListPending(ctx, a.UserID)
	return out, describe(err)
}

func (a *Actor) ListOutgoing(ctx context.Context) ([]domain.ChatRequest, error) {
	out, err := a.hub.Requests.ListOutgoing(ctx, a.UserID)
	return out, describe(err)
}

// ConversationsVersion and MessagesVersion back conditional GETs.
func (a *Actor) ConversationsVersion(ctx context.Context) (count, revision int64, newest *time.Time, err error) {
	count, revision, newest, err = a.hub.Conversations.ListVersion(ctx, a.UserID)
	return count, revision, newest, describe(err)
}

func (a *Actor) MessagesVersion(ctx context.Context, conversationID string) (int64, *time.Time, error) {
	if err := a.hub.Conversations.Authorize(ctx, conversationID, a.UserID); err != nil {
		return 0, nil, describe(err)
	}
	n, ts, err := a.hub.Conversations.MessagesVersion(ctx, conversationID)
	return n, ts, describe(err)
}

// Heartbeat marks the user active now.
func (a *Actor) Heartbeat(ctx context.Context) error {
	if err := a.hub.Presence.Heartbeat(ctx, a.UserID, time.Time{}); err != nil {
		return describe(services.Transient(err))
	}
	return nil
}

// Presence returns the presence of each user id.
func (a *Actor) Presence(ctx context.Context, userIDs []string) (map[string]domain.PresenceStatus, error) {
	snap, err := a.hub.Presence.Snapshot(ctx, userIDs, a.hub.Presence.Now())
	if err != nil {
		return nil, describe(services.Transient(err))
	}
	return snap, nil
}

// RecentlyActive lists users seen within the presence window.
func (a *Actor) RecentlyActive(ctx context.Context, limit int) ([]domain.PresenceStatus, error) {
	out, err := a.hub.Presence.Recent(ctx, limit, a.hub.Presence.Now())
	if err != nil {
		return nil, describe(services.Transient(err))
	}
	return out, nil
}

// UpdateProfile passes the identity provider's profile through to the
// directory. The id is always the actor's own.
func (a *Actor) UpdateProfile(ctx context.Context, u domain.User) (*domain.User, error) {
	u.ID = a.UserID
	out, err := a.hub.Users.Upsert(ctx, u)
	return out, describe(err)
}
