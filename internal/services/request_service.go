// Package services – RequestService
//
// RequestService is the chat request handshake. A request moves from pending
// to accepted or ignored exactly once; accepting it creates (or finds) the
// conversation between the two users in the same transaction.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/onechat-realtime/internal/bus"
	"github.com/tbourn/onechat-realtime/internal/domain"
	"github.com/tbourn/onechat-realtime/internal/repo"
)

// DefaultRequestMessage is attached to requests created by StartChat.
const DefaultRequestMessage = "Hi! I'd like to start a conversation with you."

const maxRequestMessageRunes = 500

// RequestService drives the request → accept/ignore → conversation flow.
type RequestService struct {
	DB    *gorm.DB
	Bus   Publisher
	Users *UserService

	Now func() time.Time
}

// NewRequestService constructs a RequestService.
func NewRequestService(db *gorm.DB, pub Publisher, users *UserService) *RequestService {
	if users == nil {
		users = NewUserService(db)
	}
	return &RequestService{
		DB:    db,
		Bus:   publisherOrNop(pub),
		Users: users,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *RequestService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *RequestService) publisher() Publisher { return publisherOrNop(s.Bus) }

// Create inserts a pending request from requesterID to recipientID and
// publishes RequestCreated to the recipient's inbox.
//
// It fails with ErrSelfRequest, with a *ConversationExistsError when the two
// users already share a conversation, or with ErrDuplicateRequest when a
// pending request for the same ordered pair exists.
func (s *RequestService) Create(ctx context.Context, requesterID, recipientID string, message *string) (*domain.RequestView, error) {
	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(
			attribute.String("requester.id", requesterID),
			attribute.String("recipient.id", recipientID),
		),
	)
	defer span.End()

	if strings.TrimSpace(requesterID) == "" || strings.TrimSpace(recipientID) == "" {
		return nil, invalid("requester and recipient are required")
	}
	if requesterID == recipientID {
		return nil, ErrSelfRequest
	}
	message = trimOptional(message)
	if message != nil && len([]rune(*message)) > maxRequestMessageRunes {
		return nil, invalid("request message exceeds %d characters", maxRequestMessageRunes)
	}

	var req *domain.ChatRequest
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := repo.GetConversationByPair(ctx, tx, requesterID, recipientID)
		switch {
		case err == nil:
			return &ConversationExistsError{ConversationID: c.ID}
		case !errors.Is(err, repo.ErrNotFound):
			return Transient(err)
		}

		r, err := repo.CreateRequest(ctx, tx, requesterID, recipientID, message)
		if err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrDuplicateRequest
			}
			return Transient(err)
		}
		req = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	view, err := s.view(ctx, *req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("request.id", req.ID))
	publishInbox(ctx, s.publisher(), recipientID, bus.RequestCreated(*view))
	return view, nil
}

// resolve moves a pending request addressed to actingUserID to status. For
// accepted requests it also finds or creates the conversation.
func (s *RequestService) resolve(ctx context.Context, requestID, actingUserID, status string) (*domain.ChatRequest, string, error) {
	var (
		resolved *domain.ChatRequest
		convID   string
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := repo.GetRequest(ctx, tx, requestID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrNotFound
			}
			return Transient(err)
		}
		if r.RecipientID != actingUserID {
			return ErrNotRecipient
		}
		if !r.IsPending() {
			return ErrAlreadyResolved
		}

		n, err := repo.ResolveRequest(ctx, tx, requestID, status, s.now())
		if err != nil {
			return Transient(err)
		}
		if n == 0 {
			// Lost a race with another accept or ignore.
			return ErrAlreadyResolved
		}

		if status == domain.RequestAccepted {
			c, _, err := repo.FindOrCreateConversation(ctx, tx, r.RequesterID, r.RecipientID, actingUserID)
			if err != nil {
				return Transient(err)
			}
			convID = c.ID
		}

		resolved, err = repo.GetRequest(ctx, tx, requestID)
		if err != nil {
			return Transient(err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return resolved, convID, nil
}

// Accept accepts a pending request as its recipient and returns the id of the
// conversation the two users now share. RequestResolved is published to both
// users' inboxes so every session of the requester can open the conversation.
// A second accept fails with ErrAlreadyResolved.
func (s *RequestService) Accept(ctx context.Context, requestID, actingUserID string) (string, error) {
	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "Accept",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("user.id", actingUserID),
		),
	)
	defer span.End()

	r, convID, err := s.resolve(ctx, requestID, actingUserID, domain.RequestAccepted)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("conversation.id", convID))

	p := s.publisher()
	publishInbox(ctx, p, r.RequesterID, bus.RequestResolved(*r, convID))
	publishInbox(ctx, p, r.RecipientID, bus.RequestResolved(*r, convID))
	return convID, nil
}

// Ignore ignores a pending request as its recipient. No conversation is
// created and the requester is not notified.
func (s *RequestService) Ignore(ctx context.Context, requestID, actingUserID string) (*domain.ChatRequest, error) {
	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "Ignore",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("user.id", actingUserID),
		),
	)
	defer span.End()

	r, _, err := s.resolve(ctx, requestID, actingUserID, domain.RequestIgnored)
	if err != nil {
		return nil, err
	}
	publishInbox(ctx, s.publisher(), r.RecipientID, bus.RequestResolved(*r, ""))
	return r, nil
}

// ListPending returns the pending requests addressed to recipientID, newest
// first, with the requester's profile.
func (s *RequestService) ListPending(ctx context.Context, recipientID string) ([]domain.RequestView, error) {
	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "ListPending", trace.WithAttributes(attribute.String("user.id", recipientID)))
	defer span.End()

	rows, err := repo.ListPendingForRecipient(ctx, s.DB, recipientID)
	if err != nil {
		return nil, Transient(err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.RequesterID)
	}
	users, err := profiles(ctx, s.DB, ids)
	if err != nil {
		return nil, err
	}

	out := make([]domain.RequestView, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.RequestView{ChatRequest: r, Requester: users[r.RequesterID]})
	}
	return out, nil
}

// ListOutgoing returns the pending requests sent by requesterID, newest first.
func (s *RequestService) ListOutgoing(ctx context.Context, requesterID string) ([]domain.ChatRequest, error) {
	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "ListOutgoing", trace.WithAttributes(attribute.String("user.id", requesterID)))
	defer span.End()

	rows, err := repo.ListPendingFromRequester(ctx, s.DB, requesterID)
	if err != nil {
		return nil, Transient(err)
	}
	if rows == nil {
		rows = []domain.ChatRequest{}
	}
	return rows, nil
}

// StartResult is the outcome of StartChat: either the existing conversation
// or the newly created pending request.
type StartResult struct {
	ConversationID string              `json:"conversation_id,omitempty"`
	Request        *domain.RequestView `json:"request,omitempty"`
}

// StartChat resolves email to a user and asks them for a conversation. When
// the two already share a conversation its id is returned and no request is
// created. A nil or blank message gets DefaultRequestMessage.
func (s *RequestService) StartChat(ctx context.Context, requesterID, email string, message *string) (*StartResult, error) {
	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "StartChat", trace.WithAttributes(attribute.String("requester.id", requesterID)))
	defer span.End()

	recipient, err := s.Users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if recipient.ID == requesterID {
		return nil, ErrSelfRequest
	}

	if message = trimOptional(message); message == nil {
		m := DefaultRequestMessage
		message = &m
	}

	view, err := s.Create(ctx, requesterID, recipient.ID, message)
	var exists *ConversationExistsError
	switch {
	case errors.As(err, &exists):
		return &StartResult{ConversationID: exists.ConversationID}, nil
	case err != nil:
		return nil, err
	}
	return &StartResult{Request: view}, nil
}

func (s *RequestService) view(ctx context.Context, r domain.ChatRequest) (*domain.RequestView, error) {
	users, err := profiles(ctx, s.DB, []string{r.RequesterID})
	if err != nil {
		return nil, err
	}
	return &domain.RequestView{ChatRequest: r, Requester: users[r.RequesterID]}, nil
}
