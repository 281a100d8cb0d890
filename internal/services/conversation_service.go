// Package services – ConversationService
//
// ConversationService is the conversation store: it owns conversations,
// participants, and messages, enforces the participant and author rules, and
// publishes a delivery event after every committed message mutation.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// carry conversation, message, and user identifiers.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/onechat-realtime/internal/bus"
	"github.com/tbourn/onechat-realtime/internal/domain"
	"github.com/tbourn/onechat-realtime/internal/repo"
)

const (
	defaultMaxContentRunes = 4000
	defaultGlobalRoomLimit = 100
	maxListLimit           = 1000
	defaultIdempotencyTTL  = 24 * time.Hour
)

// ConversationService coordinates conversation and message persistence.
type ConversationService struct {
	DB  *gorm.DB
	Bus Publisher

	// MaxContentRunes caps message length after trimming.
	MaxContentRunes int
	// GlobalRoomLimit is the default number of recent messages listed for
	// the global room.
	GlobalRoomLimit int
	// IdempotencyTTL is how long a send idempotency key is remembered.
	IdempotencyTTL time.Duration

	// Now is the clock used for message and conversation timestamps.
	Now func() time.Time

	locks stripedLock
}

// NewConversationService constructs a ConversationService with defaults.
func NewConversationService(db *gorm.DB, pub Publisher) *ConversationService {
	return &ConversationService{
		DB:              db,
		Bus:             publisherOrNop(pub),
		MaxContentRunes: defaultMaxContentRunes,
		GlobalRoomLimit: defaultGlobalRoomLimit,
		IdempotencyTTL:  defaultIdempotencyTTL,
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

func (s *ConversationService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *ConversationService) publisher() Publisher { return publisherOrNop(s.Bus) }

// FindOrCreate returns the conversation shared by a and b, creating it with
// both participants when needed. Concurrent calls for the same pair, in either
// order, resolve to the same conversation.
func (s *ConversationService) FindOrCreate(ctx context.Context, a, b string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "FindOrCreate",
		trace.WithAttributes(
			attribute.String("user.a", a),
			attribute.String("user.b", b),
		),
	)
	defer span.End()

	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return nil, invalid("both user ids are required")
	}
	if a == b {
		return nil, ErrSelfRequest
	}

	var conv *domain.Conversation
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, _, err := repo.FindOrCreateConversation(ctx, tx, a, b, a)
		if err != nil {
			return Transient(err)
		}
		conv = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID))
	return conv, nil
}

// List returns the conversations of userID, most recently updated first, each
// with the other participant's profile and the newest message.
func (s *ConversationService) List(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "List", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	convs, err := repo.ListConversationsForUser(ctx, s.DB, userID)
	if err != nil {
		return nil, Transient(err)
	}
	if len(convs) == 0 {
		return []domain.ConversationSummary{}, nil
	}

	convIDs := make([]string, 0, len(convs))
	others := make([]string, 0, len(convs))
	otherOf := make(map[string]string, len(convs))
	for _, c := range convs {
		convIDs = append(convIDs, c.ID)
		for _, id := range c.ParticipantIDs() {
			if id != userID {
				otherOf[c.ID] = id
				others = append(others, id)
			}
		}
	}

	users, err := profiles(ctx, s.DB, others)
	if err != nil {
		return nil, err
	}
	latest, err := repo.LatestMessages(ctx, s.DB, convIDs)
	if err != nil {
		return nil, Transient(err)
	}

	out := make([]domain.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		sum := domain.ConversationSummary{Conversation: c, OtherParticipant: users[otherOf[c.ID]]}
		if m, ok := latest[c.ID]; ok {
			m := m
			sum.LastMessage = &m
		}
		out = append(out, sum)
	}
	return out, nil
}

// Authorize checks that userID may read conversationID. Everyone may read the
// global room; posting there needs a directory entry.
func (s *ConversationService) Authorize(ctx context.Context, conversationID, userID string) error {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Authorize",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	_, err := s.authorize(ctx, s.DB, conversationID, userID)
	return err
}

// LastSeq returns the sequence number of the newest committed event of a
// conversation, 0 when nothing was posted yet.
func (s *ConversationService) LastSeq(ctx context.Context, conversationID string) (uint64, error) {
	c, err := repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, Transient(err)
	}
	return c.Seq, nil
}

func (s *ConversationService) authorize(ctx context.Context, db *gorm.DB, conversationID, userID string) (*domain.Conversation, error) {
	c, err := repo.GetConversation(ctx, db, conversationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, Transient(err)
	}
	if c.ID == domain.GlobalRoomID {
		return c, nil
	}
	for _, id := range c.ParticipantIDs() {
		if id == userID {
			return c, nil
		}
	}
	return nil, ErrNotParticipant
}

func (s *ConversationService) normalizeContent(raw string) (string, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", invalid("message content is empty")
	}
	max := s.MaxContentRunes
	if max <= 0 {
		max = defaultMaxContentRunes
	}
	if utf8.RuneCountInString(content) > max {
		return "", invalid("message exceeds %d characters", max)
	}
	return content, nil
}

// PostMessage appends a message by authorID, advances the conversation's
// updated_at, and publishes MessageCreated once committed.
func (s *ConversationService) PostMessage(ctx context.Context, conversationID, authorID, content string) (*domain.Message, error) {
	m, _, err := s.PostMessageOnce(ctx, conversationID, authorID, content, "")
	return m, err
}

// PostMessageOnce is PostMessage with an optional idempotency key. When key
// was already used by authorID in this conversation, the earlier message is
// returned with replayed set and nothing is published.
func (s *ConversationService) PostMessageOnce(ctx context.Context, conversationID, authorID, content, key string) (msg *domain.Message, replayed bool, err error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "PostMessage",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", authorID),
			attribute.Bool("idempotent", key != ""),
		),
	)
	defer span.End()

	content, err = s.normalizeContent(content)
	if err != nil {
		return nil, false, err
	}

	unlock := s.locks.lock(conversationID)
	defer unlock()

	if key != "" {
		if prev, ok := s.replay(ctx, conversationID, authorID, key); ok {
			span.SetAttributes(attribute.Bool("replayed", true))
			return prev, true, nil
		}
	}

	now := s.now()
	var seq uint64
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.authorize(ctx, tx, conversationID, authorID); err != nil {
			return err
		}
		if conversationID == domain.GlobalRoomID {
			if err := s.knownUser(ctx, tx, authorID); err != nil {
				return err
			}
		}
		m, err := repo.CreateMessage(ctx, tx, conversationID, authorID, content, now)
		if err != nil {
			return Transient(err)
		}
		if err := repo.TouchConversation(ctx, tx, conversationID, now); err != nil {
			return Transient(err)
		}
		if seq, err = repo.NextSeq(ctx, tx, conversationID); err != nil {
			return Transient(err)
		}
		if key != "" {
			ttl := s.IdempotencyTTL
			if ttl <= 0 {
				ttl = defaultIdempotencyTTL
			}
			if err := repo.ReleaseExpiredIdempotency(ctx, tx, authorID, conversationID, key, now); err != nil {
				return Transient(err)
			}
			if _, err := repo.CreateIdempotency(ctx, tx, authorID, conversationID, key, m.ID, 201, ttl); err != nil {
				return Transient(err)
			}
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	span.SetAttributes(attribute.String("message.id", msg.ID))
	publishConversation(ctx, s.publisher(), bus.MessageCreated(*msg).WithSeq(seq))
	return msg, false, nil
}

// knownUser fails with ErrNotParticipant unless userID is in the directory.
func (s *ConversationService) knownUser(ctx context.Context, db *gorm.DB, userID string) error {
	if _, err := repo.GetUser(ctx, db, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotParticipant
		}
		return Transient(err)
	}
	return nil
}

func (s *ConversationService) replay(ctx context.Context, conversationID, authorID, key string) (*domain.Message, bool) {
	rec, err := repo.GetIdempotency(ctx, s.DB, authorID, conversationID, key, s.now())
	if err != nil {
		return nil, false
	}
	m, err := repo.GetMessage(ctx, s.DB, rec.MessageID)
	if err != nil {
		return nil, false
	}
	return m, true
}

// loadOwned fetches a message and checks that authorID wrote it.
func (s *ConversationService) loadOwned(ctx context.Context, db *gorm.DB, messageID, authorID string) (*domain.Message, error) {
	m, err := repo.GetMessage(ctx, db, messageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, Transient(err)
	}
	if m.UserID != authorID {
		return nil, ErrNotAuthor
	}
	return m, nil
}

// EditMessage replaces the content of a message written by authorID and
// publishes MessageUpdated.
func (s *ConversationService) EditMessage(ctx context.Context, messageID, authorID, content string) (*domain.Message, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "EditMessage",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("user.id", authorID),
		),
	)
	defer span.End()

	content, err := s.normalizeContent(content)
	if err != nil {
		return nil, err
	}

	m, err := s.loadOwned(ctx, s.DB, messageID, authorID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(m.ConversationID)
	defer unlock()

	var updated *domain.Message
	var seq uint64
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := repo.UpdateMessageContent(ctx, tx, messageID, authorID, content, s.now())
		if err != nil {
			return Transient(err)
		}
		if n == 0 {
			return ErrNotFound
		}
		updated, err = repo.GetMessage(ctx, tx, messageID)
		if err != nil {
			return Transient(err)
		}
		if seq, err = repo.NextSeq(ctx, tx, m.ConversationID); err != nil {
			return Transient(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	publishConversation(ctx, s.publisher(), bus.MessageUpdated(*updated).WithSeq(seq))
	return updated, nil
}

// DeleteMessage removes a message written by authorID and publishes
// MessageDeleted. The conversation's updated_at is left alone.
func (s *ConversationService) DeleteMessage(ctx context.Context, messageID, authorID string) error {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "DeleteMessage",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("user.id", authorID),
		),
	)
	defer span.End()

	m, err := s.loadOwned(ctx, s.DB, messageID, authorID)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(m.ConversationID)
	defer unlock()

	var seq uint64
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := repo.DeleteMessage(ctx, tx, messageID, authorID)
		if err != nil {
			return Transient(err)
		}
		if n == 0 {
			return ErrNotFound
		}
		if seq, err = repo.NextSeq(ctx, tx, m.ConversationID); err != nil {
			return Transient(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	publishConversation(ctx, s.publisher(), bus.MessageDeleted(messageID, m.ConversationID).WithSeq(seq))
	return nil
}

// ListMessages returns the messages of a conversation oldest to newest. With
// limit > 0 only the newest limit messages are returned. The global room
// defaults to GlobalRoomLimit.
func (s *ConversationService) ListMessages(ctx context.Context, conversationID, viewerID string, limit int) ([]domain.Message, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "ListMessages",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", viewerID),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	if _, err := s.authorize(ctx, s.DB, conversationID, viewerID); err != nil {
		return nil, err
	}

	if limit <= 0 && conversationID == domain.GlobalRoomID {
		limit = s.GlobalRoomLimit
		if limit <= 0 {
			limit = defaultGlobalRoomLimit
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	items, err := repo.ListMessages(ctx, s.DB, conversationID, limit)
	if err != nil {
		return nil, Transient(err)
	}
	if items == nil {
		items = []domain.Message{}
	}
	return items, nil
}

// ListVersion summarizes the conversation list of userID for conditional
// requests: how many conversations, a revision that moves on every message
// mutation in them, and the newest updated_at.
func (s *ConversationService) ListVersion(ctx context.Context, userID string) (count, revision int64, newest *time.Time, err error) {
	count, revision, newest, err = repo.ConversationsStats(ctx, s.DB, userID)
	if err != nil {
		return 0, 0, nil, Transient(err)
	}
	return count, revision, newest, nil
}

// MessagesVersion summarizes a conversation's messages for conditional
// requests. The caller must already be authorized.
func (s *ConversationService) MessagesVersion(ctx context.Context, conversationID string) (int64, *time.Time, error) {
	n, ts, err := repo.MessagesStats(ctx, s.DB, conversationID)
	if err != nil {
		return 0, nil, Transient(err)
	}
	return n, ts, nil
}

// PurgeIdempotency deletes expired send idempotency keys.
func (s *ConversationService) PurgeIdempotency(ctx context.Context) (int64, error) {
	n, err := repo.PurgeExpiredIdempotency(ctx, s.DB, s.now())
	if err != nil {
		return 0, Transient(err)
	}
	return n, nil
}

// OpenByEmail opens the conversation between userID and the owner of email
// directly, without a request.
func (s *ConversationService) OpenByEmail(ctx context.Context, users *UserService, userID, email string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "OpenByEmail", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	other, err := users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return s.FindOrCreate(ctx, userID, other.ID)
}
