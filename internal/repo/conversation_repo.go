// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for conversations
// and their participants.
//
// All functions are context-aware and accept a *gorm.DB handle, so they can
// run inside a caller's transaction. They follow the "thin repository"
// approach: persistence and query composition only, no business rules.
//
// Error semantics:
//   - Missing rows surface as ErrNotFound (gorm.ErrRecordNotFound).
//   - Other DB errors are returned unchanged.
package repo

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/onechat-realtime/internal/domain"
)

// PairKey returns the order-independent key for two participants.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return joinKey(a, b)
}

// joinKey encodes an ordered pair of opaque ids. The length prefix keeps ids
// that contain the separator from colliding: ("a:b","c") and ("a","b:c")
// yield "3:a:b:c" and "1:a:b:c".
func joinKey(a, b string) string {
	return strconv.Itoa(len(a)) + ":" + a + ":" + b
}

// FindOrCreateConversation returns the conversation between a and b, creating
// it together with both participant rows when it does not exist. The insert
// is conditional on the pair key, so two racing callers both end up reading
// the single winning row. created reports whether this call inserted it.
//
// Must run inside a transaction so the participant rows commit atomically
// with the conversation.
func FindOrCreateConversation(ctx context.Context, tx *gorm.DB, a, b, createdBy string) (conv *domain.Conversation, created bool, err error) {
	key := PairKey(a, b)
	now := time.Now().UTC()
	c := &domain.Conversation{
		ID:        uuid.NewString(),
		PairKey:   key,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "pair_key"}}, DoNothing: true}).
		Create(c)
	if res.Error != nil && !IsUniqueViolation(res.Error) {
		return nil, false, res.Error
	}
	if res.Error == nil && res.RowsAffected == 1 {
		parts := []domain.Participant{
			{ConversationID: c.ID, UserID: a, CreatedAt: now},
			{ConversationID: c.ID, UserID: b, CreatedAt: now},
		}
		if err := tx.WithContext(ctx).Create(&parts).Error; err != nil {
			return nil, false, err
		}
		created = true
	}

	conv, err = GetConversationByPair(ctx, tx, a, b)
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

// GetConversationByPair fetches the conversation for the unordered pair, or
// ErrNotFound.
func GetConversationByPair(ctx context.Context, db *gorm.DB, a, b string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Preload("Participants").
		Where("pair_key = ?", PairKey(a, b)).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversation fetches a conversation with its participants, or ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Preload("Participants").
		Where("id = ?", id).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// IsParticipant reports whether userID is a participant of conversationID.
func IsParticipant(ctx context.Context, db *gorm.DB, conversationID, userID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&n).Error
	return n > 0, err
}

// ListConversationsForUser returns every conversation userID participates in,
// most recently updated first.
func ListConversationsForUser(ctx context.Context, db *gorm.DB, userID string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Joins("JOIN participants ON participants.conversation_id = conversations.id").
		Where("participants.user_id = ?", userID).
		Preload("Participants").
		Order("conversations.updated_at DESC, conversations.id DESC").
		Find(&out).Error
	return out, err
}

// TouchConversation advances updated_at. UpdateColumn skips hooks so the
// value written is exactly at.
func TouchConversation(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", at).Error
}

// NextSeq advances the event sequence of a conversation and returns the new
// value. It must run in the transaction of the mutation being numbered: the
// row stays write-locked until commit, so numbers follow commit order even
// when several nodes write to one conversation.
func NextSeq(ctx context.Context, tx *gorm.DB, id string) (uint64, error) {
	res := tx.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		UpdateColumn("seq", gorm.Expr("seq + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	var seq uint64
	if err := tx.WithContext(ctx).
		Model(&domain.Conversation{}).
		Select("seq").
		Where("id = ?", id).
		Row().Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// LatestMessages returns the newest message of each given conversation keyed
// by conversation id. Conversations without messages are absent.
func LatestMessages(ctx context.Context, db *gorm.DB, conversationIDs []string) (map[string]domain.Message, error) {
	out := make(map[string]domain.Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	var rows []domain.Message
	err := db.WithContext(ctx).
		Where("messages.conversation_id IN ?", conversationIDs).
		Where(`messages.id = (
			SELECT m2.id FROM messages m2
			WHERE m2.conversation_id = messages.conversation_id
			ORDER BY m2.created_at DESC, m2.id DESC
			LIMIT 1)`).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, m := range rows {
		out[m.ConversationID] = m
	}
	return out, nil
}
