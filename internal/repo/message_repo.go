// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/onechat-realtime/internal/domain"
)

// CreateMessage inserts a new message row. Ids are UUIDv7 so that messages
// sharing a created_at still sort in insertion order.
func CreateMessage(ctx context.Context, db *gorm.DB, conversationID, userID, content string, at time.Time) (*domain.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	m := &domain.Message{
		ID:             id.String(),
		ConversationID: conversationID,
		UserID:         userID,
		Content:        content,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	if err := db.WithContext(ctx).Omit("Conversation").Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMessageContent rewrites the content of a message owned by userID and
// marks it edited. It returns the number of rows changed (0 when the message
// is missing or not authored by userID).
func UpdateMessageContent(ctx context.Context, db *gorm.DB, id, userID, content string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND user_id = ?", id, userID).
		UpdateColumns(map[string]any{
			"content":    content,
			"is_edited":  true,
			"edited_at":  at,
			"updated_at": at,
		})
	return res.RowsAffected, res.Error
}

// DeleteMessage hard-deletes a message owned by userID and returns the number
// of rows removed.
func DeleteMessage(ctx context.Context, db *gorm.DB, id, userID string) (int64, error) {
	res := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&domain.Message{})
	return res.RowsAffected, res.Error
}

// ListMessages returns messages oldest to newest (CreatedAt ASC, ID ASC).
// With limit > 0 only the newest limit messages are returned, still in
// ascending order.
func ListMessages(ctx context.Context, db *gorm.DB, conversationID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if limit <= 0 {
		err := q.Order("created_at ASC, id ASC").Find(&out).Error
		return out, err
	}
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountMessages returns the number of messages in a conversation.
func CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&total).Error
	return total, err
}
