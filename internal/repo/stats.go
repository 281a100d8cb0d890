// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for weak
// ETags on list endpoints.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/onechat-realtime/internal/domain"
)

// ConversationsStats returns how many conversations userID participates in,
// the sum of their event sequences, and the greatest updated_at among them
// (nil when there are none). The sequence sum grows with every send, edit,
// and delete, including those that leave updated_at alone.
func ConversationsStats(ctx context.Context, db *gorm.DB, userID string) (count, revision int64, maxUpdatedAt *time.Time, err error) {
	mine := func() *gorm.DB {
		return db.WithContext(ctx).
			Model(&domain.Conversation{}).
			Joins("JOIN participants ON participants.conversation_id = conversations.id").
			Where("participants.user_id = ?", userID)
	}

	if err = mine().Count(&count).Error; err != nil {
		return 0, 0, nil, err
	}
	if count == 0 {
		return 0, 0, nil, nil
	}

	var sum struct {
		Total int64
	}
	if err = mine().Select("COALESCE(SUM(conversations.seq), 0) AS total").Scan(&sum).Error; err != nil {
		return 0, 0, nil, err
	}

	// Avoid MAX() which yields TEXT on SQLite.
	var row struct {
		UpdatedAt time.Time
	}
	if err = mine().Select("conversations.updated_at").Order("conversations.updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, 0, nil, err
	}
	return count, sum.Total, &row.UpdatedAt, nil
}

// MessagesStats returns the number of messages in a conversation and the
// greatest updated_at among them, which advances on edits.
func MessagesStats(ctx context.Context, db *gorm.DB, conversationID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Message{}).Where("conversation_id = ?", conversationID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
