// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for chat requests.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/onechat-realtime/internal/domain"
)

// PendingKey returns the ordered (requester, recipient) key stored on pending
// requests.
func PendingKey(requesterID, recipientID string) string {
	return joinKey(requesterID, recipientID)
}

// CreateRequest inserts a pending request. It returns ErrDuplicate when a
// pending request for the same ordered pair already exists.
func CreateRequest(ctx context.Context, db *gorm.DB, requesterID, recipientID string, message *string) (*domain.ChatRequest, error) {
	key := PendingKey(requesterID, recipientID)
	r := &domain.ChatRequest{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		RecipientID: recipientID,
		Message:     message,
		Status:      domain.RequestPending,
		PendingKey:  &key,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return r, nil
}

// GetRequest fetches a request by id, or ErrNotFound.
func GetRequest(ctx context.Context, db *gorm.DB, id string) (*domain.ChatRequest, error) {
	var r domain.ChatRequest
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// ResolveRequest moves a pending request to status and stamps responded_at.
// The update only matches while the row is still pending, so the returned
// row count is 0 for a request that was already resolved.
func ResolveRequest(ctx context.Context, db *gorm.DB, id, status string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.ChatRequest{}).
		Where("id = ? AND status = ?", id, domain.RequestPending).
		UpdateColumns(map[string]any{
			"status":       status,
			"responded_at": at,
			"pending_key":  nil,
		})
	return res.RowsAffected, res.Error
}

// ListPendingForRecipient returns pending requests addressed to recipientID,
// newest first.
func ListPendingForRecipient(ctx context.Context, db *gorm.DB, recipientID string) ([]domain.ChatRequest, error) {
	var out []domain.ChatRequest
	err := db.WithContext(ctx).
		Where("recipient_id = ? AND status = ?", recipientID, domain.RequestPending).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	return out, err
}

// ListPendingFromRequester returns pending requests sent by requesterID,
// newest first.
func ListPendingFromRequester(ctx context.Context, db *gorm.DB, requesterID string) ([]domain.ChatRequest, error) {
	var out []domain.ChatRequest
	err := db.WithContext(ctx).
		Where("requester_id = ? AND status = ?", requesterID, domain.RequestPending).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	return out, err
}
