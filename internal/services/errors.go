// Package services holds the conversation store, the chat request handshake,
// and the user directory. This file centralizes the error taxonomy shared by
// all of them so callers can classify failures with errors.Is.
//
// Translation into user-facing messages or HTTP statuses happens in the
// session and handler layers, never here.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers empty or oversized content, malformed emails, and
	// missing identifiers.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned for an unknown conversation, message, request,
	// or user.
	ErrNotFound = errors.New("not found")

	// ErrNotAuthor is returned when someone other than the author edits or
	// deletes a message.
	ErrNotAuthor = errors.New("not the author of this message")

	// ErrNotParticipant is returned when a user reads or writes a
	// conversation they are not part of.
	ErrNotParticipant = errors.New("not a participant of this conversation")

	// ErrNotRecipient is returned when someone other than the recipient
	// accepts or ignores a request.
	ErrNotRecipient = errors.New("not the recipient of this request")

	// ErrDuplicateRequest is returned when a pending request already exists
	// for the same requester and recipient.
	ErrDuplicateRequest = errors.New("a pending request already exists")

	// ErrConversationExists is returned by request creation when the two
	// users already share a conversation. See ConversationExistsError.
	ErrConversationExists = errors.New("conversation already exists")

	// ErrAlreadyResolved is returned when accepting or ignoring a request that
	// is no longer pending.
	ErrAlreadyResolved = errors.New("request already resolved")

	// ErrSelfRequest is returned when a user targets themselves.
	ErrSelfRequest = errors.New("cannot start a chat with yourself")

	// ErrTransient wraps storage and network failures. The call may be retried.
	ErrTransient = errors.New("temporary failure")
)

// ConversationExistsError carries the id of the conversation the caller
// should use instead of creating a request.
type ConversationExistsError struct {
	ConversationID string
}

func (e *ConversationExistsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConversationExists, e.ConversationID)
}

// Is makes errors.Is(err, ErrConversationExists) hold.
func (e *ConversationExistsError) Is(target error) bool { return target == ErrConversationExists }

// Transient marks a storage or network error as retryable. The original error
// text is kept for logs but is not reachable through errors.Is.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
