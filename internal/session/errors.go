package session

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/onechat-realtime/internal/services"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeValidation         Code = "validation_error"
	CodeNotFound           Code = "not_found"
	CodeNotAuthor          Code = "not_author"
	CodeNotParticipant     Code = "not_participant"
	CodeNotRecipient       Code = "not_recipient"
	CodeDuplicateRequest   Code = "duplicate_request"
	CodeConversationExists Code = "conversation_exists"
	CodeAlreadyResolved    Code = "already_resolved"
	CodeSelfRequest        Code = "self_request"
	CodeTransient          Code = "transient"
	CodeSessionClosed      Code = "session_closed"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session closed")

// Error is the only error type that leaves the façade. Message is safe to
// show to users; the underlying storage error is never reachable from it.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	// ConversationID is set with CodeConversationExists.
	ConversationID string `json:"conversation_id,omitempty"`

	kind error
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes the taxonomy sentinel (services.ErrNotFound, ...), so
// errors.Is works across the boundary.
func (e *Error) Unwrap() error { return e.kind }

var catalog = []struct {
	kind      error
	code      Code
	message   string
	retryable bool
}{
	{services.ErrNotFound, CodeNotFound, "We couldn't find that.", false},
	{services.ErrNotAuthor, CodeNotAuthor, "You can only change your own messages.", false},
	{services.ErrNotParticipant, CodeNotParticipant, "You are not part of this conversation.", false},
	{services.ErrNotRecipient, CodeNotRecipient, "Only the recipient can respond to this request.", false},
	{services.ErrDuplicateRequest, CodeDuplicateRequest, "You already have a pending request with this user.", false},
	{services.ErrConversationExists, CodeConversationExists, "You already have a conversation with this user.", false},
	{services.ErrAlreadyResolved, CodeAlreadyResolved, "This request has already been answered.", false},
	{services.ErrSelfRequest, CodeSelfRequest, "You cannot start a chat with yourself.", false},
	{ErrSessionClosed, CodeSessionClosed, "Your session has ended. Please reconnect.", false},
}

const retryMessage = "Something went wrong. Please try again."

// Describe maps any error from the core to an *Error. Unknown errors and
// storage failures become CodeTransient with a generic message; the raw
// error is logged, not returned.
func Describe(err error) *Error {
	if err == nil {
		return nil
	}
	var out *Error
	if errors.As(err, &out) {
		return out
	}

	if errors.Is(err, services.ErrValidation) {
		msg := strings.TrimPrefix(err.Error(), services.ErrValidation.Error()+": ")
		if msg == "" || msg == err.Error() {
			msg = "The request is not valid."
		}
		return &Error{Code: CodeValidation, Message: upperFirst(msg), kind: services.ErrValidation}
	}

	for _, c := range catalog {
		if errors.Is(err, c.kind) {
			e := &Error{Code: c.code, Message: c.message, Retryable: c.retryable, kind: c.kind}
			var exists *services.ConversationExistsError
			if errors.As(err, &exists) {
				e.ConversationID = exists.ConversationID
			}
			return e
		}
	}

	if !errors.Is(err, services.ErrTransient) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Error().Err(err).Msg("unclassified error at session boundary")
	} else {
		log.Warn().Err(err).Msg("transient failure")
	}
	return &Error{Code: CodeTransient, Message: retryMessage, Retryable: true, kind: services.ErrTransient}
}

func describe(err error) error {
	if err == nil {
		return nil
	}
	return Describe(err)
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
