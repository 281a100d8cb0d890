// Package handlers exposes the session façade over REST and websocket.
//
// Error bodies always use ErrorResponse. Domain failures carry the façade's
// code (not_participant, already_resolved, ...) and map to a fixed HTTP
// status; transport failures use the generic codes below.
package handlers

import (
	"errors"
	"net/http"

	"github.com/tbourn/onechat-realtime/internal/session"
)

// Transport-level codes.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"
)

var statusByCode = map[session.Code]int{
	session.CodeValidation:         http.StatusBadRequest,
	session.CodeSelfRequest:        http.StatusBadRequest,
	session.CodeNotFound:           http.StatusNotFound,
	session.CodeNotAuthor:          http.StatusForbidden,
	session.CodeNotParticipant:     http.StatusForbidden,
	session.CodeNotRecipient:       http.StatusForbidden,
	session.CodeDuplicateRequest:   http.StatusConflict,
	session.CodeConversationExists: http.StatusConflict,
	session.CodeAlreadyResolved:    http.StatusConflict,
	session.CodeSessionClosed:      http.StatusGone,
	session.CodeTransient:          http.StatusServiceUnavailable,
}

// StatusFor returns the HTTP status of a façade error code.
func StatusFor(code session.Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func asSessionError(err error) *session.Error {
	var e *session.Error
	if errors.As(err, &e) {
		return e
	}
	return session.Describe(err)
}
