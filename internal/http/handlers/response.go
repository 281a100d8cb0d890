package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/onechat-realtime/internal/http/middleware"
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	// Correlates server logs and client errors.
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code.
	Code string `json:"code"`
	// Safe to show to users.
	Message string `json:"message"`
	// Retryable is true for transient failures.
	Retryable bool `json:"retryable,omitempty"`
	// ConversationID accompanies conversation_exists.
	ConversationID string `json:"conversation_id,omitempty"`
}

// fail aborts with the envelope and logs server-side errors.
func fail(c *gin.Context, status int, code, msg string) {
	writeError(c, status, ErrorResponse{Code: code, Message: msg})
}

// Fail is fail for other packages, such as the router fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr writes a façade error with its mapped status.
func failErr(c *gin.Context, err error) {
	e := asSessionError(err)
	status := StatusFor(e.Code)
	if e.Retryable {
		c.Header("Retry-After", strconv.Itoa(1))
	}
	writeError(c, status, ErrorResponse{
		Code:           string(e.Code),
		Message:        e.Message,
		Retryable:      e.Retryable,
		ConversationID: e.ConversationID,
	})
}

func writeError(c *gin.Context, status int, resp ErrorResponse) {
	resp.RequestID = middleware.RequestIDFrom(c)
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", resp.Code).
			Str("message", resp.Message).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, resp)
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
