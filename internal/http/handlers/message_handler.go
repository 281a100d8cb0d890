package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/onechat-realtime/internal/domain"
	"github.com/tbourn/onechat-realtime/internal/http/middleware"
	"github.com/tbourn/onechat-realtime/internal/utils"
)

// PostMessageRequest is the body of a send or an edit. Content is trimmed
// and validated by the conversation store.
type PostMessageRequest struct {
	Content string `json:"content"`
}

// MessageResponse wraps a single message.
type MessageResponse struct {
	Message *domain.Message `json:"message"`
}

// ListMessagesResponse lists messages oldest to newest.
type ListMessagesResponse struct {
	Messages []domain.Message `json:"messages"`
}

// ListMessages serves GET /conversations/:id/messages?limit=N. Without a
// limit the whole history is returned, except for the global room which
// returns its most recent messages.
func (h *Handlers) ListMessages(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	ctx := c.Request.Context()
	convID := c.Param("id")

	limit := utils.AtoiDefault(c.Query("limit"), 0)
	if limit < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "limit must be positive")
		return
	}

	n, ts, err := a.MessagesVersion(ctx, convID)
	if err != nil {
		failErr(c, err)
		return
	}
	// Different limits are different representations.
	if notModified(c, "messages", convID+":"+strconv.Itoa(limit), n, ts) {
		return
	}
	items, err := a.ListMessages(ctx, convID, limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: items})
}

// PostMessage serves POST /conversations/:id/messages. With an
// Idempotency-Key a retry returns the message created by the first attempt,
// with 200 and Idempotency-Replayed: true instead of 201.
func (h *Handlers) PostMessage(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	m, replayed, err := a.SendMessageOnce(c.Request.Context(), c.Param("id"), req.Content, key)
	if err != nil {
		failErr(c, err)
		return
	}
	if replayed {
		c.Header(middleware.HeaderIdempotencyReplayed, "true")
		ok(c, http.StatusOK, MessageResponse{Message: m})
		return
	}
	ok(c, http.StatusCreated, MessageResponse{Message: m})
}

// EditMessage serves PATCH /messages/:id. Only the author may edit.
func (h *Handlers) EditMessage(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	m, err := a.EditMessage(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, MessageResponse{Message: m})
}

// DeleteMessage serves DELETE /messages/:id. Only the author may delete.
func (h *Handlers) DeleteMessage(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	if err := a.DeleteMessage(c.Request.Context(), c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
