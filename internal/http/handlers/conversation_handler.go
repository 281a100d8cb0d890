package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/onechat-realtime/internal/domain"
)

// ListConversationsResponse is the caller's conversation list, newest
// activity first.
type ListConversationsResponse struct {
	Conversations []domain.ConversationSummary `json:"conversations"`
}

// OpenConversationRequest opens a conversation with the owner of Email.
type OpenConversationRequest struct {
	Email string `json:"email" binding:"required"`
}

// ListConversations serves GET /conversations with a weak ETag.
func (h *Handlers) ListConversations(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	ctx := c.Request.Context()

	if n, rev, ts, err := a.ConversationsVersion(ctx); err == nil &&
		notModified(c, "conversations", a.UserID+":"+strconv.FormatInt(rev, 10), n, ts) {
		return
	}

	items, err := a.ListConversations(ctx)
	if err != nil {
		failErr(c, err)
		return
	}
	if items == nil {
		items = []domain.ConversationSummary{}
	}
	ok(c, http.StatusOK, ListConversationsResponse{Conversations: items})
}

// OpenConversation serves POST /conversations: find or create the
// conversation with another user, skipping the request handshake.
func (h *Handlers) OpenConversation(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	var req OpenConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "email required")
		return
	}
	conv, err := a.OpenConversation(c.Request.Context(), req.Email)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}
