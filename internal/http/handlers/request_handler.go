package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/onechat-realtime/internal/domain"
)

// StartChatRequest asks the owner of Email for a conversation. Message is
// optional; a friendly default is used when it is blank.
type StartChatRequest struct {
	Email   string  `json:"email" binding:"required"`
	Message *string `json:"message,omitempty"`
}

// PendingRequestsResponse is the caller's inbox, oldest first.
type PendingRequestsResponse struct {
	Requests []domain.RequestView `json:"requests"`
}

// OutgoingRequestsResponse lists the caller's unanswered requests.
type OutgoingRequestsResponse struct {
	Requests []domain.ChatRequest `json:"requests"`
}

// AcceptResponse names the conversation the two users now share.
type AcceptResponse struct {
	ConversationID string `json:"conversation_id"`
}

// RequestResponse wraps a single request.
type RequestResponse struct {
	Request *domain.ChatRequest `json:"request"`
}

// StartChat serves POST /chat-requests. It answers 201 with the new request,
// or 200 with conversation_id when the two users already share one.
func (h *Handlers) StartChat(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	var req StartChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "email required")
		return
	}
	res, err := a.StartChat(c.Request.Context(), req.Email, req.Message)
	if err != nil {
		failErr(c, err)
		return
	}
	if res.Request == nil {
		ok(c, http.StatusOK, res)
		return
	}
	ok(c, http.StatusCreated, res)
}

// ListPending serves GET /chat-requests.
func (h *Handlers) ListPending(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	items, err := a.ListPending(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, PendingRequestsResponse{Requests: items})
}

// ListOutgoing serves GET /chat-requests/outgoing.
func (h *Handlers) ListOutgoing(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	items, err := a.ListOutgoing(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, OutgoingRequestsResponse{Requests: items})
}

// AcceptRequest serves POST /chat-requests/:id/accept.
func (h *Handlers) AcceptRequest(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	convID, err := a.AcceptRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, AcceptResponse{ConversationID: convID})
}

// IgnoreRequest serves POST /chat-requests/:id/ignore.
func (h *Handlers) IgnoreRequest(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	r, err := a.IgnoreRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, RequestResponse{Request: r})
}
