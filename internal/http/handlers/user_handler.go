package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/onechat-realtime/internal/domain"
	"github.com/tbourn/onechat-realtime/internal/http/middleware"
)

// ProfileRequest is the identity provider's view of the caller. Email may be
// omitted when the bearer token carries it.
type ProfileRequest struct {
	Email       string  `json:"email"`
	DisplayName *string `json:"display_name,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// PutMe serves PUT /me, syncing the caller's profile into the directory.
func (h *Handlers) PutMe(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	var req ProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" {
		req.Email = middleware.UserEmail(c)
	}
	u, err := a.UpdateProfile(c.Request.Context(), domain.User{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}
