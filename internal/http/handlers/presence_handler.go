package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/onechat-realtime/internal/domain"
	"github.com/tbourn/onechat-realtime/internal/utils"
)

// maxPresenceIDs caps one snapshot query.
const maxPresenceIDs = 200

// PresenceResponse lists presence in the order the ids were asked for.
type PresenceResponse struct {
	Presence []domain.PresenceStatus `json:"presence"`
}

// Heartbeat serves POST /presence/heartbeat.
func (h *Handlers) Heartbeat(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	if err := a.Heartbeat(c.Request.Context()); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// Presence serves GET /presence?user_id=a&user_id=b (or user_id=a,b).
func (h *Handlers) Presence(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	ids := utils.SplitIDs(c.QueryArray("user_id"))
	if len(ids) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id required")
		return
	}
	if len(ids) > maxPresenceIDs {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "too many user ids")
		return
	}
	snap, err := a.Presence(c.Request.Context(), ids)
	if err != nil {
		failErr(c, err)
		return
	}
	out := make([]domain.PresenceStatus, 0, len(ids))
	for _, id := range ids {
		st, found := snap[id]
		if !found {
			st = domain.PresenceStatus{UserID: id}
		}
		out = append(out, st)
	}
	ok(c, http.StatusOK, PresenceResponse{Presence: out})
}

// RecentlyActive serves GET /presence/recent?limit=N.
func (h *Handlers) RecentlyActive(c *gin.Context) {
	a, okActor := h.actor(c)
	if !okActor {
		return
	}
	items, err := a.RecentlyActive(c.Request.Context(), utils.AtoiDefault(c.Query("limit"), 0))
	if err != nil {
		failErr(c, err)
		return
	}
	if items == nil {
		items = []domain.PresenceStatus{}
	}
	ok(c, http.StatusOK, PresenceResponse{Presence: items})
}
