package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"otcdesk/internal/engine"
	"otcdesk/internal/models"
	"otcdesk/internal/repository"
)

// DealHandler serves the operator dashboard's view of deals and the
// manual cancel escape hatch.
type DealHandler struct {
	Repo   repository.Repository
	Engine *engine.Service
}

func (h *DealHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/deals")
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/cancel", h.cancel)
}

func (h *DealHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	var state *models.DealState
	if v := strings.TrimSpace(c.Query("state")); v != "" {
		s := models.DealState(v)
		state = &s
	}
	var side *models.DealSide
	if v := strings.TrimSpace(c.Query("side")); v != "" {
		s := models.DealSide(v)
		side = &s
	}

	params := repository.ListDealsParams{
		Limit:     limit,
		Offset:    offset,
		GroupJID:  strQueryPtr(c, "group_jid"),
		ClientJID: strQueryPtr(c, "client_jid"),
		State:     state,
		Side:      side,
		Since:     timeQueryPtr(c, "since"),
		Until:     timeQueryPtr(c, "until"),
		Archived:  boolQueryPtr(c, "archived"),
		OrderBy:   "created_at",
		Asc:       boolPtr(false),
	}
	items, err := h.Repo.ListDeals(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountDeals(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *DealHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		Error(c, http.StatusBadRequest, "invalid deal id", nil)
		return
	}
	item, err := h.Repo.GetDealByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "deal not found", nil)
		return
	}
	Ok(c, item, nil)
}

type cancelDealRequest struct {
	Reason string `json:"reason"`
}

// cancel is the operator overriding the conversation: same transition the
// client's "deixa" takes, with the operator recorded as the reason.
func (h *DealHandler) cancel(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusInternalServerError, "engine unavailable", nil)
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		Error(c, http.StatusBadRequest, "invalid deal id", nil)
		return
	}
	var req cancelDealRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			Error(c, http.StatusBadRequest, "invalid body", nil)
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled_by_operator"
	}
	item, err := h.Engine.Cancel(c.Request.Context(), id, "", reason)
	if err != nil {
		EngineError(c, err)
		return
	}
	Ok(c, item, nil)
}
