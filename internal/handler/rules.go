package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"otcdesk/internal/models"
	"otcdesk/internal/repository"
	"otcdesk/internal/schedule"
)

// RuleHandler exposes scheduled pricing rule CRUD. Every write invalidates
// the scheduler's cached rule list so the next quote prices on the new
// state.
type RuleHandler struct {
	Repo     repository.Repository
	Schedule *schedule.Service
}

func (h *RuleHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/groups/:group_jid/rules")
	g.GET("", h.list)
	g.POST("", h.create)
	g.PUT("/:name", h.update)
	g.DELETE("/:name", h.delete)
}

func (h *RuleHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	groupJID := strings.TrimSpace(c.Param("group_jid"))
	if groupJID == "" {
		Error(c, http.StatusBadRequest, "invalid group_jid", nil)
		return
	}
	items, err := h.Repo.ListGroupRules(c.Request.Context(), groupJID)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

type createRuleRequest struct {
	Name          string   `json:"name"`
	StartTime     string   `json:"start_time"`
	EndTime       string   `json:"end_time"`
	Days          []string `json:"days"`
	Timezone      string   `json:"timezone"`
	Priority      int      `json:"priority"`
	IsActive      *bool    `json:"is_active"`
	PricingSource string   `json:"pricing_source"`
	SpreadMode    string   `json:"spread_mode"`
	SellSpread    string   `json:"sell_spread"`
	BuySpread     string   `json:"buy_spread"`
}

func (h *RuleHandler) create(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	groupJID := strings.TrimSpace(c.Param("group_jid"))
	if groupJID == "" {
		Error(c, http.StatusBadRequest, "invalid group_jid", nil)
		return
	}
	var req createRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}

	item := &models.GroupRule{
		ID:            uuid.New(),
		GroupJID:      groupJID,
		Name:          strings.TrimSpace(req.Name),
		StartTime:     strings.TrimSpace(req.StartTime),
		EndTime:       strings.TrimSpace(req.EndTime),
		Timezone:      strings.TrimSpace(req.Timezone),
		Priority:      req.Priority,
		IsActive:      true,
		PricingSource: strings.TrimSpace(req.PricingSource),
		SpreadMode:    strings.TrimSpace(req.SpreadMode),
	}
	item.SetDays(req.Days)
	if req.IsActive != nil {
		item.IsActive = *req.IsActive
	}
	if req.SellSpread != "" {
		v, err := decimal.NewFromString(strings.TrimSpace(req.SellSpread))
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid sell_spread", nil)
			return
		}
		item.SellSpread = v
	}
	if req.BuySpread != "" {
		v, err := decimal.NewFromString(strings.TrimSpace(req.BuySpread))
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid buy_spread", nil)
			return
		}
		item.BuySpread = v
	}
	if err := schedule.ValidateRule(item); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}

	existing, err := h.Repo.GetGroupRule(c.Request.Context(), groupJID, item.Name)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if existing != nil {
		Error(c, http.StatusConflict, "rule name already in use", nil)
		return
	}
	count, err := h.Repo.CountGroupRules(c.Request.Context(), groupJID)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if count >= schedule.MaxRulesPerGroup {
		Error(c, http.StatusConflict, "rule limit reached for group", nil)
		return
	}

	if err := h.Repo.InsertGroupRule(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	h.invalidate(groupJID)
	Ok(c, item, nil)
}

type updateRuleRequest struct {
	StartTime     *string  `json:"start_time"`
	EndTime       *string  `json:"end_time"`
	Days          []string `json:"days"`
	Timezone      *string  `json:"timezone"`
	Priority      *int     `json:"priority"`
	IsActive      *bool    `json:"is_active"`
	PricingSource *string  `json:"pricing_source"`
	SpreadMode    *string  `json:"spread_mode"`
	SellSpread    *string  `json:"sell_spread"`
	BuySpread     *string  `json:"buy_spread"`
}

func (h *RuleHandler) update(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	groupJID := strings.TrimSpace(c.Param("group_jid"))
	name := strings.TrimSpace(c.Param("name"))
	if groupJID == "" || name == "" {
		Error(c, http.StatusBadRequest, "invalid group_jid or name", nil)
		return
	}
	var req updateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	item, err := h.Repo.GetGroupRule(c.Request.Context(), groupJID, name)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "rule not found", nil)
		return
	}

	if req.StartTime != nil {
		item.StartTime = strings.TrimSpace(*req.StartTime)
	}
	if req.EndTime != nil {
		item.EndTime = strings.TrimSpace(*req.EndTime)
	}
	if req.Days != nil {
		item.SetDays(req.Days)
	}
	if req.Timezone != nil {
		item.Timezone = strings.TrimSpace(*req.Timezone)
	}
	if req.Priority != nil {
		item.Priority = *req.Priority
	}
	if req.IsActive != nil {
		item.IsActive = *req.IsActive
	}
	if req.PricingSource != nil {
		item.PricingSource = strings.TrimSpace(*req.PricingSource)
	}
	if req.SpreadMode != nil {
		item.SpreadMode = strings.TrimSpace(*req.SpreadMode)
	}
	if req.SellSpread != nil {
		v, err := decimal.NewFromString(strings.TrimSpace(*req.SellSpread))
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid sell_spread", nil)
			return
		}
		item.SellSpread = v
	}
	if req.BuySpread != nil {
		v, err := decimal.NewFromString(strings.TrimSpace(*req.BuySpread))
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid buy_spread", nil)
			return
		}
		item.BuySpread = v
	}
	if err := schedule.ValidateRule(item); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}

	if err := h.Repo.UpdateGroupRule(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	h.invalidate(groupJID)
	Ok(c, item, nil)
}

func (h *RuleHandler) delete(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	groupJID := strings.TrimSpace(c.Param("group_jid"))
	name := strings.TrimSpace(c.Param("name"))
	if groupJID == "" || name == "" {
		Error(c, http.StatusBadRequest, "invalid group_jid or name", nil)
		return
	}
	affected, err := h.Repo.DeleteGroupRule(c.Request.Context(), groupJID, name)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if affected == 0 {
		Error(c, http.StatusNotFound, "rule not found", nil)
		return
	}
	h.invalidate(groupJID)
	Ok(c, map[string]any{"name": name, "deleted": true}, nil)
}

func (h *RuleHandler) invalidate(groupJID string) {
	if h.Schedule != nil {
		h.Schedule.Invalidate(groupJID)
	}
}
