package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"otcdesk/internal/models"
	"otcdesk/internal/repository"
)

// SettingsHandler manages per-group defaults: spread config, TTLs, the
// operator to tag, and the pause switch.
type SettingsHandler struct {
	Repo repository.Repository
}

func (h *SettingsHandler) Register(r *gin.Engine) {
	r.GET("/api/v1/groups", h.listGroups)
	g := r.Group("/api/v1/groups/:group_jid/settings")
	g.GET("", h.get)
	g.PUT("", h.put)
}

func (h *SettingsHandler) listGroups(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	items, err := h.Repo.ListGroupSettings(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

// get returns the group's effective settings; an unconfigured group shows
// the defaults it would trade on.
func (h *SettingsHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	groupJID := strings.TrimSpace(c.Param("group_jid"))
	if groupJID == "" {
		Error(c, http.StatusBadRequest, "invalid group_jid", nil)
		return
	}
	item, err := h.Repo.GetGroupSettings(c.Request.Context(), groupJID)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		item = models.DefaultGroupSettings(groupJID)
	}
	Ok(c, item, nil)
}

type putSettingsRequest struct {
	PricingSource        *string `json:"pricing_source"`
	SpreadMode           *string `json:"spread_mode"`
	SellSpread           *string `json:"sell_spread"`
	BuySpread            *string `json:"buy_spread"`
	QuoteTTLSeconds      *int    `json:"quote_ttl_seconds"`
	AmountTimeoutSeconds *int    `json:"amount_timeout_seconds"`
	OperatorJID          *string `json:"operator_jid"`
	Paused               *bool   `json:"paused"`
}

func (h *SettingsHandler) put(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	groupJID := strings.TrimSpace(c.Param("group_jid"))
	if groupJID == "" {
		Error(c, http.StatusBadRequest, "invalid group_jid", nil)
		return
	}
	var req putSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	item, err := h.Repo.GetGroupSettings(c.Request.Context(), groupJID)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		item = models.DefaultGroupSettings(groupJID)
	}

	if req.PricingSource != nil {
		switch *req.PricingSource {
		case models.PricingSourceCommercialDollar, models.PricingSourceUSDTBinance:
			item.PricingSource = *req.PricingSource
		default:
			Error(c, http.StatusBadRequest, "unknown pricing_source", nil)
			return
		}
	}
	if req.SpreadMode != nil {
		switch *req.SpreadMode {
		case models.SpreadModeBps, models.SpreadModeAbsBRL, models.SpreadModeFlat:
			item.SpreadMode = *req.SpreadMode
		default:
			Error(c, http.StatusBadRequest, "unknown spread_mode", nil)
			return
		}
	}
	if req.SellSpread != nil {
		v, err := decimal.NewFromString(strings.TrimSpace(*req.SellSpread))
		if err != nil || v.IsNegative() {
			Error(c, http.StatusBadRequest, "invalid sell_spread", nil)
			return
		}
		item.SellSpread = v
	}
	if req.BuySpread != nil {
		v, err := decimal.NewFromString(strings.TrimSpace(*req.BuySpread))
		if err != nil || v.IsNegative() {
			Error(c, http.StatusBadRequest, "invalid buy_spread", nil)
			return
		}
		item.BuySpread = v
	}
	if req.QuoteTTLSeconds != nil {
		if *req.QuoteTTLSeconds <= 0 {
			Error(c, http.StatusBadRequest, "quote_ttl_seconds must be positive", nil)
			return
		}
		item.QuoteTTLSeconds = *req.QuoteTTLSeconds
	}
	if req.AmountTimeoutSeconds != nil {
		if *req.AmountTimeoutSeconds <= 0 {
			Error(c, http.StatusBadRequest, "amount_timeout_seconds must be positive", nil)
			return
		}
		item.AmountTimeoutSeconds = *req.AmountTimeoutSeconds
	}
	if req.OperatorJID != nil {
		item.OperatorJID = strings.TrimSpace(*req.OperatorJID)
	}
	if req.Paused != nil {
		item.Paused = *req.Paused
	}

	if err := h.Repo.UpsertGroupSettings(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}
