package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"otcdesk/internal/models"
	"otcdesk/internal/repository"
)

// AnalyticsHandler serves the trade journal and its aggregates. Everything
// here reads the append-only journal, so the numbers are stable even while
// negotiations are in flight.
type AnalyticsHandler struct {
	Repo repository.Repository
}

func (h *AnalyticsHandler) Register(r *gin.Engine) {
	r.GET("/api/v1/analytics/summary", h.summary)
	r.GET("/api/v1/journal", h.listJournal)
}

func (h *AnalyticsHandler) summary(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	params := repository.JournalSummaryParams{
		GroupJID: strQueryPtr(c, "group_jid"),
		Since:    timeQueryPtr(c, "since"),
		Until:    timeQueryPtr(c, "until"),
	}
	out, err := h.Repo.JournalSummary(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, out, nil)
}

func (h *AnalyticsHandler) listJournal(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	var outcome *models.DealState
	if v := strings.TrimSpace(c.Query("outcome")); v != "" {
		s := models.DealState(v)
		if !s.Terminal() {
			Error(c, http.StatusBadRequest, "unknown outcome", nil)
			return
		}
		outcome = &s
	}

	params := repository.ListTradeJournalParams{
		Limit:     limit,
		Offset:    offset,
		GroupJID:  strQueryPtr(c, "group_jid"),
		ClientJID: strQueryPtr(c, "client_jid"),
		Outcome:   outcome,
		Since:     timeQueryPtr(c, "since"),
		Until:     timeQueryPtr(c, "until"),
		OrderBy:   "created_at",
		Asc:       boolPtr(false),
	}
	items, err := h.Repo.ListTradeJournals(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountTradeJournals(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}
