package gormrepository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"otcdesk/internal/models"
	"otcdesk/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- Deals -------------------------------------------------------------------

func (s *Store) InsertDeal(ctx context.Context, item *models.Deal) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetDealByID(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	if s == nil || s.db == nil || id == uuid.Nil {
		return nil, nil
	}
	var item models.Deal
	err := s.db.WithContext(ctx).Model(&models.Deal{}).Where("id = ?", id).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) FindActiveDeal(ctx context.Context, groupJID, clientJID string) (*models.Deal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	groupJID = strings.TrimSpace(groupJID)
	clientJID = strings.TrimSpace(clientJID)
	if groupJID == "" || clientJID == "" {
		return nil, nil
	}
	var item models.Deal
	err := s.db.WithContext(ctx).
		Model(&models.Deal{}).
		Where("group_jid = ?", groupJID).
		Where("client_jid = ?", clientJID).
		Where("state IN ?", models.ActiveDealStates).
		Where("archived_at IS NULL").
		Order("created_at desc").
		First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) TransitionDeal(ctx context.Context, params repository.TransitionDealParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := transitionQuery(s.db.WithContext(ctx), params)
	return res.RowsAffected, res.Error
}

func (s *Store) FinalizeDeal(ctx context.Context, params repository.TransitionDealParams, journal *models.TradeJournal) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var affected int64
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		res := transitionQuery(tx, params)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		if affected == 0 || journal == nil {
			return nil
		}
		return tx.Create(journal).Error
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// transitionQuery builds the guarded state update. The state IN clause is
// what makes concurrent writers safe: only one update finds the deal in a
// from-state, everyone else sees zero rows affected and must re-read.
func transitionQuery(db *gorm.DB, params repository.TransitionDealParams) *gorm.DB {
	updates := map[string]any{"state": params.ToState}
	for k, v := range params.Updates {
		updates[k] = v
	}
	query := db.
		Model(&models.Deal{}).
		Where("id = ?", params.ID).
		Where("state IN ?", params.FromStates)
	if params.GroupJID != "" {
		query = query.Where("group_jid = ?", params.GroupJID)
	}
	return query.Updates(updates)
}

func (s *Store) MarkDealReprompted(ctx context.Context, id uuid.UUID, at time.Time) (int64, error) {
	if s == nil || s.db == nil || id == uuid.Nil {
		return 0, nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).
		Model(&models.Deal{}).
		Where("id = ?", id).
		Where("state = ?", models.DealStateAwaitingAmount).
		Where("reprompted_at IS NULL").
		Update("reprompted_at", at)
	return res.RowsAffected, res.Error
}

func (s *Store) ArchiveDeal(ctx context.Context, id uuid.UUID, at time.Time) error {
	if s == nil || s.db == nil || id == uuid.Nil {
		return nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return s.db.WithContext(ctx).
		Model(&models.Deal{}).
		Where("id = ?", id).
		Where("archived_at IS NULL").
		Update("archived_at", at).Error
}

func (s *Store) ListDeals(ctx context.Context, params repository.ListDealsParams) ([]models.Deal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyDealFilters(s.db.WithContext(ctx).Model(&models.Deal{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.Deal
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountDeals(ctx context.Context, params repository.ListDealsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var count int64
	query := applyDealFilters(s.db.WithContext(ctx).Model(&models.Deal{}), params)
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func applyDealFilters(query *gorm.DB, params repository.ListDealsParams) *gorm.DB {
	if params.GroupJID != nil && strings.TrimSpace(*params.GroupJID) != "" {
		query = query.Where("group_jid = ?", strings.TrimSpace(*params.GroupJID))
	}
	if params.ClientJID != nil && strings.TrimSpace(*params.ClientJID) != "" {
		query = query.Where("client_jid = ?", strings.TrimSpace(*params.ClientJID))
	}
	if params.State != nil && *params.State != "" {
		query = query.Where("state = ?", *params.State)
	}
	if params.Side != nil && *params.Side != "" {
		query = query.Where("side = ?", *params.Side)
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("created_at >= ?", *params.Since)
	}
	if params.Until != nil && !params.Until.IsZero() {
		query = query.Where("created_at < ?", *params.Until)
	}
	if params.Archived != nil {
		if *params.Archived {
			query = query.Where("archived_at IS NOT NULL")
		} else {
			query = query.Where("archived_at IS NULL")
		}
	}
	return query
}

func (s *Store) ListDealsPastTTL(ctx context.Context, now time.Time, limit int) ([]models.Deal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var items []models.Deal
	err := s.db.WithContext(ctx).
		Model(&models.Deal{}).
		Where("state IN ?", []models.DealState{models.DealStateQuoted, models.DealStateLocked}).
		Where("ttl_expires_at <= ?", now).
		Where("archived_at IS NULL").
		Order("ttl_expires_at asc").
		Limit(normalizeLimit(limit, 200)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListAwaitingAmountDeals(ctx context.Context, limit int) ([]models.Deal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Deal
	err := s.db.WithContext(ctx).
		Model(&models.Deal{}).
		Where("state = ?", models.DealStateAwaitingAmount).
		Where("archived_at IS NULL").
		Order("locked_at asc").
		Limit(normalizeLimit(limit, 200)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// PruneArchivedDeals deletes archived rows older than the cutoff. The
// trade journal keeps the permanent record, so only the working table
// shrinks.
func (s *Store) PruneArchivedDeals(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil || before.IsZero() {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("archived_at IS NOT NULL").
		Where("archived_at < ?", before).
		Delete(&models.Deal{})
	return res.RowsAffected, res.Error
}

// --- Group rules -------------------------------------------------------------

func (s *Store) InsertGroupRule(ctx context.Context, item *models.GroupRule) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) UpdateGroupRule(ctx context.Context, item *models.GroupRule) error {
	if s == nil || s.db == nil || item == nil || item.ID == uuid.Nil {
		return nil
	}
	// Column map so false/zero values (is_active off, zero spread) still land.
	return s.db.WithContext(ctx).
		Model(&models.GroupRule{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{
			"name":           item.Name,
			"start_time":     item.StartTime,
			"end_time":       item.EndTime,
			"days":           item.Days,
			"timezone":       item.Timezone,
			"priority":       item.Priority,
			"is_active":      item.IsActive,
			"pricing_source": item.PricingSource,
			"spread_mode":    item.SpreadMode,
			"sell_spread":    item.SellSpread,
			"buy_spread":     item.BuySpread,
		}).Error
}

func (s *Store) DeleteGroupRule(ctx context.Context, groupJID, name string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	groupJID = strings.TrimSpace(groupJID)
	name = strings.TrimSpace(name)
	if groupJID == "" || name == "" {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("group_jid = ?", groupJID).
		Where("name = ?", name).
		Delete(&models.GroupRule{})
	return res.RowsAffected, res.Error
}

func (s *Store) GetGroupRule(ctx context.Context, groupJID, name string) (*models.GroupRule, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	groupJID = strings.TrimSpace(groupJID)
	name = strings.TrimSpace(name)
	if groupJID == "" || name == "" {
		return nil, nil
	}
	var item models.GroupRule
	err := s.db.WithContext(ctx).
		Model(&models.GroupRule{}).
		Where("group_jid = ?", groupJID).
		Where("name = ?", name).
		First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListGroupRules(ctx context.Context, groupJID string) ([]models.GroupRule, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	groupJID = strings.TrimSpace(groupJID)
	if groupJID == "" {
		return nil, nil
	}
	var items []models.GroupRule
	err := s.db.WithContext(ctx).
		Model(&models.GroupRule{}).
		Where("group_jid = ?", groupJID).
		Order("priority desc, created_at asc, id asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountGroupRules(ctx context.Context, groupJID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	groupJID = strings.TrimSpace(groupJID)
	if groupJID == "" {
		return 0, nil
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.GroupRule{}).
		Where("group_jid = ?", groupJID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// --- Group settings ----------------------------------------------------------

func (s *Store) GetGroupSettings(ctx context.Context, groupJID string) (*models.GroupSettings, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	groupJID = strings.TrimSpace(groupJID)
	if groupJID == "" {
		return nil, nil
	}
	var item models.GroupSettings
	err := s.db.WithContext(ctx).
		Model(&models.GroupSettings{}).
		Where("group_jid = ?", groupJID).
		First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertGroupSettings(ctx context.Context, item *models.GroupSettings) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "group_jid"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"pricing_source", "spread_mode", "sell_spread", "buy_spread",
				"quote_ttl_seconds", "amount_timeout_seconds",
				"operator_jid", "paused", "updated_at",
			}),
		}).
		Create(item).Error
}

func (s *Store) ListGroupSettings(ctx context.Context) ([]models.GroupSettings, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.GroupSettings
	err := s.db.WithContext(ctx).
		Model(&models.GroupSettings{}).
		Order("group_jid asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// --- Trade journal -----------------------------------------------------------

func (s *Store) InsertTradeJournal(ctx context.Context, item *models.TradeJournal) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListTradeJournals(ctx context.Context, params repository.ListTradeJournalParams) ([]models.TradeJournal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyJournalFilters(s.db.WithContext(ctx).Model(&models.TradeJournal{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.TradeJournal
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountTradeJournals(ctx context.Context, params repository.ListTradeJournalParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var count int64
	query := applyJournalFilters(s.db.WithContext(ctx).Model(&models.TradeJournal{}), params)
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func applyJournalFilters(query *gorm.DB, params repository.ListTradeJournalParams) *gorm.DB {
	if params.GroupJID != nil && strings.TrimSpace(*params.GroupJID) != "" {
		query = query.Where("group_jid = ?", strings.TrimSpace(*params.GroupJID))
	}
	if params.ClientJID != nil && strings.TrimSpace(*params.ClientJID) != "" {
		query = query.Where("client_jid = ?", strings.TrimSpace(*params.ClientJID))
	}
	if params.Outcome != nil && *params.Outcome != "" {
		query = query.Where("outcome = ?", *params.Outcome)
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("created_at >= ?", *params.Since)
	}
	if params.Until != nil && !params.Until.IsZero() {
		query = query.Where("created_at < ?", *params.Until)
	}
	return query
}

func (s *Store) JournalSummary(ctx context.Context, params repository.JournalSummaryParams) (repository.JournalSummary, error) {
	var out repository.JournalSummary
	if s == nil || s.db == nil {
		return out, nil
	}
	query := s.db.WithContext(ctx).Model(&models.TradeJournal{})
	if params.GroupJID != nil && strings.TrimSpace(*params.GroupJID) != "" {
		query = query.Where("group_jid = ?", strings.TrimSpace(*params.GroupJID))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("created_at >= ?", *params.Since)
	}
	if params.Until != nil && !params.Until.IsZero() {
		query = query.Where("created_at < ?", *params.Until)
	}
	err := query.Select(`
		COUNT(*) AS total_deals,
		SUM(CASE WHEN outcome = 'completed' THEN 1 ELSE 0 END) AS completed_deals,
		SUM(CASE WHEN outcome = 'cancelled' THEN 1 ELSE 0 END) AS cancelled_deals,
		SUM(CASE WHEN outcome = 'expired' THEN 1 ELSE 0 END) AS expired_deals,
		SUM(CASE WHEN outcome = 'rejected' THEN 1 ELSE 0 END) AS rejected_deals,
		COALESCE(SUM(CASE WHEN outcome = 'completed' THEN amount_brl ELSE 0 END), 0) AS volume_brl,
		COALESCE(SUM(CASE WHEN outcome = 'completed' THEN amount_usdt ELSE 0 END), 0) AS volume_usdt`).
		Scan(&out).Error
	if err != nil {
		return repository.JournalSummary{}, err
	}
	return out, nil
}

// --- helpers -----------------------------------------------------------------

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
