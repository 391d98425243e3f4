package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"otcdesk/internal/models"
	"otcdesk/internal/repository"
)

// stubRepo is an in-memory Repository with the same guarded-update
// semantics as the real store. beforeTransition, when set, runs right
// before the state check so tests can interleave a concurrent writer.
type stubRepo struct {
	deals    map[uuid.UUID]*models.Deal
	journals []models.TradeJournal

	beforeTransition func()
}

func newStubRepo() *stubRepo {
	return &stubRepo{deals: map[uuid.UUID]*models.Deal{}}
}

func (s *stubRepo) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func (s *stubRepo) InsertDeal(ctx context.Context, item *models.Deal) error {
	cp := *item
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.deals[item.ID] = &cp
	return nil
}

func (s *stubRepo) GetDealByID(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	deal, ok := s.deals[id]
	if !ok {
		return nil, nil
	}
	cp := *deal
	return &cp, nil
}

func (s *stubRepo) FindActiveDeal(ctx context.Context, groupJID, clientJID string) (*models.Deal, error) {
	var newest *models.Deal
	for _, deal := range s.deals {
		if deal.GroupJID != groupJID || deal.ClientJID != clientJID {
			continue
		}
		if deal.State.Terminal() || deal.ArchivedAt != nil {
			continue
		}
		if newest == nil || deal.CreatedAt.After(newest.CreatedAt) {
			newest = deal
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (s *stubRepo) TransitionDeal(ctx context.Context, params repository.TransitionDealParams) (int64, error) {
	return s.applyTransition(params), nil
}

func (s *stubRepo) FinalizeDeal(ctx context.Context, params repository.TransitionDealParams, journal *models.TradeJournal) (int64, error) {
	affected := s.applyTransition(params)
	if affected == 1 && journal != nil {
		s.journals = append(s.journals, *journal)
	}
	return affected, nil
}

func (s *stubRepo) applyTransition(params repository.TransitionDealParams) int64 {
	if s.beforeTransition != nil {
		s.beforeTransition()
	}
	deal, ok := s.deals[params.ID]
	if !ok {
		return 0
	}
	if params.GroupJID != "" && deal.GroupJID != params.GroupJID {
		return 0
	}
	inSet := false
	for _, from := range params.FromStates {
		if deal.State == from {
			inSet = true
			break
		}
	}
	if !inSet {
		return 0
	}
	deal.State = params.ToState
	for column, value := range params.Updates {
		switch column {
		case "locked_rate":
			v := value.(decimal.Decimal)
			deal.LockedRate = &v
		case "locked_at":
			v := value.(time.Time)
			deal.LockedAt = &v
		case "amount_brl":
			v := value.(decimal.Decimal)
			deal.AmountBRL = &v
		case "amount_usdt":
			v := value.(decimal.Decimal)
			deal.AmountUSDT = &v
		case "metadata":
			deal.Metadata = value.(datatypes.JSON)
		}
	}
	return 1
}

func (s *stubRepo) MarkDealReprompted(ctx context.Context, id uuid.UUID, at time.Time) (int64, error) {
	deal, ok := s.deals[id]
	if !ok || deal.State != models.DealStateAwaitingAmount || deal.RepromptedAt != nil {
		return 0, nil
	}
	deal.RepromptedAt = &at
	return 1, nil
}

func (s *stubRepo) ArchiveDeal(ctx context.Context, id uuid.UUID, at time.Time) error {
	if deal, ok := s.deals[id]; ok && deal.ArchivedAt == nil {
		deal.ArchivedAt = &at
	}
	return nil
}

func (s *stubRepo) PruneArchivedDeals(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	for id, deal := range s.deals {
		if deal.ArchivedAt != nil && deal.ArchivedAt.Before(before) {
			delete(s.deals, id)
			n++
		}
	}
	return n, nil
}

func (s *stubRepo) ListDeals(ctx context.Context, params repository.ListDealsParams) ([]models.Deal, error) {
	return nil, nil
}

func (s *stubRepo) CountDeals(ctx context.Context, params repository.ListDealsParams) (int64, error) {
	return int64(len(s.deals)), nil
}

func (s *stubRepo) ListDealsPastTTL(ctx context.Context, now time.Time, limit int) ([]models.Deal, error) {
	var out []models.Deal
	for _, deal := range s.deals {
		if deal.State != models.DealStateQuoted && deal.State != models.DealStateLocked {
			continue
		}
		if deal.ArchivedAt == nil && !deal.TTLExpiresAt.After(now) {
			out = append(out, *deal)
		}
	}
	return out, nil
}

func (s *stubRepo) ListAwaitingAmountDeals(ctx context.Context, limit int) ([]models.Deal, error) {
	var out []models.Deal
	for _, deal := range s.deals {
		if deal.State == models.DealStateAwaitingAmount && deal.ArchivedAt == nil {
			out = append(out, *deal)
		}
	}
	return out, nil
}

func (s *stubRepo) InsertGroupRule(ctx context.Context, item *models.GroupRule) error { return nil }
func (s *stubRepo) UpdateGroupRule(ctx context.Context, item *models.GroupRule) error { return nil }

func (s *stubRepo) DeleteGroupRule(ctx context.Context, groupJID, name string) (int64, error) {
	return 0, nil
}

func (s *stubRepo) GetGroupRule(ctx context.Context, groupJID, name string) (*models.GroupRule, error) {
	return nil, nil
}

func (s *stubRepo) ListGroupRules(ctx context.Context, groupJID string) ([]models.GroupRule, error) {
	return nil, nil
}

func (s *stubRepo) CountGroupRules(ctx context.Context, groupJID string) (int64, error) {
	return 0, nil
}

func (s *stubRepo) GetGroupSettings(ctx context.Context, groupJID string) (*models.GroupSettings, error) {
	return nil, nil
}

func (s *stubRepo) UpsertGroupSettings(ctx context.Context, item *models.GroupSettings) error {
	return nil
}

func (s *stubRepo) ListGroupSettings(ctx context.Context) ([]models.GroupSettings, error) {
	return nil, nil
}

func (s *stubRepo) InsertTradeJournal(ctx context.Context, item *models.TradeJournal) error {
	s.journals = append(s.journals, *item)
	return nil
}

func (s *stubRepo) ListTradeJournals(ctx context.Context, params repository.ListTradeJournalParams) ([]models.TradeJournal, error) {
	return s.journals, nil
}

func (s *stubRepo) CountTradeJournals(ctx context.Context, params repository.ListTradeJournalParams) (int64, error) {
	return int64(len(s.journals)), nil
}

func (s *stubRepo) JournalSummary(ctx context.Context, params repository.JournalSummaryParams) (repository.JournalSummary, error) {
	return repository.JournalSummary{}, nil
}
