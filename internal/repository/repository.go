package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"otcdesk/internal/models"
)

// Repository is the persistence surface for deals, rules, settings and the
// trade journal. Lookups that miss return (nil, nil); callers decide whether
// a miss is an error.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// Deals
	InsertDeal(ctx context.Context, item *models.Deal) error
	GetDealByID(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	FindActiveDeal(ctx context.Context, groupJID, clientJID string) (*models.Deal, error)
	TransitionDeal(ctx context.Context, params TransitionDealParams) (int64, error)
	FinalizeDeal(ctx context.Context, params TransitionDealParams, journal *models.TradeJournal) (int64, error)
	MarkDealReprompted(ctx context.Context, id uuid.UUID, at time.Time) (int64, error)
	ArchiveDeal(ctx context.Context, id uuid.UUID, at time.Time) error
	ListDeals(ctx context.Context, params ListDealsParams) ([]models.Deal, error)
	CountDeals(ctx context.Context, params ListDealsParams) (int64, error)
	ListDealsPastTTL(ctx context.Context, now time.Time, limit int) ([]models.Deal, error)
	ListAwaitingAmountDeals(ctx context.Context, limit int) ([]models.Deal, error)
	PruneArchivedDeals(ctx context.Context, before time.Time) (int64, error)

	// Group rules
	InsertGroupRule(ctx context.Context, item *models.GroupRule) error
	UpdateGroupRule(ctx context.Context, item *models.GroupRule) error
	DeleteGroupRule(ctx context.Context, groupJID, name string) (int64, error)
	GetGroupRule(ctx context.Context, groupJID, name string) (*models.GroupRule, error)
	ListGroupRules(ctx context.Context, groupJID string) ([]models.GroupRule, error)
	CountGroupRules(ctx context.Context, groupJID string) (int64, error)

	// Group settings
	GetGroupSettings(ctx context.Context, groupJID string) (*models.GroupSettings, error)
	UpsertGroupSettings(ctx context.Context, item *models.GroupSettings) error
	ListGroupSettings(ctx context.Context) ([]models.GroupSettings, error)

	// Trade journal
	InsertTradeJournal(ctx context.Context, item *models.TradeJournal) error
	ListTradeJournals(ctx context.Context, params ListTradeJournalParams) ([]models.TradeJournal, error)
	CountTradeJournals(ctx context.Context, params ListTradeJournalParams) (int64, error)
	JournalSummary(ctx context.Context, params JournalSummaryParams) (JournalSummary, error)
}

// TransitionDealParams describes a guarded state change. The update applies
// only while the deal is still in one of FromStates; a zero rows-affected
// result means another writer won the race and the caller must re-read.
// FinalizeDeal additionally writes the journal row in the same transaction,
// so a terminal deal and its audit record land together or not at all.
type TransitionDealParams struct {
	ID         uuid.UUID
	GroupJID   string
	FromStates []models.DealState
	ToState    models.DealState
	// Updates are extra columns written atomically with the state change,
	// e.g. locked_rate and locked_at on a lock.
	Updates map[string]any
}

type ListDealsParams struct {
	Limit     int
	Offset    int
	GroupJID  *string
	ClientJID *string
	State     *models.DealState
	Side      *models.DealSide
	Since     *time.Time
	Until     *time.Time
	Archived  *bool
	OrderBy   string
	Asc       *bool
}

type ListTradeJournalParams struct {
	Limit     int
	Offset    int
	GroupJID  *string
	ClientJID *string
	Outcome   *models.DealState
	Since     *time.Time
	Until     *time.Time
	OrderBy   string
	Asc       *bool
}

type JournalSummaryParams struct {
	GroupJID *string
	Since    *time.Time
	Until    *time.Time
}

// JournalSummary aggregates finished deals for the analytics endpoint.
type JournalSummary struct {
	TotalDeals     int64
	CompletedDeals int64
	CancelledDeals int64
	ExpiredDeals   int64
	RejectedDeals  int64
	VolumeBRL      decimal.Decimal
	VolumeUSDT     decimal.Decimal
}
