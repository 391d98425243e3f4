package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// DealState is a stage in the negotiation lifecycle. Transitions between
// states are validated centrally by the engine's transition table; the
// store only ever moves a deal between states through a guarded update.
type DealState string

const (
	DealStateQuoted         DealState = "quoted"
	DealStateLocked         DealState = "locked"
	DealStateAwaitingAmount DealState = "awaiting_amount"
	DealStateComputing      DealState = "computing"
	DealStateCompleted      DealState = "completed"
	DealStateCancelled      DealState = "cancelled"
	DealStateRejected       DealState = "rejected"
	DealStateExpired        DealState = "expired"
)

// Terminal reports whether no further transitions are permitted from s.
func (s DealState) Terminal() bool {
	switch s {
	case DealStateCompleted, DealStateCancelled, DealStateRejected, DealStateExpired:
		return true
	}
	return false
}

// ActiveDealStates are the states that count against the one-active-deal-
// per-client invariant.
var ActiveDealStates = []DealState{
	DealStateQuoted,
	DealStateLocked,
	DealStateAwaitingAmount,
	DealStateComputing,
}

// DealSide is the trade direction from the client's perspective.
type DealSide string

const (
	SideClientBuysUSDT  DealSide = "client_buys_usdt"
	SideClientSellsUSDT DealSide = "client_sells_usdt"
)

// Deal is one client's negotiation within a WhatsApp group, from first
// quote through completion or a terminal failure state.
type Deal struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	GroupJID  string `gorm:"column:group_jid;type:varchar(100);not null;index:idx_deals_group_client"`
	ClientJID string `gorm:"column:client_jid;type:varchar(100);not null;index:idx_deals_group_client"`

	Side  DealSide  `gorm:"type:varchar(20);not null"`
	State DealState `gorm:"type:varchar(20);not null;index"`

	// BaseRate is the market rate at quote time; QuotedRate is after spread.
	// LockedRate is frozen at lock time so later market moves cannot change
	// what the client owes.
	BaseRate   decimal.Decimal  `gorm:"type:numeric(20,10);not null"`
	QuotedRate decimal.Decimal  `gorm:"type:numeric(20,10);not null"`
	LockedRate *decimal.Decimal `gorm:"type:numeric(20,10)"`

	AmountBRL  *decimal.Decimal `gorm:"column:amount_brl;type:numeric(30,10)"`
	AmountUSDT *decimal.Decimal `gorm:"column:amount_usdt;type:numeric(30,10)"`

	QuotedAt     time.Time  `gorm:"not null"`
	LockedAt     *time.Time
	TTLExpiresAt time.Time `gorm:"column:ttl_expires_at;not null;index"`

	// RepromptedAt is set by the sweep when the single awaiting-amount
	// reminder has been sent, so it fires exactly once.
	RepromptedAt *time.Time

	// Rule provenance: which scheduled rule (if any) priced this quote.
	RuleIDUsed    *uuid.UUID      `gorm:"type:uuid"`
	RuleName      string          `gorm:"type:varchar(100)"`
	PricingSource string          `gorm:"type:varchar(30)"`
	SpreadMode    string          `gorm:"type:varchar(20)"`
	SellSpread    decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`
	BuySpread     decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`

	Metadata datatypes.JSON `gorm:"type:jsonb"`

	// ArchivedAt moves the row out of the active working set; archival is
	// fire-and-forget after a terminal state and never blocks a reply.
	ArchivedAt *time.Time `gorm:"index"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Deal) TableName() string {
	return "deals"
}

// EffectiveRate is the rate amounts settle at: the locked rate once frozen,
// the quoted rate before that.
func (d *Deal) EffectiveRate() decimal.Decimal {
	if d.LockedRate != nil {
		return *d.LockedRate
	}
	return d.QuotedRate
}

// ExpiredAt reports whether the deal's quote/lock validity lapsed at now.
func (d *Deal) ExpiredAt(now time.Time) bool {
	return !d.TTLExpiresAt.IsZero() && now.After(d.TTLExpiresAt)
}
