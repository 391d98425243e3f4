package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TradeJournal is the append-only audit trail of finished negotiations.
// One row is written per deal when it reaches a terminal state; rows are
// never updated afterwards.
type TradeJournal struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	DealID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	GroupJID  string    `gorm:"column:group_jid;type:varchar(100);not null;index"`
	ClientJID string    `gorm:"column:client_jid;type:varchar(100);not null;index"`

	Side    DealSide  `gorm:"type:varchar(20);not null"`
	Outcome DealState `gorm:"type:varchar(20);not null;index"`

	BaseRate   decimal.Decimal  `gorm:"type:numeric(20,10);not null"`
	QuotedRate decimal.Decimal  `gorm:"type:numeric(20,10);not null"`
	LockedRate *decimal.Decimal `gorm:"type:numeric(20,10)"`
	AmountBRL  *decimal.Decimal `gorm:"column:amount_brl;type:numeric(30,10)"`
	AmountUSDT *decimal.Decimal `gorm:"column:amount_usdt;type:numeric(30,10)"`

	RuleName      string `gorm:"type:varchar(100)"`
	PricingSource string `gorm:"type:varchar(30)"`

	QuotedAt   time.Time `gorm:"not null"`
	ResolvedAt time.Time `gorm:"not null"`
	LockedAt   *time.Time

	Snapshot datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

func (TradeJournal) TableName() string {
	return "trade_journals"
}
