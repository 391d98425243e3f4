package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// GroupSettings is the per-group fallback pricing configuration plus the
// operational knobs that are not rule-scoped. Quotes fall back to these
// spreads only when no scheduled rule matches.
type GroupSettings struct {
	GroupJID string `gorm:"column:group_jid;type:varchar(100);primaryKey"`

	PricingSource string          `gorm:"type:varchar(30);not null;default:usdt_binance"`
	SpreadMode    string          `gorm:"type:varchar(20);not null;default:bps"`
	SellSpread    decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`
	BuySpread     decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`

	QuoteTTLSeconds      int `gorm:"not null;default:300"`
	AmountTimeoutSeconds int `gorm:"not null;default:120"`

	// OperatorJID is mentioned in expiry and escalation notices.
	OperatorJID string `gorm:"column:operator_jid;type:varchar(100)"`
	// Paused stops the bot from quoting in this group without losing state.
	Paused bool `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (GroupSettings) TableName() string {
	return "group_settings"
}

// DefaultGroupSettings is what a group gets before anyone configures it:
// Binance USDT pricing at zero spread, five-minute quotes, two-minute
// amount timeout.
func DefaultGroupSettings(groupJID string) *GroupSettings {
	return &GroupSettings{
		GroupJID:             groupJID,
		PricingSource:        PricingSourceUSDTBinance,
		SpreadMode:           SpreadModeBps,
		SellSpread:           decimal.Zero,
		BuySpread:            decimal.Zero,
		QuoteTTLSeconds:      300,
		AmountTimeoutSeconds: 120,
	}
}

// QuoteTTL returns the quote validity window as a duration.
func (s *GroupSettings) QuoteTTL() time.Duration {
	return time.Duration(s.QuoteTTLSeconds) * time.Second
}

// AmountTimeout returns the awaiting-amount reminder window as a duration.
func (s *GroupSettings) AmountTimeout() time.Duration {
	return time.Duration(s.AmountTimeoutSeconds) * time.Second
}
