package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Pricing sources a quote can be computed from.
const (
	PricingSourceCommercialDollar = "commercial_dollar"
	PricingSourceUSDTBinance      = "usdt_binance"
)

// Spread modes. Bps scales the base rate, AbsBRL shifts it by a fixed
// amount of centavos, Flat quotes the base rate untouched.
const (
	SpreadModeBps    = "bps"
	SpreadModeAbsBRL = "abs_brl"
	SpreadModeFlat   = "flat"
)

// Weekday tokens accepted in a rule's day list, in schedule order.
var WeekdayTokens = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// GroupRule prices quotes for a group during a recurring weekly window.
// When several rules match the same instant the highest priority wins;
// ties break on CreatedAt then ID so selection is deterministic.
type GroupRule struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	GroupJID string    `gorm:"column:group_jid;type:varchar(100);not null;uniqueIndex:ux_group_rules_group_name"`
	Name     string    `gorm:"type:varchar(100);not null;uniqueIndex:ux_group_rules_group_name"`

	// StartTime and EndTime are "HH:MM" wall-clock times in Timezone.
	// Equal start and end means all day; start after end wraps past
	// midnight into the next day.
	StartTime string `gorm:"type:varchar(5);not null"`
	EndTime   string `gorm:"type:varchar(5);not null"`
	// Days holds comma-joined weekday tokens, e.g. "mon,tue,fri".
	Days     string `gorm:"type:varchar(30);not null"`
	Timezone string `gorm:"type:varchar(64);not null;default:America/Sao_Paulo"`

	Priority int  `gorm:"not null;default:0"`
	IsActive bool `gorm:"not null;default:true"`

	PricingSource string          `gorm:"type:varchar(30);not null"`
	SpreadMode    string          `gorm:"type:varchar(20);not null"`
	SellSpread    decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`
	BuySpread     decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (GroupRule) TableName() string {
	return "group_rules"
}

// DayList splits the stored day string into tokens.
func (r *GroupRule) DayList() []string {
	if r.Days == "" {
		return nil
	}
	parts := strings.Split(r.Days, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}

// SetDays stores the given tokens as the canonical comma-joined form.
func (r *GroupRule) SetDays(days []string) {
	cleaned := make([]string, 0, len(days))
	for _, d := range days {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			cleaned = append(cleaned, d)
		}
	}
	r.Days = strings.Join(cleaned, ",")
}
