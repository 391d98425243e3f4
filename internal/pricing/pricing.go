// Package pricing turns a market base rate into the rate a client is
// quoted, applying the spread configuration of whichever rule or group
// default is in force.
package pricing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"otcdesk/internal/models"
)

var (
	ErrNonPositiveQuote = errors.New("quoted rate must be positive")
	ErrNonPositiveBase  = errors.New("base rate must be positive")
)

var tenThousand = decimal.NewFromInt(10000)

// SpreadConfig is the spread half of a pricing decision. SellSpread is
// applied when the desk sells USDT (client buys), BuySpread when the desk
// buys (client sells). Spreads are signed and applied as configured: a
// markup is positive, a markdown negative, so a desk quoting both sides
// typically carries a positive sell spread and a negative buy spread.
type SpreadConfig struct {
	Mode       string
	SellSpread decimal.Decimal
	BuySpread  decimal.Decimal
}

// Basis is the fully resolved pricing decision for one quote: which market
// source the base rate comes from, the spread to apply, and the rule that
// supplied them (nil rule means the group default was used).
type Basis struct {
	Source   string
	Config   SpreadConfig
	RuleID   *uuid.UUID
	RuleName string
}

// Resolve picks the pricing basis for a quote. A matched rule supersedes
// the group default entirely; there is no field-level merging between the
// two, so a rule with a zero spread really quotes at zero spread.
func Resolve(rule *models.GroupRule, settings *models.GroupSettings) Basis {
	if rule != nil {
		id := rule.ID
		return Basis{
			Source: rule.PricingSource,
			Config: SpreadConfig{
				Mode:       rule.SpreadMode,
				SellSpread: rule.SellSpread,
				BuySpread:  rule.BuySpread,
			},
			RuleID:   &id,
			RuleName: rule.Name,
		}
	}
	return Basis{
		Source: settings.PricingSource,
		Config: SpreadConfig{
			Mode:       settings.SpreadMode,
			SellSpread: settings.SellSpread,
			BuySpread:  settings.BuySpread,
		},
	}
}

// Apply computes the quoted rate for one side of the market. The side
// selects which spread is in force; the spread's own sign moves the rate
// (bps scales, abs_brl shifts by a fixed BRL amount, flat quotes the base
// untouched).
func Apply(base decimal.Decimal, side models.DealSide, cfg SpreadConfig) (decimal.Decimal, error) {
	if !base.IsPositive() {
		return decimal.Zero, ErrNonPositiveBase
	}

	spread := cfg.SellSpread
	if side == models.SideClientSellsUSDT {
		spread = cfg.BuySpread
	}

	var quoted decimal.Decimal
	switch cfg.Mode {
	case models.SpreadModeBps:
		factor := decimal.NewFromInt(1).Add(spread.Div(tenThousand))
		quoted = base.Mul(factor)
	case models.SpreadModeAbsBRL:
		quoted = base.Add(spread)
	case models.SpreadModeFlat:
		quoted = base
	default:
		return decimal.Zero, fmt.Errorf("unknown spread mode %q", cfg.Mode)
	}

	if !quoted.IsPositive() {
		return decimal.Zero, ErrNonPositiveQuote
	}
	return quoted, nil
}
