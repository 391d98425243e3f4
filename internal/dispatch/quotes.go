package dispatch

import (
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"otcdesk/internal/models"
	"otcdesk/internal/pricing"
)

type QuoteStatus string

const (
	QuoteStatusPending   QuoteStatus = "pending"
	QuoteStatusRepricing QuoteStatus = "repricing"
	QuoteStatusConsumed  QuoteStatus = "consumed"
)

// ActiveQuote is the last price shown to a group. It lets a follow-up
// like "fecha" or a bare "5000" resolve against that price without a
// Deal row existing yet.
type ActiveQuote struct {
	GroupJID    string
	Side        models.DealSide
	BasePrice   decimal.Decimal
	QuotedPrice decimal.Decimal
	Basis       pricing.Basis
	Status      QuoteStatus

	// PreStatedVolume carries a USDT volume mentioned when the price was
	// shown, so a later lock can settle without restating it.
	PreStatedVolume *decimal.Decimal

	ShownAt time.Time
}

const defaultBoardTTL = 5 * time.Minute

// Quotes is the per-process price board, keyed by group. Entries lapse
// with the quote TTL; the Deal row is authoritative once one exists.
type Quotes struct {
	cache *cache.Cache
}

func NewQuotes() *Quotes {
	return &Quotes{cache: cache.New(defaultBoardTTL, 2*defaultBoardTTL)}
}

func (q *Quotes) Get(groupJID string) *ActiveQuote {
	if q == nil || q.cache == nil {
		return nil
	}
	v, ok := q.cache.Get(groupJID)
	if !ok {
		return nil
	}
	quote, _ := v.(*ActiveQuote)
	return quote
}

// Put replaces the group's entry; a new quote supersedes whatever was on
// the board. Zero ttl falls back to the board default.
func (q *Quotes) Put(quote *ActiveQuote, ttl time.Duration) {
	if q == nil || q.cache == nil || quote == nil {
		return
	}
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}
	q.cache.Set(quote.GroupJID, quote, ttl)
}

// MarkRepricing flags the entry while a replacement price is being
// fetched, so a lock racing the refresh refuses the outgoing price.
func (q *Quotes) MarkRepricing(groupJID string) {
	if quote := q.Get(groupJID); quote != nil {
		quote.Status = QuoteStatusRepricing
	}
}

// Consume flags the entry as spent by a closed deal. Holders of the
// pointer see the flip even after the entry leaves the cache.
func (q *Quotes) Consume(groupJID string) {
	if quote := q.Get(groupJID); quote != nil {
		quote.Status = QuoteStatusConsumed
	}
}

func (q *Quotes) Clear(groupJID string) {
	if q == nil || q.cache == nil {
		return
	}
	q.cache.Delete(groupJID)
}
