// Package engine owns the deal lifecycle: entry points, guarded state
// transitions, TTL expiry and the audit journal written when a deal
// reaches a terminal state.
//
// Every transition goes through the store's conditional update, so two
// writers racing on the same deal (a client message and the sweep, or two
// replicas) resolve to exactly one winner; the loser gets a typed error
// describing what the deal had become.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"otcdesk/internal/models"
	"otcdesk/internal/pricing"
	"otcdesk/internal/repository"
)

type Service struct {
	Repo   repository.Repository
	Logger *zap.Logger

	// Now is a clock override for tests; nil means time.Now.
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// CreateDealParams carries everything a new deal needs. Basis is the
// resolved pricing decision recorded as provenance on the row.
type CreateDealParams struct {
	GroupJID  string
	ClientJID string
	Side      models.DealSide

	BaseRate   decimal.Decimal
	QuotedRate decimal.Decimal
	TTL        time.Duration

	AmountBRL  *decimal.Decimal
	AmountUSDT *decimal.Decimal

	Basis    pricing.Basis
	Metadata map[string]any
}

// LockParams freezes the rate on a quoted deal. A zero LockedRate means
// "lock at the quoted rate". Amounts may arrive inline with the lock.
type LockParams struct {
	LockedRate decimal.Decimal
	AmountBRL  *decimal.Decimal
	AmountUSDT *decimal.Decimal
}

// CreateQuoted opens a deal in the quoted state. It refuses to create a
// second active deal for the same client; superseding an old deal is the
// caller's explicit decision, not a side effect.
func (s *Service) CreateQuoted(ctx context.Context, params CreateDealParams) (*models.Deal, error) {
	return s.create(ctx, params, models.DealStateQuoted)
}

// CreateLocked opens a deal directly in the locked state, rate already
// frozen. This is the calculator-shortcut entry: one message carried the
// amount, so there is nothing left to negotiate before computing.
func (s *Service) CreateLocked(ctx context.Context, params CreateDealParams) (*models.Deal, error) {
	return s.create(ctx, params, models.DealStateLocked)
}

func (s *Service) create(ctx context.Context, params CreateDealParams, state models.DealState) (*models.Deal, error) {
	if err := validateCreate(params); err != nil {
		return nil, err
	}

	existing, err := s.Repo.FindActiveDeal(ctx, params.GroupJID, params.ClientJID)
	if err != nil {
		return nil, &UpstreamError{Op: "find active deal", Err: err}
	}
	if existing != nil {
		if existing.ExpiredAt(s.now()) && expirable(existing.State) {
			// The blocker is already dead, only unswept. Retire it and
			// let the create proceed.
			if _, err := s.Expire(ctx, existing.ID, existing.GroupJID); err != nil {
				return nil, &UpstreamError{Op: "expire stale deal", Err: err}
			}
		} else {
			return nil, ErrActiveDealExists
		}
	}

	now := s.now()
	metadata, err := mergeMetadata(nil, params.Metadata)
	if err != nil {
		return nil, &ValidationError{Field: "metadata", Reason: err.Error()}
	}

	deal := &models.Deal{
		ID:            uuid.New(),
		GroupJID:      params.GroupJID,
		ClientJID:     params.ClientJID,
		Side:          params.Side,
		State:         state,
		BaseRate:      params.BaseRate,
		QuotedRate:    params.QuotedRate,
		AmountBRL:     params.AmountBRL,
		AmountUSDT:    params.AmountUSDT,
		QuotedAt:      now,
		TTLExpiresAt:  now.Add(params.TTL),
		RuleIDUsed:    params.Basis.RuleID,
		RuleName:      params.Basis.RuleName,
		PricingSource: params.Basis.Source,
		SpreadMode:    params.Basis.Config.Mode,
		SellSpread:    params.Basis.Config.SellSpread,
		BuySpread:     params.Basis.Config.BuySpread,
		Metadata:      metadata,
	}
	if state == models.DealStateLocked {
		rate := params.QuotedRate
		deal.LockedRate = &rate
		lockedAt := now
		deal.LockedAt = &lockedAt
	}

	if err := s.Repo.InsertDeal(ctx, deal); err != nil {
		return nil, &UpstreamError{Op: "insert deal", Err: err}
	}
	return deal, nil
}

// Lock freezes the rate on a quoted deal so later market movement cannot
// change what the client owes.
func (s *Service) Lock(ctx context.Context, id uuid.UUID, groupJID string, params LockParams) (*models.Deal, error) {
	deal, err := s.load(ctx, id, groupJID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNotExpired(ctx, deal, models.DealStateLocked); err != nil {
		return nil, err
	}
	if params.LockedRate.IsNegative() {
		return nil, &ValidationError{Field: "lockedRate", Reason: "must not be negative"}
	}
	if err := validateOptionalAmount("amountBrl", params.AmountBRL); err != nil {
		return nil, err
	}
	if err := validateOptionalAmount("amountUsdt", params.AmountUSDT); err != nil {
		return nil, err
	}

	rate := params.LockedRate
	if rate.IsZero() {
		rate = deal.QuotedRate
	}
	updates := map[string]any{
		"locked_rate": rate,
		"locked_at":   s.now(),
	}
	if params.AmountBRL != nil {
		updates["amount_brl"] = *params.AmountBRL
	}
	if params.AmountUSDT != nil {
		updates["amount_usdt"] = *params.AmountUSDT
	}
	return s.transition(ctx, deal, models.DealStateLocked, updates)
}

// StartAwaitingAmount parks a locked deal until the client states the
// volume ("simple mode": rate first, amount later).
func (s *Service) StartAwaitingAmount(ctx context.Context, id uuid.UUID, groupJID string) (*models.Deal, error) {
	deal, err := s.load(ctx, id, groupJID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNotExpired(ctx, deal, models.DealStateAwaitingAmount); err != nil {
		return nil, err
	}
	return s.transition(ctx, deal, models.DealStateAwaitingAmount, nil)
}

// StartComputation moves a locked or awaiting-amount deal into computing.
func (s *Service) StartComputation(ctx context.Context, id uuid.UUID, groupJID string) (*models.Deal, error) {
	deal, err := s.load(ctx, id, groupJID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNotExpired(ctx, deal, models.DealStateComputing); err != nil {
		return nil, err
	}
	return s.transition(ctx, deal, models.DealStateComputing, nil)
}

// Complete closes a computing deal with both final amounts. The caller
// supplies the already-computed pair; the engine records, it does not
// re-derive.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, groupJID string, amountBRL, amountUSDT decimal.Decimal) (*models.Deal, error) {
	if !amountBRL.IsPositive() {
		return nil, &ValidationError{Field: "amountBrl", Reason: "must be positive"}
	}
	if !amountUSDT.IsPositive() {
		return nil, &ValidationError{Field: "amountUsdt", Reason: "must be positive"}
	}
	deal, err := s.load(ctx, id, groupJID)
	if err != nil {
		return nil, err
	}
	updates := map[string]any{
		"amount_brl":  amountBRL,
		"amount_usdt": amountUSDT,
	}
	deal.AmountBRL = &amountBRL
	deal.AmountUSDT = &amountUSDT
	return s.finalize(ctx, deal, models.DealStateCompleted, updates)
}

// Cancel terminates a quoted or locked deal. The reason is provenance
// recorded in metadata (cancelled_by_client, superseded_by_shortcut, ...),
// not a state.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, groupJID, reason string) (*models.Deal, error) {
	deal, err := s.load(ctx, id, groupJID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNotExpired(ctx, deal, models.DealStateCancelled); err != nil {
		return nil, err
	}
	updates := map[string]any{}
	if reason != "" {
		metadata, err := mergeMetadata(deal.Metadata, map[string]any{"cancel_reason": reason})
		if err != nil {
			return nil, &ValidationError{Field: "reason", Reason: err.Error()}
		}
		updates["metadata"] = metadata
		deal.Metadata = metadata
	}
	return s.finalize(ctx, deal, models.DealStateCancelled, updates)
}

// Reject records the client declining a quote outright, before any lock.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, groupJID string) (*models.Deal, error) {
	deal, err := s.load(ctx, id, groupJID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNotExpired(ctx, deal, models.DealStateRejected); err != nil {
		return nil, err
	}
	return s.finalize(ctx, deal, models.DealStateRejected, nil)
}

// Expire retires a deal whose validity lapsed. Calling it on a deal that
// is already terminal is a success returning the deal unchanged, because
// concurrent sweep ticks may race on the same row.
func (s *Service) Expire(ctx context.Context, id uuid.UUID, groupJID string) (*models.Deal, error) {
	deal, err := s.load(ctx, id, groupJID)
	if err != nil {
		return nil, err
	}
	if deal.State.Terminal() {
		return deal, nil
	}
	if !CanTransition(deal.State, models.DealStateExpired) {
		return nil, &TransitionError{Current: deal.State, Attempted: models.DealStateExpired}
	}
	fresh, err := s.finalize(ctx, deal, models.DealStateExpired, nil)
	if err != nil {
		// A racing sweep or lazy check may have retired it first.
		var te *TransitionError
		if errors.As(err, &te) && te.Current.Terminal() {
			return s.load(ctx, id, groupJID)
		}
		if errors.Is(err, ErrExpired) {
			return s.load(ctx, id, groupJID)
		}
		return nil, err
	}
	return fresh, nil
}

// FindActive returns the client's open deal, if any. A deal whose TTL has
// lapsed is retired on the way out and reported as absent, so callers
// never treat a dead quote as ongoing business.
func (s *Service) FindActive(ctx context.Context, groupJID, clientJID string) (*models.Deal, error) {
	deal, err := s.Repo.FindActiveDeal(ctx, groupJID, clientJID)
	if err != nil {
		return nil, &UpstreamError{Op: "find active deal", Err: err}
	}
	if deal == nil {
		return nil, nil
	}
	if expirable(deal.State) && deal.ExpiredAt(s.now()) {
		if _, err := s.Expire(ctx, deal.ID, deal.GroupJID); err != nil && s.Logger != nil {
			s.Logger.Warn("lazy expire failed",
				zap.String("deal_id", deal.ID.String()),
				zap.Error(err))
		}
		return nil, nil
	}
	return deal, nil
}

// Archive moves a terminal deal out of the active working set.
func (s *Service) Archive(ctx context.Context, id uuid.UUID) error {
	if err := s.Repo.ArchiveDeal(ctx, id, s.now()); err != nil {
		return &UpstreamError{Op: "archive deal", Err: err}
	}
	return nil
}

// --- internals ---------------------------------------------------------------

func (s *Service) load(ctx context.Context, id uuid.UUID, groupJID string) (*models.Deal, error) {
	deal, err := s.Repo.GetDealByID(ctx, id)
	if err != nil {
		return nil, &UpstreamError{Op: "load deal", Err: err}
	}
	if deal == nil {
		return nil, ErrNotFound
	}
	if groupJID != "" && deal.GroupJID != groupJID {
		return nil, ErrNotFound
	}
	return deal, nil
}

// ensureNotExpired is the lazy half of TTL enforcement: any operation that
// touches an expirable deal past its deadline retires it and reports
// ErrExpired instead of doing what was asked.
func (s *Service) ensureNotExpired(ctx context.Context, deal *models.Deal, attempted models.DealState) error {
	if deal.State.Terminal() {
		return &TransitionError{Current: deal.State, Attempted: attempted}
	}
	if !expirable(deal.State) || !deal.ExpiredAt(s.now()) {
		return nil
	}
	if _, err := s.finalize(ctx, deal, models.DealStateExpired, nil); err != nil && s.Logger != nil {
		s.Logger.Warn("lazy expire failed",
			zap.String("deal_id", deal.ID.String()),
			zap.Error(err))
	}
	return ErrExpired
}

// transition performs one non-terminal lifecycle step through the store's
// guarded update.
func (s *Service) transition(ctx context.Context, deal *models.Deal, to models.DealState, updates map[string]any) (*models.Deal, error) {
	if !CanTransition(deal.State, to) {
		return nil, &TransitionError{Current: deal.State, Attempted: to}
	}
	affected, err := s.Repo.TransitionDeal(ctx, repository.TransitionDealParams{
		ID:         deal.ID,
		GroupJID:   deal.GroupJID,
		FromStates: sourceStates(to),
		ToState:    to,
		Updates:    updates,
	})
	if err != nil {
		return nil, &UpstreamError{Op: "transition deal", Err: err}
	}
	if affected == 0 {
		return nil, s.classifyConflict(ctx, deal.ID, deal.GroupJID, to)
	}
	return s.reload(ctx, deal.ID)
}

// finalize performs a terminal lifecycle step and writes the journal row
// in the same store transaction.
func (s *Service) finalize(ctx context.Context, deal *models.Deal, to models.DealState, updates map[string]any) (*models.Deal, error) {
	if !CanTransition(deal.State, to) {
		return nil, &TransitionError{Current: deal.State, Attempted: to}
	}
	journal := s.journalFor(deal, to)
	affected, err := s.Repo.FinalizeDeal(ctx, repository.TransitionDealParams{
		ID:         deal.ID,
		GroupJID:   deal.GroupJID,
		FromStates: sourceStates(to),
		ToState:    to,
		Updates:    updates,
	}, journal)
	if err != nil {
		return nil, &UpstreamError{Op: "finalize deal", Err: err}
	}
	if affected == 0 {
		return nil, s.classifyConflict(ctx, deal.ID, deal.GroupJID, to)
	}
	return s.reload(ctx, deal.ID)
}

// classifyConflict turns a lost guarded update into the error the caller
// can act on: the deal vanished, expired, or sits in a state the step is
// not legal from.
func (s *Service) classifyConflict(ctx context.Context, id uuid.UUID, groupJID string, attempted models.DealState) error {
	fresh, err := s.Repo.GetDealByID(ctx, id)
	if err != nil {
		return &UpstreamError{Op: "load deal", Err: err}
	}
	if fresh == nil || (groupJID != "" && fresh.GroupJID != groupJID) {
		return ErrNotFound
	}
	if fresh.State == models.DealStateExpired {
		return ErrExpired
	}
	return &TransitionError{Current: fresh.State, Attempted: attempted}
}

func (s *Service) reload(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	fresh, err := s.Repo.GetDealByID(ctx, id)
	if err != nil {
		return nil, &UpstreamError{Op: "load deal", Err: err}
	}
	if fresh == nil {
		return nil, ErrNotFound
	}
	return fresh, nil
}

// journalFor snapshots the deal for its audit row. Amount fields reflect
// any values the terminal update is writing (Complete mutates the loaded
// copy before calling finalize).
func (s *Service) journalFor(deal *models.Deal, outcome models.DealState) *models.TradeJournal {
	return &models.TradeJournal{
		DealID:        deal.ID,
		GroupJID:      deal.GroupJID,
		ClientJID:     deal.ClientJID,
		Side:          deal.Side,
		Outcome:       outcome,
		BaseRate:      deal.BaseRate,
		QuotedRate:    deal.QuotedRate,
		LockedRate:    deal.LockedRate,
		AmountBRL:     deal.AmountBRL,
		AmountUSDT:    deal.AmountUSDT,
		RuleName:      deal.RuleName,
		PricingSource: deal.PricingSource,
		QuotedAt:      deal.QuotedAt,
		ResolvedAt:    s.now(),
		LockedAt:      deal.LockedAt,
		Snapshot:      deal.Metadata,
	}
}

func validateCreate(params CreateDealParams) error {
	if params.GroupJID == "" {
		return &ValidationError{Field: "groupJid", Reason: "required"}
	}
	if params.ClientJID == "" {
		return &ValidationError{Field: "clientJid", Reason: "required"}
	}
	switch params.Side {
	case models.SideClientBuysUSDT, models.SideClientSellsUSDT:
	default:
		return &ValidationError{Field: "side", Reason: "unknown trade side"}
	}
	if !params.BaseRate.IsPositive() {
		return &ValidationError{Field: "baseRate", Reason: "must be positive"}
	}
	if !params.QuotedRate.IsPositive() {
		return &ValidationError{Field: "quotedRate", Reason: "must be positive"}
	}
	if params.TTL <= 0 {
		return &ValidationError{Field: "ttl", Reason: "must be positive"}
	}
	if err := validateOptionalAmount("amountBrl", params.AmountBRL); err != nil {
		return err
	}
	return validateOptionalAmount("amountUsdt", params.AmountUSDT)
}

func validateOptionalAmount(field string, amount *decimal.Decimal) error {
	if amount != nil && !amount.IsPositive() {
		return &ValidationError{Field: field, Reason: "must be positive"}
	}
	return nil
}

func mergeMetadata(existing datatypes.JSON, patch map[string]any) (datatypes.JSON, error) {
	if len(patch) == 0 {
		return existing, nil
	}
	merged := map[string]any{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &merged); err != nil {
			return nil, err
		}
	}
	for k, v := range patch {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
