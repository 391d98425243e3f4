// Package dispatch routes classified inbound messages to the deal engine.
// It owns the conversational branching: which message starts a deal, which
// one continues it, and which one just needs a nudge back on track.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"otcdesk/internal/engine"
	"otcdesk/internal/models"
	"otcdesk/internal/pricefeed"
	"otcdesk/internal/pricing"
	"otcdesk/internal/rates"
	"otcdesk/internal/repository"
	"otcdesk/internal/schedule"
	"otcdesk/internal/telemetry"
)

type Intent string

const (
	IntentVolumeInquiry Intent = "volume_inquiry"
	IntentPriceLock     Intent = "price_lock"
	IntentConfirmation  Intent = "confirmation"
	IntentCancellation  Intent = "cancellation"
	IntentRejection     Intent = "rejection"
	IntentVolumeInput   Intent = "volume_input"
	IntentDirectAmount  Intent = "direct_amount"
	IntentUnrecognized  Intent = "unrecognized"
)

func (i Intent) known() bool {
	switch i {
	case IntentVolumeInquiry, IntentPriceLock, IntentConfirmation,
		IntentCancellation, IntentRejection, IntentVolumeInput, IntentDirectAmount:
		return true
	}
	return false
}

// Message is one inbound group message after upstream classification.
// Side is what the classifier read from the wording; empty means the
// client is buying USDT, the desk's common case.
type Message struct {
	GroupJID   string
	SenderJID  string
	SenderName string
	Text       string
	Intent     Intent
	Side       models.DealSide
}

// Notifier delivers the dispatcher's replies. Direct client responses are
// awaited; anything after a terminal transition is best effort.
type Notifier interface {
	SendToGroup(ctx context.Context, groupJID, text string, mentions []string) error
}

// Classifier is an optional second opinion on messages the bridge could
// not label. The dispatcher only consumes the verdict; classification
// itself lives elsewhere.
type Classifier interface {
	Classify(ctx context.Context, text string) (Intent, bool)
}

type Dispatcher struct {
	Repo       repository.Repository
	Engine     *engine.Service
	Rules      *schedule.Service
	Feeds      *pricefeed.Feeds
	Notifier   Notifier
	Quotes     *Quotes
	Classifier Classifier
	Logger     *zap.Logger

	// Now is a clock override for tests; nil means time.Now.
	Now func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d != nil && d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Handle routes one message. Errors the propagation policy maps to a
// templated reply are resolved here and reported as nil; anything else
// bubbles up for the transport loop to log.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) error {
	if msg.GroupJID == "" || msg.SenderJID == "" {
		return &engine.ValidationError{Field: "message", Reason: "group and sender are required"}
	}
	telemetry.MessagesHandled.WithLabelValues(string(msg.Intent)).Inc()
	if msg.Side == "" {
		msg.Side = models.SideClientBuysUSDT
	}
	if !msg.Intent.known() && d.Classifier != nil {
		if intent, ok := d.Classifier.Classify(ctx, msg.Text); ok && intent.known() {
			msg.Intent = intent
		}
	}

	settings, err := d.settings(ctx, msg.GroupJID)
	if err != nil {
		return d.resolveError(ctx, msg, err)
	}
	if settings.Paused {
		return nil
	}

	deal, err := d.Engine.FindActive(ctx, msg.GroupJID, msg.SenderJID)
	if err != nil {
		return d.resolveError(ctx, msg, err)
	}

	switch msg.Intent {
	case IntentVolumeInquiry:
		err = d.volumeInquiry(ctx, msg, settings, deal)
	case IntentPriceLock:
		err = d.priceLock(ctx, msg, settings, deal)
	case IntentConfirmation:
		err = d.confirmation(ctx, msg, settings, deal)
	case IntentCancellation:
		err = d.cancellation(ctx, msg, settings, deal)
	case IntentRejection:
		err = d.rejection(ctx, msg, settings, deal)
	case IntentVolumeInput, IntentDirectAmount:
		err = d.volumeInput(ctx, msg, settings, deal)
	default:
		err = d.unrecognized(ctx, msg, settings, deal)
	}
	if err != nil {
		return d.resolveError(ctx, msg, err)
	}
	return nil
}

// volumeInquiry prices a request. A bare number with no currency marker
// is the calculator shortcut: the client wants the math, not a
// negotiation, so the deal opens already locked. A new bare number also
// replaces whatever negotiation was open: the prior deal is cancelled
// as superseded before the shortcut reprices. Marked amounts and plain
// price asks go through the quoted entry.
func (d *Dispatcher) volumeInquiry(ctx context.Context, msg Message, settings *models.GroupSettings, deal *models.Deal) error {
	p := parseAmounts(msg.Text)
	if p.bare != nil {
		if deal != nil {
			switch deal.State {
			case models.DealStateAwaitingAmount:
				// The number is the volume the open deal is waiting for.
				return d.volumeInput(ctx, msg, settings, deal)
			case models.DealStateQuoted, models.DealStateLocked:
				if _, err := d.Engine.Cancel(ctx, deal.ID, deal.GroupJID, "superseded_by_new_inquiry"); err != nil {
					return err
				}
			default:
				return d.send(ctx, msg.GroupJID, stateReminderText(deal), nil)
			}
		}
		return d.calculatorLock(ctx, msg, settings, p)
	}
	if deal != nil {
		return d.send(ctx, msg.GroupJID, stateReminderText(deal), nil)
	}

	d.Quotes.MarkRepricing(msg.GroupJID)
	base, quoted, basis, err := d.freshRate(ctx, msg, settings)
	if err != nil {
		return err
	}
	ttl := settings.QuoteTTL()

	var amountBRL, amountUSDT *decimal.Decimal
	if p.brl != nil || p.usdt != nil {
		brl, usdt, err := completePair(p, quoted)
		if err != nil {
			return err
		}
		amountBRL, amountUSDT = &brl, &usdt
		_, err = d.Engine.CreateQuoted(ctx, engine.CreateDealParams{
			GroupJID:   msg.GroupJID,
			ClientJID:  msg.SenderJID,
			Side:       msg.Side,
			BaseRate:   base,
			QuotedRate: quoted,
			TTL:        ttl,
			AmountBRL:  amountBRL,
			AmountUSDT: amountUSDT,
			Basis:      basis,
			Metadata:   messageMetadata(msg, "volume_inquiry"),
		})
		if err != nil {
			return err
		}
	}

	d.Quotes.Put(&ActiveQuote{
		GroupJID:        msg.GroupJID,
		Side:            msg.Side,
		BasePrice:       base,
		QuotedPrice:     quoted,
		Basis:           basis,
		Status:          QuoteStatusPending,
		PreStatedVolume: amountUSDT,
		ShownAt:         d.now(),
	}, ttl)
	telemetry.QuotesIssued.Inc()
	return d.send(ctx, msg.GroupJID, quoteShownText(quoted, amountBRL, amountUSDT, ttl), nil)
}

// priceLock freezes a rate. With an open quoted deal it locks that deal;
// with only a shown price it creates the deal from the board; with
// nothing but an inline amount it behaves like the calculator shortcut.
func (d *Dispatcher) priceLock(ctx context.Context, msg Message, settings *models.GroupSettings, deal *models.Deal) error {
	p := parseAmounts(msg.Text)
	if deal != nil {
		if deal.State == models.DealStateQuoted {
			return d.lockExisting(ctx, msg, deal, p)
		}
		return d.send(ctx, msg.GroupJID, stateReminderText(deal), nil)
	}
	if q := d.Quotes.Get(msg.GroupJID); q != nil && q.Status == QuoteStatusPending {
		return d.lockFromBoard(ctx, msg, settings, q, p)
	}
	if p.any() {
		return d.calculatorLock(ctx, msg, settings, p)
	}
	// Nothing to lock against: show a fresh price instead.
	return d.showFreshQuote(ctx, msg, settings)
}

// confirmation is the client's go-ahead. On a locked deal with the
// volume known it settles; earlier in the flow it advances one step.
func (d *Dispatcher) confirmation(ctx context.Context, msg Message, settings *models.GroupSettings, deal *models.Deal) error {
	if deal == nil {
		if q := d.Quotes.Get(msg.GroupJID); q != nil && q.Status == QuoteStatusPending {
			return d.lockFromBoard(ctx, msg, settings, q, parseAmounts(msg.Text))
		}
		return nil
	}
	switch deal.State {
	case models.DealStateQuoted:
		return d.lockExisting(ctx, msg, deal, parseAmounts(msg.Text))
	case models.DealStateLocked:
		if deal.AmountBRL != nil && deal.AmountUSDT != nil {
			return d.finishDeal(ctx, msg, deal, *deal.AmountBRL, *deal.AmountUSDT)
		}
		if _, err := d.Engine.StartAwaitingAmount(ctx, deal.ID, deal.GroupJID); err != nil {
			return err
		}
		return d.send(ctx, msg.GroupJID, amountPromptText(), nil)
	case models.DealStateAwaitingAmount:
		if p := parseAmounts(msg.Text); p.any() {
			return d.volumeInput(ctx, msg, settings, deal)
		}
		return d.send(ctx, msg.GroupJID, amountPromptText(), nil)
	}
	return d.send(ctx, msg.GroupJID, stateReminderText(deal), nil)
}

// volumeInput is the client stating the number the flow was waiting for.
func (d *Dispatcher) volumeInput(ctx context.Context, msg Message, settings *models.GroupSettings, deal *models.Deal) error {
	p := parseAmounts(msg.Text)
	if deal == nil {
		if p.any() {
			return d.calculatorLock(ctx, msg, settings, p)
		}
		return nil
	}
	if !p.any() {
		return d.send(ctx, msg.GroupJID, clarifyAmountText(), nil)
	}
	switch deal.State {
	case models.DealStateQuoted:
		return d.lockExisting(ctx, msg, deal, p)
	case models.DealStateLocked, models.DealStateAwaitingAmount:
		brl, usdt, err := completePair(p, deal.EffectiveRate())
		if err != nil {
			return err
		}
		return d.finishDeal(ctx, msg, deal, brl, usdt)
	}
	return d.send(ctx, msg.GroupJID, stateReminderText(deal), nil)
}

func (d *Dispatcher) cancellation(ctx context.Context, msg Message, settings *models.GroupSettings, deal *models.Deal) error {
	if deal == nil {
		if d.Quotes.Get(msg.GroupJID) != nil {
			d.Quotes.Clear(msg.GroupJID)
			return d.send(ctx, msg.GroupJID, cancelAckText(), nil)
		}
		return nil
	}
	if _, err := d.Engine.Cancel(ctx, deal.ID, deal.GroupJID, "cancelled_by_client"); err != nil {
		return err
	}
	d.Quotes.Clear(msg.GroupJID)
	return d.send(ctx, msg.GroupJID, cancelAckText(), nil)
}

// rejection is the client turning the price down. Before a lock that is
// a reject; after a lock the same words mean cancel. Either way the
// group gets the off notice with the operator tagged.
func (d *Dispatcher) rejection(ctx context.Context, msg Message, settings *models.GroupSettings, deal *models.Deal) error {
	if deal == nil {
		if d.Quotes.Get(msg.GroupJID) != nil {
			d.Quotes.Clear(msg.GroupJID)
			return d.send(ctx, msg.GroupJID, offNoticeText(), d.operatorMentions(settings))
		}
		return nil
	}
	switch deal.State {
	case models.DealStateQuoted:
		if _, err := d.Engine.Reject(ctx, deal.ID, deal.GroupJID); err != nil {
			return err
		}
	case models.DealStateLocked:
		if _, err := d.Engine.Cancel(ctx, deal.ID, deal.GroupJID, "rejected_after_lock"); err != nil {
			return err
		}
	default:
		return d.send(ctx, msg.GroupJID, stateReminderText(deal), nil)
	}
	d.Quotes.Clear(msg.GroupJID)
	return d.send(ctx, msg.GroupJID, offNoticeText(), d.operatorMentions(settings))
}

// unrecognized input mid-negotiation re-prompts or quietly pulls in the
// operator; with nothing in flight it is a no-op.
func (d *Dispatcher) unrecognized(ctx context.Context, msg Message, settings *models.GroupSettings, deal *models.Deal) error {
	if deal == nil {
		return nil
	}
	switch deal.State {
	case models.DealStateAwaitingAmount:
		return d.send(ctx, msg.GroupJID, amountPromptText(), nil)
	case models.DealStateQuoted, models.DealStateLocked:
		mentions := d.operatorMentions(settings)
		if len(mentions) == 0 {
			return nil
		}
		return d.send(ctx, msg.GroupJID, operatorPingText(), mentions)
	}
	return nil
}

// calculatorLock serves "client typed a number, wants the math": price,
// lock and show the result in one step. A fresh board price is reused;
// otherwise the rate is fetched now.
func (d *Dispatcher) calculatorLock(ctx context.Context, msg Message, settings *models.GroupSettings, p parsedAmount) error {
	var (
		base, quoted decimal.Decimal
		basis        pricing.Basis
	)
	if q := d.Quotes.Get(msg.GroupJID); q != nil && q.Status == QuoteStatusPending && q.Side == msg.Side {
		base, quoted, basis = q.BasePrice, q.QuotedPrice, q.Basis
	} else {
		var err error
		base, quoted, basis, err = d.freshRate(ctx, msg, settings)
		if err != nil {
			return err
		}
	}

	brl, usdt, err := completePair(p, quoted)
	if err != nil {
		return err
	}
	deal, err := d.Engine.CreateLocked(ctx, engine.CreateDealParams{
		GroupJID:   msg.GroupJID,
		ClientJID:  msg.SenderJID,
		Side:       msg.Side,
		BaseRate:   base,
		QuotedRate: quoted,
		TTL:        settings.QuoteTTL(),
		AmountBRL:  &brl,
		AmountUSDT: &usdt,
		Basis:      basis,
		Metadata:   messageMetadata(msg, "calculator"),
	})
	if err != nil {
		return err
	}
	telemetry.QuotesIssued.Inc()
	return d.send(ctx, msg.GroupJID, lockedSummaryText(deal), nil)
}

// lockExisting locks a quoted deal, folding in any amount the lock
// message itself carried.
func (d *Dispatcher) lockExisting(ctx context.Context, msg Message, deal *models.Deal, p parsedAmount) error {
	params := engine.LockParams{}
	if p.any() {
		brl, usdt, err := completePair(p, deal.QuotedRate)
		if err != nil {
			return err
		}
		params.AmountBRL, params.AmountUSDT = &brl, &usdt
	}
	locked, err := d.Engine.Lock(ctx, deal.ID, deal.GroupJID, params)
	if err != nil {
		return err
	}
	if locked.AmountBRL != nil && locked.AmountUSDT != nil {
		return d.send(ctx, msg.GroupJID, lockedSummaryText(locked), nil)
	}
	awaiting, err := d.Engine.StartAwaitingAmount(ctx, locked.ID, locked.GroupJID)
	if err != nil {
		return err
	}
	return d.send(ctx, msg.GroupJID, lockedAwaitingText(awaiting), nil)
}

// lockFromBoard creates the deal a lock implies when only the price
// board has state: with a volume (inline or pre-stated) the math is done
// immediately; without one the rate is frozen and the amount requested.
func (d *Dispatcher) lockFromBoard(ctx context.Context, msg Message, settings *models.GroupSettings, q *ActiveQuote, p parsedAmount) error {
	if !p.any() && q.PreStatedVolume != nil {
		v := *q.PreStatedVolume
		p = parsedAmount{usdt: &v}
	}
	params := engine.CreateDealParams{
		GroupJID:   msg.GroupJID,
		ClientJID:  msg.SenderJID,
		Side:       q.Side,
		BaseRate:   q.BasePrice,
		QuotedRate: q.QuotedPrice,
		TTL:        settings.QuoteTTL(),
		Basis:      q.Basis,
		Metadata:   messageMetadata(msg, "board_lock"),
	}

	if p.any() {
		brl, usdt, err := completePair(p, q.QuotedPrice)
		if err != nil {
			return err
		}
		params.AmountBRL, params.AmountUSDT = &brl, &usdt
		deal, err := d.Engine.CreateLocked(ctx, params)
		if err != nil {
			return err
		}
		return d.send(ctx, msg.GroupJID, lockedSummaryText(deal), nil)
	}

	deal, err := d.Engine.CreateLocked(ctx, params)
	if err != nil {
		return err
	}
	awaiting, err := d.Engine.StartAwaitingAmount(ctx, deal.ID, deal.GroupJID)
	if err != nil {
		return err
	}
	return d.send(ctx, msg.GroupJID, lockedAwaitingText(awaiting), nil)
}

// finishDeal runs the completion sequence: transition to completed, send
// the confirmation, drop the board entry, archive in the background.
func (d *Dispatcher) finishDeal(ctx context.Context, msg Message, deal *models.Deal, amountBRL, amountUSDT decimal.Decimal) error {
	if deal.State == models.DealStateLocked || deal.State == models.DealStateAwaitingAmount {
		var err error
		deal, err = d.Engine.StartComputation(ctx, deal.ID, deal.GroupJID)
		if err != nil {
			return err
		}
	}
	done, err := d.Engine.Complete(ctx, deal.ID, deal.GroupJID, amountBRL, amountUSDT)
	if err != nil {
		return err
	}
	telemetry.DealsCompleted.Inc()

	if err := d.send(ctx, msg.GroupJID, completionText(done), nil); err != nil {
		d.warn("send completion", done, err)
	}
	d.Quotes.Consume(msg.GroupJID)
	d.Quotes.Clear(msg.GroupJID)
	d.archiveAsync(done)
	return nil
}

// showFreshQuote prices the group without opening a deal and parks the
// result on the board.
func (d *Dispatcher) showFreshQuote(ctx context.Context, msg Message, settings *models.GroupSettings) error {
	d.Quotes.MarkRepricing(msg.GroupJID)
	base, quoted, basis, err := d.freshRate(ctx, msg, settings)
	if err != nil {
		return err
	}
	ttl := settings.QuoteTTL()
	d.Quotes.Put(&ActiveQuote{
		GroupJID:    msg.GroupJID,
		Side:        msg.Side,
		BasePrice:   base,
		QuotedPrice: quoted,
		Basis:       basis,
		Status:      QuoteStatusPending,
		ShownAt:     d.now(),
	}, ttl)
	telemetry.QuotesIssued.Inc()
	return d.send(ctx, msg.GroupJID, quoteShownText(quoted, nil, nil, ttl), nil)
}

// freshRate resolves the scheduled rule, fetches the base rate from the
// source it names and applies the spread for the message's side.
func (d *Dispatcher) freshRate(ctx context.Context, msg Message, settings *models.GroupSettings) (decimal.Decimal, decimal.Decimal, pricing.Basis, error) {
	rule, err := d.Rules.ActiveRule(ctx, msg.GroupJID, d.now())
	if err != nil {
		return decimal.Zero, decimal.Zero, pricing.Basis{}, &engine.UpstreamError{Op: "resolve pricing rule", Err: err}
	}
	basis := pricing.Resolve(rule, settings)
	base, err := d.Feeds.BaseRate(ctx, basis.Source)
	if err != nil {
		return decimal.Zero, decimal.Zero, pricing.Basis{}, &engine.UpstreamError{Op: "fetch base rate", Err: err}
	}
	quoted, err := pricing.Apply(base, msg.Side, basis.Config)
	if err != nil {
		return decimal.Zero, decimal.Zero, pricing.Basis{}, &engine.UpstreamError{Op: "apply spread", Err: err}
	}
	return base, quoted, basis, nil
}

func (d *Dispatcher) settings(ctx context.Context, groupJID string) (*models.GroupSettings, error) {
	settings, err := d.Repo.GetGroupSettings(ctx, groupJID)
	if err != nil {
		return nil, &engine.UpstreamError{Op: "load group settings", Err: err}
	}
	if settings == nil {
		settings = models.DefaultGroupSettings(groupJID)
	}
	return settings, nil
}

// resolveError turns expected failures into the templated replies the
// propagation policy names. Anything unmapped is returned for the caller
// to log.
func (d *Dispatcher) resolveError(ctx context.Context, msg Message, err error) error {
	var (
		vErr *engine.ValidationError
		tErr *engine.TransitionError
		uErr *engine.UpstreamError
	)
	switch {
	case errors.As(err, &vErr):
		return d.send(ctx, msg.GroupJID, clarifyAmountText(), nil)
	case errors.Is(err, engine.ErrExpired):
		return d.send(ctx, msg.GroupJID, expiredText(), nil)
	case errors.Is(err, engine.ErrActiveDealExists), errors.As(err, &tErr):
		// Raced with a sweep or a second message; answer for the state
		// the deal actually reached.
		if deal, ferr := d.Engine.FindActive(ctx, msg.GroupJID, msg.SenderJID); ferr == nil && deal != nil {
			return d.send(ctx, msg.GroupJID, stateReminderText(deal), nil)
		}
		return d.send(ctx, msg.GroupJID, expiredText(), nil)
	case errors.Is(err, engine.ErrNotFound):
		return d.send(ctx, msg.GroupJID, expiredText(), nil)
	case errors.As(err, &uErr):
		if d.Logger != nil {
			d.Logger.Warn("upstream failure", zap.String("group_jid", msg.GroupJID), zap.Error(err))
		}
		return d.send(ctx, msg.GroupJID, tryAgainText(), nil)
	}
	return err
}

func (d *Dispatcher) archiveAsync(deal *models.Deal) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.Engine.Archive(ctx, deal.ID); err != nil {
			d.warn("archive deal", deal, err)
		}
	}()
}

func (d *Dispatcher) send(ctx context.Context, groupJID, text string, mentions []string) error {
	if d.Notifier == nil || text == "" {
		return nil
	}
	if err := d.Notifier.SendToGroup(ctx, groupJID, text, mentions); err != nil {
		return &engine.UpstreamError{Op: "send reply", Err: err}
	}
	return nil
}

func (d *Dispatcher) operatorMentions(settings *models.GroupSettings) []string {
	if settings == nil || settings.OperatorJID == "" {
		return nil
	}
	return []string{settings.OperatorJID}
}

func (d *Dispatcher) warn(msg string, deal *models.Deal, err error) {
	if d.Logger == nil {
		return
	}
	d.Logger.Warn(msg,
		zap.String("deal_id", deal.ID.String()),
		zap.String("group_jid", deal.GroupJID),
		zap.Error(err))
}

func messageMetadata(msg Message, flow string) map[string]any {
	metadata := map[string]any{
		"source_text": msg.Text,
		"flow":        flow,
	}
	if msg.SenderName != "" {
		metadata["sender_name"] = msg.SenderName
	}
	return metadata
}

// parsedAmount is what the text said about volume: a BRL-marked value, a
// USDT-marked value, or a bare number (read as USDT).
type parsedAmount struct {
	brl  *decimal.Decimal
	usdt *decimal.Decimal
	bare *decimal.Decimal
}

func parseAmounts(text string) parsedAmount {
	var p parsedAmount
	if v, ok := rates.ExtractBRLAmount(text); ok {
		p.brl = &v
	}
	if v, ok := rates.ExtractUSDTAmount(text); ok {
		p.usdt = &v
	}
	if p.brl == nil && p.usdt == nil {
		if v, ok := rates.ExtractNumber(text); ok {
			p.bare = &v
		}
	}
	return p
}

func (p parsedAmount) any() bool {
	return p.brl != nil || p.usdt != nil || p.bare != nil
}

// completePair derives both sides of the trade from whichever amount the
// text carried. A marked BRL value wins over a USDT reading when a
// message somehow carries both.
func completePair(p parsedAmount, rate decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	switch {
	case p.brl != nil:
		usdt, err := rates.BRLToUSDT(*p.brl, rate)
		return *p.brl, usdt, err
	case p.usdt != nil:
		brl, err := rates.USDTToBRL(*p.usdt, rate)
		return brl, *p.usdt, err
	case p.bare != nil:
		brl, err := rates.USDTToBRL(*p.bare, rate)
		return brl, *p.bare, err
	}
	return decimal.Zero, decimal.Zero, &engine.ValidationError{Field: "amount", Reason: "no amount found"}
}
