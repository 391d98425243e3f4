package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"otcdesk/internal/dispatch"
	"otcdesk/internal/engine"
	"otcdesk/internal/models"
	"otcdesk/internal/pricefeed"
	"otcdesk/internal/repository"
	"otcdesk/internal/schedule"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type sentMessage struct {
	groupJID string
	text     string
	mentions []string
}

type recordingNotifier struct {
	mu    sync.Mutex
	sends []sentMessage
}

func (n *recordingNotifier) SendToGroup(ctx context.Context, groupJID, text string, mentions []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, sentMessage{groupJID: groupJID, text: text, mentions: mentions})
	return nil
}

func (n *recordingNotifier) all() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sends...)
}

type stubSource struct {
	mu    sync.Mutex
	rate  decimal.Decimal
	err   error
	calls int
}

func (s *stubSource) FetchBaseRate(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.rate, s.err
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubRepo is an in-memory store backing both the dispatcher and its
// engine. The mutex matters because archival runs on its own goroutine.
type stubRepo struct {
	repository.Repository

	mu       sync.Mutex
	deals    map[uuid.UUID]*models.Deal
	rules    []models.GroupRule
	settings map[string]*models.GroupSettings
	journals []models.TradeJournal
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		deals:    map[uuid.UUID]*models.Deal{},
		settings: map[string]*models.GroupSettings{},
	}
}

func (s *stubRepo) InsertDeal(ctx context.Context, item *models.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	cp := *item
	s.deals[item.ID] = &cp
	return nil
}

func (s *stubRepo) GetDealByID(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deal, ok := s.deals[id]
	if !ok {
		return nil, nil
	}
	cp := *deal
	return &cp, nil
}

func (s *stubRepo) FindActiveDeal(ctx context.Context, groupJID, clientJID string) (*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Deal
	for _, deal := range s.deals {
		if deal.GroupJID != groupJID || deal.ClientJID != clientJID {
			continue
		}
		if deal.State.Terminal() || deal.ArchivedAt != nil {
			continue
		}
		if found == nil || deal.CreatedAt.After(found.CreatedAt) {
			found = deal
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (s *stubRepo) TransitionDeal(ctx context.Context, params repository.TransitionDealParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(params), nil
}

func (s *stubRepo) FinalizeDeal(ctx context.Context, params repository.TransitionDealParams, journal *models.TradeJournal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	affected := s.transitionLocked(params)
	if affected == 1 && journal != nil {
		s.journals = append(s.journals, *journal)
	}
	return affected, nil
}

func (s *stubRepo) transitionLocked(params repository.TransitionDealParams) int64 {
	deal, ok := s.deals[params.ID]
	if !ok {
		return 0
	}
	if params.GroupJID != "" && deal.GroupJID != params.GroupJID {
		return 0
	}
	match := false
	for _, from := range params.FromStates {
		if deal.State == from {
			match = true
			break
		}
	}
	if !match {
		return 0
	}
	deal.State = params.ToState
	for k, v := range params.Updates {
		switch k {
		case "locked_rate":
			rate := v.(decimal.Decimal)
			deal.LockedRate = &rate
		case "locked_at":
			at := v.(time.Time)
			deal.LockedAt = &at
		case "amount_brl":
			amount := v.(decimal.Decimal)
			deal.AmountBRL = &amount
		case "amount_usdt":
			amount := v.(decimal.Decimal)
			deal.AmountUSDT = &amount
		case "metadata":
			deal.Metadata = v.(datatypes.JSON)
		}
	}
	return 1
}

func (s *stubRepo) ArchiveDeal(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deal, ok := s.deals[id]; ok && deal.ArchivedAt == nil {
		deal.ArchivedAt = &at
	}
	return nil
}

func (s *stubRepo) ListGroupRules(ctx context.Context, groupJID string) ([]models.GroupRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GroupRule
	for _, rule := range s.rules {
		if rule.GroupJID == groupJID {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (s *stubRepo) GetGroupSettings(ctx context.Context, groupJID string) (*models.GroupSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[groupJID], nil
}

func (s *stubRepo) get(t *testing.T, id uuid.UUID) *models.Deal {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	deal, ok := s.deals[id]
	if !ok {
		t.Fatalf("deal %s not in store", id)
	}
	cp := *deal
	return &cp
}

func (s *stubRepo) onlyDeal(t *testing.T) *models.Deal {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.deals) != 1 {
		t.Fatalf("deals=%d want=1", len(s.deals))
	}
	for _, deal := range s.deals {
		cp := *deal
		return &cp
	}
	return nil
}

func (s *stubRepo) dealCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deals)
}

func (s *stubRepo) otherDeal(t *testing.T, except uuid.UUID) *models.Deal {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, deal := range s.deals {
		if id == except {
			continue
		}
		cp := *deal
		return &cp
	}
	t.Fatalf("no deal besides %s in store", except)
	return nil
}

func (s *stubRepo) journalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.journals)
}

type fixture struct {
	repo     *stubRepo
	feed     *stubSource
	notifier *recordingNotifier
	quotes   *dispatch.Quotes
	d        *dispatch.Dispatcher
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, time.August, 25, 15, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	repo := newStubRepo()
	repo.settings["g1"] = &models.GroupSettings{
		GroupJID:             "g1",
		PricingSource:        models.PricingSourceUSDTBinance,
		SpreadMode:           models.SpreadModeBps,
		SellSpread:           dec("50"),
		BuySpread:            dec("-30"),
		QuoteTTLSeconds:      300,
		AmountTimeoutSeconds: 120,
		OperatorJID:          "op@s.whatsapp.net",
	}

	feed := &stubSource{rate: dec("5.75")}
	notifier := &recordingNotifier{}
	quotes := dispatch.NewQuotes()
	eng := &engine.Service{Repo: repo, Logger: zap.NewNop(), Now: clock}

	return &fixture{
		repo:     repo,
		feed:     feed,
		notifier: notifier,
		quotes:   quotes,
		now:      now,
		d: &dispatch.Dispatcher{
			Repo:     repo,
			Engine:   eng,
			Rules:    schedule.New(repo, zap.NewNop(), time.Minute),
			Feeds:    &pricefeed.Feeds{Binance: feed, CommercialDollar: feed},
			Notifier: notifier,
			Quotes:   quotes,
			Logger:   zap.NewNop(),
			Now:      clock,
		},
	}
}

func (fx *fixture) seedDeal(t *testing.T, state models.DealState, mutate func(*models.Deal)) *models.Deal {
	t.Helper()
	rate := dec("5.80")
	deal := &models.Deal{
		ID:           uuid.New(),
		GroupJID:     "g1",
		ClientJID:    "c1",
		Side:         models.SideClientBuysUSDT,
		State:        state,
		BaseRate:     dec("5.77"),
		QuotedRate:   rate,
		QuotedAt:     fx.now.Add(-time.Minute),
		TTLExpiresAt: fx.now.Add(4 * time.Minute),
		CreatedAt:    fx.now.Add(-time.Minute),
	}
	if state != models.DealStateQuoted {
		lockedAt := fx.now.Add(-30 * time.Second)
		deal.LockedRate = &rate
		deal.LockedAt = &lockedAt
	}
	if mutate != nil {
		mutate(deal)
	}
	if err := fx.repo.InsertDeal(context.Background(), deal); err != nil {
		t.Fatalf("seed deal: %v", err)
	}
	return deal
}

func (fx *fixture) seedBoard(price string) {
	rate := dec(price)
	fx.quotes.Put(&dispatch.ActiveQuote{
		GroupJID:    "g1",
		Side:        models.SideClientBuysUSDT,
		BasePrice:   rate,
		QuotedPrice: rate,
		Status:      dispatch.QuoteStatusPending,
		ShownAt:     fx.now,
	}, 5*time.Minute)
}

func msg(intent dispatch.Intent, text string) dispatch.Message {
	return dispatch.Message{
		GroupJID:  "g1",
		SenderJID: "c1",
		Text:      text,
		Intent:    intent,
	}
}

func TestHandle_MarkedBRLAmountOpensQuotedDeal(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentVolumeInquiry, "tenho R$ 10.000")))

	deal := fx.repo.onlyDeal(t)
	rq.Equal(models.DealStateQuoted, deal.State)
	// 5.75 * (1 + 50/10000)
	rq.True(deal.QuotedRate.Equal(dec("5.77875")), "quoted=%s", deal.QuotedRate)
	rq.NotNil(deal.AmountBRL)
	rq.NotNil(deal.AmountUSDT)
	rq.True(deal.AmountBRL.Equal(dec("10000")), "brl=%s", deal.AmountBRL)
	rq.True(deal.AmountUSDT.Equal(dec("1730.48")), "usdt=%s", deal.AmountUSDT)
	rq.Equal(fx.now.Add(5*time.Minute), deal.TTLExpiresAt)
	rq.Equal(1, fx.feed.callCount())

	board := fx.quotes.Get("g1")
	rq.NotNil(board)
	rq.True(board.QuotedPrice.Equal(dec("5.77875")))
	rq.NotNil(board.PreStatedVolume)
	rq.True(board.PreStatedVolume.Equal(dec("1730.48")))

	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "5,7788")
	rq.Contains(sends[0].text, "R$ 10.000,00")
	rq.Contains(sends[0].text, "1.730,48 USDT")
}

func TestHandle_BareNumberLocksAtBoardPrice(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	fx.seedBoard("5.80")

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentVolumeInquiry, "compro 5000")))

	deal := fx.repo.onlyDeal(t)
	rq.Equal(models.DealStateLocked, deal.State)
	rq.NotNil(deal.LockedRate)
	rq.True(deal.LockedRate.Equal(dec("5.80")), "locked=%s", deal.LockedRate)
	rq.True(deal.AmountUSDT.Equal(dec("5000")))
	rq.True(deal.AmountBRL.Equal(dec("29000")), "brl=%s", deal.AmountBRL)
	rq.Equal(0, fx.feed.callCount(), "board price should be reused")

	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "Confirma?")
}

func TestHandle_BareNumberFetchesWhenBoardEmpty(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentVolumeInquiry, "5000")))

	deal := fx.repo.onlyDeal(t)
	rq.Equal(models.DealStateLocked, deal.State)
	rq.True(deal.QuotedRate.Equal(dec("5.77875")))
	rq.True(deal.AmountBRL.Equal(dec("28893.75")), "brl=%s", deal.AmountBRL)
	rq.Equal(1, fx.feed.callCount())
}

func TestHandle_FailedRefreshRetiresBoardPrice(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	fx.seedBoard("5.80")
	fx.feed.err = errors.New("upstream down")

	// The refresh dies mid-reprice; the shown price must not stay lockable.
	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentVolumeInquiry, "cotação?")))
	board := fx.quotes.Get("g1")
	rq.NotNil(board)
	rq.Equal(dispatch.QuoteStatusRepricing, board.Status)

	fx.feed.err = nil
	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentVolumeInquiry, "5000")))

	deal := fx.repo.onlyDeal(t)
	rq.True(deal.QuotedRate.Equal(dec("5.77875")), "fresh price, not the retired 5.80")
	rq.Equal(2, fx.feed.callCount())
}

func TestHandle_MarkedAmountWithActiveDealGetsReminder(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	fx.seedDeal(t, models.DealStateQuoted, nil)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentVolumeInquiry, "tenho R$ 5.000")))

	rq.Equal(1, fx.repo.dealCount())
	rq.Equal(0, fx.feed.callCount())
	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "cotação ativa")
}

func TestHandle_BareNumberSupersedesOpenQuote(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	seeded := fx.seedDeal(t, models.DealStateQuoted, nil)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentVolumeInquiry, "compro 5000")))

	old := fx.repo.get(t, seeded.ID)
	rq.Equal(models.DealStateCancelled, old.State)
	rq.Contains(string(old.Metadata), "superseded_by_new_inquiry")
	rq.Equal(1, fx.repo.journalCount())

	fresh := fx.repo.otherDeal(t, seeded.ID)
	rq.Equal(models.DealStateLocked, fresh.State)
	rq.True(fresh.AmountUSDT.Equal(dec("5000")))
	rq.True(fresh.AmountBRL.Equal(dec("28893.75")), "brl=%s", fresh.AmountBRL)
	rq.Equal(1, fx.feed.callCount(), "superseding inquiry reprices")

	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "Confirma?")
}

func TestHandle_BareNumberAnswersAwaitingDeal(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	seeded := fx.seedDeal(t, models.DealStateAwaitingAmount, nil)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentVolumeInquiry, "5000")))

	deal := fx.repo.get(t, seeded.ID)
	rq.Equal(models.DealStateCompleted, deal.State)
	rq.True(deal.AmountUSDT.Equal(dec("5000")))
	rq.True(deal.AmountBRL.Equal(dec("29000")), "brl=%s", deal.AmountBRL)
	rq.Equal(1, fx.repo.dealCount())
	rq.Equal(0, fx.feed.callCount(), "awaiting deal completes at the frozen rate")
}

func TestHandle_PriceLockFreezesQuotedDeal(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	brl, usdt := dec("10000"), dec("1724.14")
	seeded := fx.seedDeal(t, models.DealStateQuoted, func(d *models.Deal) {
		d.AmountBRL = &brl
		d.AmountUSDT = &usdt
	})

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentPriceLock, "pode fechar")))

	deal := fx.repo.get(t, seeded.ID)
	rq.Equal(models.DealStateLocked, deal.State)
	rq.NotNil(deal.LockedRate)
	rq.True(deal.LockedRate.Equal(dec("5.80")), "locks at the quoted rate")
	rq.NotNil(deal.LockedAt)

	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "Confirma?")
}

func TestHandle_PriceLockFromBoardAwaitsVolume(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	fx.seedBoard("5.80")

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentPriceLock, "trava essa taxa")))

	deal := fx.repo.onlyDeal(t)
	rq.Equal(models.DealStateAwaitingAmount, deal.State)
	rq.NotNil(deal.LockedRate)
	rq.True(deal.LockedRate.Equal(dec("5.80")))
	rq.Nil(deal.AmountUSDT)

	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "Qual o valor")
}

func TestHandle_ConfirmationSettlesLockedDeal(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	fx.seedBoard("5.80")
	brl, usdt := dec("29000"), dec("5000")
	seeded := fx.seedDeal(t, models.DealStateLocked, func(d *models.Deal) {
		d.AmountBRL = &brl
		d.AmountUSDT = &usdt
	})

	board := fx.quotes.Get("g1")
	rq.NotNil(board)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentConfirmation, "fechado")))

	deal := fx.repo.get(t, seeded.ID)
	rq.Equal(models.DealStateCompleted, deal.State)
	rq.Equal(1, fx.repo.journalCount())
	rq.Equal(dispatch.QuoteStatusConsumed, board.Status, "held pointer sees the flip")
	rq.Nil(fx.quotes.Get("g1"), "board cleared on completion")

	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "Fechado")

	rq.Eventually(func() bool {
		fx.repo.mu.Lock()
		defer fx.repo.mu.Unlock()
		return fx.repo.deals[seeded.ID].ArchivedAt != nil
	}, time.Second, 10*time.Millisecond, "completion archives in the background")
}

func TestHandle_VolumeInputCompletesAwaitingDeal(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	seeded := fx.seedDeal(t, models.DealStateAwaitingAmount, nil)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentVolumeInput, "5000")))

	deal := fx.repo.get(t, seeded.ID)
	rq.Equal(models.DealStateCompleted, deal.State)
	rq.True(deal.AmountUSDT.Equal(dec("5000")))
	rq.True(deal.AmountBRL.Equal(dec("29000")), "brl=%s", deal.AmountBRL)
	rq.Equal(1, fx.repo.journalCount())
}

func TestHandle_VolumeInputWithoutNumberAsksAgain(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	fx.seedDeal(t, models.DealStateAwaitingAmount, nil)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentVolumeInput, "hmm deixa eu ver")))

	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "Não entendi o valor")
}

func TestHandle_CancellationCancelsAndClearsBoard(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	fx.seedBoard("5.80")
	seeded := fx.seedDeal(t, models.DealStateQuoted, nil)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentCancellation, "deixa pra lá")))

	deal := fx.repo.get(t, seeded.ID)
	rq.Equal(models.DealStateCancelled, deal.State)
	rq.Contains(string(deal.Metadata), "cancelled_by_client")
	rq.Nil(fx.quotes.Get("g1"))

	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "Cancelado")
}

func TestHandle_RejectionBeforeLockRejects(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	seeded := fx.seedDeal(t, models.DealStateQuoted, nil)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentRejection, "tá caro")))

	deal := fx.repo.get(t, seeded.ID)
	rq.Equal(models.DealStateRejected, deal.State)

	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "Off")
	rq.Equal([]string{"op@s.whatsapp.net"}, sends[0].mentions)
}

func TestHandle_RejectionAfterLockCancels(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	seeded := fx.seedDeal(t, models.DealStateLocked, nil)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentRejection, "não quero mais")))

	deal := fx.repo.get(t, seeded.ID)
	rq.Equal(models.DealStateCancelled, deal.State)
	rq.Contains(string(deal.Metadata), "rejected_after_lock")
}

func TestHandle_UnrecognizedWhileAwaitingReprompts(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	fx.seedDeal(t, models.DealStateAwaitingAmount, nil)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentUnrecognized, "????")))

	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "Qual o valor")
}

func TestHandle_UnrecognizedMidNegotiationTagsOperator(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	fx.seedDeal(t, models.DealStateQuoted, nil)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentUnrecognized, "e o pix?")))

	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Equal([]string{"op@s.whatsapp.net"}, sends[0].mentions)
}

func TestHandle_UnrecognizedWithNothingActiveIsNoOp(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentUnrecognized, "bom dia")))

	rq.Empty(fx.notifier.all())
	rq.Equal(0, fx.repo.dealCount())
}

func TestHandle_LapsedQuoteRetiredThenRequoted(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	seeded := fx.seedDeal(t, models.DealStateQuoted, func(d *models.Deal) {
		d.TTLExpiresAt = fx.now.Add(-time.Minute)
	})

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentPriceLock, "fecha")))

	deal := fx.repo.get(t, seeded.ID)
	rq.Equal(models.DealStateExpired, deal.State, "stale quote is retired on access")
	rq.Equal(1, fx.repo.journalCount())
	rq.Equal(1, fx.feed.callCount(), "client gets a fresh price instead")

	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "Cotação")
}

func TestHandle_PausedGroupStaysQuiet(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	fx.repo.settings["g1"].Paused = true

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentVolumeInquiry, "compro 5000")))

	rq.Equal(0, fx.repo.dealCount())
	rq.Empty(fx.notifier.all())
	rq.Equal(0, fx.feed.callCount())
}

func TestHandle_FeedFailureRepliesTryAgain(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	fx.feed.err = errors.New("upstream down")

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentVolumeInquiry, "tenho R$ 5.000")))

	rq.Equal(0, fx.repo.dealCount())
	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "Tenta de novo")
}

func TestHandle_ScheduledRuleSupersedesDefaults(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	fx.repo.rules = []models.GroupRule{{
		ID:            uuid.New(),
		GroupJID:      "g1",
		Name:          "promo",
		StartTime:     "00:00",
		EndTime:       "00:00",
		Days:          strings.Join(models.WeekdayTokens, ","),
		Timezone:      "America/Sao_Paulo",
		Priority:      10,
		IsActive:      true,
		PricingSource: models.PricingSourceUSDTBinance,
		SpreadMode:    models.SpreadModeBps,
		SellSpread:    dec("100"),
		BuySpread:     dec("-100"),
	}}

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentVolumeInquiry, "tenho R$ 10.000")))

	deal := fx.repo.onlyDeal(t)
	// 5.75 * 1.01, the rule's spread, not the group default's.
	rq.True(deal.QuotedRate.Equal(dec("5.8075")), "quoted=%s", deal.QuotedRate)
	rq.Equal("promo", deal.RuleName)
	rq.NotNil(deal.RuleIDUsed)
}

func TestHandle_BoardPreStatedVolumeServesSecondClient(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)

	// First client asks with the volume attached.
	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentVolumeInquiry, "quero 1000 usdt")))
	board := fx.quotes.Get("g1")
	rq.NotNil(board)
	rq.NotNil(board.PreStatedVolume)

	// A second client closes on the shown price without restating it.
	second := dispatch.Message{
		GroupJID:  "g1",
		SenderJID: "c2",
		Text:      "fecha",
		Intent:    dispatch.IntentConfirmation,
	}
	rq.NoError(fx.d.Handle(context.Background(), second))

	rq.Equal(2, fx.repo.dealCount())
	found := false
	fx.repo.mu.Lock()
	for _, deal := range fx.repo.deals {
		if deal.ClientJID != "c2" {
			continue
		}
		found = true
		rq.Equal(models.DealStateLocked, deal.State)
		rq.NotNil(deal.AmountUSDT)
		rq.True(deal.AmountUSDT.Equal(dec("1000")))
		rq.True(deal.AmountBRL.Equal(dec("5778.75")), "brl=%s", deal.AmountBRL)
	}
	fx.repo.mu.Unlock()
	rq.True(found, "second client's deal missing")
}

type stubClassifier struct {
	intent dispatch.Intent
	ok     bool
}

func (c *stubClassifier) Classify(ctx context.Context, text string) (dispatch.Intent, bool) {
	return c.intent, c.ok
}

func TestHandle_ClassifierRescuesUnlabeledMessage(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	fx.d.Classifier = &stubClassifier{intent: dispatch.IntentCancellation, ok: true}
	seeded := fx.seedDeal(t, models.DealStateQuoted, nil)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentUnrecognized, "deixa, pode cancelar")))

	deal := fx.repo.get(t, seeded.ID)
	rq.Equal(models.DealStateCancelled, deal.State)
	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "Cancelado")
}

func TestHandle_ClassifierNoVerdictFallsThrough(t *testing.T) {
	rq := require.New(t)
	fx := newFixture(t)
	fx.d.Classifier = &stubClassifier{ok: false}
	fx.seedDeal(t, models.DealStateAwaitingAmount, nil)

	rq.NoError(fx.d.Handle(context.Background(), msg(dispatch.IntentUnrecognized, "????")))

	sends := fx.notifier.all()
	rq.Len(sends, 1)
	rq.Contains(sends[0].text, "Qual o valor")
}
