// Package sweep is the background pass that retires deals whose validity
// lapsed and nudges clients who locked a rate but never said how much.
package sweep

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"otcdesk/internal/engine"
	"otcdesk/internal/models"
	"otcdesk/internal/repository"
	"otcdesk/internal/telemetry"
)

const (
	DefaultInterval = 30 * time.Second
	defaultBatch    = 200
)

// Notifier delivers a group message. Sweep notifications are best effort:
// a send failure is logged and the pass moves on.
type Notifier interface {
	SendToGroup(ctx context.Context, groupJID, text string, mentions []string) error
}

type Service struct {
	Repo     repository.Repository
	Engine   *engine.Service
	Notifier Notifier
	Logger   *zap.Logger

	Interval  time.Duration
	BatchSize int

	// Now is a clock override for tests; nil means time.Now.
	Now func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) batch() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return defaultBatch
}

// Start launches the sweep loop. Calling Start on a running service is a
// no-op, so there is never more than one ticker.
func (s *Service) Start(ctx context.Context) {
	if s == nil || !s.running.CompareAndSwap(false, true) {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.Run(runCtx, s.Interval)
	}()
}

// Stop halts the loop and waits for the in-flight tick to finish.
// Stopping a stopped service is a no-op.
func (s *Service) Stop() {
	if s == nil || !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if s == nil || s.Repo == nil || s.Engine == nil {
		return nil
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && s.Logger != nil {
			s.Logger.Warn("sweep tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RunOnce performs both passes. Each pass isolates per-deal failures so
// one bad row or one failed send never starves the rest.
func (s *Service) RunOnce(ctx context.Context) error {
	if s == nil || s.Repo == nil || s.Engine == nil {
		return nil
	}
	if err := s.expiryPass(ctx); err != nil {
		return err
	}
	return s.awaitingPass(ctx)
}

// expiryPass retires quoted and locked deals whose TTL lapsed. Clients
// holding a plain quote get an "offer withdrawn" notice; a configured
// operator is mentioned so a human can follow up.
func (s *Service) expiryPass(ctx context.Context) error {
	deals, err := s.Repo.ListDealsPastTTL(ctx, s.now(), s.batch())
	if err != nil {
		return fmt.Errorf("list deals past ttl: %w", err)
	}
	for i := range deals {
		deal := &deals[i]
		wasQuoted := deal.State == models.DealStateQuoted

		if _, err := s.Engine.Expire(ctx, deal.ID, deal.GroupJID); err != nil {
			s.warn("expire deal", deal, err)
			continue
		}
		telemetry.DealsExpired.Inc()

		if wasQuoted {
			s.notify(ctx, deal, offerWithdrawnText(deal))
		}
	}
	return nil
}

// awaitingPass handles deals stuck in awaiting_amount: one reminder after
// the group's amount timeout, expiry at twice the timeout once the
// reminder has been spent.
func (s *Service) awaitingPass(ctx context.Context) error {
	deals, err := s.Repo.ListAwaitingAmountDeals(ctx, s.batch())
	if err != nil {
		return fmt.Errorf("list awaiting deals: %w", err)
	}
	now := s.now()
	for i := range deals {
		deal := &deals[i]

		settings, err := s.Repo.GetGroupSettings(ctx, deal.GroupJID)
		if err != nil {
			s.warn("load group settings", deal, err)
			continue
		}
		if settings == nil {
			settings = models.DefaultGroupSettings(deal.GroupJID)
		}
		timeout := settings.AmountTimeout()

		anchor := deal.QuotedAt
		if deal.LockedAt != nil {
			anchor = *deal.LockedAt
		}
		age := now.Sub(anchor)

		switch {
		case deal.RepromptedAt == nil && age > timeout:
			// The guarded mark makes the reminder exactly-once even with
			// overlapping sweeps.
			marked, err := s.Repo.MarkDealReprompted(ctx, deal.ID, now)
			if err != nil {
				s.warn("mark reprompted", deal, err)
				continue
			}
			if marked == 0 {
				continue
			}
			telemetry.RemindersSent.Inc()
			s.notify(ctx, deal, amountReminderText())

		case deal.RepromptedAt != nil && age > 2*timeout:
			if _, err := s.Engine.Expire(ctx, deal.ID, deal.GroupJID); err != nil {
				s.warn("expire awaiting deal", deal, err)
				continue
			}
			telemetry.DealsExpired.Inc()
			s.notify(ctx, deal, awaitingExpiredText(deal))
		}
	}
	return nil
}

func (s *Service) notify(ctx context.Context, deal *models.Deal, text string) {
	if s.Notifier == nil {
		return
	}
	var mentions []string
	if settings, err := s.Repo.GetGroupSettings(ctx, deal.GroupJID); err == nil && settings != nil && settings.OperatorJID != "" {
		mentions = append(mentions, settings.OperatorJID)
	}
	if err := s.Notifier.SendToGroup(ctx, deal.GroupJID, text, mentions); err != nil {
		s.warn("send sweep notification", deal, err)
	}
}

func (s *Service) warn(msg string, deal *models.Deal, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.Warn(msg,
		zap.String("deal_id", deal.ID.String()),
		zap.String("group_jid", deal.GroupJID),
		zap.Error(err))
}
