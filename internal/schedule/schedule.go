// Package schedule decides which pricing rule, if any, is in force for a
// group at a given instant. Rule windows are weekly, evaluated in the
// rule's own timezone, and may wrap past midnight.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"otcdesk/internal/models"
	"otcdesk/internal/repository"
)

const (
	// DefaultCacheTTL bounds how stale the per-group rule list may get
	// between CRUD writes on another instance.
	DefaultCacheTTL = 60 * time.Second

	MaxRulesPerGroup = 20

	MinPriority = 0
	MaxPriority = 100
)

// ErrInvalidRule marks rule validation failures so handlers can answer 400.
var ErrInvalidRule = errors.New("invalid rule")

// Service loads group rules through a short-lived cache and evaluates
// their schedule windows.
type Service struct {
	Repo   repository.Repository
	Logger *zap.Logger

	cache *cache.Cache
	ttl   time.Duration
}

func New(repo repository.Repository, logger *zap.Logger, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{
		Repo:   repo,
		Logger: logger,
		cache:  cache.New(ttl, 2*ttl),
		ttl:    ttl,
	}
}

// ActiveRule returns the rule in force for the group at the given instant,
// or nil when no window matches and the group default should price the
// quote. Rules are pre-sorted by priority desc with created_at then id as
// tie-breaks, so the first match wins deterministically.
func (s *Service) ActiveRule(ctx context.Context, groupJID string, at time.Time) (*models.GroupRule, error) {
	if s == nil {
		return nil, nil
	}
	rules, err := s.rulesFor(ctx, groupJID)
	if err != nil {
		return nil, err
	}
	for i := range rules {
		rule := &rules[i]
		if !rule.IsActive {
			continue
		}
		ok, err := ruleMatchesAt(rule, at)
		if err != nil {
			if s.Logger != nil {
				s.Logger.Warn("skipping unmatchable rule",
					zap.String("group_jid", groupJID),
					zap.String("rule", rule.Name),
					zap.Error(err))
			}
			continue
		}
		if ok {
			out := *rule
			return &out, nil
		}
	}
	return nil, nil
}

// Invalidate drops the cached rule list for a group. Rule CRUD must call
// this after every write so the next quote sees the change immediately.
func (s *Service) Invalidate(groupJID string) {
	if s == nil || s.cache == nil {
		return
	}
	s.cache.Delete(groupJID)
}

func (s *Service) rulesFor(ctx context.Context, groupJID string) ([]models.GroupRule, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(groupJID); ok {
			if rules, ok := v.([]models.GroupRule); ok {
				return rules, nil
			}
		}
	}
	rules, err := s.Repo.ListGroupRules(ctx, groupJID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(groupJID, rules, cache.DefaultExpiration)
	}
	return rules, nil
}

// ruleMatchesAt evaluates the rule's weekly window at the given instant,
// in the rule's timezone. Windows with start == end cover the whole day.
// Windows with start > end wrap past midnight: they match from start on a
// listed day and keep matching before end on the following day.
func ruleMatchesAt(rule *models.GroupRule, at time.Time) (bool, error) {
	loc, err := time.LoadLocation(rule.Timezone)
	if err != nil {
		return false, fmt.Errorf("load timezone %q: %w", rule.Timezone, err)
	}
	start, err := parseHHMM(rule.StartTime)
	if err != nil {
		return false, err
	}
	end, err := parseHHMM(rule.EndTime)
	if err != nil {
		return false, err
	}

	days := make(map[string]bool, 7)
	for _, d := range rule.DayList() {
		days[d] = true
	}

	local := at.In(loc)
	cur := local.Hour()*60 + local.Minute()
	today := weekdayToken(local.Weekday())
	yesterday := weekdayToken(previousWeekday(local.Weekday()))

	switch {
	case start == end:
		return days[today], nil
	case start < end:
		return days[today] && cur >= start && cur < end, nil
	default:
		if days[today] && cur >= start {
			return true, nil
		}
		return days[yesterday] && cur < end, nil
	}
}

// ValidateRule rejects rules that could never be evaluated. All failures
// wrap ErrInvalidRule.
func ValidateRule(rule *models.GroupRule) error {
	if rule == nil {
		return fmt.Errorf("%w: empty rule", ErrInvalidRule)
	}
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if _, err := parseHHMM(rule.StartTime); err != nil {
		return fmt.Errorf("%w: start_time: %v", ErrInvalidRule, err)
	}
	if _, err := parseHHMM(rule.EndTime); err != nil {
		return fmt.Errorf("%w: end_time: %v", ErrInvalidRule, err)
	}
	dayList := rule.DayList()
	if len(dayList) == 0 {
		return fmt.Errorf("%w: at least one day is required", ErrInvalidRule)
	}
	for _, d := range dayList {
		if !validWeekdayToken(d) {
			return fmt.Errorf("%w: unknown day %q", ErrInvalidRule, d)
		}
	}
	if _, err := time.LoadLocation(rule.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q", ErrInvalidRule, rule.Timezone)
	}
	if rule.Priority < MinPriority || rule.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d out of range [%d,%d]", ErrInvalidRule, rule.Priority, MinPriority, MaxPriority)
	}
	switch rule.PricingSource {
	case models.PricingSourceCommercialDollar, models.PricingSourceUSDTBinance:
	default:
		return fmt.Errorf("%w: unknown pricing source %q", ErrInvalidRule, rule.PricingSource)
	}
	switch rule.SpreadMode {
	case models.SpreadModeBps, models.SpreadModeAbsBRL, models.SpreadModeFlat:
	default:
		return fmt.Errorf("%w: unknown spread mode %q", ErrInvalidRule, rule.SpreadMode)
	}
	return nil
}

func parseHHMM(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

func weekdayToken(d time.Weekday) string {
	switch d {
	case time.Monday:
		return "mon"
	case time.Tuesday:
		return "tue"
	case time.Wednesday:
		return "wed"
	case time.Thursday:
		return "thu"
	case time.Friday:
		return "fri"
	case time.Saturday:
		return "sat"
	default:
		return "sun"
	}
}

func previousWeekday(d time.Weekday) time.Weekday {
	if d == time.Sunday {
		return time.Saturday
	}
	return d - 1
}

func validWeekdayToken(tok string) bool {
	for _, w := range models.WeekdayTokens {
		if tok == w {
			return true
		}
	}
	return false
}
