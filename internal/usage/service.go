package usage

import (
	"context"
	"fmt"
	"math"
	"time"

	"analysis-backend/internal/shared/metrics"
	"analysis-backend/internal/shared/telemetry"
)

// ProfileSource loads the limiter-relevant account profile.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// Ledger sums tokens consumed by a user's provider responses.
type Ledger interface {
	TokensUsedSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// Service computes daily token budgets. Usage is aggregated from the
// persisted provider responses on every check.
type Service struct {
	Profiles ProfileSource
	Ledger   Ledger
	Limits   TierLimits
	Now      func() time.Time
}

func NewService(profiles ProfileSource, ledger Ledger, limits TierLimits) *Service {
	return &Service{Profiles: profiles, Ledger: ledger, Limits: limits}
}

// WindowStart returns the UTC midnight starting the day containing now.
func WindowStart(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Check computes the caller's budget. Accounting failures fail open.
func (s *Service) Check(ctx context.Context, userID string, opts CheckOptions) Budget {
	start := WindowStart(s.now())
	base := Budget{
		Tier:        TierFree,
		WindowStart: start,
		ResetsAt:    start.Add(24 * time.Hour),
	}

	if opts.BringOwnKey {
		b := unlimited(base)
		s.record(userID, "bypass_byok", b)
		return b
	}

	profile := Profile{Tier: TierFree}
	if s.Profiles != nil {
		p, err := s.Profiles.Profile(ctx, userID)
		if err != nil {
			return s.failOpen(userID, base, s.Limits.For(TierFree), "profile", err)
		}
		profile = p
	}
	base.Tier = profile.Tier
	if profile.Unrestricted {
		b := unlimited(base)
		s.record(userID, "bypass_unrestricted", b)
		return b
	}

	limit := s.Limits.For(profile.Tier)
	if profile.DailyTokenLimit != nil {
		limit = *profile.DailyTokenLimit
	}

	var used int64
	if s.Ledger != nil {
		u, err := s.Ledger.TokensUsedSince(ctx, userID, start)
		if err != nil {
			return s.failOpen(userID, base, limit, "ledger", err)
		}
		used = u
	}

	b := base
	b.Limit = limit
	b.Used = used
	b.Remaining = max(limit-used, 0)
	b.Allowed = used < limit
	result := "allowed"
	if !b.Allowed {
		result = "denied"
	}
	s.record(userID, result, b)
	return b
}

// Admit returns ErrLimitReached when the caller has no budget left.
func (s *Service) Admit(ctx context.Context, userID string, opts CheckOptions) (Budget, error) {
	b := s.Check(ctx, userID, opts)
	if !b.Allowed {
		return b, fmt.Errorf("%w: used %d of %d tokens", ErrLimitReached, b.Used, b.Limit)
	}
	return b, nil
}

func (s *Service) failOpen(userID string, base Budget, limit int64, stage string, err error) Budget {
	telemetry.Warn("usage.fail_open", map[string]any{
		"user_id": userID,
		"stage":   stage,
		"error":   err.Error(),
	})
	b := base
	b.Allowed = true
	b.FailedOpen = true
	b.Limit = limit
	b.Remaining = limit
	metrics.IncUsageCheck("fail_open")
	return b
}

func (s *Service) record(userID, result string, b Budget) {
	metrics.IncUsageCheck(result)
	telemetry.Info("usage.check", map[string]any{
		"user_id":   userID,
		"result":    result,
		"tier":      string(b.Tier),
		"limit":     b.Limit,
		"used":      b.Used,
		"remaining": b.Remaining,
	})
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func unlimited(b Budget) Budget {
	b.Allowed = true
	b.Unlimited = true
	b.Limit = math.MaxInt64
	b.Remaining = math.MaxInt64
	return b
}
