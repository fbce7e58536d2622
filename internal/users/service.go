package users

import (
	"context"
	"errors"
	"strings"

	"analysis-backend/internal/usage"
)

type Service struct {
	Repo Repo
}

func NewService(repo Repo) *Service {
	return &Service{Repo: repo}
}

// Upsert stores the account profile.
func (s *Service) Upsert(ctx context.Context, user User) error {
	if s == nil || s.Repo == nil {
		return errors.New("users service not configured")
	}
	if strings.TrimSpace(user.ID) == "" {
		return errors.New("user id is required")
	}
	if user.DailyTokenLimit != nil && *user.DailyTokenLimit < 0 {
		return errors.New("daily token limit must not be negative")
	}
	user.Tier = string(usage.ParseTier(user.Tier))
	return s.Repo.Upsert(ctx, user)
}

func (s *Service) GetByID(ctx context.Context, userID string) (User, error) {
	if s == nil || s.Repo == nil {
		return User{}, errors.New("users service not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return User{}, errors.New("user id is required")
	}
	return s.Repo.GetByID(ctx, userID)
}

// SetProviderKey stores a per-user credential for provider.
func (s *Service) SetProviderKey(ctx context.Context, userID, provider, apiKey string) error {
	if s == nil || s.Repo == nil {
		return errors.New("users service not configured")
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if strings.TrimSpace(userID) == "" || provider == "" || strings.TrimSpace(apiKey) == "" {
		return errors.New("user id, provider and key are required")
	}
	return s.Repo.SetProviderKey(ctx, userID, provider, strings.TrimSpace(apiKey))
}

// ProviderKeys returns the caller's stored credentials keyed by provider.
func (s *Service) ProviderKeys(ctx context.Context, userID string) (map[string]string, error) {
	if s == nil || s.Repo == nil {
		return nil, errors.New("users service not configured")
	}
	return s.Repo.ProviderKeys(ctx, userID)
}

// Profile satisfies usage.ProfileSource. Unknown users get the free tier.
func (s *Service) Profile(ctx context.Context, userID string) (usage.Profile, error) {
	user, err := s.GetByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return usage.Profile{Tier: usage.TierFree}, nil
	}
	if err != nil {
		return usage.Profile{}, err
	}
	return usage.Profile{
		Tier:            usage.ParseTier(user.Tier),
		DailyTokenLimit: user.DailyTokenLimit,
		Unrestricted:    user.Unrestricted,
	}, nil
}

var _ usage.ProfileSource = (*Service)(nil)
