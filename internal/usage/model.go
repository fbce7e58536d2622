package usage

import (
	"strings"
	"time"
)

// Tier is a subscription tier with an ascending daily token ceiling.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier maps a stored tier name to a Tier, defaulting to free.
func ParseTier(raw string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierFree
	}
}

// TierLimits holds the default daily token limit per tier.
type TierLimits struct {
	Free       int64
	Pro        int64
	Enterprise int64
}

// DefaultTierLimits are used when no configuration is supplied.
var DefaultTierLimits = TierLimits{Free: 50_000, Pro: 500_000, Enterprise: 5_000_000}

// For returns the daily limit of tier.
func (l TierLimits) For(tier Tier) int64 {
	switch tier {
	case TierPro:
		return l.Pro
	case TierEnterprise:
		return l.Enterprise
	default:
		return l.Free
	}
}

// Profile is the subset of the account the limiter needs.
type Profile struct {
	Tier            Tier
	DailyTokenLimit *int64
	Unrestricted    bool
}

// Budget is the derived token budget for the current UTC day.
type Budget struct {
	Allowed     bool      `json:"allowed"`
	Remaining   int64     `json:"remaining"`
	Limit       int64     `json:"limit"`
	Used        int64     `json:"used"`
	Unlimited   bool      `json:"unlimited"`
	FailedOpen  bool      `json:"failedOpen,omitempty"`
	Tier        Tier      `json:"tier"`
	WindowStart time.Time `json:"windowStart"`
	ResetsAt    time.Time `json:"resetsAt"`
}

// CheckOptions carries per-request bypass signals.
type CheckOptions struct {
	// BringOwnKey is set when every provider in the run uses a caller-supplied key.
	BringOwnKey bool
}
