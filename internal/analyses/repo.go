package analyses

import (
	"context"
	"time"
)

// Repo is the analysis record store. It is the single source of truth for
// pipeline state and is mutated only by the orchestrator and retry coordinator.
type Repo interface {
	Create(ctx context.Context, analysis Analysis) error
	GetByID(ctx context.Context, analysisID string) (Analysis, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Analysis, error)
	MarkProcessing(ctx context.Context, analysisID, stage string, at time.Time) error
	Finalize(ctx context.Context, analysisID, status string, finalScore *int, errorMessage *string, completedAt time.Time) error
	// ReplaceProviderSlot atomically swaps original for substitute in providers_used.
	ReplaceProviderSlot(ctx context.Context, analysisID, original, substitute string) error
	SetMasterProvider(ctx context.Context, analysisID, provider string) error

	InsertResponse(ctx context.Context, resp ProviderResponse) error
	ListResponses(ctx context.Context, analysisID string) ([]ProviderResponse, error)
	DeleteResponses(ctx context.Context, analysisID, stage string) (int64, error)
	// TokensUsedSince sums tokens across the user's provider responses created at or after since.
	TokensUsedSince(ctx context.Context, userID string, since time.Time) (int64, error)
}
