package analyses

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores analyses in memory and is safe for concurrent use.
type MemoryRepo struct {
	// Now stamps UpdatedAt on every write; defaults to time.Now.
	Now func() time.Time

	mu        sync.RWMutex
	byID      map[string]Analysis
	responses map[string][]ProviderResponse
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:      make(map[string]Analysis),
		responses: make(map[string][]ProviderResponse),
	}
}

// Create stores the analysis.
func (r *MemoryRepo) Create(ctx context.Context, analysis Analysis) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[analysis.ID]; exists {
		return fmt.Errorf("analysis %s already exists", analysis.ID)
	}
	if analysis.UpdatedAt.IsZero() {
		analysis.UpdatedAt = analysis.CreatedAt
	}
	r.byID[analysis.ID] = cloneAnalysis(analysis)
	return nil
}

// GetByID returns an analysis by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, analysisID string) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	analysis, ok := r.byID[analysisID]
	if !ok {
		return Analysis{}, ErrNotFound
	}
	return cloneAnalysis(analysis), nil
}

// ListByUser lists a user's analyses newest-first.
func (r *MemoryRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)

	r.mu.RLock()
	var all []Analysis
	for _, a := range r.byID {
		if a.UserID == userID {
			all = append(all, cloneAnalysis(a))
		}
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return []Analysis{}, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

func (r *MemoryRepo) MarkProcessing(ctx context.Context, analysisID, stage string, at time.Time) error {
	return r.update(ctx, analysisID, func(a *Analysis) error {
		a.Status = StatusProcessing
		a.CurrentStage = stage
		if a.StartedAt == nil {
			started := at
			a.StartedAt = &started
		}
		a.CompletedAt = nil
		a.ErrorMessage = nil
		return nil
	})
}

func (r *MemoryRepo) Finalize(ctx context.Context, analysisID, status string, finalScore *int, errorMessage *string, completedAt time.Time) error {
	return r.update(ctx, analysisID, func(a *Analysis) error {
		a.Status = status
		a.CurrentStage = ""
		a.FinalScore = copyInt(finalScore)
		a.ErrorMessage = copyString(errorMessage)
		done := completedAt
		a.CompletedAt = &done
		return nil
	})
}

func (r *MemoryRepo) ReplaceProviderSlot(ctx context.Context, analysisID, original, substitute string) error {
	return r.update(ctx, analysisID, func(a *Analysis) error {
		next, err := replaceSlot(a.ProvidersUsed, original, substitute)
		if err != nil {
			return err
		}
		a.ProvidersUsed = next
		return nil
	})
}

func (r *MemoryRepo) SetMasterProvider(ctx context.Context, analysisID, provider string) error {
	return r.update(ctx, analysisID, func(a *Analysis) error {
		a.MasterProvider = provider
		return nil
	})
}

func (r *MemoryRepo) InsertResponse(ctx context.Context, resp ProviderResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[resp.AnalysisID]; !ok {
		return ErrNotFound
	}
	resp.Result = slices.Clone(resp.Result)
	r.responses[resp.AnalysisID] = append(r.responses[resp.AnalysisID], resp)
	return nil
}

// ListResponses returns responses in insertion order.
func (r *MemoryRepo) ListResponses(ctx context.Context, analysisID string) ([]ProviderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderResponse, len(r.responses[analysisID]))
	copy(out, r.responses[analysisID])
	return out, nil
}

func (r *MemoryRepo) DeleteResponses(ctx context.Context, analysisID, stage string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.responses[analysisID][:0:0]
	var deleted int64
	for _, resp := range r.responses[analysisID] {
		if resp.Stage == stage {
			deleted++
			continue
		}
		kept = append(kept, resp)
	}
	r.responses[analysisID] = kept
	return deleted, nil
}

func (r *MemoryRepo) TokensUsedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for id, a := range r.byID {
		if a.UserID != userID {
			continue
		}
		for _, resp := range r.responses[id] {
			if !resp.CreatedAt.Before(since) {
				total += int64(resp.TokensUsed)
			}
		}
	}
	return total, nil
}

func (r *MemoryRepo) update(ctx context.Context, analysisID string, fn func(*Analysis) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[analysisID]
	if !ok {
		return ErrNotFound
	}
	a = cloneAnalysis(a)
	if err := fn(&a); err != nil {
		return err
	}
	a.UpdatedAt = r.now()
	r.byID[analysisID] = a
	return nil
}

func (r *MemoryRepo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func cloneAnalysis(a Analysis) Analysis {
	a.Artifacts = slices.Clone(a.Artifacts)
	a.RequestedProviders = slices.Clone(a.RequestedProviders)
	a.ProvidersUsed = slices.Clone(a.ProvidersUsed)
	a.FinalScore = copyInt(a.FinalScore)
	a.ErrorMessage = copyString(a.ErrorMessage)
	return a
}

// replaceSlot swaps original for substitute, rejecting a missing original or a
// substitute that already occupies another slot.
func replaceSlot(used []string, original, substitute string) ([]string, error) {
	idx := slices.Index(used, original)
	if idx < 0 {
		return nil, fmt.Errorf("%w: provider %s does not occupy a slot", ErrValidation, original)
	}
	if other := slices.Index(used, substitute); other >= 0 && other != idx {
		return nil, fmt.Errorf("%w: provider %s already occupies a slot", ErrValidation, substitute)
	}
	next := slices.Clone(used)
	next[idx] = substitute
	return next, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
