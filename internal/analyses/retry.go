package analyses

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"analysis-backend/internal/events"
	"analysis-backend/internal/llm"
	"analysis-backend/internal/shared/telemetry"
	"analysis-backend/internal/usage"
)

// Retry re-runs part of a settled or interrupted analysis in place. An
// initial-stage retry runs the planned substitutions (or every failed slot
// when none are given) and then re-derives synthesis; a synthesis-stage retry
// only re-derives synthesis from the successful initial results on record.
func (s *Service) Retry(ctx context.Context, in RetryInput) (RetryResult, error) {
	in.AnalysisID = strings.TrimSpace(in.AnalysisID)
	if in.AnalysisID == "" {
		return RetryResult{}, fmt.Errorf("%w: analysis id is required", ErrValidation)
	}
	stage := strings.TrimSpace(in.Stage)
	if stage == "" {
		stage = StageInitial
	}
	if stage != StageInitial && stage != StageSynthesis {
		return RetryResult{}, fmt.Errorf("%w: retry stage must be %s or %s", ErrValidation, StageInitial, StageSynthesis)
	}
	if stage == StageSynthesis && len(in.Substitutions) > 0 {
		return RetryResult{}, fmt.Errorf("%w: substitutions apply to the initial stage only", ErrValidation)
	}

	if !s.acquireRetry(in.AnalysisID) {
		return RetryResult{}, ErrRetryInProgress
	}
	defer s.releaseRetry(in.AnalysisID)

	analysis, err := s.Get(ctx, in.UserID, in.AnalysisID)
	if err != nil {
		return RetryResult{}, err
	}
	if !analysis.IsTerminal() {
		// A run that stopped updating its record was interrupted; take it over.
		idle := s.now().Sub(analysis.UpdatedAt)
		if idle < s.staleAfter() {
			return RetryResult{}, ErrRetryInProgress
		}
		telemetry.Warn("analysis.retry_resume", map[string]any{
			"request_id":  requestIDFromContext(ctx),
			"analysis_id": analysis.ID,
			"status":      analysis.Status,
			"stage":       analysis.CurrentStage,
			"idle_ms":     idle.Milliseconds(),
		})
	}
	responses, err := s.Repo.ListResponses(ctx, analysis.ID)
	if err != nil {
		return RetryResult{}, fmt.Errorf("list responses: %w", err)
	}

	r := &run{
		analysis:  analysis,
		creds:     s.credentialSet(ctx, in.UserID, in.Credentials),
		clients:   map[string]llm.Provider{},
		eventType: events.TypeAnalysisRetried,
	}
	r.analysis.ProvidersUsed = slices.Clone(analysis.ProvidersUsed)

	var plan []Substitution
	if stage == StageInitial {
		plan, err = s.planSubstitutions(analysis, responses, in.Substitutions)
		if err != nil {
			return RetryResult{}, err
		}
	} else if len(latestInitialSuccesses(responses, analysis.ProvidersUsed)) == 0 {
		return RetryResult{}, ErrNothingToSynthesize
	}

	usedAfter := slices.Clone(analysis.ProvidersUsed)
	for _, sub := range plan {
		usedAfter[slices.Index(usedAfter, sub.Original)] = sub.Substitute
	}
	master, err := s.retryMaster(analysis, usedAfter, in.MasterProvider)
	if err != nil {
		return RetryResult{}, err
	}

	result := RetryResult{Retried: []string{}, Failed: []string{}}
	var runnable []Substitution
	for _, sub := range plan {
		if _, err := s.client(ctx, r, sub.Substitute); err != nil {
			if !llm.IsUnavailable(err) {
				return RetryResult{}, err
			}
			telemetry.Warn("analysis.provider_excluded", map[string]any{
				"request_id":  requestIDFromContext(ctx),
				"analysis_id": analysis.ID,
				"provider":    sub.Substitute,
				"error":       sanitizeError(err),
			})
			result.Failed = append(result.Failed, sub.Substitute)
			continue
		}
		runnable = append(runnable, sub)
	}
	if stage == StageInitial && len(runnable) == 0 {
		return RetryResult{}, fmt.Errorf("%w: %s", ErrNoProvidersAvailable, strings.Join(result.Failed, ", "))
	}

	billed := []string{master}
	for _, sub := range runnable {
		billed = append(billed, sub.Substitute)
	}
	if s.Usage != nil {
		if _, err := s.Usage.Admit(ctx, in.UserID, usage.CheckOptions{BringOwnKey: r.creds.CoversAll(billed)}); err != nil {
			return RetryResult{}, err
		}
	}
	r.sourceText, r.artifacts, err = s.resolveInputs(ctx, analysis.Source, analysis.Artifacts)
	if err != nil {
		return RetryResult{}, err
	}

	// Mutations start here; finish them even if the caller goes away.
	ctx = detach(ctx)

	if master != analysis.MasterProvider {
		if err := s.Repo.SetMasterProvider(ctx, analysis.ID, master); err != nil {
			return RetryResult{}, fmt.Errorf("set master provider: %w", err)
		}
		r.analysis.MasterProvider = master
	}

	r.startedAt = s.now()
	telemetry.Info("analysis.retry", map[string]any{
		"request_id":    requestIDFromContext(ctx),
		"analysis_id":   analysis.ID,
		"stage":         stage,
		"substitutions": runnable,
		"master":        master,
	})
	if stage == StageInitial {
		if err := s.Repo.MarkProcessing(ctx, analysis.ID, StageInitial, r.startedAt); err != nil {
			return RetryResult{}, fmt.Errorf("mark processing: %w", err)
		}
		s.logTransition(ctx, r.analysis, analysis.Status, StatusProcessing, nil)
		targets := make([]string, 0, len(runnable))
		for _, sub := range runnable {
			targets = append(targets, sub.Substitute)
		}
		succeeded, failed := s.runInitial(ctx, r, targets)
		result.Retried = append(result.Retried, succeeded...)
		result.Failed = append(result.Failed, failed...)
		if err := s.adoptSubstitutes(ctx, r, runnable, succeeded); err != nil {
			return RetryResult{}, err
		}
	}

	out, err := s.settle(ctx, r)
	if err != nil {
		return RetryResult{}, err
	}
	result.Analysis = out.Analysis
	result.Synthesized = out.Analysis.Status != StatusFailed && out.Analysis.FinalScore != nil
	return result, nil
}

// planSubstitutions validates the requested plan, or builds an identity plan
// over every slot whose provider has no successful initial response.
func (s *Service) planSubstitutions(a Analysis, responses []ProviderResponse, requested []Substitution) ([]Substitution, error) {
	if len(requested) == 0 {
		succeeded := map[string]bool{}
		for _, p := range latestInitialSuccesses(responses, a.ProvidersUsed) {
			succeeded[p.Provider] = true
		}
		var plan []Substitution
		for _, p := range a.ProvidersUsed {
			if !succeeded[p] {
				plan = append(plan, Substitution{Original: p, Substitute: p})
			}
		}
		if len(plan) == 0 {
			return nil, fmt.Errorf("%w: every provider already succeeded; retry the synthesis stage instead", ErrValidation)
		}
		return plan, nil
	}

	plan := make([]Substitution, 0, len(requested))
	seenOriginal := map[string]bool{}
	seenSubstitute := map[string]bool{}
	for _, raw := range requested {
		sub := Substitution{Original: llm.NormalizeName(raw.Original), Substitute: llm.NormalizeName(raw.Substitute)}
		if sub.Substitute == "" {
			sub.Substitute = sub.Original
		}
		if !slices.Contains(a.ProvidersUsed, sub.Original) {
			return nil, fmt.Errorf("%w: provider %s does not occupy a slot", ErrValidation, sub.Original)
		}
		if seenOriginal[sub.Original] {
			return nil, fmt.Errorf("%w: provider %s is substituted more than once", ErrValidation, sub.Original)
		}
		if !s.Providers.Has(sub.Substitute) {
			return nil, fmt.Errorf("%w: unknown provider %s", ErrValidation, sub.Substitute)
		}
		if sub.Substitute != sub.Original && slices.Contains(a.ProvidersUsed, sub.Substitute) {
			return nil, fmt.Errorf("%w: provider %s already occupies a slot", ErrValidation, sub.Substitute)
		}
		if seenSubstitute[sub.Substitute] {
			return nil, fmt.Errorf("%w: provider %s is used as a substitute more than once", ErrValidation, sub.Substitute)
		}
		seenOriginal[sub.Original] = true
		seenSubstitute[sub.Substitute] = true
		plan = append(plan, sub)
	}
	return plan, nil
}

// adoptSubstitutes moves each substitute that produced a usable result into
// the slot of the provider it replaced. Failed substitutes leave the slot alone.
func (s *Service) adoptSubstitutes(ctx context.Context, r *run, plan []Substitution, succeeded []string) error {
	for _, sub := range plan {
		if sub.Original == sub.Substitute || !slices.Contains(succeeded, sub.Substitute) {
			continue
		}
		if err := s.Repo.ReplaceProviderSlot(ctx, r.analysis.ID, sub.Original, sub.Substitute); err != nil {
			return fmt.Errorf("replace provider slot: %w", err)
		}
		r.analysis.ProvidersUsed[slices.Index(r.analysis.ProvidersUsed, sub.Original)] = sub.Substitute
	}
	return nil
}

// staleAfter is how long a non-terminal analysis may go without a record
// update before it counts as interrupted. Each stage updates the record and
// runs its calls under one CallTimeout.
func (s *Service) staleAfter() time.Duration {
	return 2 * s.callTimeout()
}

func (s *Service) retryMaster(a Analysis, usedAfter []string, requested string) (string, error) {
	master := llm.NormalizeName(requested)
	if master == "" {
		return a.MasterProvider, nil
	}
	if !s.Providers.Has(master) {
		return "", fmt.Errorf("%w: unknown provider %s", ErrValidation, master)
	}
	if !slices.Contains(usedAfter, master) && !slices.Contains(a.RequestedProviders, master) {
		return "", fmt.Errorf("%w: master provider %s is not part of this analysis", ErrValidation, master)
	}
	return master, nil
}

func (s *Service) acquireRetry(analysisID string) bool {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	if s.retrying == nil {
		s.retrying = map[string]struct{}{}
	}
	if _, busy := s.retrying[analysisID]; busy {
		return false
	}
	s.retrying[analysisID] = struct{}{}
	return true
}

func (s *Service) releaseRetry(analysisID string) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	delete(s.retrying, analysisID)
}
