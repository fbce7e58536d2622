package analyses

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"analysis-backend/internal/events"
	"analysis-backend/internal/llm"
	"analysis-backend/internal/shared/metrics"
	"analysis-backend/internal/shared/telemetry"
)

const publishTimeout = 5 * time.Second

// execute runs the initial fan-out over every provider in use, then settles.
func (s *Service) execute(ctx context.Context, r *run) (Outcome, error) {
	if err := s.Repo.MarkProcessing(ctx, r.analysis.ID, StageInitial, r.startedAt); err != nil {
		return Outcome{}, fmt.Errorf("mark processing: %w", err)
	}
	s.logTransition(ctx, r.analysis, r.analysis.Status, StatusProcessing, nil)
	r.analysis.Status = StatusProcessing

	s.runInitial(ctx, r, r.analysis.ProvidersUsed)
	return s.settle(ctx, r)
}

// runInitial fans out to providers and waits for every call to settle.
// Each attempt is persisted as its own row; the returned slices report who
// succeeded and who failed, in input order.
func (s *Service) runInitial(ctx context.Context, r *run, providers []string) (succeeded, failed []string) {
	vars := s.promptVars(r)
	vars["SOURCE"] = r.sourceText + llm.TextArtifacts(r.artifacts)
	prompt, promptErr := llm.ResolvePrompt(r.analysis.Domain, StageInitial, vars)

	results := settleAll(ctx, len(providers), func(ctx context.Context, i int) (ProviderResponse, error) {
		name := providers[i]
		return s.attempt(ctx, r, name, StageInitial, func(ctx context.Context, client llm.Provider) (llm.Result, error) {
			if promptErr != nil {
				return llm.Result{}, promptErr
			}
			return client.Analyze(ctx, llm.AnalyzeRequest{
				SystemPrompt: prompt.System,
				UserPrompt:   prompt.User,
				Artifacts:    r.artifacts,
			})
		})
	})
	for i, res := range results {
		if res.Err == nil && res.Value.Success {
			succeeded = append(succeeded, providers[i])
			continue
		}
		if res.Err != nil && res.Value.ID == "" {
			// A panic escaped attempt; the row was never written.
			s.recordFailure(ctx, r, providers[i], StageInitial, res.Err, 0)
		}
		failed = append(failed, providers[i])
	}
	return succeeded, failed
}

// settle re-derives synthesis from the persisted initial results and moves
// the analysis to its terminal status.
func (s *Service) settle(ctx context.Context, r *run) (Outcome, error) {
	analysisID := r.analysis.ID
	if _, err := s.Repo.DeleteResponses(ctx, analysisID, StageSynthesis); err != nil {
		return Outcome{}, fmt.Errorf("clear synthesis: %w", err)
	}
	responses, err := s.Repo.ListResponses(ctx, analysisID)
	if err != nil {
		return Outcome{}, fmt.Errorf("list responses: %w", err)
	}
	prior := latestInitialSuccesses(responses, r.analysis.ProvidersUsed)
	requested := len(r.analysis.ProvidersUsed)

	if len(prior) == 0 {
		msg := providerSummary(0, requested)
		return s.finalize(ctx, r, StatusFailed, nil, &msg, 0)
	}

	if err := s.Repo.MarkProcessing(ctx, analysisID, StageSynthesis, r.startedAt); err != nil {
		return Outcome{}, fmt.Errorf("mark synthesis: %w", err)
	}
	synth, synthErr := s.synthesize(ctx, r, prior)

	switch {
	case synthErr == nil && synth.Success && len(prior) == requested:
		return s.finalize(ctx, r, StatusCompleted, synth.Score, nil, len(prior))
	case synthErr == nil && synth.Success:
		msg := providerSummary(len(prior), requested)
		return s.finalize(ctx, r, StatusPartial, synth.Score, &msg, len(prior))
	default:
		msg := "synthesis failed: " + synth.ErrorMessage
		if synth.ErrorMessage == "" {
			msg = "synthesis failed: " + sanitizeError(synthErr)
		}
		return s.finalize(ctx, r, StatusPartial, nil, &msg, len(prior))
	}
}

func (s *Service) synthesize(ctx context.Context, r *run, prior []llm.PriorResult) (ProviderResponse, error) {
	vars := s.promptVars(r)
	vars["PROVIDER_COUNT"] = strconv.Itoa(len(prior))
	vars["PRIOR"] = llm.FormatPriorResults(prior)

	req := llm.SynthesizeRequest{Prior: prior}
	switch r.analysis.Domain {
	case DomainContract:
		vars["SOURCE"] = truncateRunes(r.sourceText, s.sourceLimit())
	default:
		vars["SOURCE"] = ""
		req.Artifacts = r.artifacts
	}
	prompt, err := llm.ResolvePrompt(r.analysis.Domain, StageSynthesis, vars)
	if err != nil {
		return s.recordFailure(ctx, r, r.analysis.MasterProvider, StageSynthesis, err, 0), err
	}
	req.SystemPrompt = prompt.System
	req.UserPrompt = prompt.User

	return s.attempt(ctx, r, r.analysis.MasterProvider, StageSynthesis, func(ctx context.Context, client llm.Provider) (llm.Result, error) {
		return client.Synthesize(ctx, req)
	})
}

// attempt runs one provider call under the per-call timeout and persists the
// outcome as a response row.
func (s *Service) attempt(ctx context.Context, r *run, provider, stage string, call func(context.Context, llm.Provider) (llm.Result, error)) (ProviderResponse, error) {
	client, err := s.client(ctx, r, provider)
	if err != nil {
		return s.recordFailure(ctx, r, provider, stage, err, 0), err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout())
	defer cancel()
	start := time.Now()
	res, err := call(callCtx, client)
	elapsed := time.Since(start)
	if err != nil {
		return s.recordFailure(ctx, r, provider, stage, err, elapsed), err
	}

	latency := res.LatencyMs
	if latency <= 0 {
		latency = elapsed.Milliseconds()
	}
	score := res.Score
	resp := ProviderResponse{
		ID:         ulid.Make().String(),
		AnalysisID: r.analysis.ID,
		Provider:   provider,
		Stage:      stage,
		Result:     res.Payload,
		Score:      &score,
		TokensUsed: res.TokensUsed,
		LatencyMs:  latency,
		Success:    true,
		CreatedAt:  s.now(),
	}
	s.persist(ctx, resp)
	metrics.ObserveProviderCall(provider, stage, true, elapsed, res.TokensUsed)
	telemetry.Info("analysis.provider", map[string]any{
		"request_id":  requestIDFromContext(ctx),
		"analysis_id": r.analysis.ID,
		"provider":    provider,
		"stage":       stage,
		"success":     true,
		"score":       score,
		"tokens_used": res.TokensUsed,
		"latency_ms":  latency,
	})
	return resp, nil
}

func (s *Service) recordFailure(ctx context.Context, r *run, provider, stage string, err error, elapsed time.Duration) ProviderResponse {
	code := classifyFailure(err)
	tokens := llm.TokensSpent(err)
	resp := ProviderResponse{
		ID:           ulid.Make().String(),
		AnalysisID:   r.analysis.ID,
		Provider:     provider,
		Stage:        stage,
		TokensUsed:   tokens,
		LatencyMs:    elapsed.Milliseconds(),
		ErrorMessage: code + ": " + sanitizeError(err),
		CreatedAt:    s.now(),
	}
	s.persist(ctx, resp)
	metrics.ObserveProviderCall(provider, stage, false, elapsed, tokens)
	telemetry.Warn("analysis.provider", map[string]any{
		"request_id":  requestIDFromContext(ctx),
		"analysis_id": r.analysis.ID,
		"provider":    provider,
		"stage":       stage,
		"success":     false,
		"tokens_used": tokens,
		"error_code":  code,
		"error":       sanitizeError(err),
	})
	return resp
}

func (s *Service) persist(ctx context.Context, resp ProviderResponse) {
	if err := s.Repo.InsertResponse(ctx, resp); err != nil {
		telemetry.Error("analysis.response_persist_failed", map[string]any{
			"request_id":  requestIDFromContext(ctx),
			"analysis_id": resp.AnalysisID,
			"provider":    resp.Provider,
			"stage":       resp.Stage,
			"error":       sanitizeError(err),
		})
	}
}

// client returns the opened provider for this run, opening it on first use.
func (s *Service) client(ctx context.Context, r *run, provider string) (llm.Provider, error) {
	if c, ok := r.clients[provider]; ok {
		return c, nil
	}
	c, err := s.openClient(ctx, r.creds, provider, r.analysis.ID)
	if err != nil {
		return nil, err
	}
	r.clients[provider] = c
	return c, nil
}

func (s *Service) finalize(ctx context.Context, r *run, status string, finalScore *int, errorMessage *string, succeeded int) (Outcome, error) {
	a := r.analysis
	completedAt := s.now()
	if err := s.Repo.Finalize(ctx, a.ID, status, finalScore, errorMessage, completedAt); err != nil {
		return Outcome{}, fmt.Errorf("finalize analysis: %w", err)
	}
	metrics.IncAnalysisRun(status)
	metrics.ObserveAnalysisDurationMs(durationMs(r.startedAt, completedAt))
	s.logTransition(ctx, a, StatusProcessing, status, map[string]any{
		"duration_ms": durationMs(r.startedAt, completedAt),
		"final_score": finalScore,
		"succeeded":   succeeded,
		"requested":   len(a.ProvidersUsed),
	})

	updated, err := s.Repo.GetByID(ctx, a.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("reload analysis: %w", err)
	}
	out := Outcome{Analysis: updated, Succeeded: succeeded, Requested: len(updated.ProvidersUsed)}
	s.publish(ctx, r.eventType, out)
	return out, nil
}

func (s *Service) publish(ctx context.Context, eventType string, out Outcome) {
	if s.Events == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	evt := events.Event{
		Type:       eventType,
		AnalysisID: out.Analysis.ID,
		UserID:     out.Analysis.UserID,
		Status:     out.Analysis.Status,
		FinalScore: out.Analysis.FinalScore,
		Succeeded:  out.Succeeded,
		Requested:  out.Requested,
		RequestID:  requestIDFromContext(ctx),
		OccurredAt: s.now(),
	}
	if err := s.Events.Publish(pubCtx, evt); err != nil {
		telemetry.Warn("analysis.event_publish_failed", map[string]any{
			"request_id":  evt.RequestID,
			"analysis_id": evt.AnalysisID,
			"type":        eventType,
			"error":       sanitizeError(err),
		})
	}
}

func (s *Service) logTransition(ctx context.Context, a Analysis, from, to string, extra map[string]any) {
	fields := map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"user_id":           a.UserID,
		"analysis_id":       a.ID,
		"status":            to,
		"status_transition": from + "->" + to,
	}
	for k, v := range extra {
		fields[k] = v
	}
	telemetry.Info("analysis.status", fields)
}

func (s *Service) promptVars(r *run) map[string]string {
	return map[string]string{
		"CONTEXT":        r.analysis.Source.Context,
		"PROVIDER_COUNT": strconv.Itoa(len(r.analysis.ProvidersUsed)),
		"ARTIFACT_COUNT": strconv.Itoa(len(r.artifacts)),
	}
}

// latestInitialSuccesses picks the newest successful initial response for each
// provider currently in use, ordered as the providers are.
func latestInitialSuccesses(responses []ProviderResponse, providersUsed []string) []llm.PriorResult {
	latest := map[string]ProviderResponse{}
	for _, resp := range responses {
		if resp.Stage != StageInitial || !resp.Success || !slices.Contains(providersUsed, resp.Provider) {
			continue
		}
		if cur, ok := latest[resp.Provider]; ok && resp.CreatedAt.Before(cur.CreatedAt) {
			continue
		}
		latest[resp.Provider] = resp
	}
	out := make([]llm.PriorResult, 0, len(latest))
	for _, p := range providersUsed {
		resp, ok := latest[p]
		if !ok {
			continue
		}
		score := 0
		if resp.Score != nil {
			score = *resp.Score
		}
		out = append(out, llm.PriorResult{Provider: p, Score: score, Payload: resp.Result})
	}
	return out
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
