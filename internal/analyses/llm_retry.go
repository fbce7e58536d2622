package analyses

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"analysis-backend/internal/llm"
	"analysis-backend/internal/shared/telemetry"
)

const llmRetryBaseDelay = 300 * time.Millisecond

// retryingProvider retries transient provider failures with exponential backoff.
type retryingProvider struct {
	base       llm.Provider
	maxElapsed time.Duration
	requestID  string
	analysisID string
}

func newRetryingProvider(base llm.Provider, maxElapsed time.Duration, analysisID, requestID string) llm.Provider {
	if base == nil || maxElapsed <= 0 {
		return base
	}
	return retryingProvider{
		base:       base,
		maxElapsed: maxElapsed,
		requestID:  requestID,
		analysisID: analysisID,
	}
}

func (r retryingProvider) Name() string { return r.base.Name() }

func (r retryingProvider) Analyze(ctx context.Context, req llm.AnalyzeRequest) (llm.Result, error) {
	return r.do(ctx, StageInitial, func() (llm.Result, error) { return r.base.Analyze(ctx, req) })
}

func (r retryingProvider) Synthesize(ctx context.Context, req llm.SynthesizeRequest) (llm.Result, error) {
	return r.do(ctx, StageSynthesis, func() (llm.Result, error) { return r.base.Synthesize(ctx, req) })
}

func (r retryingProvider) do(ctx context.Context, stage string, call func() (llm.Result, error)) (llm.Result, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = llmRetryBaseDelay
	expo.MaxInterval = 2 * time.Second
	expo.MaxElapsedTime = r.maxElapsed

	var res llm.Result
	attempt := 0
	op := func() error {
		attempt++
		out, err := call()
		if err == nil {
			res = out
			return nil
		}
		if !shouldRetryLLM(err) {
			return backoff.Permanent(err)
		}
		telemetry.Warn("analysis.provider.retry", map[string]any{
			"request_id":  r.requestID,
			"analysis_id": r.analysisID,
			"provider":    r.base.Name(),
			"stage":       stage,
			"attempt":     attempt,
			"error":       sanitizeError(err),
		})
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return llm.Result{}, err
	}
	return res, nil
}

func shouldRetryLLM(err error) bool {
	if err == nil {
		return false
	}
	if llm.IsUnavailable(err) || errors.Is(err, llm.ErrMalformedOutput) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "http status 5") || strings.Contains(msg, "server_error") || strings.Contains(msg, "rate limited") {
		return true
	}
	if strings.Contains(msg, "timeout") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof") {
		return true
	}
	return false
}
