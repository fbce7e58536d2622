package analyses

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"analysis-backend/internal/llm"
	"analysis-backend/internal/shared/storage/object"
	"analysis-backend/internal/usage"
)

func TestSubmitAllProvidersSucceedCompletes(t *testing.T) {
	env := newTestEnv(t, "openai", "anthropic")
	env.providers["openai"].synthScore = 91

	out := env.submit(t, "openai", "anthropic")

	if out.Analysis.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", out.Analysis.Status)
	}
	if out.Analysis.FinalScore == nil || *out.Analysis.FinalScore != 91 {
		t.Fatalf("expected final score 91, got %v", out.Analysis.FinalScore)
	}
	if out.Summary() != "2 of 2 providers succeeded" {
		t.Fatalf("unexpected summary %q", out.Summary())
	}
	if out.Analysis.MasterProvider != "openai" {
		t.Fatalf("expected first provider as master, got %s", out.Analysis.MasterProvider)
	}
	if out.Analysis.CompletedAt == nil || out.Analysis.StartedAt == nil {
		t.Fatalf("expected timestamps to be set")
	}
	if got := len(env.responses(t, out.Analysis.ID, StageInitial)); got != 2 {
		t.Fatalf("expected 2 initial rows, got %d", got)
	}
	if got := len(env.responses(t, out.Analysis.ID, StageSynthesis)); got != 1 {
		t.Fatalf("expected 1 synthesis row, got %d", got)
	}
	if _, synth := env.providers["anthropic"].calls(); synth != 0 {
		t.Fatalf("expected only the master to synthesize")
	}
}

func TestSubmitSingleProviderCompletes(t *testing.T) {
	env := newTestEnv(t, "gemini")
	out := env.submit(t, "gemini")
	if out.Analysis.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", out.Analysis.Status)
	}
}

func TestSubmitRecordsTokensSpentOnUnparseableReply(t *testing.T) {
	env := newTestEnv(t, "openai", "anthropic")
	malformed := llm.WithTokens(fmt.Errorf("%w: missing score", llm.ErrMalformedOutput), 37)
	env.providers["anthropic"].set(malformed, nil)

	out := env.submit(t, "openai", "anthropic")
	if out.Analysis.Status != StatusPartial {
		t.Fatalf("expected partial, got %s", out.Analysis.Status)
	}
	var failed ProviderResponse
	for _, r := range env.responses(t, out.Analysis.ID, StageInitial) {
		if r.Provider == "anthropic" {
			failed = r
		}
	}
	if failed.Success || failed.TokensUsed != 37 {
		t.Fatalf("expected failed row with 37 tokens, got %+v", failed)
	}
	if !strings.HasPrefix(failed.ErrorMessage, ErrorCodeLLMSchemaMismatch) {
		t.Fatalf("unexpected error message %q", failed.ErrorMessage)
	}
	used, err := env.repo.TokensUsedSince(context.Background(), "user-1", time.Time{})
	if err != nil {
		t.Fatalf("TokensUsedSince: %v", err)
	}
	// 100 from openai's initial call, 37 from the failed call, 50 from synthesis.
	if used != 187 {
		t.Fatalf("expected 187 tokens on the ledger, got %d", used)
	}
}

func TestSubmitAllProvidersFailSkipsSynthesis(t *testing.T) {
	env := newTestEnv(t, "openai", "anthropic")
	env.providers["openai"].set(errUpstream, nil)
	env.providers["anthropic"].set(errors.New("request timeout"), nil)

	out := env.submit(t, "openai", "anthropic")

	if out.Analysis.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", out.Analysis.Status)
	}
	if out.Analysis.FinalScore != nil {
		t.Fatalf("expected no final score, got %d", *out.Analysis.FinalScore)
	}
	if out.Analysis.ErrorMessage == nil || *out.Analysis.ErrorMessage != "0 of 2 providers succeeded" {
		t.Fatalf("unexpected error message %v", out.Analysis.ErrorMessage)
	}
	if _, synth := env.providers["openai"].calls(); synth != 0 {
		t.Fatalf("synthesis must not run without successes")
	}
	rows := env.responses(t, out.Analysis.ID, StageInitial)
	if len(rows) != 2 {
		t.Fatalf("expected 2 failed rows, got %d", len(rows))
	}
	for _, r := range rows {
		if r.Success {
			t.Fatalf("expected failed row for %s", r.Provider)
		}
	}
	codes := []string{rows[0].ErrorMessage, rows[1].ErrorMessage}
	slices.Sort(codes)
	if !strings.HasPrefix(codes[0], ErrorCodeLLMTimeout) || !strings.HasPrefix(codes[1], ErrorCodeUpstream) {
		t.Fatalf("unexpected error codes %v", codes)
	}
}

func TestSubmitOneFailureIsPartialWithSynthesizedScore(t *testing.T) {
	env := newTestEnv(t, "a", "b", "c")
	env.providers["b"].set(errUpstream, nil)
	env.providers["a"].synthScore = 82

	out := env.submit(t, "a", "b", "c")

	if out.Analysis.Status != StatusPartial {
		t.Fatalf("expected partial, got %s", out.Analysis.Status)
	}
	if out.Analysis.FinalScore == nil || *out.Analysis.FinalScore != 82 {
		t.Fatalf("expected final score 82, got %v", out.Analysis.FinalScore)
	}
	if !slices.Equal(out.Analysis.ProvidersUsed, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected providers used %v", out.Analysis.ProvidersUsed)
	}
	if out.Succeeded != 2 || out.Requested != 3 {
		t.Fatalf("expected 2 of 3, got %d of %d", out.Succeeded, out.Requested)
	}
	if got := len(env.responses(t, out.Analysis.ID, StageInitial)); got != 3 {
		t.Fatalf("expected 3 initial rows, got %d", got)
	}
	if got := len(env.responses(t, out.Analysis.ID, StageSynthesis)); got != 1 {
		t.Fatalf("expected 1 synthesis row, got %d", got)
	}
	prior := env.providers["a"].lastSynthesis.Prior
	if len(prior) != 2 || prior[0].Provider != "a" || prior[1].Provider != "c" {
		t.Fatalf("unexpected synthesis inputs %+v", prior)
	}
}

func TestSubmitSynthesisFailureIsPartialWithoutScore(t *testing.T) {
	env := newTestEnv(t, "a", "b")
	env.providers["a"].set(nil, llm.ErrMalformedOutput)

	out := env.submit(t, "a", "b")

	if out.Analysis.Status != StatusPartial {
		t.Fatalf("expected partial, got %s", out.Analysis.Status)
	}
	if out.Analysis.FinalScore != nil {
		t.Fatalf("expected nil final score")
	}
	synth := env.responses(t, out.Analysis.ID, StageSynthesis)
	if len(synth) != 1 || synth[0].Success {
		t.Fatalf("expected one failed synthesis row, got %+v", synth)
	}
	if !strings.HasPrefix(synth[0].ErrorMessage, ErrorCodeLLMSchemaMismatch) {
		t.Fatalf("unexpected synthesis error %q", synth[0].ErrorMessage)
	}
}

func TestSubmitExcludesUnavailableProvidersAndFallsBackMaster(t *testing.T) {
	env := newTestEnv(t, "a", "b", "c")
	delete(env.svc.PlatformKeys, "a")

	out, err := env.svc.Submit(context.Background(), SubmitInput{
		UserID:         "user-1",
		Domain:         DomainContract,
		Source:         Source{Content: "contract X {}"},
		Providers:      []string{"a", "b", "c"},
		MasterProvider: "a",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !slices.Equal(out.Analysis.ProvidersUsed, []string{"b", "c"}) {
		t.Fatalf("expected unavailable provider excluded, got %v", out.Analysis.ProvidersUsed)
	}
	if !slices.Equal(out.Analysis.RequestedProviders, []string{"a", "b", "c"}) {
		t.Fatalf("requested providers should be kept, got %v", out.Analysis.RequestedProviders)
	}
	if out.Analysis.MasterProvider != "b" {
		t.Fatalf("expected master fallback to b, got %s", out.Analysis.MasterProvider)
	}
	if out.Analysis.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", out.Analysis.Status)
	}
}

func TestSubmitNoProvidersAvailable(t *testing.T) {
	env := newTestEnv(t, "a")
	env.svc.PlatformKeys = nil

	_, err := env.svc.Submit(context.Background(), SubmitInput{
		UserID:    "user-1",
		Domain:    DomainUIUX,
		Source:    Source{Content: "screen"},
		Providers: []string{"a"},
	})
	if !errors.Is(err, ErrNoProvidersAvailable) {
		t.Fatalf("expected ErrNoProvidersAvailable, got %v", err)
	}
	if items, _ := env.repo.ListByUser(context.Background(), "user-1", 10, 0); len(items) != 0 {
		t.Fatalf("no analysis should be created")
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, "a", "b")
	foreignKey := object.OwnerPrefix("someone-else") + "/file.pdf"

	cases := []struct {
		name string
		in   SubmitInput
	}{
		{"missing user", SubmitInput{Domain: DomainContract, Source: Source{Content: "x"}, Providers: []string{"a"}}},
		{"bad domain", SubmitInput{UserID: "u", Domain: "poetry", Source: Source{Content: "x"}, Providers: []string{"a"}}},
		{"no source", SubmitInput{UserID: "u", Domain: DomainContract, Providers: []string{"a"}}},
		{"no providers", SubmitInput{UserID: "u", Domain: DomainContract, Source: Source{Content: "x"}}},
		{"unknown provider", SubmitInput{UserID: "u", Domain: DomainContract, Source: Source{Content: "x"}, Providers: []string{"zeta"}}},
		{"master outside set", SubmitInput{UserID: "u", Domain: DomainContract, Source: Source{Content: "x"}, Providers: []string{"a"}, MasterProvider: "b"}},
		{"foreign object", SubmitInput{UserID: "u", Domain: DomainContract, Source: Source{ObjectKey: foreignKey}, Providers: []string{"a"}}},
		{"foreign artifact", SubmitInput{UserID: "u", Domain: DomainUIUX, Artifacts: []ArtifactRef{{Key: foreignKey}}, Providers: []string{"a"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Submit(context.Background(), tc.in)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestSubmitDeduplicatesProviders(t *testing.T) {
	env := newTestEnv(t, "a", "b")
	out := env.submit(t, "A", "b", "a ")
	if !slices.Equal(out.Analysis.ProvidersUsed, []string{"a", "b"}) {
		t.Fatalf("expected normalized providers, got %v", out.Analysis.ProvidersUsed)
	}
}

func TestSubmitLimitReached(t *testing.T) {
	env := newTestEnv(t, "a")
	limiter := &stubLimiter{err: usage.ErrLimitReached}
	env.svc.Usage = limiter

	_, err := env.svc.Submit(context.Background(), SubmitInput{
		UserID: "user-1", Domain: DomainContract, Source: Source{Content: "x"}, Providers: []string{"a"},
	})
	if !errors.Is(err, usage.ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
	if len(limiter.opts) != 1 || limiter.opts[0].BringOwnKey {
		t.Fatalf("platform keys must not bypass the budget: %+v", limiter.opts)
	}
	if calls, _ := env.providers["a"].calls(); calls != 0 {
		t.Fatalf("provider must not be called when the budget is exhausted")
	}
}

func TestSubmitOwnKeysBypassBudget(t *testing.T) {
	env := newTestEnv(t, "a", "b")
	limiter := &stubLimiter{}
	env.svc.Usage = limiter
	env.svc.Keys = stubKeyStore{keys: map[string]string{"a": "user-a"}}

	_, err := env.svc.Submit(context.Background(), SubmitInput{
		UserID:      "user-1",
		Domain:      DomainContract,
		Source:      Source{Content: "x"},
		Providers:   []string{"a", "b"},
		Credentials: map[string]string{"B": "req-b"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(limiter.opts) != 1 || !limiter.opts[0].BringOwnKey {
		t.Fatalf("expected BYOK bypass, got %+v", limiter.opts)
	}
}

func TestSubmitKeyStoreFailureFallsBackToPlatform(t *testing.T) {
	env := newTestEnv(t, "a")
	env.svc.Keys = stubKeyStore{err: errors.New("db down")}
	out := env.submit(t, "a")
	if out.Analysis.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", out.Analysis.Status)
	}
}

func TestSubmitContractSynthesisTruncatesSource(t *testing.T) {
	env := newTestEnv(t, "a")
	env.svc.Options.SynthesisSourceLimit = 10

	_, err := env.svc.Submit(context.Background(), SubmitInput{
		UserID:    "user-1",
		Domain:    DomainContract,
		Source:    Source{Content: strings.Repeat("z", 50) + "TAIL"},
		Providers: []string{"a"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req := env.providers["a"].lastSynthesis
	if strings.Contains(req.UserPrompt, "TAIL") || !strings.Contains(req.UserPrompt, strings.Repeat("z", 10)) {
		t.Fatalf("expected truncated source in synthesis prompt, got %q", req.UserPrompt)
	}
	if len(req.Artifacts) != 0 {
		t.Fatalf("contract synthesis should not carry artifacts")
	}
}

func TestGetHidesOtherUsersAnalyses(t *testing.T) {
	env := newTestEnv(t, "a")
	out := env.submit(t, "a")

	if _, err := env.svc.Get(context.Background(), "intruder", out.Analysis.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	d, err := env.svc.Detail(context.Background(), "user-1", out.Analysis.ID)
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if len(d.Responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(d.Responses))
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{llm.Unavailable("openai", "no key"), ErrorCodeProviderUnavailable},
		{llm.ErrMalformedOutput, ErrorCodeLLMSchemaMismatch},
		{context.DeadlineExceeded, ErrorCodeLLMTimeout},
		{errors.New("dial tcp: i/o timeout"), ErrorCodeLLMTimeout},
		{errors.New("panic: boom"), ErrorCodeInternal},
		{errUpstream, ErrorCodeUpstream},
	}
	for _, tc := range cases {
		if got := classifyFailure(tc.err); got != tc.want {
			t.Fatalf("classifyFailure(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestSanitizeError(t *testing.T) {
	msg := sanitizeError(errors.New("line1\nline2\r" + strings.Repeat("x", 600)))
	if strings.ContainsAny(msg, "\r\n") {
		t.Fatalf("expected newlines stripped")
	}
	if len(msg) != 500 {
		t.Fatalf("expected 500 chars, got %d", len(msg))
	}
}
