package analyses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"analysis-backend/internal/credentials"
	"analysis-backend/internal/llm"
	"analysis-backend/internal/usage"
)

// fakeProvider answers with a fixed score or a fixed error per stage.
type fakeProvider struct {
	name string

	mu            sync.Mutex
	analyzeScore  int
	analyzeErr    error
	synthScore    int
	synthErr      error
	analyzeCalls  int
	synthCalls    int
	lastSynthesis llm.SynthesizeRequest
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Analyze(ctx context.Context, req llm.AnalyzeRequest) (llm.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeCalls++
	if f.analyzeErr != nil {
		return llm.Result{}, f.analyzeErr
	}
	return llm.Result{
		Payload:    json.RawMessage(fmt.Sprintf(`{"overall_score":%d,"provider":%q}`, f.analyzeScore, f.name)),
		Score:      f.analyzeScore,
		TokensUsed: 100,
		LatencyMs:  12,
	}, nil
}

func (f *fakeProvider) Synthesize(ctx context.Context, req llm.SynthesizeRequest) (llm.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synthCalls++
	f.lastSynthesis = req
	if f.synthErr != nil {
		return llm.Result{}, f.synthErr
	}
	return llm.Result{
		Payload:    json.RawMessage(fmt.Sprintf(`{"final_score":%d}`, f.synthScore)),
		Score:      f.synthScore,
		TokensUsed: 50,
	}, nil
}

func (f *fakeProvider) set(analyzeErr, synthErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeErr = analyzeErr
	f.synthErr = synthErr
}

func (f *fakeProvider) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analyzeCalls, f.synthCalls
}

type testEnv struct {
	svc       *Service
	repo      *MemoryRepo
	providers map[string]*fakeProvider

	clockMu sync.Mutex
	clock   time.Time
}

// now ticks the shared clock by a millisecond per read.
func (e *testEnv) now() time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	e.clock = e.clock.Add(time.Millisecond)
	return e.clock
}

func (e *testEnv) advance(d time.Duration) {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	e.clock = e.clock.Add(d)
}

// newTestEnv registers one fake per name; every provider gets a platform key.
func newTestEnv(t *testing.T, names ...string) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:      NewMemoryRepo(),
		providers: map[string]*fakeProvider{},
		clock:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.repo.Now = env.now
	registry := llm.NewRegistry()
	keys := credentials.Keys{}
	for _, name := range names {
		fp := &fakeProvider{name: name, analyzeScore: 70, synthScore: 80}
		env.providers[name] = fp
		registry.Register(name, func(apiKey string) (llm.Provider, error) { return fp, nil })
		keys[name] = "platform-" + name
	}
	env.svc = &Service{
		Repo:         env.repo,
		Providers:    registry,
		PlatformKeys: keys,
		Options:      Options{CallTimeout: time.Second, SynthesisSourceLimit: 100},
		Now:          env.now,
	}
	return env
}

func (e *testEnv) submit(t *testing.T, providers ...string) Outcome {
	t.Helper()
	out, err := e.svc.Submit(context.Background(), SubmitInput{
		UserID:    "user-1",
		Domain:    DomainContract,
		Source:    Source{Content: "contract Vault {}"},
		Providers: providers,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return out
}

func (e *testEnv) responses(t *testing.T, analysisID, stage string) []ProviderResponse {
	t.Helper()
	all, err := e.repo.ListResponses(context.Background(), analysisID)
	if err != nil {
		t.Fatalf("ListResponses: %v", err)
	}
	var out []ProviderResponse
	for _, r := range all {
		if r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

type stubLimiter struct {
	err  error
	opts []usage.CheckOptions
}

func (s *stubLimiter) Admit(ctx context.Context, userID string, opts usage.CheckOptions) (usage.Budget, error) {
	s.opts = append(s.opts, opts)
	return usage.Budget{Allowed: s.err == nil}, s.err
}

type stubKeyStore struct {
	keys map[string]string
	err  error
}

func (s stubKeyStore) ProviderKeys(ctx context.Context, userID string) (map[string]string, error) {
	return s.keys, s.err
}

var errUpstream = errors.New("openai http status 502")
