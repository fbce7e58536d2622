package analyses

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"analysis-backend/internal/credentials"
	"analysis-backend/internal/events"
	"analysis-backend/internal/llm"
	"analysis-backend/internal/shared/storage/object"
	"analysis-backend/internal/shared/telemetry"
	"analysis-backend/internal/usage"
)

// Limiter admits or rejects a run against the caller's token budget.
type Limiter interface {
	Admit(ctx context.Context, userID string, opts usage.CheckOptions) (usage.Budget, error)
}

// KeyStore returns a user's stored provider credentials.
type KeyStore interface {
	ProviderKeys(ctx context.Context, userID string) (map[string]string, error)
}

// ArtifactResolver turns stored descriptors into inline content.
type ArtifactResolver interface {
	SourceText(ctx context.Context, key, mimeType string) (string, error)
	Artifact(ctx context.Context, key, mimeType, name string) (llm.Artifact, error)
}

// Options tunes the pipeline.
type Options struct {
	// CallTimeout bounds each provider call, retries included.
	CallTimeout time.Duration
	// RetryMaxElapsed bounds transient-error retries inside one call.
	RetryMaxElapsed time.Duration
	// SynthesisSourceLimit caps the source runes passed to contract synthesis.
	SynthesisSourceLimit int
}

// DefaultOptions returns the pipeline defaults.
func DefaultOptions() Options {
	return Options{
		CallTimeout:          120 * time.Second,
		RetryMaxElapsed:      5 * time.Second,
		SynthesisSourceLimit: 12000,
	}
}

// Service orchestrates analysis runs and retries.
type Service struct {
	Repo         Repo
	Usage        Limiter
	Providers    *llm.Registry
	Keys         KeyStore
	PlatformKeys credentials.Keys
	Artifacts    ArtifactResolver
	Events       events.Publisher
	Options      Options
	Now          func() time.Time

	retryMu  sync.Mutex
	retrying map[string]struct{}
}

type run struct {
	analysis   Analysis
	creds      credentials.Set
	clients    map[string]llm.Provider
	sourceText string
	artifacts  []llm.Artifact
	startedAt  time.Time
	eventType  string
}

// Submit validates, admits and runs a new analysis to a terminal state.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (Outcome, error) {
	if s.Repo == nil || s.Providers == nil {
		return Outcome{}, errors.New("analyses service not configured")
	}
	providers, master, err := s.validateSubmit(&in)
	if err != nil {
		return Outcome{}, err
	}

	analysisID := uuid.NewString()
	creds := s.credentialSet(ctx, in.UserID, in.Credentials)
	r := &run{creds: creds, clients: map[string]llm.Provider{}, eventType: events.TypeAnalysisFinished}

	var available, excluded []string
	for _, name := range providers {
		client, err := s.openClient(ctx, creds, name, analysisID)
		if err != nil {
			if !llm.IsUnavailable(err) {
				return Outcome{}, err
			}
			excluded = append(excluded, name)
			telemetry.Warn("analysis.provider_excluded", map[string]any{
				"request_id":  requestIDFromContext(ctx),
				"analysis_id": analysisID,
				"provider":    name,
				"error":       sanitizeError(err),
			})
			continue
		}
		r.clients[name] = client
		available = append(available, name)
	}
	if len(available) == 0 {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoProvidersAvailable, strings.Join(excluded, ", "))
	}
	if !slices.Contains(available, master) {
		telemetry.Warn("analysis.master_fallback", map[string]any{
			"request_id":  requestIDFromContext(ctx),
			"analysis_id": analysisID,
			"requested":   master,
			"master":      available[0],
		})
		master = available[0]
	}

	if s.Usage != nil {
		if _, err := s.Usage.Admit(ctx, in.UserID, usage.CheckOptions{BringOwnKey: creds.CoversAll(available)}); err != nil {
			return Outcome{}, err
		}
	}

	source := in.Source
	source.Context = strings.TrimSpace(source.Context)
	r.sourceText, r.artifacts, err = s.resolveInputs(ctx, source, in.Artifacts)
	if err != nil {
		return Outcome{}, err
	}

	now := s.now()
	analysis := Analysis{
		ID:                 analysisID,
		UserID:             in.UserID,
		Domain:             in.Domain,
		Source:             source,
		Artifacts:          in.Artifacts,
		RequestedProviders: providers,
		ProvidersUsed:      available,
		MasterProvider:     master,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if analysis.Artifacts == nil {
		analysis.Artifacts = []ArtifactRef{}
	}
	if err := s.Repo.Create(ctx, analysis); err != nil {
		return Outcome{}, fmt.Errorf("create analysis: %w", err)
	}
	telemetry.Info("analysis.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"user_id":           analysis.UserID,
		"analysis_id":       analysis.ID,
		"status":            StatusPending,
		"status_transition": "->pending",
		"providers":         available,
		"master_provider":   master,
	})

	r.analysis = analysis
	r.startedAt = now
	// Detach from the caller so a dropped connection does not abandon the run.
	return s.execute(detach(ctx), r)
}

// Get returns the caller's analysis.
func (s *Service) Get(ctx context.Context, userID, analysisID string) (Analysis, error) {
	a, err := s.Repo.GetByID(ctx, analysisID)
	if err != nil {
		return Analysis{}, err
	}
	if a.UserID != userID {
		return Analysis{}, ErrNotFound
	}
	return a, nil
}

// Detail returns the analysis with every provider response.
func (s *Service) Detail(ctx context.Context, userID, analysisID string) (Detail, error) {
	a, err := s.Get(ctx, userID, analysisID)
	if err != nil {
		return Detail{}, err
	}
	responses, err := s.Repo.ListResponses(ctx, analysisID)
	if err != nil {
		return Detail{}, fmt.Errorf("list responses: %w", err)
	}
	return Detail{Analysis: a, Responses: responses}, nil
}

// List returns the caller's analyses newest-first.
func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]Analysis, error) {
	return s.Repo.ListByUser(ctx, userID, limit, offset)
}

func (s *Service) validateSubmit(in *SubmitInput) ([]string, string, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		return nil, "", fmt.Errorf("%w: user id is required", ErrValidation)
	}
	in.Domain = strings.TrimSpace(in.Domain)
	if in.Domain != DomainUIUX && in.Domain != DomainContract {
		return nil, "", fmt.Errorf("%w: domain must be %s or %s", ErrValidation, DomainUIUX, DomainContract)
	}
	if strings.TrimSpace(in.Source.Content) == "" && strings.TrimSpace(in.Source.ObjectKey) == "" && len(in.Artifacts) == 0 {
		return nil, "", fmt.Errorf("%w: source content, source object or artifacts are required", ErrValidation)
	}
	if in.Source.ObjectKey != "" && !ownsKey(in.UserID, in.Source.ObjectKey) {
		return nil, "", fmt.Errorf("%w: source object not found", ErrValidation)
	}
	for _, ref := range in.Artifacts {
		if !ownsKey(in.UserID, ref.Key) {
			return nil, "", fmt.Errorf("%w: artifact %q not found", ErrValidation, ref.Key)
		}
	}

	providers, err := s.normalizeProviders(in.Providers)
	if err != nil {
		return nil, "", err
	}
	master := llm.NormalizeName(in.MasterProvider)
	if master == "" {
		master = providers[0]
	}
	if !slices.Contains(providers, master) {
		return nil, "", fmt.Errorf("%w: master provider %s must be one of the requested providers", ErrValidation, master)
	}
	return providers, master, nil
}

// normalizeProviders lowercases, de-duplicates and checks registration, keeping order.
func (s *Service) normalizeProviders(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		name := llm.NormalizeName(p)
		if name == "" || slices.Contains(out, name) {
			continue
		}
		if !s.Providers.Has(name) {
			return nil, fmt.Errorf("%w: unknown provider %s", ErrValidation, name)
		}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one provider is required", ErrValidation)
	}
	return out, nil
}

func (s *Service) credentialSet(ctx context.Context, userID string, requestKeys map[string]string) credentials.Set {
	set := credentials.Set{
		Request:  credentials.Normalize(requestKeys),
		Platform: s.PlatformKeys,
	}
	if s.Keys == nil {
		return set
	}
	stored, err := s.Keys.ProviderKeys(ctx, userID)
	if err != nil {
		telemetry.Warn("analysis.user_keys_unavailable", map[string]any{
			"request_id": requestIDFromContext(ctx),
			"user_id":    userID,
			"error":      sanitizeError(err),
		})
		return set
	}
	set.User = credentials.Normalize(stored)
	return set
}

func (s *Service) openClient(ctx context.Context, creds credentials.Set, name, analysisID string) (llm.Provider, error) {
	key, _ := creds.Resolve(name)
	client, err := s.Providers.Open(name, key)
	if err != nil {
		return nil, err
	}
	return newRetryingProvider(client, s.Options.RetryMaxElapsed, analysisID, requestIDFromContext(ctx)), nil
}

func (s *Service) resolveInputs(ctx context.Context, source Source, refs []ArtifactRef) (string, []llm.Artifact, error) {
	text := source.Content
	if source.ObjectKey != "" {
		if s.Artifacts == nil {
			return "", nil, errors.New("artifact resolver not configured")
		}
		loaded, err := s.Artifacts.SourceText(ctx, source.ObjectKey, source.MimeType)
		if err != nil {
			return "", nil, resolveError("source", err)
		}
		if text != "" {
			text += "\n\n"
		}
		text += loaded
	}
	if len(refs) == 0 {
		return text, nil, nil
	}
	if s.Artifacts == nil {
		return "", nil, errors.New("artifact resolver not configured")
	}
	artifacts := make([]llm.Artifact, 0, len(refs))
	for _, ref := range refs {
		a, err := s.Artifacts.Artifact(ctx, ref.Key, ref.MimeType, ref.Name)
		if err != nil {
			return "", nil, resolveError("artifact "+ref.Key, err)
		}
		artifacts = append(artifacts, a)
	}
	return text, artifacts, nil
}

func resolveError(what string, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, object.ErrInvalidKey) {
		return fmt.Errorf("%w: %s not found", ErrValidation, what)
	}
	return fmt.Errorf("resolve %s: %w", what, err)
}

func ownsKey(userID, key string) bool {
	return strings.TrimSpace(key) != "" && strings.HasPrefix(key, object.OwnerPrefix(userID)+"/")
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) callTimeout() time.Duration {
	if s.Options.CallTimeout > 0 {
		return s.Options.CallTimeout
	}
	return DefaultOptions().CallTimeout
}

func (s *Service) sourceLimit() int {
	if s.Options.SynthesisSourceLimit > 0 {
		return s.Options.SynthesisSourceLimit
	}
	return DefaultOptions().SynthesisSourceLimit
}

func classifyFailure(err error) string {
	switch {
	case err == nil:
		return ErrorCodeInternal
	case llm.IsUnavailable(err):
		return ErrorCodeProviderUnavailable
	case errors.Is(err, llm.ErrMalformedOutput):
		return ErrorCodeLLMSchemaMismatch
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeLLMTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return ErrorCodeLLMTimeout
	case strings.HasPrefix(msg, "panic"):
		return ErrorCodeInternal
	}
	return ErrorCodeUpstream
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}

func durationMs(startedAt, completedAt time.Time) float64 {
	return float64(completedAt.Sub(startedAt).Microseconds()) / 1000.0
}
