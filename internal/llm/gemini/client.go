package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"analysis-backend/internal/llm"
)

// generator is the subset of the genai models service the client uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client implements llm.Provider on top of the Gemini API.
type Client struct {
	models generator
	model  string
}

// NewClient builds a Gemini client for apiKey.
func NewClient(ctx context.Context, apiKey, model string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{models: client.Models, model: model}, nil
}

func (c *Client) Name() string { return "gemini" }

func (c *Client) Analyze(ctx context.Context, req llm.AnalyzeRequest) (llm.Result, error) {
	return c.generate(ctx, req.SystemPrompt, req.UserPrompt, req.Artifacts)
}

func (c *Client) Synthesize(ctx context.Context, req llm.SynthesizeRequest) (llm.Result, error) {
	return c.generate(ctx, req.SystemPrompt, req.UserPrompt, req.Artifacts)
}

func (c *Client) generate(ctx context.Context, system, user string, artifacts []llm.Artifact) (llm.Result, error) {
	started := time.Now()

	parts := []*genai.Part{genai.NewPartFromText(user + llm.TextArtifacts(artifacts))}
	for _, a := range artifacts {
		if a.IsImage() {
			parts = append(parts, genai.NewPartFromBytes(a.Data, a.MimeType))
		}
	}
	temperature := float32(0)
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      &temperature,
	}
	if strings.TrimSpace(system) != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := c.models.GenerateContent(ctx, c.model, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, config)
	if err != nil {
		return llm.Result{}, mapError(err)
	}

	var text strings.Builder
	if resp != nil {
		for _, cand := range resp.Candidates {
			if cand == nil || cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part != nil {
					text.WriteString(part.Text)
				}
			}
			break
		}
	}
	tokens := 0
	if resp != nil && resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	structured, score, err := llm.ParseStructured(text.String())
	if err != nil {
		return llm.Result{}, llm.WithTokens(err, tokens)
	}
	return llm.Result{
		Payload:    structured,
		Score:      score,
		TokensUsed: tokens,
		LatencyMs:  time.Since(started).Milliseconds(),
	}, nil
}

func mapError(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		code = apiErrPtr.Code
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return llm.Unavailable("gemini", fmt.Sprintf("credential rejected: %d", code))
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("gemini rate limited: %d: %w", code, err)
	case code >= 500:
		return fmt.Errorf("gemini http status %d: %w", code, err)
	}
	return fmt.Errorf("gemini generate: %w", err)
}

var _ llm.Provider = (*Client)(nil)
