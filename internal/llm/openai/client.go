package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"analysis-backend/internal/llm"
)

const (
	DefaultBaseURL    = "https://api.openai.com/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DeepSeekBaseURL   = "https://api.deepseek.com/v1"
)

// Options configures a chat-completions backend. The same client serves
// OpenAI and OpenAI-compatible providers.
type Options struct {
	Name       string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client implements llm.Provider using the Chat Completions API.
type Client struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient constructs a chat-completions client.
func NewClient(apiKey string, opts Options) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	name := opts.Name
	if name == "" {
		name = "openai"
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		name:       name,
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      opts.Model,
		httpClient: httpClient,
	}, nil
}

func (c *Client) Name() string { return c.name }

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    *float32       `json:"temperature,omitempty"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Analyze runs an initial-stage call.
func (c *Client) Analyze(ctx context.Context, req llm.AnalyzeRequest) (llm.Result, error) {
	return c.complete(ctx, req.SystemPrompt, req.UserPrompt, req.Artifacts)
}

// Synthesize runs a synthesis call. Prior results are expected in the user prompt.
func (c *Client) Synthesize(ctx context.Context, req llm.SynthesizeRequest) (llm.Result, error) {
	return c.complete(ctx, req.SystemPrompt, req.UserPrompt, req.Artifacts)
}

func (c *Client) complete(ctx context.Context, system, user string, artifacts []llm.Artifact) (llm.Result, error) {
	started := time.Now()

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: buildUserContent(user, artifacts)},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	}
	if !isGPT5(c.model) {
		temp := float32(0)
		reqBody.Temperature = &temp
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return llm.Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return llm.Result{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return llm.Result{}, fmt.Errorf("%s request timeout: %w", c.name, err)
		}
		return llm.Result{}, fmt.Errorf("%s request: %w", c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Result{}, err
	}
	if err := statusError(c.name, resp.StatusCode); err != nil {
		return llm.Result{}, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return llm.Result{}, fmt.Errorf("%w: %s response parse: %v", llm.ErrMalformedOutput, c.name, err)
	}
	if parsed.Error != nil {
		return llm.Result{}, fmt.Errorf("%s error: %s (%s)", c.name, parsed.Error.Message, parsed.Error.Type)
	}
	tokens := 0
	if parsed.Usage != nil {
		tokens = parsed.Usage.TotalTokens
	}
	if len(parsed.Choices) == 0 {
		return llm.Result{}, llm.WithTokens(fmt.Errorf("%w: %s response missing choices", llm.ErrMalformedOutput, c.name), tokens)
	}

	structured, score, err := llm.ParseStructured(parsed.Choices[0].Message.Content)
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

func buildUserContent(user string, artifacts []llm.Artifact) any {
	text := user + llm.TextArtifacts(artifacts)
	var images []llm.Artifact
	for _, a := range artifacts {
		if a.IsImage() {
			images = append(images, a)
		}
	}
	if len(images) == 0 {
		return text
	}
	parts := []contentPart{{Type: "text", Text: text}}
	for _, img := range images {
		dataURI := "data:" + img.MimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: dataURI}})
	}
	return parts
}

func statusError(name string, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return llm.Unavailable(name, fmt.Sprintf("credential rejected: %d", status))
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s rate limited: %d", name, status)
	case status >= 500:
		return fmt.Errorf("%s http status %d", name, status)
	case status >= 400:
		return fmt.Errorf("%s bad request: http status %d", name, status)
	}
	return nil
}

// gpt-5 models reject an explicit temperature.
func isGPT5(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "gpt-5")
}

var _ llm.Provider = (*Client)(nil)
