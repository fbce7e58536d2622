package anthropic

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
	DefaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
	maxTokens      = 4096
)

// Options configures the Messages API client.
type Options struct {
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client implements llm.Provider using the Anthropic Messages API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewClient(apiKey string, opts Options) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("model is required")
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
	return &Client{apiKey: apiKey, baseURL: baseURL, model: opts.Model, httpClient: httpClient}, nil
}

func (c *Client) Name() string { return "anthropic" }

type block struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type message struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature float32   `json:"temperature"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) Analyze(ctx context.Context, req llm.AnalyzeRequest) (llm.Result, error) {
	return c.send(ctx, req.SystemPrompt, req.UserPrompt, req.Artifacts)
}

func (c *Client) Synthesize(ctx context.Context, req llm.SynthesizeRequest) (llm.Result, error) {
	return c.send(ctx, req.SystemPrompt, req.UserPrompt, req.Artifacts)
}

func (c *Client) send(ctx context.Context, system, user string, artifacts []llm.Artifact) (llm.Result, error) {
	started := time.Now()

	content := make([]block, 0, len(artifacts)+1)
	for _, a := range artifacts {
		if !a.IsImage() {
			continue
		}
		content = append(content, block{
			Type: "image",
			Source: &imageSource{
				Type:      "base64",
				MediaType: a.MimeType,
				Data:      base64.StdEncoding.EncodeToString(a.Data),
			},
		})
	}
	content = append(content, block{Type: "text", Text: user + llm.TextArtifacts(artifacts)})

	payload, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []message{{Role: "user", Content: content}},
	})
	if err != nil {
		return llm.Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return llm.Result{}, err
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return llm.Result{}, fmt.Errorf("anthropic request timeout: %w", err)
		}
		return llm.Result{}, fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Result{}, err
	}
	switch status := resp.StatusCode; {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return llm.Result{}, llm.Unavailable("anthropic", fmt.Sprintf("credential rejected: %d", status))
	case status == http.StatusTooManyRequests:
		return llm.Result{}, fmt.Errorf("anthropic rate limited: %d", status)
	case status >= 500:
		return llm.Result{}, fmt.Errorf("anthropic http status %d", status)
	case status >= 400:
		return llm.Result{}, fmt.Errorf("anthropic bad request: http status %d", status)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return llm.Result{}, fmt.Errorf("%w: anthropic response parse: %v", llm.ErrMalformedOutput, err)
	}
	if parsed.Error != nil {
		return llm.Result{}, fmt.Errorf("anthropic error: %s (%s)", parsed.Error.Message, parsed.Error.Type)
	}

	var text strings.Builder
	for _, part := range parsed.Content {
		if part.Type == "text" {
			text.WriteString(part.Text)
		}
	}
	tokens := parsed.Usage.InputTokens + parsed.Usage.OutputTokens
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

var _ llm.Provider = (*Client)(nil)
