package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"analysis-backend/internal/llm"
)

func TestSynthesizeSendsHeadersAndImages(t *testing.T) {
	var gotKey, gotVersion string
	var body messagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"final_score\": 82}"}],"usage":{"input_tokens":100,"output_tokens":50}}`))
	}))
	defer server.Close()

	client, err := NewClient("secret", Options{BaseURL: server.URL, Model: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	res, err := client.Synthesize(context.Background(), llm.SynthesizeRequest{
		SystemPrompt: "sys",
		UserPrompt:   "merge",
		Artifacts:    []llm.Artifact{{Name: "a.png", MimeType: "image/png", Data: []byte{1}}},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Score != 82 || res.TokensUsed != 150 {
		t.Fatalf("unexpected result %+v", res)
	}
	if gotKey != "secret" || gotVersion != apiVersion {
		t.Fatalf("unexpected headers key=%q version=%q", gotKey, gotVersion)
	}
	if body.System != "sys" || len(body.Messages) != 1 {
		t.Fatalf("unexpected request body %+v", body)
	}
	content := body.Messages[0].Content
	if len(content) != 2 || content[0].Type != "image" || content[1].Text != "merge" {
		t.Fatalf("unexpected content blocks %+v", content)
	}
}

func TestForbiddenIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client, _ := NewClient("bad", Options{BaseURL: server.URL, Model: "claude"})
	_, err := client.Analyze(context.Background(), llm.AnalyzeRequest{UserPrompt: "u"})
	if !llm.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestNewClientRequiresModel(t *testing.T) {
	if _, err := NewClient("k", Options{}); err == nil {
		t.Fatalf("expected error for missing model")
	}
}

func TestUnparseableReplyKeepsSpentTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"I cannot score this."}],"usage":{"input_tokens":30,"output_tokens":12}}`))
	}))
	defer server.Close()

	client, _ := NewClient("k", Options{BaseURL: server.URL, Model: "claude"})
	_, err := client.Analyze(context.Background(), llm.AnalyzeRequest{UserPrompt: "u"})
	if !errors.Is(err, llm.ErrMalformedOutput) {
		t.Fatalf("expected malformed output, got %v", err)
	}
	if got := llm.TokensSpent(err); got != 42 {
		t.Fatalf("expected 42 spent tokens, got %d", got)
	}
}
