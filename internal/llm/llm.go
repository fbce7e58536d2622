package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Provider is one interchangeable AI backend able to analyze input and
// consolidate prior analyses into a single verdict.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, req AnalyzeRequest) (Result, error)
	Synthesize(ctx context.Context, req SynthesizeRequest) (Result, error)
}

// Artifact is inline content handed to a provider alongside the prompt.
type Artifact struct {
	Name     string
	MimeType string
	Data     []byte
}

// IsImage reports whether the artifact should be sent as a vision part.
func (a Artifact) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.MimeType), "image/")
}

// AnalyzeRequest captures the inputs for an initial-stage call.
type AnalyzeRequest struct {
	SystemPrompt string
	UserPrompt   string
	Artifacts    []Artifact
}

// SynthesizeRequest captures the inputs for a synthesis call.
type SynthesizeRequest struct {
	SystemPrompt string
	UserPrompt   string
	Prior        []PriorResult
	Artifacts    []Artifact
}

// PriorResult is one successful initial-stage payload fed into synthesis.
type PriorResult struct {
	Provider string
	Score    int
	Payload  json.RawMessage
}

// Result is the structured outcome of a provider call.
type Result struct {
	Payload    json.RawMessage
	Score      int
	TokensUsed int
	LatencyMs  int64
}

// TextArtifacts renders non-image artifacts as labelled prompt sections.
func TextArtifacts(artifacts []Artifact) string {
	var b strings.Builder
	for _, a := range artifacts {
		if a.IsImage() {
			continue
		}
		b.WriteString("\n\n--- ")
		b.WriteString(a.Name)
		b.WriteString(" ---\n")
		b.Write(a.Data)
	}
	return b.String()
}
