package analyses

import (
	"encoding/json"
	"time"
)

const (
	DomainUIUX     = "ui_ux"
	DomainContract = "contract"
)

// Pipeline stages. Rethink is reserved: it is part of progress accounting and
// the stage vocabulary but the pipeline does not run it.
const (
	StageInitial   = "initial"
	StageRethink   = "rethink"
	StageSynthesis = "synthesis"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusPartial    = "partial"
	StatusFailed     = "failed"
)

// Source is the analyzed input: inline content or a stored object.
type Source struct {
	Content   string `json:"content,omitempty"`
	ObjectKey string `json:"objectKey,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	// Context is free text appended to every prompt.
	Context string `json:"context,omitempty"`
}

// ArtifactRef points at a stored artifact resolved to inline bytes before a run.
type ArtifactRef struct {
	Key      string `json:"key"`
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Analysis is one submitted unit of work.
type Analysis struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"userId"`
	Domain             string        `json:"domain"`
	Source             Source        `json:"source"`
	Artifacts          []ArtifactRef `json:"artifacts"`
	RequestedProviders []string      `json:"requestedProviders"`
	ProvidersUsed      []string      `json:"providersUsed"`
	MasterProvider     string        `json:"masterProvider"`
	Status             string        `json:"status"`
	CurrentStage       string        `json:"currentStage,omitempty"`
	FinalScore         *int          `json:"finalScore"`
	ErrorMessage       *string       `json:"errorMessage,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	StartedAt          *time.Time    `json:"startedAt,omitempty"`
	CompletedAt        *time.Time    `json:"completedAt,omitempty"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// IsTerminal reports whether the analysis has settled.
func (a Analysis) IsTerminal() bool {
	switch a.Status {
	case StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// ProviderResponse is one attempt by one provider at one stage.
type ProviderResponse struct {
	ID           string          `json:"id"`
	AnalysisID   string          `json:"analysisId"`
	Provider     string          `json:"provider"`
	Stage        string          `json:"step"`
	Result       json.RawMessage `json:"result,omitempty"`
	Score        *int            `json:"score"`
	TokensUsed   int             `json:"tokensUsed"`
	LatencyMs    int64           `json:"latencyMs"`
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// SubmitInput is a new analysis request.
type SubmitInput struct {
	UserID         string
	Domain         string
	Source         Source
	Artifacts      []ArtifactRef
	Providers      []string
	MasterProvider string
	// Credentials are per-request keys, consulted after the user's stored keys.
	Credentials map[string]string
}

// Substitution maps the provider occupying a slot to the provider run this time.
type Substitution struct {
	Original   string `json:"original"`
	Substitute string `json:"substitute"`
}

// RetryInput is a transient retry plan.
type RetryInput struct {
	AnalysisID     string
	UserID         string
	Stage          string
	Substitutions  []Substitution
	MasterProvider string
	Credentials    map[string]string
}

// RetryResult reports which providers recovered and whether synthesis was re-derived.
type RetryResult struct {
	Retried     []string `json:"retried"`
	Failed      []string `json:"failed"`
	Synthesized bool     `json:"synthesized"`
	Analysis    Analysis `json:"-"`
}

// Outcome summarizes a finished run for callers.
type Outcome struct {
	Analysis  Analysis
	Succeeded int
	Requested int
}

// Summary renders the "N of M providers succeeded" line.
func (o Outcome) Summary() string {
	return providerSummary(o.Succeeded, o.Requested)
}

// Detail is an analysis with its response history.
type Detail struct {
	Analysis  Analysis           `json:"analysis"`
	Responses []ProviderResponse `json:"responses"`
}
