package analyses

import (
	"context"
	"fmt"
)

// Progress is the read-only view polled while a run is in flight.
type Progress struct {
	AnalysisID       string `json:"analysisId"`
	Status           string `json:"status"`
	CurrentStage     string `json:"currentStage,omitempty"`
	Requested        int    `json:"requested"`
	SucceededInitial int    `json:"succeededInitial"`
	HasSynthesis     bool   `json:"hasSynthesis"`
	Percent          int    `json:"percent"`
	Summary          string `json:"summary"`
	FinalScore       *int   `json:"finalScore"`
	// BestScore is the highest individual initial score, reported when no
	// synthesized score exists.
	BestScore *int `json:"bestScore,omitempty"`
}

// ComputeProgress derives progress from the record and its responses. Each
// provider accounts for an initial and a rethink slot and the run shares one
// synthesis slot; rethink is never executed so its slots only fill on
// settlement.
func ComputeProgress(a Analysis, responses []ProviderResponse) Progress {
	prior := latestInitialSuccesses(responses, a.ProvidersUsed)
	hasSynthesis := false
	for _, resp := range responses {
		if resp.Stage == StageSynthesis {
			hasSynthesis = true
			break
		}
	}

	requested := len(a.ProvidersUsed)
	done := len(prior) * 2
	if hasSynthesis {
		done++
	}
	total := requested*2 + 1
	percent := done * 100 / total
	if a.IsTerminal() {
		percent = 100
	}

	p := Progress{
		AnalysisID:       a.ID,
		Status:           a.Status,
		CurrentStage:     a.CurrentStage,
		Requested:        requested,
		SucceededInitial: len(prior),
		HasSynthesis:     hasSynthesis,
		Percent:          percent,
		Summary:          providerSummary(len(prior), requested),
		FinalScore:       copyInt(a.FinalScore),
	}
	if p.FinalScore == nil {
		for _, r := range prior {
			if p.BestScore == nil || r.Score > *p.BestScore {
				score := r.Score
				p.BestScore = &score
			}
		}
	}
	return p
}

// Status returns progress for the caller's analysis.
func (s *Service) Status(ctx context.Context, userID, analysisID string) (Progress, error) {
	d, err := s.Detail(ctx, userID, analysisID)
	if err != nil {
		return Progress{}, err
	}
	return ComputeProgress(d.Analysis, d.Responses), nil
}

func providerSummary(succeeded, requested int) string {
	return fmt.Sprintf("%d of %d providers succeeded", succeeded, requested)
}
