// Package events publishes analysis lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"time"
)

const (
	TypeAnalysisFinished = "analysis.finished"
	TypeAnalysisRetried  = "analysis.retried"
)

// Event is the payload published when an analysis settles.
type Event struct {
	Type       string    `json:"type"`
	AnalysisID string    `json:"analysisId"`
	UserID     string    `json:"userId"`
	Status     string    `json:"status"`
	FinalScore *int      `json:"finalScore"`
	Succeeded  int       `json:"succeeded"`
	Requested  int       `json:"requested"`
	RequestID  string    `json:"requestId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

func Decode(data []byte) (Event, error) {
	var evt Event
	err := json.Unmarshal(data, &evt)
	return evt, err
}
