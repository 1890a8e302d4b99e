package live

import "time"

// Kind identifies what an Event carries.
type Kind string

const (
	KindStatus            Kind = "status"
	KindTranscriptPartial Kind = "transcript-partial"
	KindTranscriptFinal   Kind = "transcript-final"
	KindSummaryStart      Kind = "summary-start"
	KindSummaryToken      Kind = "summary-token"
	KindSummaryEnd        Kind = "summary-end"
	KindError             Kind = "error"
)

// Status payloads.
const (
	StatusListening    = "listening"
	StatusInitialising = "initialising"
	StatusStopped      = "stopped"
)

// Event is a single item of the live stream. It is passed by value; the
// EventBus assigns ID and Timestamp when it is published.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Kind      Kind      `json:"kind"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an unpublished event.
func NewEvent(kind Kind, payload string) Event {
	return Event{Kind: kind, Payload: payload}
}

// Publisher accepts events for broadcast. *EventBus implements it.
type Publisher interface {
	Publish(e Event)
}

// PublishFunc adapts a function to Publisher.
type PublishFunc func(e Event)

func (f PublishFunc) Publish(e Event) { f(e) }

// PipelineState reports the capture loop state.
type PipelineState struct {
	Running bool `json:"running"`
	Ready   bool `json:"ready"`
}

// StatusPayload is the status a new subscriber is greeted with.
func (s PipelineState) StatusPayload() string {
	if s.Ready {
		return StatusListening
	}
	return StatusInitialising
}
