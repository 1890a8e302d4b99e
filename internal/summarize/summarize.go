// Package summarize holds the LLM backends used by the summary worker.
package summarize

import (
	"fmt"
	"time"

	"github.com/snarg/livesum/internal/live"
)

// Backend is a summarizer that can identify itself in logs.
type Backend interface {
	live.Summarizer
	Name() string  // "ollama", "openai"
	Model() string // model identifier for logs
}

// Options selects and configures a backend.
type Options struct {
	OllamaURL     string
	OllamaModel   string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	Stream        bool
	Timeout       time.Duration
}

// New returns the backend named by kind. "none" returns a nil Backend and
// no error: summarization is disabled.
func New(kind string, opts Options) (Backend, error) {
	switch kind {
	case "ollama":
		return NewOllamaClient(opts.OllamaURL, opts.OllamaModel, opts.Stream, opts.Timeout), nil
	case "openai":
		return NewOpenAIClient(opts.OpenAIAPIKey, opts.OpenAIBaseURL, opts.OpenAIModel, opts.Stream, opts.Timeout), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown summarizer %q", kind)
	}
}
