package summarize

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/snarg/livesum/internal/live"
)

// maxErrorBody caps how much of a failed response is quoted in errors.
const maxErrorBody = 512

// OllamaClient calls an Ollama /api/generate endpoint.
type OllamaClient struct {
	url    string
	model  string
	stream bool
	client *http.Client
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// ollamaChunk is one NDJSON line of a streamed answer.
type ollamaChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// NewOllamaClient creates a new Ollama HTTP client. The per-call deadline
// comes from the caller's context; timeout bounds the whole exchange.
func NewOllamaClient(url, model string, stream bool, timeout time.Duration) *OllamaClient {
	return &OllamaClient{
		url:    url,
		model:  model,
		stream: stream,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *OllamaClient) Name() string  { return "ollama" }
func (c *OllamaClient) Model() string { return c.model }

// Summarize posts the prompt and returns the model's answer. In streaming
// mode each NDJSON increment is passed to onChunk as it arrives.
func (c *OllamaClient) Summarize(ctx context.Context, prompt string, onChunk func(string)) (string, error) {
	body, err := json.Marshal(ollamaRequest{Model: c.model, Prompt: prompt, Stream: c.stream})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: ollama request: %v", live.ErrSummarizerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("%w: ollama API error (status %d): %s",
			live.ErrSummarizerUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if c.stream {
		return readNDJSON(resp.Body, onChunk)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", live.ErrSummarizerUnavailable, err)
	}
	var out struct {
		Response *string `json:"response"`
		Error    string  `json:"error"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", live.ErrMalformedResponse, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: ollama: %s", live.ErrSummarizerUnavailable, out.Error)
	}
	if out.Response == nil {
		return "", fmt.Errorf("%w: no response field", live.ErrMalformedResponse)
	}
	return *out.Response, nil
}

// readNDJSON concatenates the "response" field of each line until a line
// reports done or the body ends.
func readNDJSON(r io.Reader, onChunk func(string)) (string, error) {
	var full strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines++
		var part ollamaChunk
		if err := json.Unmarshal(line, &part); err != nil {
			return "", fmt.Errorf("%w: decode stream line %d: %v", live.ErrMalformedResponse, lines, err)
		}
		if part.Error != "" {
			return "", fmt.Errorf("%w: ollama: %s", live.ErrSummarizerUnavailable, part.Error)
		}
		if part.Response != "" {
			full.WriteString(part.Response)
			if onChunk != nil {
				onChunk(part.Response)
			}
		}
		if part.Done {
			return full.String(), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("%w: read stream: %v", live.ErrSummarizerUnavailable, err)
	}
	if lines == 0 {
		return "", fmt.Errorf("%w: empty stream", live.ErrMalformedResponse)
	}
	return full.String(), nil
}
