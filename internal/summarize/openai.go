package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/snarg/livesum/internal/live"
)

// OpenAIClient summarizes with an OpenAI-compatible chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
	stream bool
}

// NewOpenAIClient creates a client. An empty baseURL targets api.openai.com;
// local servers (llama.cpp, vLLM, LM Studio) work with their /v1 base URL.
func NewOpenAIClient(apiKey, baseURL, model string, stream bool, timeout time.Duration) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		stream: stream,
	}
}

func (c *OpenAIClient) Name() string  { return "openai" }
func (c *OpenAIClient) Model() string { return c.model }

// Summarize sends the prompt as a single user message.
func (c *OpenAIClient) Summarize(ctx context.Context, prompt string, onChunk func(string)) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	if !c.stream {
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", classifyOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("%w: no choices", live.ErrMalformedResponse)
		}
		return resp.Choices[0].Message.Content, nil
	}

	req.Stream = true
	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", classifyOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			full.WriteString(delta)
			if onChunk != nil {
				onChunk(delta)
			}
		}
	}
	return full.String(), nil
}

// classifyOpenAIError maps client errors onto the summarizer sentinels. Body
// decode failures are malformed answers; everything else means the service
// could not be used.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: openai API error (status %d): %s",
			live.ErrSummarizerUnavailable, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: openai request error (status %d): %v",
			live.ErrSummarizerUnavailable, reqErr.HTTPStatusCode, reqErr.Err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", live.ErrSummarizerUnavailable, err)
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%w: %v", live.ErrMalformedResponse, err)
	}
	return fmt.Errorf("%w: %v", live.ErrSummarizerUnavailable, err)
}
