// Package llm implements the text-generation port against any server that
// speaks the OpenAI chat-completions and embeddings API.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Zhao-yangyang/DaemonChat/internal/apperr"
	"github.com/Zhao-yangyang/DaemonChat/pkg/contracts"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

var _ contracts.Generator = (*Client)(nil)

// Client talks to an OpenAI-compatible API.
type Client struct {
	apiKey     string
	baseURL    string // defaults to https://api.openai.com/v1
	model      string
	embedModel string
	client     *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom API base (proxies, compatible servers).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient replaces the HTTP client. Streaming requests are bounded by
// the caller's context, so the client should not carry a short Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithEmbedModel sets the embedding model.
func WithEmbedModel(model string) Option {
	return func(c *Client) { c.embedModel = model }
}

// New creates a client for the given chat model.
func New(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		model:      model,
		embedModel: "text-embedding-3-small",
		client:     &http.Client{Transport: http.DefaultTransport},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model    string                  `json:"model"`
	Messages []models.ContextMessage `json:"messages"`
	Stream   bool                    `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type embedRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// post sends body to path and returns the response when the status is 200.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperr.RateLimited("model provider rate limit: %s", strings.TrimSpace(string(respBody)))
	}
	return nil, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
}

// CompleteChat sends a non-streaming chat completion.
func (c *Client) CompleteChat(ctx context.Context, messages []models.ContextMessage) (string, error) {
	start := time.Now()
	resp, err := c.post(ctx, "/chat/completions", chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("openai error: %s (%s)", result.Error.Message, result.Error.Type)
	}
	if len(result.Choices) == 0 {
		return "", nil
	}

	log.Debug().
		Str("model", c.model).
		Int("messages", len(messages)).
		Dur("elapsed", time.Since(start)).
		Msg("Chat completion finished")
	return result.Choices[0].Message.Content, nil
}

// StreamChat streams a chat completion. The request is sent on the first
// pull; breaking out of the loop closes the response body.
func (c *Client) StreamChat(ctx context.Context, messages []models.ContextMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := c.post(ctx, "/chat/completions", chatRequest{Model: c.model, Messages: messages, Stream: true})
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		for data, err := range sseData(resp.Body) {
			if err != nil {
				yield("", fmt.Errorf("read stream: %w", err))
				return
			}
			if data == "[DONE]" {
				return
			}

			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("decode chunk: %w", err))
				return
			}
			if chunk.Error != nil {
				yield("", fmt.Errorf("openai error: %s (%s)", chunk.Error.Message, chunk.Error.Type))
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

// sseData yields the payload of each "data:" event in an SSE body.
func sseData(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var data []string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if len(data) == 0 {
					continue
				}
				payload := strings.Join(data, "\n")
				data = data[:0]
				if !yield(payload, nil) {
					return
				}
			case strings.HasPrefix(line, ":"):
				// comment / keep-alive
			case strings.HasPrefix(line, "data:"):
				data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", err)
			return
		}
		if len(data) > 0 {
			yield(strings.Join(data, "\n"), nil)
		}
	}
}

// Embed generates the embedding of a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := c.post(ctx, "/embeddings", embedRequest{Input: text, Model: c.embedModel})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai error: %s (%s)", result.Error.Message, result.Error.Type)
	}
	for _, d := range result.Data {
		if d.Index == 0 {
			return d.Embedding, nil
		}
	}
	return nil, fmt.Errorf("embeddings response carried no vector")
}
