// ABOUTME: Chat-completions HTTP client implementing the Engine interface
// ABOUTME: Single-call wrapper with no retries or token management

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultBaseURL is the standard OpenAI-compatible API root.
const DefaultBaseURL = "https://api.openai.com/v1"

// OpenAIClient calls an OpenAI-compatible chat-completions endpoint.
// It is a direct wrapper around one HTTP call: retry policy, token refresh,
// and rate limiting all belong to the caller or the provider SDK layer.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIClient creates a client for the given model. An empty baseURL
// falls back to DefaultBaseURL.
func NewOpenAIClient(baseURL, apiKey, model string) *OpenAIClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &OpenAIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  slog.Default().With("component", "engine"),
	}
}

// wire types for the chat-completions request/response
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends the ordered lines to the chat-completions endpoint and
// returns the raw result. Transport and API failures are wrapped with
// ErrEngine so callers can match the whole failure class.
func (c *OpenAIClient) Complete(ctx context.Context, lines []Line) (*Result, error) {
	messages := make([]chatMessage, len(lines))
	for i, line := range lines {
		messages[i] = chatMessage{Role: string(line.Role), Content: line.Content}
	}

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("encoding completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		// Surface the caller's cancellation as itself, not as an engine fault.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: calling completion endpoint: %v", ErrEngine, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading completion response: %v", ErrEngine, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding completion response: %v", ErrEngine, err)
	}

	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return nil, fmt.Errorf("%w: %s (%s)", ErrEngine, parsed.Error.Message, parsed.Error.Type)
		}
		return nil, fmt.Errorf("%w: unexpected status %d", ErrEngine, resp.StatusCode)
	}

	result := &Result{Choices: make([]Choice, len(parsed.Choices))}
	for i, choice := range parsed.Choices {
		result.Choices[i] = Choice{
			Text:         choice.Message.Content,
			FinishReason: choice.FinishReason,
		}
	}

	c.logger.Debug("completion received",
		"model", c.model,
		"choices", len(result.Choices))
	return result, nil
}
