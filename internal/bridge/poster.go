// ABOUTME: Outward posting boundary and its Slack chat.postMessage implementation
// ABOUTME: Single-call wrappers; retry policy belongs to the caller

package bridge

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

// Poster posts messages to the outward messaging platform. PostNew starts a
// new thread and returns its opaque thread ref; PostReply appends to an
// existing thread.
type Poster interface {
	PostNew(ctx context.Context, channel, text string) (threadRef string, err error)
	PostReply(ctx context.Context, channel, threadRef, text string) error
}

// slackAPIURL is the chat.postMessage endpoint.
const slackAPIURL = "https://slack.com/api/chat.postMessage"

// SlackPoster implements Poster against the Slack Web API. The thread ref
// is Slack's message timestamp (ts), which also names the reply thread.
type SlackPoster struct {
	apiURL string
	token  string
	client *http.Client
	logger *slog.Logger
}

// NewSlackPoster creates a poster with the given bot token. An empty apiURL
// uses the public Slack endpoint; tests point it at a local server.
func NewSlackPoster(apiURL, token string) *SlackPoster {
	if apiURL == "" {
		apiURL = slackAPIURL
	}
	return &SlackPoster{
		apiURL: apiURL,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default().With("component", "poster"),
	}
}

type slackMessage struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error"`
}

// PostNew posts a top-level message and returns its ts as the thread ref.
func (p *SlackPoster) PostNew(ctx context.Context, channel, text string) (string, error) {
	resp, err := p.post(ctx, slackMessage{Channel: channel, Text: text})
	if err != nil {
		return "", err
	}
	p.logger.Debug("posted new thread", "channel", channel, "ts", resp.TS)
	return resp.TS, nil
}

// PostReply posts into an existing thread.
func (p *SlackPoster) PostReply(ctx context.Context, channel, threadRef, text string) error {
	_, err := p.post(ctx, slackMessage{Channel: channel, Text: text, ThreadTS: threadRef})
	if err != nil {
		return err
	}
	p.logger.Debug("posted thread reply", "channel", channel, "thread_ts", threadRef)
	return nil
}

// post performs one chat.postMessage call.
func (p *SlackPoster) post(ctx context.Context, msg slackMessage) (*slackResponse, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling slack API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading slack response: %w", err)
	}

	var parsed slackResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding slack response: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("slack API error: %s", parsed.Error)
	}

	return &parsed, nil
}
