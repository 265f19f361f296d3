// Package directline talks to a Direct Line-style bot channel: open a
// conversation, post user activities, poll for bot replies.
package directline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mykhaliev/bot-conformance/logger"
	"github.com/mykhaliev/bot-conformance/model"

	"github.com/bytedance/sonic"
	"golang.org/x/time/rate"
)

const (
	DefaultServiceURL = "https://directline.botframework.com/v3/directline"

	// pollsPerSecond paces the poll loop so a slow bot is not hammered.
	pollsPerSecond = 2
)

// Conversation is the handle returned by Init.
type Conversation struct {
	ConversationID string `json:"conversationId"`
	Token          string `json:"token"`
	StreamURL      string `json:"streamUrl,omitempty"`
}

// SendAck acknowledges a submitted activity. A nil ack from SendMessage
// means the echoed user message will not appear in subsequent polls.
type SendAck struct {
	ID string `json:"id"`
}

// Client is the transport capability the conformance engine consumes.
type Client interface {
	Init(ctx context.Context, secret string) (*Conversation, error)
	SendMessage(ctx context.Context, conversationID string, message model.Message) (*SendAck, error)
	// PollMessages blocks until expectedCount new messages (plus the
	// echoed user message, when includeUserEcho is set) arrive or the
	// timeout elapses.
	PollMessages(ctx context.Context, conversationID string, expectedCount int, includeUserEcho bool, timeout time.Duration) ([]model.Message, error)
}

type activitySet struct {
	Activities []model.Message `json:"activities"`
	Watermark  string          `json:"watermark"`
}

type conversationState struct {
	token     string
	watermark string
}

// HTTPClient implements Client over the Direct Line 3.0 REST surface.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter

	mu            sync.Mutex
	conversations map[string]*conversationState
}

// NewHTTPClient creates a client for the given service base URL.
// An empty baseURL falls back to the public Direct Line endpoint.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultServiceURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL:       baseURL,
		http:          httpClient,
		limiter:       rate.NewLimiter(rate.Limit(pollsPerSecond), 1),
		conversations: make(map[string]*conversationState),
	}
}

func (c *HTTPClient) Init(ctx context.Context, secret string) (*Conversation, error) {
	if secret == "" {
		return nil, fmt.Errorf("conversation secret is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/conversations", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build init request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read init response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("conversation init rejected: status %d: %s", resp.StatusCode, string(body))
	}

	var conversation Conversation
	if err := sonic.Unmarshal(body, &conversation); err != nil {
		return nil, fmt.Errorf("failed to decode init response: %w", err)
	}
	if conversation.ConversationID == "" {
		return nil, fmt.Errorf("conversation init returned no conversation id")
	}

	c.mu.Lock()
	c.conversations[conversation.ConversationID] = &conversationState{token: conversation.Token}
	c.mu.Unlock()

	logger.Logger.Debug("Conversation opened", "conversation_id", conversation.ConversationID)
	return &conversation, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, conversationID string, message model.Message) (*SendAck, error) {
	token, err := c.tokenFor(conversationID)
	if err != nil {
		return nil, err
	}

	payload, err := sonic.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	url := fmt.Sprintf("%s/conversations/%s/activities", c.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read send response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("message rejected: status %d: %s", resp.StatusCode, string(body))
	}

	var ack SendAck
	if err := sonic.Unmarshal(body, &ack); err != nil || ack.ID == "" {
		// The channel accepted the message but will not echo it back.
		return nil, nil
	}
	return &ack, nil
}

func (c *HTTPClient) PollMessages(ctx context.Context, conversationID string, expectedCount int, includeUserEcho bool, timeout time.Duration) ([]model.Message, error) {
	token, err := c.tokenFor(conversationID)
	if err != nil {
		return nil, err
	}

	target := expectedCount
	if includeUserEcho {
		target++
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	collected := make([]model.Message, 0, target)
	for len(collected) < target {
		if err := c.limiter.Wait(pollCtx); err != nil {
			return nil, fmt.Errorf("timed out waiting for %d messages, got %d: %w", target, len(collected), err)
		}

		batch, err := c.fetchActivities(pollCtx, conversationID, token)
		if err != nil {
			if pollCtx.Err() != nil {
				return nil, fmt.Errorf("timed out waiting for %d messages, got %d: %w", target, len(collected), pollCtx.Err())
			}
			return nil, err
		}
		collected = append(collected, batch...)
	}

	logger.Logger.Debug("Poll complete",
		"conversation_id", conversationID,
		"expected", target,
		"received", len(collected))
	return collected, nil
}

func (c *HTTPClient) fetchActivities(ctx context.Context, conversationID, token string) ([]model.Message, error) {
	c.mu.Lock()
	watermark := c.conversations[conversationID].watermark
	c.mu.Unlock()

	url := fmt.Sprintf("%s/conversations/%s/activities", c.baseURL, conversationID)
	if watermark != "" {
		url += "?watermark=" + watermark
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to poll messages: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read poll response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll rejected: status %d: %s", resp.StatusCode, string(body))
	}

	var set activitySet
	if err := sonic.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("failed to decode poll response: %w", err)
	}

	if set.Watermark != "" {
		c.mu.Lock()
		c.conversations[conversationID].watermark = set.Watermark
		c.mu.Unlock()
	}
	return set.Activities, nil
}

func (c *HTTPClient) tokenFor(conversationID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.conversations[conversationID]
	if !ok {
		return "", fmt.Errorf("unknown conversation: %s", conversationID)
	}
	return state.token, nil
}
