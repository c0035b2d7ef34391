// Package chatsync is a client-side synchronization engine for team chat.
//
// It keeps a local, observable view of chats and messages consistent with a
// remote store that is reachable through a serverless command gateway and a
// change-event feed. Sends are optimistic and idempotent, transient gateway
// failures are retried, and push events are reconciled against local state.
//
// Example:
//
//	client := chatsync.NewClient(chatsync.StaticToken(token),
//		chatsync.WithBaseURL("https://project.example.co"))
//	store := chatsync.NewStore(client, userID, nil)
//
//	_ = store.RefreshChats(ctx)
//	_ = store.SelectChat(ctx, &store.State().Chats[0])
//	msg, err := store.SendMessage(ctx, "hello", nil)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	DefaultFunction = "chat-api"
	DefaultTimeout  = 30 * time.Second
)

// Gateway actions.
const (
	ActionListChats      = "list_chats"
	ActionGetMessages    = "get_messages"
	ActionCreateChat     = "create_chat"
	ActionSendMessage    = "send_message"
	ActionMarkRead       = "mark_read"
	ActionUpdateChat     = "update_chat"
	ActionEditMessage    = "edit_message"
	ActionRecallMessage  = "recall_message"
	ActionToggleReaction = "toggle_reaction"
	ActionPing           = "ping"
)

// Gateway is the set of remote commands the Store depends on.
type Gateway interface {
	ListChats(ctx context.Context, limit, offset int) ([]Chat, error)
	GetMessages(ctx context.Context, chatID string, limit, offset int) ([]Message, error)
	CreateChat(ctx context.Context, params CreateChatParams) (*Chat, error)
	SendMessage(ctx context.Context, params SendMessageParams) (*SendResult, error)
	MarkRead(ctx context.Context, chatID string) error
	UpdateChat(ctx context.Context, params UpdateChatParams) (*Chat, error)
	EditMessage(ctx context.Context, messageID, content string) (*Message, error)
	RecallMessage(ctx context.Context, messageID string) (*Message, error)
	ToggleReaction(ctx context.Context, messageID, emoji string) (*ReactionResult, error)
}

// ============================================================================
// Client
// ============================================================================

// Client issues named commands to the remote gateway.
type Client struct {
	baseURL    string
	function   string
	creds      CredentialSource
	httpClient *http.Client
	policy     RetryPolicy
	clock      clock.Clock
	sleep      Sleeper
	metrics    *Metrics
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithFunction sets the name of the gateway function commands are posted to.
func WithFunction(name string) ClientOption {
	return func(c *Client) { c.function = strings.Trim(name, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// WithClock sets the clock used to wait between retries.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		c.clock = clk
		c.sleep = clockSleeper(clk)
	}
}

// WithSleeper overrides how the client waits between retries.
func WithSleeper(s Sleeper) ClientOption {
	return func(c *Client) { c.sleep = s }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a gateway client that authenticates with creds.
func NewClient(creds CredentialSource, opts ...ClientOption) *Client {
	clk := clock.New()
	c := &Client{
		function: DefaultFunction,
		creds:    creds,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		policy: DefaultRetryPolicy,
		clock:  clk,
		sleep:  clockSleeper(clk),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the gateway base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Invoke runs action with params, retrying transient failures according to
// the client's retry policy.
func (c *Client) Invoke(ctx context.Context, action string, params interface{}) (*Result, error) {
	var result *Result
	err := retry(ctx, c.policy, c.sleep, func(attempt int) error {
		c.metrics.commandAttempt(action)
		res, err := c.do(ctx, action, params)
		if err != nil {
			return err
		}
		result = res
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		jww.WARN.Printf("[chatsync gateway] %s attempt %d failed, retrying in %s: %v", action, attempt, delay, err)
	})
	c.metrics.commandDone(action, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// InvokeOnce runs action with a single attempt and no retries.
func (c *Client) InvokeOnce(ctx context.Context, action string, params interface{}) (*Result, error) {
	c.metrics.commandAttempt(action)
	res, err := c.do(ctx, action, params)
	c.metrics.commandDone(action, err)
	return res, err
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, action string, params interface{}) (*Result, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, &AuthError{Err: err}
	}

	body, err := commandBody(action, params)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + "/functions/v1/" + c.function
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	jww.TRACE.Printf("[chatsync gateway] -> %s", action)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "%s", action)
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: errors.Wrap(err, "reading response")}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Err: errors.Errorf("gateway rejected credential (HTTP %d)", resp.StatusCode)}
	case resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: errors.New(snippet(data))}
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &LogicError{StatusCode: resp.StatusCode, APIError: APIError{Code: "HTTP_ERROR", Message: snippet(data)}}
		}
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	if !result.Success {
		apiErr := APIError{Code: "REQUEST_FAILED", Message: "request failed"}
		if result.Error != nil {
			apiErr = *result.Error
		}
		return nil, &LogicError{StatusCode: resp.StatusCode, APIError: apiErr}
	}
	if resp.StatusCode >= 300 {
		return nil, &LogicError{StatusCode: resp.StatusCode, APIError: APIError{Code: "HTTP_ERROR", Message: snippet(data)}}
	}
	return &result, nil
}

// commandBody flattens params into the request object next to the action.
func commandBody(action string, params interface{}) ([]byte, error) {
	payload := map[string]interface{}{}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal params")
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, errors.Wrap(err, "params must encode as a JSON object")
		}
	}
	payload["action"] = action
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}
	return b, nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "empty response"
	}
	return s
}

func decodeInto[T any](res *Result) (*T, error) {
	var out T
	if err := res.Decode(&out); err != nil {
		return nil, errors.Wrap(err, "failed to decode response data")
	}
	return &out, nil
}

// ============================================================================
// Actions
// ============================================================================

func (c *Client) ListChats(ctx context.Context, limit, offset int) ([]Chat, error) {
	res, err := c.Invoke(ctx, ActionListChats, map[string]int{"limit": limit, "offset": offset})
	if err != nil {
		return nil, err
	}
	chats, err := decodeInto[[]Chat](res)
	if err != nil {
		return nil, err
	}
	return *chats, nil
}

func (c *Client) GetMessages(ctx context.Context, chatID string, limit, offset int) ([]Message, error) {
	res, err := c.Invoke(ctx, ActionGetMessages, map[string]interface{}{
		"chatId": chatID, "limit": limit, "offset": offset,
	})
	if err != nil {
		return nil, err
	}
	msgs, err := decodeInto[[]Message](res)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

func (c *Client) CreateChat(ctx context.Context, params CreateChatParams) (*Chat, error) {
	if params.Participants == nil {
		params.Participants = []string{}
	}
	res, err := c.Invoke(ctx, ActionCreateChat, params)
	if err != nil {
		return nil, err
	}
	return decodeInto[Chat](res)
}

// SendMessage posts a message. Retries reuse params.ClientMsgID, so the
// server applies the send at most once.
func (c *Client) SendMessage(ctx context.Context, params SendMessageParams) (*SendResult, error) {
	if params.MessageType == "" {
		params.MessageType = "text"
	}
	res, err := c.Invoke(ctx, ActionSendMessage, params)
	if err != nil {
		return nil, err
	}
	out := &SendResult{Duplicate: res.Duplicate}
	if len(res.Data) > 0 && string(res.Data) != "null" {
		msg, err := decodeInto[Message](res)
		if err != nil {
			return nil, err
		}
		out.Message = msg
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	_, err := c.Invoke(ctx, ActionMarkRead, map[string]string{"chatId": chatID})
	return err
}

func (c *Client) UpdateChat(ctx context.Context, params UpdateChatParams) (*Chat, error) {
	res, err := c.Invoke(ctx, ActionUpdateChat, params)
	if err != nil {
		return nil, err
	}
	return decodeInto[Chat](res)
}

func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*Message, error) {
	res, err := c.Invoke(ctx, ActionEditMessage, map[string]string{"messageId": messageID, "content": content})
	if err != nil {
		return nil, err
	}
	return decodeInto[Message](res)
}

func (c *Client) RecallMessage(ctx context.Context, messageID string) (*Message, error) {
	res, err := c.Invoke(ctx, ActionRecallMessage, map[string]string{"messageId": messageID})
	if err != nil {
		return nil, err
	}
	return decodeInto[Message](res)
}

func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string) (*ReactionResult, error) {
	res, err := c.Invoke(ctx, ActionToggleReaction, map[string]string{"messageId": messageID, "emoji": emoji})
	if err != nil {
		return nil, err
	}
	return decodeInto[ReactionResult](res)
}

// Warmup sends a single ping so the gateway's execution environment is hot
// before the first real command. It is not retried.
func (c *Client) Warmup(ctx context.Context) error {
	_, err := c.InvokeOnce(ctx, ActionPing, nil)
	return err
}
