// Package channel is the client of the customer messaging channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrTransient marks failures worth retrying: network errors and 5xx responses.
var ErrTransient = errors.New("channel unavailable")

// Tag labels the origin of an outbound operation.
const Tag = "support-orchestrator"

// Message is an outbound message into a conversation.
type Message struct {
	ExternalConversationID string
	Text                   string
	Tag                    string
	IdempotencyKey         string
}

// Transfer hands conversation ownership to a queue.
type Transfer struct {
	ExternalConversationID string
	TargetQueueID          string
	Metadata               map[string]string
	Tag                    string
	IdempotencyKey         string
}

// Client sends messages and transfers control in the channel. It never retries.
type Client interface {
	SendMessage(ctx context.Context, msg Message) error
	PassControl(ctx context.Context, t Transfer) error
}

// Config configures the HTTP client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPClient calls the channel API over HTTP.
type HTTPClient struct {
	http *resty.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates the client.
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}

	return &HTTPClient{http: c}
}

type sendMessageBody struct {
	Text string `json:"text"`
	Tag  string `json:"tag,omitempty"`
}

type passControlBody struct {
	TargetQueueID string            `json:"target_queue_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Tag           string            `json:"tag,omitempty"`
}

// SendMessage delivers a message into the conversation.
func (c *HTTPClient) SendMessage(ctx context.Context, msg Message) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", msg.IdempotencyKey).
		SetBody(sendMessageBody{Text: msg.Text, Tag: msg.Tag}).
		Post("/conversations/" + url.PathEscape(msg.ExternalConversationID) + "/messages")
	return check("send message", resp, err)
}

// PassControl transfers the conversation to the target queue.
func (c *HTTPClient) PassControl(ctx context.Context, t Transfer) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", t.IdempotencyKey).
		SetBody(passControlBody{TargetQueueID: t.TargetQueueID, Metadata: t.Metadata, Tag: t.Tag}).
		Post("/conversations/" + url.PathEscape(t.ExternalConversationID) + "/pass-control")
	return check("pass control", resp, err)
}

func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
	}
	if !resp.IsError() {
		return nil
	}
	status := resp.StatusCode()
	body := strings.TrimSpace(resp.String())
	if body == "" {
		body = http.StatusText(status)
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s returned %d: %s", ErrTransient, op, status, body)
	}
	return fmt.Errorf("%s returned %d: %s", op, status, body)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
