package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uusseis/sis-poller/internal/config"
	"github.com/uusseis/sis-poller/internal/logger"
	"github.com/uusseis/sis-poller/internal/service/common"
)

const (
	// TestSubject is the subject of the connectivity test message.
	TestSubject = "SIS Test"
	// TestMessage is the body of the connectivity test message.
	TestMessage = "Test message from SIS poller"

	updateIDPrefix = "sisUpdateMessage_"
	testIDPrefix   = "sisTestMessage_"

	// maxErrorBody caps the response body quoted in API errors.
	maxErrorBody = 1 << 10
)

var (
	// ErrDisabled is returned by New when no gateway URL is configured.
	ErrDisabled = errors.New("notifications are disabled")
	// ErrCredentials is returned when the gateway rejects the API key.
	ErrCredentials = errors.New("notification api credentials rejected")
	// ErrAPI is returned for any other non-2xx gateway answer.
	ErrAPI = errors.New("notification api error")
)

// Payload is the message body understood by the gateway.
type Payload struct {
	Subject           string `json:"subject"`
	Message           string `json:"message"`
	Topic             string `json:"topic"`
	MessageIdentifier string `json:"messageIdentifier"`
	Source            string `json:"source"`
}

// envelope wraps Payload the way the gateway expects it.
type envelope struct {
	Payload Payload `json:"payload"`
}

// Client sends messages to the notification gateway.
type Client struct {
	httpClient *http.Client
	target     string
	apiKey     string
	topic      string
	subject    string
	source     string
	newID      func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithTimeout bounds every gateway call.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

// WithSource overrides the sender name, which defaults to the short host name.
func WithSource(source string) Option {
	return func(c *Client) {
		c.source = source
	}
}

// New returns a Client for the provided settings.
func New(ctx context.Context, settings config.Notification, opts ...Option) (*Client, error) {
	if !settings.Enabled() {
		return nil, ErrDisabled
	}

	endpoint := settings.Endpoint
	if endpoint == "" {
		endpoint = config.DefaultEndpoint
	}

	subject := settings.Subject
	if subject == "" {
		subject = config.DefaultSubject
	}

	client := &Client{
		httpClient: &http.Client{Timeout: config.DefaultTimeout},
		target:     strings.TrimRight(settings.URL, "/") + "/" + strings.TrimLeft(endpoint, "/"),
		apiKey:     settings.APIKey,
		topic:      strings.ToLower(settings.Topic),
		subject:    subject,
		newID:      uuid.NewString,
	}

	for _, opt := range opts {
		opt(client)
	}

	if client.source == "" {
		source, err := common.DetectSource()
		if err != nil {
			logger.WarnKV(ctx, "Cannot detect notification source", "error", err)

			source = "unknown"
		}

		client.source = source
	}

	return client, nil
}

// Subject returns the subject used for update summaries.
func (c *Client) Subject() string {
	return c.subject
}

// Notify sends an update summary.
func (c *Client) Notify(ctx context.Context, subject, message string) error {
	return c.send(ctx, updateIDPrefix, subject, message)
}

// SendTest sends the fixed connectivity test message.
func (c *Client) SendTest(ctx context.Context) error {
	return c.send(ctx, testIDPrefix, TestSubject, TestMessage)
}

func (c *Client) send(ctx context.Context, idPrefix, subject, message string) error {
	payload := Payload{
		Subject:           subject,
		Message:           message,
		Topic:             c.topic,
		MessageIdentifier: idPrefix + c.newID(),
		Source:            c.source,
	}

	body, err := json.Marshal(envelope{Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}

	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAPI, err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	switch {
	case response.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrCredentials, response.Status)
	case response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices:
		text, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		return fmt.Errorf("%w (status %d): %s", ErrAPI, response.StatusCode, strings.TrimSpace(string(text)))
	}

	logger.InfoKV(ctx, "Notification sent", "subject", subject, "id", payload.MessageIdentifier)

	return nil
}
