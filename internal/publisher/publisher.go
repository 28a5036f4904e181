// Package publisher posts events to a relay the way the upstream note
// services do. The operator CLI and end-to-end tests use it.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jsherman999/contentrelay/internal/events"
)

const validationEventType = "Microsoft.EventGrid.SubscriptionValidationEvent"

// StatusError is a non-200 answer from the relay.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay answered %d: %s", e.Code, strings.TrimSpace(e.Body))
}

type Client struct {
	endpoint string
	key      string
	hc       *http.Client
}

type Option func(*Client)

// WithKey sets the webhook key sent as aeg-sas-key.
func WithKey(key string) Option { return func(c *Client) { c.key = key } }

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.hc = hc } }

// New returns a client for endpoint, the full ingestion URL such as
// http://relay:8080/api/ImageNotification.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{endpoint: endpoint, hc: &http.Client{Timeout: 30 * time.Second}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewEvent builds an event with a fresh id and the current UTC time.
func NewEvent(eventType, subject string, data any) (events.InboundEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return events.InboundEvent{}, fmt.Errorf("encode data: %w", err)
	}
	return events.InboundEvent{
		ID:          uuid.NewString(),
		Subject:     subject,
		EventType:   eventType,
		EventTime:   time.Now().UTC().Format(time.RFC3339Nano),
		DataVersion: "1",
		Data:        raw,
	}, nil
}

// Publish sends a single-event batch.
func (c *Client) Publish(ctx context.Context, eventType, subject string, data any) (events.InboundEvent, error) {
	ev, err := NewEvent(eventType, subject, data)
	if err != nil {
		return ev, err
	}
	_, err = c.post(ctx, []events.InboundEvent{ev}, false)
	return ev, err
}

func (c *Client) PublishBatch(ctx context.Context, batch []events.InboundEvent) error {
	_, err := c.post(ctx, batch, false)
	return err
}

// Handshake sends a subscription validation probe and returns the code the
// relay echoed.
func (c *Client) Handshake(ctx context.Context, code string) (string, error) {
	ev, err := NewEvent(validationEventType, "", map[string]string{"validationCode": code})
	if err != nil {
		return "", err
	}
	body, err := c.post(ctx, []events.InboundEvent{ev}, true)
	if err != nil {
		return "", err
	}
	var resp struct {
		ValidationResponse string `json:"validationResponse"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode validation response: %w", err)
	}
	return resp.ValidationResponse, nil
}

func (c *Client) post(ctx context.Context, batch []events.InboundEvent, probe bool) ([]byte, error) {
	b, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if probe {
		req.Header.Set("Aeg-Event-Type", "SubscriptionValidation")
	} else {
		req.Header.Set("Aeg-Event-Type", "Notification")
	}
	if c.key != "" {
		req.Header.Set("aeg-sas-key", c.key)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
