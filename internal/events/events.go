package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedSubject  = errors.New("malformed subject")
	ErrUnmappedEventType = errors.New("unmapped event type")
	ErrEntityMismatch    = errors.New("event type does not belong to entity")
)

// InboundEvent is one item of a batch pushed by an upstream service.
// Data stays raw: its shape depends on EventType and the relay only ever
// looks at validationCode.
type InboundEvent struct {
	ID              string          `json:"id"`
	Topic           string          `json:"topic,omitempty"`
	Subject         string          `json:"subject"`
	EventType       string          `json:"eventType"`
	EventTime       string          `json:"eventTime,omitempty"`
	MetadataVersion string          `json:"metadataVersion,omitempty"`
	DataVersion     string          `json:"dataVersion,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// ValidationCode returns data.validationCode when present and non-empty.
func (e InboundEvent) ValidationCode() (string, bool) {
	if len(e.Data) == 0 {
		return "", false
	}
	var probe struct {
		ValidationCode *string `json:"validationCode"`
	}
	if err := json.Unmarshal(e.Data, &probe); err != nil || probe.ValidationCode == nil {
		return "", false
	}
	if *probe.ValidationCode == "" {
		return "", false
	}
	return *probe.ValidationCode, true
}

// Routed is an event whose subject has been split into user key and entity id.
// It is also the payload shape carried between relay instances.
type Routed struct {
	UserKey   string          `json:"userKey"`
	EntityID  string          `json:"entityId"`
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Notification is what a connection receives for one event.
type Notification struct {
	Name     string          `json:"event"`
	EntityID string          `json:"id"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ParseSubject splits "{userKey}/{entityId}". Both segments must be non-empty.
func ParseSubject(subject string) (userKey, entityID string, err error) {
	parts := strings.Split(subject, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedSubject, subject)
	}
	return parts[0], parts[1], nil
}

// Route validates a whole batch. Any bad subject or unknown event type fails
// the batch; nothing is returned for partial use.
func Route(batch []InboundEvent) ([]Routed, error) {
	out := make([]Routed, 0, len(batch))
	for i, ev := range batch {
		userKey, entityID, err := ParseSubject(ev.Subject)
		if err != nil {
			return nil, fmt.Errorf("event %d (%s): %w", i, ev.ID, err)
		}
		if _, err := NotificationName(ev.EventType); err != nil {
			return nil, fmt.Errorf("event %d (%s): %w", i, ev.ID, err)
		}
		out = append(out, Routed{UserKey: userKey, EntityID: entityID, EventType: ev.EventType, Data: ev.Data})
	}
	return out, nil
}

// RouteFor is Route restricted to event types of a single entity.
func RouteFor(entity Entity, batch []InboundEvent) ([]Routed, error) {
	routed, err := Route(batch)
	if err != nil {
		return nil, err
	}
	for i, r := range routed {
		if got, _ := EntityOf(r.EventType); got != entity {
			return nil, fmt.Errorf("event %d (%s): %w: %s is not %s", i, batch[i].ID, ErrEntityMismatch, r.EventType, entity)
		}
	}
	return routed, nil
}
