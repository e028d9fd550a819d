package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CanonicalEvent is a domain event with a versioned type name such as
// "payments.payment.succeeded.v1".
type CanonicalEvent interface {
	EventType() string
}

// Envelope is the wire form written to the outbox and published to the
// notification queue.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	Version       int             `json:"version"`
	Aggregate     string          `json:"aggregate"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("events: decode %s: %w", e.EventType, err)
	}
	return nil
}

type EnvelopeOption func(*Envelope)

func WithEventID(id uuid.UUID) EnvelopeOption {
	return func(e *Envelope) {
		if id != uuid.Nil {
			e.EventID = id
		}
	}
}

func WithOccurredAt(ts time.Time) EnvelopeOption {
	return func(e *Envelope) {
		if !ts.IsZero() {
			e.OccurredAt = ts.UTC()
		}
	}
}

// WithCorrelationID tags the envelope with the request that produced it.
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = strings.TrimSpace(id)
	}
}

var (
	ErrMissingAggregate = errors.New("events: aggregate is required")
	ErrInvalidEventType = errors.New("events: event type must end in .v<version>")

	clock = time.Now
)

// AppointmentAggregate is the aggregate key for every event about an
// appointment and its payments.
func AppointmentAggregate(id uuid.UUID) string {
	return "appointment:" + id.String()
}

// NewEnvelope wraps evt for aggregate.
func NewEnvelope(aggregate string, evt CanonicalEvent, opts ...EnvelopeOption) (Envelope, error) {
	aggregate = strings.TrimSpace(aggregate)
	if aggregate == "" {
		return Envelope{}, ErrMissingAggregate
	}
	if evt == nil {
		return Envelope{}, errors.New("events: nil event")
	}
	eventType := strings.TrimSpace(evt.EventType())
	version, err := typeVersion(eventType)
	if err != nil {
		return Envelope{}, err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s: %w", eventType, err)
	}

	env := Envelope{
		EventID:    uuid.New(),
		EventType:  eventType,
		Version:    version,
		Aggregate:  aggregate,
		OccurredAt: clock().UTC(),
		Payload:    payload,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&env)
		}
	}
	return env, nil
}

func typeVersion(eventType string) (int, error) {
	i := strings.LastIndex(eventType, ".v")
	if i <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	v, err := strconv.Atoi(eventType[i+2:])
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	return v, nil
}
