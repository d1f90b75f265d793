package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/backbone/common/middleware"
)

// Envelope is the immutable wire form of a domain event.
//
// Sequence increases monotonically per AggregateID within Source; consumers use
// it as an idempotency high-water mark.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	Source        string          `json:"source"`
	AggregateID   string          `json:"aggregateId"`
	Sequence      uint64          `json:"sequence"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// ErrInvalidEnvelope is returned for envelopes missing identity fields.
var ErrInvalidEnvelope = errors.New("invalid event envelope")

// NewEnvelope builds an envelope for payload, taking the correlation id from ctx.
func NewEnvelope(ctx context.Context, source, eventType, aggregateID string, seq uint64, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}
	return &Envelope{
		EventID:       id.String(),
		EventType:     eventType,
		Source:        source,
		AggregateID:   aggregateID,
		Sequence:      seq,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: middleware.GetCorrelationID(ctx),
		Payload:       data,
	}, nil
}

// Validate checks the fields every consumer relies on.
func (e *Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: missing eventId", ErrInvalidEnvelope)
	case e.EventType == "":
		return fmt.Errorf("%w: missing eventType", ErrInvalidEnvelope)
	case e.Source == "":
		return fmt.Errorf("%w: missing source", ErrInvalidEnvelope)
	case e.AggregateID == "":
		return fmt.Errorf("%w: missing aggregateId", ErrInvalidEnvelope)
	case e.Sequence == 0:
		return fmt.Errorf("%w: sequence must start at 1", ErrInvalidEnvelope)
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Clone returns a deep copy so in-process transports never share payload memory.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// UnmarshalEnvelope decodes and validates a wire envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
