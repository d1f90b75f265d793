package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across services.
const (
	FieldService       = "service"
	FieldInstance      = "instance_id"
	FieldSubject       = "subject"
	FieldCorrelationID = "correlation_id"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldRoute         = "route"
	FieldStatus        = "status"
	FieldDuration      = "duration_ms"
	FieldError         = "error"
	FieldTokenID       = "token_id"
	FieldEventID       = "event_id"
	FieldEventType     = "event_type"
	FieldAggregateID   = "aggregate_id"
	FieldSequence      = "sequence"
	FieldTopic         = "topic"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Instance returns a slog attribute for a service instance id.
func Instance(id string) slog.Attr {
	return slog.String(FieldInstance, id)
}

// Subject returns a slog attribute for the authenticated subject.
func Subject(id string) slog.Attr {
	return slog.String(FieldSubject, id)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Route returns a slog attribute for the matched gateway route.
func Route(name string) slog.Attr {
	return slog.String(FieldRoute, name)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// TokenID returns a slog attribute for a token ID.
func TokenID(id string) slog.Attr {
	return slog.String(FieldTokenID, id)
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// EventType returns a slog attribute for an event type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// AggregateID returns a slog attribute for an aggregate id.
func AggregateID(id string) slog.Attr {
	return slog.String(FieldAggregateID, id)
}

// Sequence returns a slog attribute for a per-aggregate event sequence.
func Sequence(seq uint64) slog.Attr {
	return slog.Uint64(FieldSequence, seq)
}

// Topic returns a slog attribute for an event bus topic.
func Topic(topic string) slog.Attr {
	return slog.String(FieldTopic, topic)
}
