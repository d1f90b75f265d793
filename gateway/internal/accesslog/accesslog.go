// Package accesslog records one entry per gateway request.
package accesslog

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/telhawk-systems/backbone/common/logging"
)

// Outcomes of a gateway request.
const (
	OutcomeForwarded = "forwarded"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
)

// Entry is one access log record.
type Entry struct {
	Time          time.Time `json:"@timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Subject       string    `json:"subject,omitempty"`
	Route         string    `json:"route,omitempty"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	Status        int       `json:"status"`
	Outcome       string    `json:"outcome"`
	LatencyMS     int64     `json:"latency_ms"`
	Upstream      string    `json:"upstream,omitempty"`
	Attempts      int       `json:"attempts"`
	ClientIP      string    `json:"client_ip,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Sink receives access log entries. Write must not block the request.
type Sink interface {
	Write(ctx context.Context, e Entry)
}

// Multi fans an entry out to several sinks.
type Multi []Sink

func (m Multi) Write(ctx context.Context, e Entry) {
	for _, s := range m {
		s.Write(ctx, e)
	}
}

// LogSink writes entries through the structured logger.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(ctx context.Context, e Entry) {
	attrs := []any{
		logging.Route(e.Route),
		logging.Method(e.Method),
		logging.Path(e.Path),
		logging.Status(e.Status),
		slog.String("outcome", e.Outcome),
		slog.Int64("duration_ms", e.LatencyMS),
		slog.Int("attempts", e.Attempts),
	}
	if e.Subject != "" {
		attrs = append(attrs, logging.Subject(e.Subject))
	}
	if e.Upstream != "" {
		attrs = append(attrs, slog.String("upstream", e.Upstream))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	switch {
	case e.Status >= http.StatusInternalServerError:
		s.logger.ErrorContext(ctx, "gateway request", attrs...)
	case e.Outcome == OutcomeRejected:
		s.logger.WarnContext(ctx, "gateway request", attrs...)
	default:
		s.logger.InfoContext(ctx, "gateway request", attrs...)
	}
}
