package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/middleware"
)

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// Actions.
const (
	ActionRegister   = "customer.register"
	ActionLogin      = "session.login"
	ActionLogout     = "session.logout"
	ActionDeactivate = "customer.deactivate"
	ActionAuthorize  = "authorize"
)

// Record is one audit entry. Signature covers every other field.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Result    string    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
	SourceIP  string    `json:"source_ip,omitempty"`
	Signature string    `json:"signature,omitempty"`
}

// Logger emits audit records. Without a secret records are logged unsigned.
type Logger struct {
	signer *RecordSigner
	logger *logging.Logger
	now    func() time.Time
}

func NewLogger(secret string, logger *logging.Logger) *Logger {
	if logger == nil {
		logger = logging.Default()
	}
	l := &Logger{logger: logger, now: time.Now}
	if secret != "" {
		l.signer = NewRecordSigner(secret)
	}
	return l
}

// Record logs one entry under msg and returns it.
func (l *Logger) Record(ctx context.Context, msg string, rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	if rec.Actor == "" {
		rec.Actor = middleware.GetSubject(ctx)
	}
	if l.signer != nil {
		rec.Signature = l.signer.Sign(rec)
	}

	level := slog.LevelInfo
	if rec.Result != ResultSuccess {
		level = slog.LevelWarn
	}
	attrs := []any{
		"audit", true,
		"audit_id", rec.ID,
		"actor", rec.Actor,
		"action", rec.Action,
		"resource", rec.Resource,
		"result", rec.Result,
	}
	if rec.Reason != "" {
		attrs = append(attrs, "reason", rec.Reason)
	}
	if rec.SourceIP != "" {
		attrs = append(attrs, "source_ip", rec.SourceIP)
	}
	if rec.Signature != "" {
		attrs = append(attrs, "signature", rec.Signature)
	}
	l.logger.WithContext(ctx).Log(ctx, level, msg, attrs...)
	return rec
}

// Verify checks a record's signature. It is false when the logger has no secret.
func (l *Logger) Verify(rec Record) bool {
	if l.signer == nil {
		return false
	}
	return l.signer.Verify(rec)
}
