// Package alert defines the AlertSink contract background loops and
// per-user monitors report failures to (§7: "posts to the alert sink,
// rich block format if it is an alert-aware exception, plain
// otherwise"). Slack/Sentry transport is explicitly out of scope per
// spec.md §1; this package ships only the contract and a logging-only
// default adapter, grounded on the teacher's zap.Logger.With(...)
// structured-context idiom used throughout internal/service/workspace.
package alert

import (
	"context"

	"go.uber.org/zap"
)

// Severity classifies how urgently an alert needs human attention.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Sink posts an alert with structured context. Implementations must
// not block the caller indefinitely; a failing alert transport must
// never itself fail the operation that triggered the alert.
type Sink interface {
	Post(ctx context.Context, severity Severity, op, message string, fields map[string]any) error
}

// BlockFormatter is implemented by errors that carry enough structure
// to render a rich alert (e.g. Slack block-kit) rather than plain
// text. No error type in this repository implements it, so Report
// posts every error raised here as plain text.
type BlockFormatter interface {
	error
	AlertBlocks() map[string]any
}

// LoggingSink is the default Sink: it logs every alert at the
// appropriate level and never fails. Real deployments wire in a Slack
// or Sentry transport at the composition root; this package does not
// implement one (§1 scope boundary).
type LoggingSink struct {
	logger *zap.Logger
}

// NewLoggingSink builds a LoggingSink.
func NewLoggingSink(logger *zap.Logger) *LoggingSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingSink{logger: logger}
}

func (s *LoggingSink) Post(_ context.Context, severity Severity, op, message string, fields map[string]any) error {
	zapFields := make([]zap.Field, 0, len(fields)+1)
	zapFields = append(zapFields, zap.String("op", op))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	switch severity {
	case SeverityError:
		s.logger.Error("alert: "+message, zapFields...)
	default:
		s.logger.Warn("alert: "+message, zapFields...)
	}
	return nil
}

// Report posts err to sink, using its AlertBlocks if it implements
// BlockFormatter and plain text otherwise. Callers use this from
// background loops and per-user monitors alike (§7 propagation
// policy).
func Report(ctx context.Context, sink Sink, severity Severity, op string, err error) {
	if sink == nil || err == nil {
		return
	}
	fields := map[string]any{"error": err.Error()}
	if bf, ok := err.(BlockFormatter); ok {
		fields["blocks"] = bf.AlertBlocks()
	}
	_ = sink.Post(ctx, severity, op, err.Error(), fields)
}
