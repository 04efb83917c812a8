package audit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit log.
type EventType string

const (
	EventCampaignCreated   EventType = "CAMPAIGN_CREATED"
	EventJobCancelled      EventType = "JOB_CANCELLED"
	EventCampaignCancelled EventType = "CAMPAIGN_CANCELLED"
	EventHistoryDeleted    EventType = "HISTORY_DELETED"
	EventAccountDeleted    EventType = "ACCOUNT_DELETED"
	EventPlanChanged       EventType = "PLAN_CHANGED"
	EventCorruptedField    EventType = "CORRUPTED_FIELD" // ciphertext failed authentication on read
)

// Logger is the contract for the append-only audit trail.
type Logger interface {
	Log(ctx context.Context, actorID uuid.UUID, action EventType, resource string, metadata map[string]string)
}

// JSONLogger writes structured logs with a "log_type" marker so aggregators
// can route the audit trail to a separate index.
type JSONLogger struct {
	logger *slog.Logger
}

func NewJSONLogger() *JSONLogger {
	return NewJSONLoggerTo(os.Stdout)
}

// NewJSONLoggerTo uses its own handler so the format stays fixed regardless
// of the application logger's environment settings.
func NewJSONLoggerTo(w io.Writer) *JSONLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &JSONLogger{logger: slog.New(handler)}
}

func (l *JSONLogger) Log(ctx context.Context, actorID uuid.UUID, action EventType, resource string, metadata map[string]string) {
	fields := []any{
		slog.String("log_type", "AUDIT_TRAIL"),
		slog.String("actor_id", actorID.String()),
		slog.String("action", string(action)),
		slog.String("resource", resource),
		slog.Time("timestamp_utc", time.Now().UTC()),
	}

	// Flatten metadata
	for k, v := range metadata {
		fields = append(fields, slog.String("meta_"+k, v))
	}

	l.logger.InfoContext(ctx, "audit_event", fields...)
}

// NopLogger discards events. Used in tests.
type NopLogger struct{}

func (NopLogger) Log(context.Context, uuid.UUID, EventType, string, map[string]string) {}
