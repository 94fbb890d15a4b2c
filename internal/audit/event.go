package audit

import (
	"context"
	"strings"
	"time"
)

// Severity classifies how urgently an event must reach the trail.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Outcome records how the audited operation ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeWarning Outcome = "warning"
)

// Risk carries the computed risk attached to a decision event.
type Risk struct {
	Score   int      `json:"score"`
	Factors []string `json:"factors,omitempty"`
}

// Event is a single append-only audit record. Events are never updated
// or deleted once written.
type Event struct {
	ID       string         `json:"id"`
	At       time.Time      `json:"at"`
	Type     string         `json:"type"`
	Severity Severity       `json:"severity"`
	Outcome  Outcome        `json:"outcome"`
	ActorID  string         `json:"actor_id,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Risk     *Risk          `json:"risk,omitempty"`
}

// Store persists batches of events. Implementations must treat the log
// as append-only.
type Store interface {
	Append(ctx context.Context, events []Event) error
}

// Notifier forwards critical events to an external paging/chat channel.
// Only the capability is required here, not the channel itself.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorIDKey   ctxKey = "audit_actor_id"
)

// WithRequestID attaches the request identifier to the context for audit enrichment.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithActor attaches the acting principal id to the context.
func WithActor(ctx context.Context, actorID string) context.Context {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorIDKey, actorID)
}

// ActorFromContext extracts the acting principal id from context if present.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(actorIDKey).(string); ok {
		return v
	}
	return ""
}
