package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("session: not found")
	ErrInvalidInput = errors.New("session: invalid input")
	ErrConflict     = errors.New("session: conflict")
)

// Session is the explicit per-login entity every authenticated request
// must carry. There is no implicit "no session" fallback: requests
// without one are rejected at the HTTP layer.
type Session struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	IP          string    `json:"ip"`
	UserAgent   string    `json:"user_agent"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	RiskScore   int       `json:"risk_score"`
	Alerts      []string  `json:"alerts,omitempty"`
	Version     int       `json:"-"`
}

// Store persists sessions. Update is conditional on the version the
// caller observed.
type Store interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, id string) error
}
