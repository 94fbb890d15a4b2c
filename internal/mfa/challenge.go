package mfa

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("mfa: challenge not found")
	ErrInvalidInput = errors.New("mfa: invalid input")
	ErrConflict     = errors.New("mfa: conflict")

	// ErrChallengeConsumed is returned for any verification attempt on a
	// challenge that has already been verified once.
	ErrChallengeConsumed = errors.New("mfa: challenge already consumed")
	// ErrChallengeExpired is returned when the TTL lapsed before a
	// successful verification. The challenge stays unconsumed.
	ErrChallengeExpired = errors.New("mfa: challenge expired")
	// ErrChallengeFailed is returned once the max-attempt lockout fired.
	ErrChallengeFailed = errors.New("mfa: challenge failed")
	// ErrCodeMismatch is returned for a wrong code below the lockout bound.
	ErrCodeMismatch = errors.New("mfa: code mismatch")
	// ErrTooManyAttempts marks the attempt that crossed the lockout bound.
	ErrTooManyAttempts = errors.New("mfa: too many attempts")
)

// Method identifies how the step-up code reaches the principal.
type Method string

const (
	MethodTOTP  Method = "totp"
	MethodSMS   Method = "sms"
	MethodEmail Method = "email"
	MethodPush  Method = "push"
)

// Status tracks the challenge state machine:
// issued -> verified | expired | failed.
type Status string

const (
	StatusIssued   Status = "issued"
	StatusVerified Status = "verified"
	StatusExpired  Status = "expired"
	StatusFailed   Status = "failed"
)

// Challenge is a single-use step-up verification bound to a principal
// and the session that triggered it.
type Challenge struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principal_id"`
	SessionID   string     `json:"session_id"`
	Method      Method     `json:"method"`
	CodeHash    string     `json:"-"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	Consumed    bool       `json:"consumed"`
	Version     int        `json:"-"`
}

// Store persists challenges. Update is conditional on the version the
// caller observed; Consume is the atomic single-use flip.
type Store interface {
	Create(ctx context.Context, ch *Challenge) error
	Get(ctx context.Context, id string) (*Challenge, error)
	Update(ctx context.Context, ch *Challenge) error
	// Consume flips consumed=true exactly once, guarded by
	// consumed=false and status=issued. A second call returns
	// ErrChallengeConsumed.
	Consume(ctx context.Context, id string, verifiedAt time.Time) (*Challenge, error)
	// RecentFailures counts failed verification attempts for the
	// principal since the given time; the risk scorer feeds on it.
	RecentFailures(ctx context.Context, principalID string, since time.Time) (int, error)
	// LatestVerified returns the most recent consumed challenge for a
	// session verified after the given time, or ErrNotFound.
	LatestVerified(ctx context.Context, sessionID string, since time.Time) (*Challenge, error)
}
