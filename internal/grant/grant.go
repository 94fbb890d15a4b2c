package grant

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("grant: not found")
	ErrInvalidInput = errors.New("grant: invalid input")
	ErrConflict     = errors.New("grant: conflict")

	// ErrExpired is returned when validation happens past expires_at.
	ErrExpired = errors.New("grant: token expired")
	// ErrRevoked short-circuits validation for explicitly revoked tokens.
	ErrRevoked = errors.New("grant: token revoked")
)

// Token is a time-boxed scoped grant minted from an approved request.
// Tokens are never mutated after creation apart from the revoked flag;
// expiry is enforced by comparison at evaluation time.
type Token struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	RequestID   string    `json:"request_id"`
	GrantedBy   string    `json:"granted_by"`
	Permissions []string  `json:"permissions"`
	GrantedAt   time.Time `json:"granted_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Revoked     bool      `json:"revoked"`
}

// HasPermission reports whether the token covers the permission key.
func (t *Token) HasPermission(key string) bool {
	for _, p := range t.Permissions {
		if p == key {
			return true
		}
	}
	return false
}

// Store persists grants. One grant per request id: Create fails with
// ErrConflict when the request already produced a token, which makes
// re-application of an approved request idempotent.
type Store interface {
	Create(ctx context.Context, tok *Token) error
	Get(ctx context.Context, id string) (*Token, error)
	// Revoke is conditional on revoked=false; revoking twice conflicts.
	Revoke(ctx context.Context, id string) (*Token, error)
	ByRequest(ctx context.Context, requestID string) (*Token, error)
	// ActiveFor returns an unrevoked, unexpired token for the principal
	// covering the permission, or ErrNotFound.
	ActiveFor(ctx context.Context, principalID, permission string, now time.Time) (*Token, error)
}
