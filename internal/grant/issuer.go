package grant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Issuer mints and validates temporary access tokens.
type Issuer struct {
	store Store
	now   func() time.Time
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer.
func NewIssuer(store Store, opts ...IssuerOption) (*Issuer, error) {
	if store == nil {
		return nil, errors.New("grant: store is required")
	}
	i := &Issuer{store: store, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Stage builds an unpersisted token for the approved request. The
// expiry is exactly grant time plus the workflow TTL, never rounded or
// extended. The approval engine writes the staged row inside the same
// storage transaction that closes the quorum.
func (i *Issuer) Stage(requestID, principalID, grantedBy string, permissions []string, ttl time.Duration) (*Token, error) {
	requestID = strings.TrimSpace(requestID)
	principalID = strings.TrimSpace(principalID)
	if requestID == "" || principalID == "" {
		return nil, fmt.Errorf("%w: request and principal ids are required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidInput)
	}
	if len(permissions) == 0 {
		return nil, fmt.Errorf("%w: a grant needs at least one permission", ErrInvalidInput)
	}
	now := i.now().UTC()
	return &Token{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		RequestID:   requestID,
		GrantedBy:   grantedBy,
		Permissions: append([]string(nil), permissions...),
		GrantedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// Mint stages and persists a token in one step, for callers outside the
// approval transaction.
func (i *Issuer) Mint(ctx context.Context, requestID, principalID, grantedBy string, permissions []string, ttl time.Duration) (*Token, error) {
	tok, err := i.Stage(requestID, principalID, grantedBy, permissions, ttl)
	if err != nil {
		return nil, err
	}
	if err := i.store.Create(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// Validate checks a token at evaluation time: a revoked flag
// short-circuits, otherwise validity is the pure comparison
// now < expires_at.
func (i *Issuer) Validate(ctx context.Context, id string) (*Token, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: token id is required", ErrInvalidInput)
	}
	tok, err := i.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tok.Revoked {
		return nil, ErrRevoked
	}
	if !i.now().UTC().Before(tok.ExpiresAt) {
		return nil, ErrExpired
	}
	return tok, nil
}

// Revoke marks the token revoked. Revoking a token twice conflicts.
func (i *Issuer) Revoke(ctx context.Context, id string) (*Token, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: token id is required", ErrInvalidInput)
	}
	return i.store.Revoke(ctx, id)
}

// ActiveFor looks up a live token covering the permission for the
// principal. Used by the evaluator before routing an action into the
// approval workflow again.
func (i *Issuer) ActiveFor(ctx context.Context, principalID, permission string) (*Token, error) {
	principalID = strings.TrimSpace(principalID)
	permission = strings.TrimSpace(permission)
	if principalID == "" || permission == "" {
		return nil, fmt.Errorf("%w: principal id and permission are required", ErrInvalidInput)
	}
	return i.store.ActiveFor(ctx, principalID, permission, i.now().UTC())
}

// Get returns the token by id without validity checks.
func (i *Issuer) Get(ctx context.Context, id string) (*Token, error) {
	return i.store.Get(ctx, id)
}

// ByRequest returns the token minted for an approved request, if any.
func (i *Issuer) ByRequest(ctx context.Context, requestID string) (*Token, error) {
	return i.store.ByRequest(ctx, requestID)
}
