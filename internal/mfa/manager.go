package mfa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"movara.org/internal/audit"
	"movara.org/internal/obs"
)

const (
	defaultTTL         = 5 * time.Minute
	defaultMaxAttempts = 5
	// defaultFreshness bounds how long a consumed challenge satisfies
	// later sensitivity checks on the same session.
	defaultFreshness = 15 * time.Minute
)

var defaultMethodTTLs = map[Method]time.Duration{
	MethodTOTP:  2 * time.Minute,
	MethodSMS:   5 * time.Minute,
	MethodEmail: 10 * time.Minute,
	MethodPush:  3 * time.Minute,
}

// Manager issues, tracks and consumes step-up challenges.
type Manager struct {
	store       Store
	sink        *audit.Sink
	ttls        map[Method]time.Duration
	maxAttempts int
	freshness   time.Duration
	now         func() time.Time
}

// ManagerOption configures Manager behavior.
type ManagerOption func(*Manager)

// WithMethodTTL overrides the issuance TTL for one method.
func WithMethodTTL(method Method, ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttls[method] = ttl
		}
	}
}

// WithMaxAttempts overrides the per-challenge attempt bound.
func WithMaxAttempts(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithFreshness overrides how long a verification satisfies later checks.
func WithFreshness(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.freshness = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager.
func NewManager(store Store, sink *audit.Sink, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("mfa: store is required")
	}
	m := &Manager{
		store:       store,
		sink:        sink,
		ttls:        map[Method]time.Duration{},
		maxAttempts: defaultMaxAttempts,
		freshness:   defaultFreshness,
		now:         time.Now,
	}
	for method, ttl := range defaultMethodTTLs {
		m.ttls[method] = ttl
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue creates a fresh challenge and returns it together with the
// plaintext code destined for the delivery channel. Only the hash is
// stored.
func (m *Manager) Issue(ctx context.Context, principalID, sessionID string, method Method) (*Challenge, string, error) {
	principalID = strings.TrimSpace(principalID)
	sessionID = strings.TrimSpace(sessionID)
	if principalID == "" || sessionID == "" {
		return nil, "", fmt.Errorf("%w: principal and session ids are required", ErrInvalidInput)
	}
	if method == "" {
		method = MethodTOTP
	}
	ttl, ok := m.ttls[method]
	if !ok {
		ttl = defaultTTL
	}

	code, err := generateCode()
	if err != nil {
		return nil, "", err
	}
	hash, err := hashCode(code)
	if err != nil {
		return nil, "", err
	}

	now := m.now().UTC()
	ch := &Challenge{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		SessionID:   sessionID,
		Method:      method,
		CodeHash:    hash,
		Status:      StatusIssued,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := m.store.Create(ctx, ch); err != nil {
		return nil, "", err
	}

	if m.sink != nil {
		_ = m.sink.Record(ctx, audit.Event{
			Type:     "mfa.challenge.issued",
			Severity: audit.SeverityLow,
			Outcome:  audit.OutcomeSuccess,
			ActorID:  principalID,
			Details: map[string]any{
				"challenge_id": ch.ID,
				"session_id":   sessionID,
				"method":       string(method),
				"expires_at":   ch.ExpiresAt.Format(time.RFC3339),
			},
		})
	}
	return ch, code, nil
}

// Verify consumes a challenge. The first successful verification flips
// consumed exactly once; later attempts on the same id fail, and
// crossing the attempt bound moves the challenge to FAILED with a
// critical audit event regardless of TTL.
func (m *Manager) Verify(ctx context.Context, id, code string) (*Challenge, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: challenge id and code are required", ErrInvalidInput)
	}
	ch, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.Consumed || ch.Status == StatusVerified {
		obs.CountMFAVerification("already_consumed")
		return nil, ErrChallengeConsumed
	}
	if ch.Status == StatusFailed {
		obs.CountMFAVerification("locked")
		return nil, ErrChallengeFailed
	}

	now := m.now().UTC()

	// Attempts are counted before the expiry check: the lockout fires
	// independent of whether the TTL has lapsed.
	ch.Attempts++
	if ch.Attempts > m.maxAttempts {
		ch.Status = StatusFailed
		if err := m.store.Update(ctx, ch); err != nil {
			return nil, err
		}
		obs.CountMFAVerification("locked")
		m.recordLockout(ctx, ch)
		return nil, ErrTooManyAttempts
	}
	if err := m.store.Update(ctx, ch); err != nil {
		return nil, err
	}

	if now.After(ch.ExpiresAt) {
		// Leave consumed=false; the expired status is written back so
		// later reads see the terminal state.
		ch.Status = StatusExpired
		_ = m.store.Update(ctx, ch)
		obs.CountMFAVerification("expired")
		m.recordVerify(ctx, ch, audit.OutcomeFailure, "expired")
		return nil, ErrChallengeExpired
	}

	if err := verifyCode(ch.CodeHash, code); err != nil {
		if ch.Attempts >= m.maxAttempts {
			ch.Status = StatusFailed
			if uerr := m.store.Update(ctx, ch); uerr != nil {
				return nil, uerr
			}
			obs.CountMFAVerification("locked")
			m.recordLockout(ctx, ch)
			return nil, ErrTooManyAttempts
		}
		obs.CountMFAVerification("mismatch")
		m.recordVerify(ctx, ch, audit.OutcomeFailure, "code_mismatch")
		return nil, ErrCodeMismatch
	}

	consumed, err := m.store.Consume(ctx, id, now)
	if err != nil {
		if errors.Is(err, ErrChallengeConsumed) {
			obs.CountMFAVerification("already_consumed")
		}
		return nil, err
	}
	obs.CountMFAVerification("verified")
	m.recordVerify(ctx, consumed, audit.OutcomeSuccess, "verified")
	return consumed, nil
}

// RecentlyVerified reports whether the session holds a fresh consumed
// verification. The evaluator re-derives this from storage on every
// sensitive evaluation; client-supplied flags are never trusted.
func (m *Manager) RecentlyVerified(ctx context.Context, sessionID string) (bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return false, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	since := m.now().UTC().Add(-m.freshness)
	_, err := m.store.LatestVerified(ctx, sessionID, since)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentFailures counts failed attempts for the principal in the last hour.
func (m *Manager) RecentFailures(ctx context.Context, principalID string) (int, error) {
	return m.store.RecentFailures(ctx, principalID, m.now().UTC().Add(-time.Hour))
}

func (m *Manager) recordVerify(ctx context.Context, ch *Challenge, outcome audit.Outcome, result string) {
	if m.sink == nil {
		return
	}
	severity := audit.SeverityLow
	if outcome == audit.OutcomeFailure {
		severity = audit.SeverityMedium
	}
	_ = m.sink.Record(ctx, audit.Event{
		Type:     "mfa.challenge.verify",
		Severity: severity,
		Outcome:  outcome,
		ActorID:  ch.PrincipalID,
		Details: map[string]any{
			"challenge_id": ch.ID,
			"session_id":   ch.SessionID,
			"method":       string(ch.Method),
			"result":       result,
			"attempts":     ch.Attempts,
		},
	})
}

// recordLockout emits the credential-stuffing signal. Critical severity
// forces a synchronous flush with notifier fallback.
func (m *Manager) recordLockout(ctx context.Context, ch *Challenge) {
	if m.sink == nil {
		return
	}
	_ = m.sink.Record(ctx, audit.Event{
		Type:     "mfa.challenge.lockout",
		Severity: audit.SeverityCritical,
		Outcome:  audit.OutcomeFailure,
		ActorID:  ch.PrincipalID,
		Details: map[string]any{
			"challenge_id": ch.ID,
			"session_id":   ch.SessionID,
			"method":       string(ch.Method),
			"attempts":     ch.Attempts,
		},
	})
}
