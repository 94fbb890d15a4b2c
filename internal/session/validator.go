package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"movara.org/internal/audit"
)

const defaultMaxIdle = 30 * time.Minute

// Alert flags a continuity anomaly on a session. Alerts feed the risk
// scorer; they never deny on their own. Denial is always decided by
// the permission evaluator.
type Alert struct {
	Kind           string `json:"kind"`
	Detail         string `json:"detail"`
	Recommendation string `json:"recommendation"`
}

// Context is the request-side view the validator compares against the
// session's last-seen values.
type Context struct {
	IP        string
	UserAgent string
	At        time.Time
}

// Validator scores session continuity and writes drift alerts back to
// the session row.
type Validator struct {
	store   Store
	sink    *audit.Sink
	maxIdle time.Duration
	now     func() time.Time
}

// ValidatorOption configures Validator behavior.
type ValidatorOption func(*Validator)

// WithMaxIdle overrides the idle gap that raises a stale-session alert.
func WithMaxIdle(d time.Duration) ValidatorOption {
	return func(v *Validator) {
		if d > 0 {
			v.maxIdle = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ValidatorOption {
	return func(v *Validator) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewValidator constructs a Validator.
func NewValidator(store Store, sink *audit.Sink, opts ...ValidatorOption) (*Validator, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	v := &Validator{
		store:   store,
		sink:    sink,
		maxIdle: defaultMaxIdle,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate loads the session, compares it against the current request
// context, records any drift alerts and bumps the last-seen markers.
func (v *Validator) Validate(ctx context.Context, sessionID string, rc Context) (*Session, []Alert, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	sess, err := v.store.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if rc.At.IsZero() {
		rc.At = v.now().UTC()
	}

	var alerts []Alert
	if rc.IP != "" && sess.IP != "" && rc.IP != sess.IP {
		alerts = append(alerts, Alert{
			Kind:           "ip_change",
			Detail:         fmt.Sprintf("session ip %s, request ip %s", sess.IP, rc.IP),
			Recommendation: "force re-authentication",
		})
	}
	if rc.UserAgent != "" && sess.UserAgent != "" && rc.UserAgent != sess.UserAgent {
		alerts = append(alerts, Alert{
			Kind:           "user_agent_change",
			Detail:         "user agent differs from the one seen at login",
			Recommendation: "force re-authentication",
		})
	}
	if gap := rc.At.Sub(sess.LastSeenAt); gap > v.maxIdle {
		alerts = append(alerts, Alert{
			Kind:           "stale_session",
			Detail:         fmt.Sprintf("idle for %s", gap.Round(time.Second)),
			Recommendation: "re-verify with step-up MFA",
		})
	}

	for _, a := range alerts {
		if !containsAlert(sess.Alerts, a.Kind) {
			sess.Alerts = append(sess.Alerts, a.Kind)
		}
	}
	sess.LastSeenAt = rc.At
	if rc.IP != "" {
		sess.IP = rc.IP
	}
	if rc.UserAgent != "" {
		sess.UserAgent = rc.UserAgent
	}
	if err := v.store.Update(ctx, sess); err != nil {
		return nil, nil, err
	}

	if len(alerts) > 0 && v.sink != nil {
		details := map[string]any{
			"session_id": sess.ID,
			"alerts":     alertKinds(alerts),
		}
		_ = v.sink.Record(ctx, audit.Event{
			Type:     "session.continuity_alert",
			Severity: audit.SeverityMedium,
			Outcome:  audit.OutcomeWarning,
			ActorID:  sess.PrincipalID,
			Details:  details,
		})
	}
	return sess, alerts, nil
}

// RecordRisk writes the latest assessment score back onto the session
// row. The conditional update retries when a concurrent request bumped
// the session first.
func (v *Validator) RecordRisk(ctx context.Context, sessionID string, score int) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	for attempt := 0; attempt < 3; attempt++ {
		sess, err := v.store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.RiskScore == score {
			return nil
		}
		sess.RiskScore = score
		err = v.store.Update(ctx, sess)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: concurrent session writers", ErrConflict)
}

func containsAlert(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func alertKinds(alerts []Alert) []string {
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Kind)
	}
	return out
}
