package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"movara.org/internal/session"
	"movara.org/internal/store"
)

func seedSession(t *testing.T, mem *store.Memory, now time.Time) *session.Session {
	t.Helper()
	sess := &session.Session{
		ID:          "sess-1",
		PrincipalID: "user-1",
		IP:          "10.0.0.1",
		UserAgent:   "movara-app/3.2",
		CreatedAt:   now.Add(-time.Hour),
		LastSeenAt:  now.Add(-time.Minute),
	}
	if err := mem.Sessions().Create(context.Background(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return sess
}

func TestValidateCleanRequestBumpsLastSeen(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	seedSession(t, mem, now)

	v, err := session.NewValidator(mem.Sessions(), nil, session.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	sess, alerts, err := v.Validate(context.Background(), "sess-1", session.Context{
		IP:        "10.0.0.1",
		UserAgent: "movara-app/3.2",
		At:        now,
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("alerts = %v, want none", alerts)
	}
	if !sess.LastSeenAt.Equal(now) {
		t.Fatalf("last seen = %v, want %v", sess.LastSeenAt, now)
	}

	stored, err := mem.Sessions().Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("re-read session: %v", err)
	}
	if !stored.LastSeenAt.Equal(now) {
		t.Fatalf("stored last seen = %v, want %v", stored.LastSeenAt, now)
	}
}

func TestValidateFlagsIPAndUserAgentDrift(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	seedSession(t, mem, now)

	v, err := session.NewValidator(mem.Sessions(), nil, session.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	sess, alerts, err := v.Validate(context.Background(), "sess-1", session.Context{
		IP:        "203.0.113.9",
		UserAgent: "curl/8.5",
		At:        now,
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := kinds(alerts); len(got) != 2 || got[0] != "ip_change" || got[1] != "user_agent_change" {
		t.Fatalf("alert kinds = %v, want [ip_change user_agent_change]", got)
	}
	// Drift is written back: the new values become the baseline.
	if sess.IP != "203.0.113.9" || sess.UserAgent != "curl/8.5" {
		t.Fatalf("session not rebased: ip=%s ua=%s", sess.IP, sess.UserAgent)
	}

	stored, err := mem.Sessions().Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("re-read session: %v", err)
	}
	if len(stored.Alerts) != 2 {
		t.Fatalf("stored alerts = %v, want two kinds", stored.Alerts)
	}

	// A second drift of the same kind does not duplicate the stored flag.
	if _, _, err := v.Validate(context.Background(), "sess-1", session.Context{IP: "198.51.100.4", At: now}); err != nil {
		t.Fatalf("second validate: %v", err)
	}
	stored, err = mem.Sessions().Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("re-read session: %v", err)
	}
	if len(stored.Alerts) != 2 {
		t.Fatalf("stored alerts after repeat = %v, want no duplicates", stored.Alerts)
	}
}

func TestValidateStaleSession(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	sess := &session.Session{
		ID:          "sess-1",
		PrincipalID: "user-1",
		IP:          "10.0.0.1",
		UserAgent:   "movara-app/3.2",
		CreatedAt:   now.Add(-3 * time.Hour),
		LastSeenAt:  now.Add(-2 * time.Hour),
	}
	if err := mem.Sessions().Create(context.Background(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	v, err := session.NewValidator(mem.Sessions(), nil,
		session.WithClock(func() time.Time { return now }),
		session.WithMaxIdle(30*time.Minute))
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	_, alerts, err := v.Validate(context.Background(), "sess-1", session.Context{
		IP:        "10.0.0.1",
		UserAgent: "movara-app/3.2",
		At:        now,
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := kinds(alerts); len(got) != 1 || got[0] != "stale_session" {
		t.Fatalf("alert kinds = %v, want [stale_session]", got)
	}
}

func TestValidateUnknownSession(t *testing.T) {
	mem := store.NewMemory()
	v, err := session.NewValidator(mem.Sessions(), nil)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	if _, _, err := v.Validate(context.Background(), "nope", session.Context{}); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("validate unknown: %v, want ErrNotFound", err)
	}
	if _, _, err := v.Validate(context.Background(), "  ", session.Context{}); !errors.Is(err, session.ErrInvalidInput) {
		t.Fatalf("validate blank id: %v, want ErrInvalidInput", err)
	}
}

func TestRecordRiskPersistsScore(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	seedSession(t, mem, now)

	v, err := session.NewValidator(mem.Sessions(), nil)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	if err := v.RecordRisk(context.Background(), "sess-1", 42); err != nil {
		t.Fatalf("record risk: %v", err)
	}
	stored, err := mem.Sessions().Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("re-read session: %v", err)
	}
	if stored.RiskScore != 42 {
		t.Fatalf("risk score = %d, want 42", stored.RiskScore)
	}

	// Writing the same score again is a no-op, not a version bump.
	before := stored.Version
	if err := v.RecordRisk(context.Background(), "sess-1", 42); err != nil {
		t.Fatalf("record same risk: %v", err)
	}
	stored, _ = mem.Sessions().Get(context.Background(), "sess-1")
	if stored.Version != before {
		t.Fatalf("version = %d, want %d unchanged", stored.Version, before)
	}

	if err := v.RecordRisk(context.Background(), " ", 10); !errors.Is(err, session.ErrInvalidInput) {
		t.Fatalf("blank id: %v, want ErrInvalidInput", err)
	}
	if err := v.RecordRisk(context.Background(), "nope", 10); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("unknown id: %v, want ErrNotFound", err)
	}
}

func kinds(alerts []session.Alert) []string {
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Kind)
	}
	return out
}
