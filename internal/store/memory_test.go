package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"movara.org/internal/approval"
	"movara.org/internal/grant"
	"movara.org/internal/mfa"
	"movara.org/internal/session"
)

func TestSessionConditionalUpdate(t *testing.T) {
	mem := NewMemory()
	sess := &session.Session{ID: "sess-1", PrincipalID: "user-1"}
	if err := mem.Sessions().Create(context.Background(), sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Version != 1 {
		t.Fatalf("version after create = %d, want 1", sess.Version)
	}
	if err := mem.Sessions().Create(context.Background(), &session.Session{ID: "sess-1"}); !errors.Is(err, session.ErrConflict) {
		t.Fatalf("duplicate create: %v, want ErrConflict", err)
	}

	// Two readers race; the second writer loses on version.
	a, err := mem.Sessions().Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, err := mem.Sessions().Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	a.IP = "10.0.0.1"
	if err := mem.Sessions().Update(context.Background(), a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != 2 {
		t.Fatalf("version after update = %d, want 2", a.Version)
	}
	b.IP = "10.0.0.2"
	if err := mem.Sessions().Update(context.Background(), b); !errors.Is(err, session.ErrConflict) {
		t.Fatalf("stale update: %v, want ErrConflict", err)
	}

	stored, err := mem.Sessions().Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if stored.IP != "10.0.0.1" {
		t.Fatalf("ip = %s, want the winner's write", stored.IP)
	}
}

func TestChallengeConsumeFlipsOnce(t *testing.T) {
	mem := NewMemory()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ch := &mfa.Challenge{
		ID:          "ch-1",
		PrincipalID: "user-1",
		SessionID:   "sess-1",
		Method:      mfa.MethodTOTP,
		Status:      mfa.StatusIssued,
		IssuedAt:    now,
		ExpiresAt:   now.Add(2 * time.Minute),
	}
	if err := mem.Challenges().Create(context.Background(), ch); err != nil {
		t.Fatalf("create: %v", err)
	}

	consumed, err := mem.Challenges().Consume(context.Background(), "ch-1", now)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !consumed.Consumed || consumed.Status != mfa.StatusVerified || consumed.VerifiedAt == nil {
		t.Fatalf("consumed challenge = %+v", consumed)
	}
	if _, err := mem.Challenges().Consume(context.Background(), "ch-1", now); !errors.Is(err, mfa.ErrChallengeConsumed) {
		t.Fatalf("second consume: %v, want ErrChallengeConsumed", err)
	}

	// A non-issued challenge cannot be consumed.
	failed := &mfa.Challenge{ID: "ch-2", PrincipalID: "user-1", SessionID: "sess-1", Status: mfa.StatusFailed, IssuedAt: now, ExpiresAt: now}
	if err := mem.Challenges().Create(context.Background(), failed); err != nil {
		t.Fatalf("create failed challenge: %v", err)
	}
	if _, err := mem.Challenges().Consume(context.Background(), "ch-2", now); !errors.Is(err, mfa.ErrConflict) {
		t.Fatalf("consume failed challenge: %v, want ErrConflict", err)
	}
}

func TestRecentFailuresWindowAndSuccessDiscount(t *testing.T) {
	mem := NewMemory()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(verified time.Time) *time.Time { return &verified }

	seed := []*mfa.Challenge{
		{ID: "ch-old", PrincipalID: "user-1", SessionID: "s", Status: mfa.StatusFailed, Attempts: 5, IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now},
		{ID: "ch-fail", PrincipalID: "user-1", SessionID: "s", Status: mfa.StatusExpired, Attempts: 2, IssuedAt: now.Add(-10 * time.Minute), ExpiresAt: now},
		{ID: "ch-ok", PrincipalID: "user-1", SessionID: "s", Status: mfa.StatusVerified, Attempts: 3, Consumed: true, VerifiedAt: at(now), IssuedAt: now.Add(-5 * time.Minute), ExpiresAt: now},
		{ID: "ch-other", PrincipalID: "user-2", SessionID: "s", Status: mfa.StatusFailed, Attempts: 4, IssuedAt: now, ExpiresAt: now},
	}
	for _, ch := range seed {
		if err := mem.Challenges().Create(context.Background(), ch); err != nil {
			t.Fatalf("create %s: %v", ch.ID, err)
		}
	}

	// Inside the window: 2 expired attempts plus 3-1 on the verified one.
	n, err := mem.Challenges().RecentFailures(context.Background(), "user-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("recent failures: %v", err)
	}
	if n != 4 {
		t.Fatalf("recent failures = %d, want 4", n)
	}
}

func TestAddResponseGuards(t *testing.T) {
	mem := NewMemory()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	req := &approval.Request{
		ID:                "req-1",
		Action:            "access.request",
		RequesterID:       "drv-3",
		Status:            approval.StatusPending,
		RequiredApprovers: 2,
		CreatedAt:         now,
		ExpiresAt:         now.Add(24 * time.Hour),
	}
	if err := mem.Approvals().CreateRequest(context.Background(), req); err != nil {
		t.Fatalf("create: %v", err)
	}

	resp := approval.Response{RequestID: "req-1", ApproverID: "sec-1", Decision: approval.DecisionApprove, At: now}
	updated, err := mem.Approvals().AddResponse(context.Background(), "req-1", 1, resp, approval.StatusPending, 1, nil)
	if err != nil {
		t.Fatalf("add response: %v", err)
	}
	if updated.Version != 2 || updated.CurrentApprovals != 1 {
		t.Fatalf("updated = version %d approvals %d", updated.Version, updated.CurrentApprovals)
	}

	// Stale version loses.
	resp2 := approval.Response{RequestID: "req-1", ApproverID: "sec-2", Decision: approval.DecisionApprove, At: now}
	if _, err := mem.Approvals().AddResponse(context.Background(), "req-1", 1, resp2, approval.StatusApproved, 2, nil); !errors.Is(err, approval.ErrVersionConflict) {
		t.Fatalf("stale version: %v, want ErrVersionConflict", err)
	}
	// Same approver is rejected before the version check.
	if _, err := mem.Approvals().AddResponse(context.Background(), "req-1", 1, resp, approval.StatusApproved, 2, nil); !errors.Is(err, approval.ErrDuplicateResponse) {
		t.Fatalf("duplicate approver: %v, want ErrDuplicateResponse", err)
	}

	// The closing response carries the staged grant in the same write.
	staged := &grant.Token{
		ID:          "tok-1",
		RequestID:   "req-1",
		PrincipalID: "drv-3",
		Permissions: []string{"rider.refund"},
		GrantedAt:   now,
		ExpiresAt:   now.Add(4 * time.Hour),
	}
	closed, err := mem.Approvals().AddResponse(context.Background(), "req-1", 2, resp2, approval.StatusApproved, 2, staged)
	if err != nil {
		t.Fatalf("closing response: %v", err)
	}
	if closed.Status != approval.StatusApproved {
		t.Fatalf("status = %s, want approved", closed.Status)
	}
	if _, err := mem.Grants().Get(context.Background(), "tok-1"); err != nil {
		t.Fatalf("staged grant missing: %v", err)
	}

	// Terminal requests accept nothing further.
	resp3 := approval.Response{RequestID: "req-1", ApproverID: "sec-3", Decision: approval.DecisionApprove, At: now}
	if _, err := mem.Approvals().AddResponse(context.Background(), "req-1", 3, resp3, approval.StatusApproved, 3, nil); !errors.Is(err, approval.ErrAlreadyTerminal) {
		t.Fatalf("terminal: %v, want ErrAlreadyTerminal", err)
	}
}

func TestGrantSingleTokenPerRequest(t *testing.T) {
	mem := NewMemory()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tok := &grant.Token{ID: "tok-1", RequestID: "req-1", PrincipalID: "drv-3", Permissions: []string{"rider.refund"}, GrantedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := mem.Grants().Create(context.Background(), tok); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := &grant.Token{ID: "tok-2", RequestID: "req-1", PrincipalID: "drv-3", GrantedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := mem.Grants().Create(context.Background(), second); !errors.Is(err, grant.ErrConflict) {
		t.Fatalf("second token for request: %v, want ErrConflict", err)
	}

	got, err := mem.Grants().ByRequest(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("by request: %v", err)
	}
	if got.ID != "tok-1" {
		t.Fatalf("by request = %s, want tok-1", got.ID)
	}
}

func TestActiveForPrefersLongestLived(t *testing.T) {
	mem := NewMemory()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	seed := []*grant.Token{
		{ID: "short", RequestID: "r1", PrincipalID: "drv-3", Permissions: []string{"rider.refund"}, GrantedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "long", RequestID: "r2", PrincipalID: "drv-3", Permissions: []string{"rider.refund"}, GrantedAt: now, ExpiresAt: now.Add(3 * time.Hour)},
		{ID: "revoked", RequestID: "r3", PrincipalID: "drv-3", Permissions: []string{"rider.refund"}, Revoked: true, GrantedAt: now, ExpiresAt: now.Add(5 * time.Hour)},
		{ID: "expired", RequestID: "r4", PrincipalID: "drv-3", Permissions: []string{"rider.refund"}, GrantedAt: now.Add(-2 * time.Hour), ExpiresAt: now},
	}
	for _, tok := range seed {
		if err := mem.Grants().Create(context.Background(), tok); err != nil {
			t.Fatalf("create %s: %v", tok.ID, err)
		}
	}

	got, err := mem.Grants().ActiveFor(context.Background(), "drv-3", "rider.refund", now)
	if err != nil {
		t.Fatalf("active for: %v", err)
	}
	if got.ID != "long" {
		t.Fatalf("active = %s, want the longest-lived live token", got.ID)
	}
}

func TestClonesInsulateCallers(t *testing.T) {
	mem := NewMemory()
	sess := &session.Session{ID: "sess-1", PrincipalID: "user-1", Alerts: []string{"ip_change"}}
	if err := mem.Sessions().Create(context.Background(), sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := mem.Sessions().Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Alerts[0] = "mutated"
	got.PrincipalID = "someone-else"

	again, err := mem.Sessions().Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if again.Alerts[0] != "ip_change" || again.PrincipalID != "user-1" {
		t.Fatalf("stored copy mutated through a read: %+v", again)
	}
}
