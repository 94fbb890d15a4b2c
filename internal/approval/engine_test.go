package approval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"movara.org/internal/approval"
	"movara.org/internal/grant"
	"movara.org/internal/store"
)

var testWorkflows = []approval.Workflow{
	{
		Action:            "access.request",
		RequiredApprovers: 2,
		GrantTTL:          4 * time.Hour,
		GrantPermissions:  []string{"rider.refund"},
	},
	{
		Action:            "driver.suspend",
		RequiredApprovers: 1,
	},
}

type engineFixture struct {
	engine *approval.Engine
	issuer *grant.Issuer
	mem    *store.Memory
	clock  time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		mem:   store.NewMemory(),
		clock: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return f.clock }
	issuer, err := grant.NewIssuer(f.mem.Grants(), grant.WithClock(now))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	f.issuer = issuer
	f.engine, err = approval.NewEngine(f.mem.Approvals(), issuer, nil,
		approval.WithWorkflows(testWorkflows),
		approval.WithClock(now))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return f
}

func (f *engineFixture) submit(t *testing.T, requester string) *approval.Request {
	t.Helper()
	req, created, err := f.engine.Submit(context.Background(), requester, "access.request", approval.Change{
		Kind:    approval.ChangeAccessGrant,
		Payload: map[string]string{"reason": "surge incident"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !created {
		t.Fatal("submit should create a fresh request")
	}
	return req
}

func TestQuorumClosesRequestAndStagesGrant(t *testing.T) {
	f := newEngineFixture(t)
	req := f.submit(t, "drv-3")

	mid, tok, err := f.engine.Approve(context.Background(), req.ID, "sec-1", "")
	if err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if mid.Status != approval.StatusPending || mid.CurrentApprovals != 1 {
		t.Fatalf("after first approve: status=%s approvals=%d", mid.Status, mid.CurrentApprovals)
	}
	if tok != nil {
		t.Fatal("grant must not exist before quorum")
	}

	closed, tok, err := f.engine.Approve(context.Background(), req.ID, "sec-2", "ok")
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if closed.Status != approval.StatusApproved {
		t.Fatalf("status = %s, want approved", closed.Status)
	}
	if tok == nil {
		t.Fatal("quorum close must stage a grant")
	}
	if tok.PrincipalID != "drv-3" || !tok.ExpiresAt.Equal(f.clock.Add(4*time.Hour)) {
		t.Fatalf("grant = %+v, want holder drv-3 expiring four hours out", tok)
	}

	// The grant landed in the same write that closed the request.
	stored, err := f.issuer.ByRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("grant by request: %v", err)
	}
	if stored.ID != tok.ID {
		t.Fatalf("stored grant %s, staged %s", stored.ID, tok.ID)
	}
}

func TestDuplicateApproverRejected(t *testing.T) {
	f := newEngineFixture(t)
	req := f.submit(t, "drv-3")

	if _, _, err := f.engine.Approve(context.Background(), req.ID, "sec-1", ""); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if _, _, err := f.engine.Approve(context.Background(), req.ID, "sec-1", ""); !errors.Is(err, approval.ErrDuplicateResponse) {
		t.Fatalf("repeat approve: %v, want ErrDuplicateResponse", err)
	}
	// An approver who approved cannot flip to reject either.
	if _, err := f.engine.Reject(context.Background(), req.ID, "sec-1", ""); !errors.Is(err, approval.ErrDuplicateResponse) {
		t.Fatalf("approve then reject: %v, want ErrDuplicateResponse", err)
	}
}

func TestSingleRejectionTerminates(t *testing.T) {
	f := newEngineFixture(t)
	req := f.submit(t, "drv-3")

	if _, _, err := f.engine.Approve(context.Background(), req.ID, "sec-1", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	rejected, err := f.engine.Reject(context.Background(), req.ID, "sec-2", "too risky")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != approval.StatusRejected {
		t.Fatalf("status = %s, want rejected", rejected.Status)
	}
	if rejected.CurrentApprovals != 1 {
		t.Fatalf("approvals = %d, want the earlier vote preserved", rejected.CurrentApprovals)
	}
	if _, _, err := f.engine.Approve(context.Background(), req.ID, "sec-3", ""); !errors.Is(err, approval.ErrAlreadyTerminal) {
		t.Fatalf("approve after reject: %v, want ErrAlreadyTerminal", err)
	}
}

func TestCancelRequiresRequester(t *testing.T) {
	f := newEngineFixture(t)
	req := f.submit(t, "drv-3")

	if _, err := f.engine.Cancel(context.Background(), req.ID, "sec-1"); !errors.Is(err, approval.ErrNotRequester) {
		t.Fatalf("cancel by stranger: %v, want ErrNotRequester", err)
	}
	cancelled, err := f.engine.Cancel(context.Background(), req.ID, "drv-3")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != approval.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if _, err := f.engine.Cancel(context.Background(), req.ID, "drv-3"); !errors.Is(err, approval.ErrAlreadyTerminal) {
		t.Fatalf("second cancel: %v, want ErrAlreadyTerminal", err)
	}
}

func TestSubmitReturnsExistingOpenRequest(t *testing.T) {
	f := newEngineFixture(t)
	req := f.submit(t, "drv-3")

	again, created, err := f.engine.Submit(context.Background(), "drv-3", "access.request", approval.Change{Kind: approval.ChangeAccessGrant})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if created {
		t.Fatal("resubmit must not create a second open request")
	}
	if again.ID != req.ID {
		t.Fatalf("resubmit returned %s, want %s", again.ID, req.ID)
	}

	if _, _, err := f.engine.Submit(context.Background(), "drv-3", "ride.view", approval.Change{}); !errors.Is(err, approval.ErrNotFound) {
		t.Fatalf("submit without workflow: %v, want ErrNotFound", err)
	}
}

func TestLazyExpiryOnRead(t *testing.T) {
	f := newEngineFixture(t)
	req := f.submit(t, "drv-3")

	f.clock = f.clock.Add(25 * time.Hour)

	got, err := f.engine.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != approval.StatusExpired {
		t.Fatalf("status = %s, want expired on read", got.Status)
	}
	if _, _, err := f.engine.Approve(context.Background(), req.ID, "sec-1", ""); !errors.Is(err, approval.ErrAlreadyTerminal) {
		t.Fatalf("approve expired: %v, want ErrAlreadyTerminal", err)
	}

	// A fresh submission is allowed once the old one expired.
	fresh, created, err := f.engine.Submit(context.Background(), "drv-3", "access.request", approval.Change{Kind: approval.ChangeAccessGrant})
	if err != nil {
		t.Fatalf("resubmit after expiry: %v", err)
	}
	if !created || fresh.ID == req.ID {
		t.Fatalf("resubmit after expiry: created=%v id=%s", created, fresh.ID)
	}
}

func TestSweepExpired(t *testing.T) {
	f := newEngineFixture(t)
	f.submit(t, "drv-3")
	f.submit(t, "drv-4")

	f.clock = f.clock.Add(25 * time.Hour)
	n, err := f.engine.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept = %d, want 2", n)
	}
	n, err = f.engine.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep = %d, want 0", n)
	}
}

func TestRollbackStagesCompensatingRequest(t *testing.T) {
	f := newEngineFixture(t)
	req := f.submit(t, "drv-3")

	if _, _, err := f.engine.Approve(context.Background(), req.ID, "sec-1", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	closed, tok, err := f.engine.Approve(context.Background(), req.ID, "sec-2", "")
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	comp, err := f.engine.Rollback(context.Background(), closed.ID, "sec-9")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if comp.Status != approval.StatusPending || comp.ID == req.ID {
		t.Fatalf("compensating request: status=%s id=%s", comp.Status, comp.ID)
	}
	if comp.Change.Kind != approval.ChangeAccessRevoke {
		t.Fatalf("change kind = %s, want access.revoke", comp.Change.Kind)
	}
	if comp.Change.Payload["grant_id"] != tok.ID {
		t.Fatalf("payload grant_id = %s, want %s", comp.Change.Payload["grant_id"], tok.ID)
	}

	// Closing the compensation revokes the grant.
	if _, _, err := f.engine.Approve(context.Background(), comp.ID, "sec-1", ""); err != nil {
		t.Fatalf("approve compensation: %v", err)
	}
	if _, _, err := f.engine.Approve(context.Background(), comp.ID, "sec-2", ""); err != nil {
		t.Fatalf("close compensation: %v", err)
	}
	if _, err := f.issuer.Validate(context.Background(), tok.ID); !errors.Is(err, grant.ErrRevoked) {
		t.Fatalf("grant after rollback: %v, want ErrRevoked", err)
	}

	// Only approved requests may be rolled back.
	pending := f.submit(t, "drv-7")
	if _, err := f.engine.Rollback(context.Background(), pending.ID, "sec-9"); !errors.Is(err, approval.ErrConflict) {
		t.Fatalf("rollback pending: %v, want ErrConflict", err)
	}
}
