package access_test

import (
	"context"
	"errors"
	"testing"

	"movara.org/internal/access"
	"movara.org/internal/approval"
)

func roleChange(requesterID, kind, targetUserID, targetRole string) *approval.Request {
	payload := map[string]string{"target_user_id": targetUserID}
	if targetRole != "" {
		payload["target_role"] = targetRole
	}
	return &approval.Request{
		RequesterID: requesterID,
		Change:      approval.Change{Kind: kind, Payload: payload},
	}
}

func TestApplierReverifiesTransferAtApplyTime(t *testing.T) {
	catalog := access.NewCatalog(access.DefaultRoles)
	applier := access.NewCatalogApplier(catalog)
	ctx := context.Background()

	if err := catalog.Assign("drv-666", "driver"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// A closed quorum does not override the outranking rule: a driver
	// requester cannot land a security_admin assignment on anyone.
	err := applier.Apply(ctx, roleChange("drv-666", "role.assign", "drv-666", "security_admin"))
	if !errors.Is(err, access.ErrDenied) {
		t.Fatalf("escalating apply: %v, want ErrDenied", err)
	}
	if lvl := catalog.LevelOf("drv-666"); lvl != 20 {
		t.Fatalf("requester level = %d, want 20 untouched", lvl)
	}

	// Same for a requester with no recorded assignment at all.
	err = applier.Apply(ctx, roleChange("ghost-1", "role.assign", "user-9", "rider"))
	if !errors.Is(err, access.ErrDenied) {
		t.Fatalf("unassigned requester apply: %v, want ErrDenied", err)
	}

	// A requester strictly above both targets lands the change.
	if err := catalog.Assign("ops-1", "ops_admin"); err != nil {
		t.Fatalf("assign ops: %v", err)
	}
	if err := applier.Apply(ctx, roleChange("ops-1", "role.assign", "user-9", "support_agent")); err != nil {
		t.Fatalf("downward apply: %v", err)
	}
	if lvl := catalog.LevelOf("user-9"); lvl != 40 {
		t.Fatalf("target level = %d, want 40", lvl)
	}

	// Revocation is a transfer too; the requester must outrank the
	// target user.
	err = applier.Apply(ctx, roleChange("drv-666", "role.revoke", "ops-1", ""))
	if !errors.Is(err, access.ErrDenied) {
		t.Fatalf("upward revoke: %v, want ErrDenied", err)
	}
	if err := applier.Apply(ctx, roleChange("ops-1", "role.revoke", "user-9", "")); err != nil {
		t.Fatalf("downward revoke: %v", err)
	}
	if lvl := catalog.LevelOf("user-9"); lvl != 0 {
		t.Fatalf("revoked level = %d, want 0", lvl)
	}
}
