package access

import (
	"context"
	"fmt"

	"movara.org/internal/approval"
)

// CatalogApplier applies approved role changes to the live catalog.
// Grant issuance and revocation are handled inside the approval engine
// itself; everything else lands here.
type CatalogApplier struct {
	catalog *Catalog
}

// NewCatalogApplier wraps a catalog as an approval change applier.
func NewCatalogApplier(catalog *Catalog) *CatalogApplier {
	return &CatalogApplier{catalog: catalog}
}

// Apply executes the staged change of an approved request. The
// strict-outranking rule is re-checked here against the requester's
// current assignment: approvals collected for a requester who no
// longer outranks the targets must not land.
func (a *CatalogApplier) Apply(ctx context.Context, req *approval.Request) error {
	switch req.Change.Kind {
	case "role.assign":
		target := req.Change.Payload["target_user_id"]
		role := req.Change.Payload["target_role"]
		if target == "" || role == "" {
			return fmt.Errorf("%w: role.assign needs target_user_id and target_role", ErrInvalidInput)
		}
		if err := a.catalog.CheckTransfer(a.catalog.LevelOf(req.RequesterID), target, role); err != nil {
			return err
		}
		return a.catalog.Assign(target, role)
	case "role.revoke":
		target := req.Change.Payload["target_user_id"]
		if target == "" {
			return fmt.Errorf("%w: role.revoke needs target_user_id", ErrInvalidInput)
		}
		if err := a.catalog.CheckTransfer(a.catalog.LevelOf(req.RequesterID), target, ""); err != nil {
			return err
		}
		a.catalog.Revoke(target)
		return nil
	default:
		return fmt.Errorf("%w: no applier for change kind %s", ErrInvalidInput, req.Change.Kind)
	}
}

// Workflows converts the protected-action table into the approval
// engine's workflow configuration.
func Workflows(policies []ActionPolicy) []approval.Workflow {
	var out []approval.Workflow
	for _, p := range policies {
		if p.RequiredApprovers <= 0 {
			continue
		}
		out = append(out, approval.Workflow{
			Action:               p.Name,
			RequiredApprovers:    p.RequiredApprovers,
			SensitivityThreshold: p.Sensitivity,
			GrantTTL:             p.GrantTTL,
			GrantPermissions:     p.GrantPermissions,
		})
	}
	return out
}
