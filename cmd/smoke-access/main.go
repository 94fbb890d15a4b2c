// smoke-access exercises the full decision pipeline in-process against
// in-memory storage: login, step-up MFA, approval quorum, grant use.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"movara.org/internal/access"
	"movara.org/internal/approval"
	"movara.org/internal/audit"
	"movara.org/internal/grant"
	"movara.org/internal/mfa"
	"movara.org/internal/risk"
	"movara.org/internal/session"
	"movara.org/internal/store"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mem := store.NewMemory()
	sink, err := audit.NewSink(mem.Audit())
	if err != nil {
		log.Fatalf("sink: %v", err)
	}
	catalog := access.NewCatalog(access.DefaultRoles)
	validator, err := session.NewValidator(mem.Sessions(), sink)
	if err != nil {
		log.Fatalf("validator: %v", err)
	}
	challenges, err := mfa.NewManager(mem.Challenges(), sink)
	if err != nil {
		log.Fatalf("mfa: %v", err)
	}
	grants, err := grant.NewIssuer(mem.Grants())
	if err != nil {
		log.Fatalf("grants: %v", err)
	}
	engine, err := approval.NewEngine(mem.Approvals(), grants, sink,
		approval.WithWorkflows(access.Workflows(access.DefaultPolicies)),
		approval.WithApplier(access.NewCatalogApplier(catalog)),
	)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	evaluator, err := access.NewEvaluator(catalog, risk.NewScorer(), validator, challenges, engine, grants, sink,
		access.WithPolicies(access.DefaultPolicies),
	)
	if err != nil {
		log.Fatalf("evaluator: %v", err)
	}

	sess := &session.Session{
		ID:          uuid.NewString(),
		PrincipalID: "agent-7",
		IP:          "10.0.0.1",
		UserAgent:   "smoke/1.0",
		CreatedAt:   time.Now().UTC(),
		LastSeenAt:  time.Now().UTC(),
	}
	if err := mem.Sessions().Create(ctx, sess); err != nil {
		log.Fatalf("create session: %v", err)
	}
	agent, err := catalog.Resolve("agent-7", "support_agent")
	if err != nil {
		log.Fatalf("resolve: %v", err)
	}

	base := access.Request{
		Principal: agent,
		SessionID: sess.ID,
		IP:        "10.0.0.1",
		UserAgent: "smoke/1.0",
	}

	// Low sensitivity: straight allow.
	req := base
	req.Action = "ride.view"
	d, err := evaluator.Evaluate(ctx, req)
	if err != nil || d.Effect != access.EffectAllow {
		log.Fatalf("ride.view: effect=%s err=%v", d.Effect, err)
	}

	// High sensitivity: parked on a step-up challenge.
	secSess := &session.Session{
		ID:          uuid.NewString(),
		PrincipalID: "sec-9",
		IP:          "10.0.0.2",
		CreatedAt:   time.Now().UTC(),
		LastSeenAt:  time.Now().UTC(),
	}
	if err := mem.Sessions().Create(ctx, secSess); err != nil {
		log.Fatalf("create admin session: %v", err)
	}
	admin, err := catalog.Resolve("sec-9", "security_admin")
	if err != nil {
		log.Fatalf("resolve admin: %v", err)
	}
	req = access.Request{Principal: admin, SessionID: secSess.ID, IP: "10.0.0.2", Action: "payout.override"}
	d, err = evaluator.Evaluate(ctx, req)
	if err != nil || d.Effect != access.EffectStepUpMFA {
		log.Fatalf("payout.override step-up: effect=%s err=%v", d.Effect, err)
	}

	// Replay the issued challenge with the real code.
	ch, code, err := challenges.Issue(ctx, admin.ID, secSess.ID, mfa.MethodTOTP)
	if err != nil {
		log.Fatalf("issue: %v", err)
	}
	if _, err := challenges.Verify(ctx, ch.ID, code); err != nil {
		log.Fatalf("verify: %v", err)
	}
	d, err = evaluator.Evaluate(ctx, req)
	if err != nil || d.Effect != access.EffectAllow {
		log.Fatalf("payout.override after verify: effect=%s err=%v", d.Effect, err)
	}

	// Quorum path: a driver asks for elevated access, two responders
	// close it, the grant then backs the elevated action.
	drvSess := &session.Session{
		ID:          uuid.NewString(),
		PrincipalID: "drv-3",
		IP:          "10.0.0.3",
		CreatedAt:   time.Now().UTC(),
		LastSeenAt:  time.Now().UTC(),
	}
	if err := mem.Sessions().Create(ctx, drvSess); err != nil {
		log.Fatalf("create driver session: %v", err)
	}
	driver, err := catalog.Resolve("drv-3", "driver")
	if err != nil {
		log.Fatalf("resolve driver: %v", err)
	}
	drvBase := access.Request{Principal: driver, SessionID: drvSess.ID, IP: "10.0.0.3"}
	req = drvBase
	req.Action = "access.request"
	d, err = evaluator.Evaluate(ctx, req)
	if err != nil || d.Effect != access.EffectPendingApproval {
		log.Fatalf("access.request: effect=%s err=%v", d.Effect, err)
	}
	if _, _, err := engine.Approve(ctx, d.RequestID, "sec-1", "ok"); err != nil {
		log.Fatalf("approve 1: %v", err)
	}
	closed, tok, err := engine.Approve(ctx, d.RequestID, "sec-2", "ok")
	if err != nil || closed.Status != approval.StatusApproved || tok == nil {
		log.Fatalf("approve 2: status=%v tok=%v err=%v", closed, tok, err)
	}

	req = drvBase
	req.Action = "rider.refund"
	d, err = evaluator.Evaluate(ctx, req)
	if err != nil || d.Effect != access.EffectAllow || d.GrantID != tok.ID {
		log.Fatalf("rider.refund under grant: effect=%s grant=%s err=%v", d.Effect, d.GrantID, err)
	}

	sink.Flush(ctx)
	fmt.Printf("✅ access smoke test passed: grant=%s events=%d\n", tok.ID, len(mem.Events()))
}
