package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"movara.org/internal/audit"
	"movara.org/internal/grant"
	"movara.org/internal/ids"
	"movara.org/internal/obs"
)

const (
	defaultRequestTTL = 24 * time.Hour
	// casAttempts bounds retries when a conditional write loses to a
	// concurrent responder.
	casAttempts = 3
)

// Staged change kinds the engine understands natively. Everything else
// goes through the injected ChangeApplier.
const (
	ChangeAccessGrant  = "access.grant"
	ChangeAccessRevoke = "access.revoke"
)

// ChangeApplier applies a staged change once its request closes
// approved (e.g. the role catalog applying a role edit).
type ChangeApplier interface {
	Apply(ctx context.Context, req *Request) error
}

// Engine owns the pending-request lifecycle and quorum logic.
type Engine struct {
	store      Store
	issuer     *grant.Issuer
	sink       *audit.Sink
	applier    ChangeApplier
	workflows  map[string]Workflow
	requestTTL time.Duration
	now        func() time.Time
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine)

// WithWorkflows registers the per-action approval policies.
func WithWorkflows(wfs []Workflow) EngineOption {
	return func(e *Engine) {
		for _, wf := range wfs {
			if wf.Action != "" {
				e.workflows[wf.Action] = wf
			}
		}
	}
}

// WithApplier sets the staged-change applier.
func WithApplier(a ChangeApplier) EngineOption {
	return func(e *Engine) { e.applier = a }
}

// WithRequestTTL overrides how long a request stays open.
func WithRequestTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.requestTTL = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(store Store, issuer *grant.Issuer, sink *audit.Sink, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("approval: store is required")
	}
	e := &Engine{
		store:      store,
		issuer:     issuer,
		sink:       sink,
		workflows:  map[string]Workflow{},
		requestTTL: defaultRequestTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Workflow returns the approval policy configured for an action.
func (e *Engine) Workflow(action string) (Workflow, bool) {
	wf, ok := e.workflows[action]
	return wf, ok
}

// Submit creates a new pending request, or returns the requester's
// existing open request for the same action. The returned bool is true
// when a new request was created.
func (e *Engine) Submit(ctx context.Context, requesterID, action string, change Change) (*Request, bool, error) {
	requesterID = strings.TrimSpace(requesterID)
	action = strings.TrimSpace(action)
	if requesterID == "" || action == "" {
		return nil, false, fmt.Errorf("%w: requester and action are required", ErrInvalidInput)
	}
	wf, ok := e.workflows[action]
	if !ok {
		return nil, false, fmt.Errorf("%w: no approval workflow for action %s", ErrNotFound, action)
	}
	if wf.RequiredApprovers < 1 {
		return nil, false, fmt.Errorf("%w: action %s does not require approval", ErrInvalidInput, action)
	}

	if existing, err := e.store.FindOpen(ctx, requesterID, action); err == nil {
		if refreshed, lerr := e.lazyExpire(ctx, existing); lerr == nil && refreshed.Status == StatusPending {
			return refreshed, false, nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := e.now().UTC()
	req := &Request{
		ID:                ids.New(),
		Action:            action,
		RequesterID:       requesterID,
		Change:            change,
		Status:            StatusPending,
		RequiredApprovers: wf.RequiredApprovers,
		CreatedAt:         now,
		ExpiresAt:         now.Add(e.requestTTL),
		Version:           1,
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, false, err
	}
	obs.CountApprovalTransition(string(StatusPending))
	e.record(ctx, "approval.request.created", audit.SeverityMedium, audit.OutcomeSuccess, req, map[string]any{
		"change_kind": change.Kind,
	})
	return req, true, nil
}

// Get loads a request, lazily expiring it when the TTL passed.
func (e *Engine) Get(ctx context.Context, id string) (*Request, error) {
	req, err := e.store.GetRequest(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	return e.lazyExpire(ctx, req)
}

// List returns requests matching the filter. Pending entries past their
// expiry are surfaced (and written back) as expired.
func (e *Engine) List(ctx context.Context, f Filter) ([]*Request, error) {
	reqs, err := e.store.ListRequests(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]*Request, 0, len(reqs))
	for _, req := range reqs {
		refreshed, err := e.lazyExpire(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, refreshed)
	}
	return out, nil
}

// Approve records one approver's positive response. The count increment
// and the possible close to approved happen in a single conditional
// write; losing the race re-reads and retries so no vote is ever lost
// or counted twice.
func (e *Engine) Approve(ctx context.Context, id, approverID, comment string) (*Request, *grant.Token, error) {
	id = strings.TrimSpace(id)
	approverID = strings.TrimSpace(approverID)
	if id == "" || approverID == "" {
		return nil, nil, fmt.Errorf("%w: request and approver ids are required", ErrInvalidInput)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		req, err := e.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if req.Status.Terminal() {
			return nil, nil, fmt.Errorf("%w: request is %s", ErrAlreadyTerminal, req.Status)
		}
		if req.HasResponse(approverID) {
			return nil, nil, ErrDuplicateResponse
		}

		newCount := req.CurrentApprovals + 1
		next := StatusPending
		var staged *grant.Token
		if newCount >= req.RequiredApprovers {
			next = StatusApproved
			if req.Change.Kind == ChangeAccessGrant {
				wf := e.workflows[req.Action]
				staged, err = e.issuer.Stage(req.ID, req.RequesterID, approverID, wf.GrantPermissions, wf.GrantTTL)
				if err != nil {
					return nil, nil, err
				}
			}
		}

		resp := Response{
			RequestID:  req.ID,
			ApproverID: approverID,
			Decision:   DecisionApprove,
			Comment:    comment,
			At:         e.now().UTC(),
		}
		updated, err := e.store.AddResponse(ctx, req.ID, req.Version, resp, next, newCount, staged)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		if updated.Status == StatusApproved {
			obs.CountApprovalTransition(string(StatusApproved))
			if err := e.applyApproved(ctx, updated); err != nil {
				e.record(ctx, "approval.request.apply_failed", audit.SeverityCritical, audit.OutcomeFailure, updated, map[string]any{
					"error": err.Error(),
				})
				return updated, staged, err
			}
			e.record(ctx, "approval.request.approved", audit.SeverityHigh, audit.OutcomeSuccess, updated, map[string]any{
				"approver_id": approverID,
			})
		} else {
			e.record(ctx, "approval.request.approve", audit.SeverityMedium, audit.OutcomeSuccess, updated, map[string]any{
				"approver_id": approverID,
				"approvals":   updated.CurrentApprovals,
			})
		}
		return updated, staged, nil
	}
	return nil, nil, fmt.Errorf("%w: concurrent responders, retry", ErrConflict)
}

// Reject records a negative response. Policy: a single rejection
// terminates the request immediately, regardless of how many approvals
// it already collected. This is a deliberate choice; a configurable
// rejection threshold was considered and not adopted.
func (e *Engine) Reject(ctx context.Context, id, approverID, comment string) (*Request, error) {
	id = strings.TrimSpace(id)
	approverID = strings.TrimSpace(approverID)
	if id == "" || approverID == "" {
		return nil, fmt.Errorf("%w: request and approver ids are required", ErrInvalidInput)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		req, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status.Terminal() {
			return nil, fmt.Errorf("%w: request is %s", ErrAlreadyTerminal, req.Status)
		}
		if req.HasResponse(approverID) {
			return nil, ErrDuplicateResponse
		}

		resp := Response{
			RequestID:  req.ID,
			ApproverID: approverID,
			Decision:   DecisionReject,
			Comment:    comment,
			At:         e.now().UTC(),
		}
		updated, err := e.store.AddResponse(ctx, req.ID, req.Version, resp, StatusRejected, req.CurrentApprovals, nil)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		obs.CountApprovalTransition(string(StatusRejected))
		e.record(ctx, "approval.request.rejected", audit.SeverityHigh, audit.OutcomeWarning, updated, map[string]any{
			"approver_id": approverID,
		})
		return updated, nil
	}
	return nil, fmt.Errorf("%w: concurrent responders, retry", ErrConflict)
}

// Cancel withdraws a pending request. Only the original requester may
// cancel, and only while the request is pending.
func (e *Engine) Cancel(ctx context.Context, id, requesterID string) (*Request, error) {
	id = strings.TrimSpace(id)
	requesterID = strings.TrimSpace(requesterID)
	if id == "" || requesterID == "" {
		return nil, fmt.Errorf("%w: request and requester ids are required", ErrInvalidInput)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		req, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.RequesterID != requesterID {
			return nil, ErrNotRequester
		}
		if req.Status.Terminal() {
			return nil, fmt.Errorf("%w: request is %s", ErrAlreadyTerminal, req.Status)
		}
		updated, err := e.store.Transition(ctx, req.ID, req.Version, StatusCancelled)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		obs.CountApprovalTransition(string(StatusCancelled))
		e.record(ctx, "approval.request.cancelled", audit.SeverityMedium, audit.OutcomeSuccess, updated, nil)
		return updated, nil
	}
	return nil, fmt.Errorf("%w: concurrent responders, retry", ErrConflict)
}

// Rollback stages a compensating change for an approved request.
// Terminal requests are immutable, so nothing on the original row
// changes; the compensation is a fresh pending request through the same
// quorum.
func (e *Engine) Rollback(ctx context.Context, id, requesterID string) (*Request, error) {
	req, err := e.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if req.Status != StatusApproved {
		return nil, fmt.Errorf("%w: only approved requests can be rolled back", ErrConflict)
	}
	inverse, err := e.inverseChange(ctx, req)
	if err != nil {
		return nil, err
	}
	compensating, _, err := e.Submit(ctx, requesterID, req.Action, inverse)
	if err != nil {
		return nil, err
	}
	e.record(ctx, "approval.request.rollback_staged", audit.SeverityHigh, audit.OutcomeSuccess, compensating, map[string]any{
		"rolls_back": req.ID,
	})
	return compensating, nil
}

// SweepExpired proactively marks expired pending requests for
// reporting. Lazy expiry on read remains the correctness mechanism;
// the sweeper is optional.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	reqs, err := e.store.ListExpiredPending(ctx, e.now().UTC(), 100)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, req := range reqs {
		if _, err := e.lazyExpire(ctx, req); err == nil {
			swept++
		}
	}
	return swept, nil
}

// lazyExpire writes back the expired status before anything can mutate
// a stale pending request.
func (e *Engine) lazyExpire(ctx context.Context, req *Request) (*Request, error) {
	if req.Status != StatusPending || !e.now().UTC().After(req.ExpiresAt) {
		return req, nil
	}
	updated, err := e.store.Transition(ctx, req.ID, req.Version, StatusExpired)
	if errors.Is(err, ErrVersionConflict) {
		// A concurrent writer got there first; surface its result.
		return e.store.GetRequest(ctx, req.ID)
	}
	if err != nil {
		return nil, err
	}
	obs.CountApprovalTransition(string(StatusExpired))
	e.record(ctx, "approval.request.expired", audit.SeverityLow, audit.OutcomeWarning, updated, nil)
	return updated, nil
}

// applyApproved executes the staged change exactly once after the
// closing conditional write. Grants were already written inside that
// transaction; revocations and catalog edits run here.
func (e *Engine) applyApproved(ctx context.Context, req *Request) error {
	switch req.Change.Kind {
	case ChangeAccessGrant, "":
		return nil
	case ChangeAccessRevoke:
		grantID := req.Change.Payload["grant_id"]
		if grantID == "" {
			return fmt.Errorf("%w: access.revoke change lacks grant_id", ErrInvalidInput)
		}
		_, err := e.issuer.Revoke(ctx, grantID)
		if errors.Is(err, grant.ErrConflict) {
			// Already revoked; the desired state holds.
			return nil
		}
		return err
	default:
		if e.applier == nil {
			return fmt.Errorf("%w: no applier for change kind %s", ErrInvalidInput, req.Change.Kind)
		}
		return e.applier.Apply(ctx, req)
	}
}

func (e *Engine) inverseChange(ctx context.Context, req *Request) (Change, error) {
	payload := map[string]string{"rolls_back": req.ID}
	for k, v := range req.Change.Payload {
		payload[k] = v
	}
	switch req.Change.Kind {
	case "role.assign":
		return Change{Kind: "role.revoke", Payload: payload}, nil
	case "role.revoke":
		return Change{Kind: "role.assign", Payload: payload}, nil
	case ChangeAccessGrant:
		tok, err := e.issuer.ByRequest(ctx, req.ID)
		if err != nil {
			return Change{}, err
		}
		payload["grant_id"] = tok.ID
		return Change{Kind: ChangeAccessRevoke, Payload: payload}, nil
	default:
		return Change{}, fmt.Errorf("%w: change kind %s has no inverse", ErrInvalidInput, req.Change.Kind)
	}
}

func (e *Engine) record(ctx context.Context, event string, severity audit.Severity, outcome audit.Outcome, req *Request, extra map[string]any) {
	if e.sink == nil {
		return
	}
	details := map[string]any{
		"request_id": req.ID,
		"action":     req.Action,
		"requester":  req.RequesterID,
		"status":     string(req.Status),
	}
	for k, v := range extra {
		details[k] = v
	}
	_ = e.sink.Record(ctx, audit.Event{
		Type:     event,
		Severity: severity,
		Outcome:  outcome,
		Details:  details,
	})
}
