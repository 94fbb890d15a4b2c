package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"movara.org/internal/approval"
	"movara.org/internal/audit"
	"movara.org/internal/grant"
	"movara.org/internal/mfa"
	"movara.org/internal/obs"
	"movara.org/internal/risk"
	"movara.org/internal/session"
)

const defaultMFAThreshold = 0.7

// Effect is the single outcome of an evaluation.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectStepUpMFA       Effect = "step_up_mfa"
	EffectPendingApproval Effect = "pending_approval"
)

// Stable reason codes returned to callers and recorded in the trail.
const (
	ReasonAllowed           = "ALLOWED"
	ReasonTemporaryGrant    = "ALLOWED_BY_TEMPORARY_GRANT"
	ReasonUnknownAction     = "UNKNOWN_ACTION"
	ReasonInsufficientPerm  = "INSUFFICIENT_PERMISSION"
	ReasonInsufficientLevel = "INSUFFICIENT_PRIVILEGE_LEVEL"
	ReasonExplicitDeny      = "EXPLICIT_DENY"
	ReasonRegionScope       = "REGION_SCOPE_MISMATCH"
	ReasonRiskCeiling       = "RISK_CEILING_EXCEEDED"
	ReasonMFARequired       = "MFA_REQUIRED"
	ReasonApprovalRequired  = "APPROVAL_REQUIRED"
)

// Request is one protected action entering the evaluator.
type Request struct {
	Principal    Principal
	Action       string
	SessionID    string
	Region       string
	TargetUserID string
	TargetRole   string
	IP           string
	UserAgent    string
	Payload      map[string]string
}

// Decision is the evaluator's answer plus any side-effect handles.
type Decision struct {
	Effect      Effect   `json:"effect"`
	Reason      string   `json:"reason"`
	RiskScore   int      `json:"risk_score"`
	RiskFactors []string `json:"risk_factors,omitempty"`
	ChallengeID string   `json:"challenge_id,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
	GrantID     string   `json:"grant_id,omitempty"`
}

// Evaluator combines static role/attribute checks with the risk
// scorer, the MFA challenge manager and the approval workflow engine
// into one allow/deny/step-up decision.
type Evaluator struct {
	catalog      *Catalog
	scorer       *risk.Scorer
	validator    *session.Validator
	challenges   *mfa.Manager
	engine       *approval.Engine
	grants       *grant.Issuer
	sink         *audit.Sink
	policies     map[string]ActionPolicy
	mfaThreshold float64
	stepUpMethod mfa.Method
	now          func() time.Time
}

// EvaluatorOption configures Evaluator behavior.
type EvaluatorOption func(*Evaluator)

// WithPolicies registers the protected-action table.
func WithPolicies(policies []ActionPolicy) EvaluatorOption {
	return func(e *Evaluator) {
		for _, p := range policies {
			if p.Name != "" {
				e.policies[p.Name] = p
			}
		}
	}
}

// WithMFAThreshold overrides the sensitivity at which step-up kicks in.
func WithMFAThreshold(v float64) EvaluatorOption {
	return func(e *Evaluator) {
		if v > 0 && v <= 1 {
			e.mfaThreshold = v
		}
	}
}

// WithStepUpMethod overrides the challenge method issued on step-up.
func WithStepUpMethod(m mfa.Method) EvaluatorOption {
	return func(e *Evaluator) {
		if m != "" {
			e.stepUpMethod = m
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEvaluator constructs the orchestrating evaluator. All collaborators
// are injected; nothing global.
func NewEvaluator(
	catalog *Catalog,
	scorer *risk.Scorer,
	validator *session.Validator,
	challenges *mfa.Manager,
	engine *approval.Engine,
	grants *grant.Issuer,
	sink *audit.Sink,
	opts ...EvaluatorOption,
) (*Evaluator, error) {
	if catalog == nil || scorer == nil || validator == nil || challenges == nil || engine == nil || grants == nil {
		return nil, errors.New("access: all collaborators are required")
	}
	e := &Evaluator{
		catalog:      catalog,
		scorer:       scorer,
		validator:    validator,
		challenges:   challenges,
		engine:       engine,
		grants:       grants,
		sink:         sink,
		policies:     map[string]ActionPolicy{},
		mfaThreshold: defaultMFAThreshold,
		stepUpMethod: mfa.MethodTOTP,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Policy returns the configured policy for an action.
func (e *Evaluator) Policy(action string) (ActionPolicy, bool) {
	p, ok := e.policies[action]
	return p, ok
}

// Evaluate decides one protected action. Exactly one audit event is
// written before any branch returns its decision.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Decision, error) {
	if strings.TrimSpace(req.Principal.ID) == "" {
		return Decision{}, fmt.Errorf("%w: principal is required", ErrInvalidInput)
	}
	action := strings.TrimSpace(req.Action)
	if action == "" {
		return Decision{}, fmt.Errorf("%w: action is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return Decision{}, fmt.Errorf("%w: session is required", ErrInvalidInput)
	}

	now := e.now().UTC()

	// Session continuity feeds the risk score before anything else.
	sess, alerts, err := e.validator.Validate(ctx, req.SessionID, session.Context{
		IP:        req.IP,
		UserAgent: req.UserAgent,
		At:        now,
	})
	if err != nil {
		return Decision{}, err
	}

	policy, known := e.policies[action]

	failures, err := e.challenges.RecentFailures(ctx, req.Principal.ID)
	if err != nil {
		return Decision{}, err
	}
	assessment := e.scorer.Assess(risk.Input{
		FailedAttempts: failures,
		Alerts:         alerts,
		Sensitivity:    policy.Sensitivity,
		At:             now,
		NovelIP:        hasAlert(alerts, "ip_change"),
	})

	// The session carries the latest score as its running risk state.
	if err := e.validator.RecordRisk(ctx, sess.ID, assessment.Score); err != nil {
		return Decision{}, err
	}

	if !known {
		return e.finish(ctx, req, assessment, Decision{Effect: EffectDeny, Reason: ReasonUnknownAction}, audit.SeverityMedium), nil
	}

	// Hard ceiling: deny regardless of otherwise-valid permissions.
	if e.scorer.Exceeds(assessment) {
		return e.finish(ctx, req, assessment, Decision{Effect: EffectDeny, Reason: ReasonRiskCeiling}, audit.SeverityCritical), nil
	}

	// Static role check, with an active temporary grant standing in
	// for a missing permission.
	var activeGrant *grant.Token
	if !req.Principal.HasPermission(policy.Permission) {
		tok, err := e.activeGrant(ctx, req.Principal.ID, policy)
		if err != nil {
			return Decision{}, err
		}
		if tok == nil {
			return e.finish(ctx, req, assessment, Decision{Effect: EffectDeny, Reason: ReasonInsufficientPerm}, audit.SeverityMedium), nil
		}
		activeGrant = tok
	}

	// Privilege transfer: the actor must outrank both the target user
	// and the target role, strictly. Equal levels are always denied.
	if policy.TransfersPrivilege {
		switch err := e.catalog.CheckTransfer(req.Principal.Level, req.TargetUserID, req.TargetRole); {
		case errors.Is(err, ErrDenied):
			return e.finish(ctx, req, assessment, Decision{Effect: EffectDeny, Reason: ReasonInsufficientLevel}, audit.SeverityHigh), nil
		case err != nil:
			return Decision{}, err
		}
	}

	// Attribute checks. An explicit deny overrides any static allow.
	if e.catalog.IsDenied(req.Principal.Role, action) {
		return e.finish(ctx, req, assessment, Decision{Effect: EffectDeny, Reason: ReasonExplicitDeny}, audit.SeverityHigh), nil
	}
	if !req.Principal.InRegion(req.Region) {
		return e.finish(ctx, req, assessment, Decision{Effect: EffectDeny, Reason: ReasonRegionScope}, audit.SeverityMedium), nil
	}

	// Sensitivity: step-up unless the session holds a fresh, consumed
	// verification. The state comes from storage, never from the token.
	if policy.Sensitivity >= e.mfaThreshold {
		verified, err := e.challenges.RecentlyVerified(ctx, sess.ID)
		if err != nil {
			return Decision{}, err
		}
		if !verified {
			// Enrolled principals answer on their registered
			// authenticator; everyone else gets the code out of band.
			method := e.stepUpMethod
			if !req.Principal.MFAEnrolled {
				method = mfa.MethodEmail
			}
			ch, _, err := e.challenges.Issue(ctx, req.Principal.ID, sess.ID, method)
			if err != nil {
				return Decision{}, err
			}
			return e.finish(ctx, req, assessment, Decision{
				Effect:      EffectStepUpMFA,
				Reason:      ReasonMFARequired,
				ChallengeID: ch.ID,
			}, audit.SeverityMedium), nil
		}
	}

	// Quorum: route through the approval workflow unless an active
	// temporary grant already covers the action.
	if policy.RequiredApprovers > 0 && activeGrant == nil {
		tok, err := e.activeGrant(ctx, req.Principal.ID, policy)
		if err != nil {
			return Decision{}, err
		}
		if tok == nil {
			change := e.stagedChange(policy, req)
			pending, _, err := e.engine.Submit(ctx, req.Principal.ID, action, change)
			if err != nil {
				return Decision{}, err
			}
			return e.finish(ctx, req, assessment, Decision{
				Effect:    EffectPendingApproval,
				Reason:    ReasonApprovalRequired,
				RequestID: pending.ID,
			}, audit.SeverityMedium), nil
		}
		activeGrant = tok
	}

	decision := Decision{Effect: EffectAllow, Reason: ReasonAllowed}
	if activeGrant != nil {
		decision.Reason = ReasonTemporaryGrant
		decision.GrantID = activeGrant.ID
	}
	return e.finish(ctx, req, assessment, decision, audit.SeverityLow), nil
}

// activeGrant finds a live token covering the policy's permission, or
// any of the permissions the policy would grant.
func (e *Evaluator) activeGrant(ctx context.Context, principalID string, policy ActionPolicy) (*grant.Token, error) {
	keys := append([]string{policy.Permission}, policy.GrantPermissions...)
	for _, key := range keys {
		tok, err := e.grants.ActiveFor(ctx, principalID, key)
		if errors.Is(err, grant.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return tok, nil
	}
	return nil, nil
}

func (e *Evaluator) stagedChange(policy ActionPolicy, req Request) approval.Change {
	payload := map[string]string{}
	for k, v := range req.Payload {
		payload[k] = v
	}
	if req.TargetUserID != "" {
		payload["target_user_id"] = req.TargetUserID
	}
	if req.TargetRole != "" {
		payload["target_role"] = req.TargetRole
	}
	kind := policy.ChangeKind
	if kind == "" {
		kind = approval.ChangeAccessGrant
	}
	return approval.Change{Kind: kind, Payload: payload}
}

// finish records the single decision audit event and the metric, then
// hands the decision back.
func (e *Evaluator) finish(ctx context.Context, req Request, assessment risk.Assessment, d Decision, severity audit.Severity) Decision {
	d.RiskScore = assessment.Score
	d.RiskFactors = assessment.Factors
	obs.CountDecision(string(d.Effect))

	if e.sink != nil {
		outcome := audit.OutcomeSuccess
		if d.Effect == EffectDeny {
			outcome = audit.OutcomeFailure
		}
		details := map[string]any{
			"action":     req.Action,
			"session_id": req.SessionID,
			"effect":     string(d.Effect),
			"reason":     d.Reason,
		}
		if req.TargetUserID != "" {
			details["target_user_id"] = req.TargetUserID
		}
		if req.TargetRole != "" {
			details["target_role"] = req.TargetRole
		}
		if d.ChallengeID != "" {
			details["challenge_id"] = d.ChallengeID
		}
		if d.RequestID != "" {
			details["approval_request_id"] = d.RequestID
		}
		if d.GrantID != "" {
			details["grant_id"] = d.GrantID
		}
		_ = e.sink.Record(ctx, audit.Event{
			Type:     "access.decision",
			Severity: severity,
			Outcome:  outcome,
			ActorID:  req.Principal.ID,
			Details:  details,
			Risk:     &audit.Risk{Score: assessment.Score, Factors: assessment.Factors},
		})
	}
	return d
}

func hasAlert(alerts []session.Alert, kind string) bool {
	for _, a := range alerts {
		if a.Kind == kind {
			return true
		}
	}
	return false
}
