package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"movara.org/internal/access"
	"movara.org/internal/mfa"
	"movara.org/internal/session"
)

type evaluateRequest struct {
	Action       string            `json:"action"`
	Region       string            `json:"region"`
	TargetUserID string            `json:"target_user_id"`
	TargetRole   string            `json:"target_role"`
	Payload      map[string]string `json:"payload"`
}

type roleChangeRequest struct {
	TargetUserID string `json:"target_user_id"`
	TargetRole   string `json:"target_role"`
	Region       string `json:"region"`
}

// handleEvaluate runs one protected action through the evaluator. The
// HTTP status mirrors the effect: 200 allow, 403 deny, 202 when the
// outcome is parked on a challenge or an approval quorum.
func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, sessionID, err := requireCaller(r.Context())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
		return
	}

	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "action is required")
		return
	}

	decision, err := a.evaluator.Evaluate(r.Context(), access.Request{
		Principal:    principal,
		Action:       req.Action,
		SessionID:    sessionID,
		Region:       req.Region,
		TargetUserID: req.TargetUserID,
		TargetRole:   req.TargetRole,
		IP:           clientIP(r),
		UserAgent:    r.UserAgent(),
		Payload:      req.Payload,
	})
	if err != nil {
		handleEvaluateError(w, r, err)
		return
	}
	writeJSON(w, decisionStatus(decision), decision)
}

func (a *API) handleRoleAssign(w http.ResponseWriter, r *http.Request) {
	a.handleRoleChange(w, r, "role.assign")
}

func (a *API) handleRoleRevoke(w http.ResponseWriter, r *http.Request) {
	a.handleRoleChange(w, r, "role.revoke")
}

// handleRoleChange routes role mutations through the evaluator; an
// outright allow applies the change immediately, everything else rides
// the decision back to the caller.
func (a *API) handleRoleChange(w http.ResponseWriter, r *http.Request, action string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, sessionID, ok := a.ensurePermission(w, r, access.PermRoleManage)
	if !ok {
		return
	}

	var req roleChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if strings.TrimSpace(req.TargetUserID) == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "target_user_id is required")
		return
	}
	if action == "role.assign" && strings.TrimSpace(req.TargetRole) == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "target_role is required")
		return
	}

	decision, err := a.evaluator.Evaluate(r.Context(), access.Request{
		Principal:    principal,
		Action:       action,
		SessionID:    sessionID,
		Region:       req.Region,
		TargetUserID: req.TargetUserID,
		TargetRole:   req.TargetRole,
		IP:           clientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		handleEvaluateError(w, r, err)
		return
	}
	status := decisionStatus(decision)
	if decision.Effect == access.EffectAllow {
		switch action {
		case "role.assign":
			err = a.catalog.Assign(req.TargetUserID, req.TargetRole)
		case "role.revoke":
			err = a.catalog.Revoke(req.TargetUserID)
		}
		if err != nil {
			handleEvaluateError(w, r, err)
			return
		}
		// An outright allow applied the change right here.
		status = http.StatusCreated
	}
	writeJSON(w, status, decision)
}

func decisionStatus(d access.Decision) int {
	switch d.Effect {
	case access.EffectAllow:
		return http.StatusOK
	case access.EffectDeny:
		return http.StatusForbidden
	default:
		// step_up_mfa and pending_approval park the outcome on a
		// follow-up action.
		return http.StatusAccepted
	}
}

func handleEvaluateError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrInvalidInput), errors.Is(err, mfa.ErrInvalidInput), errors.Is(err, session.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusUnauthorized, "SESSION_NOT_FOUND", "session not found")
	case errors.Is(err, access.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, session.ErrConflict):
		writeError(w, r, http.StatusConflict, "CONFLICT", "concurrent session update, retry")
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "evaluation failed")
	}
}
