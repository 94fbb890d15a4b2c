package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"movara.org/internal/access"
	"movara.org/internal/approval"
	"movara.org/internal/grant"
)

type submitApprovalRequest struct {
	Action  string            `json:"action"`
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload"`
}

type respondRequest struct {
	Comment string `json:"comment"`
}

type approvalResponse struct {
	Request *approval.Request `json:"request"`
	Grant   *grant.Token      `json:"grant,omitempty"`
}

func (a *API) handleApprovalsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.submitApproval(w, r)
	case http.MethodGet:
		a.listApprovals(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) submitApproval(w http.ResponseWriter, r *http.Request) {
	principal, _, err := requireCaller(r.Context())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
		return
	}
	var req submitApprovalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "action is required")
		return
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		kind = approval.ChangeAccessGrant
	}
	// Privileged change kinds go through the same gate the evaluator
	// applies: the role.manage permission plus the strict-outranking
	// check. The applier re-verifies at close time.
	if kind == "role.assign" || kind == "role.revoke" {
		if !principal.HasPermission(access.PermRoleManage) {
			writeError(w, r, http.StatusForbidden, "INSUFFICIENT_PERMISSION", "permission denied")
			return
		}
		target := strings.TrimSpace(req.Payload["target_user_id"])
		role := strings.TrimSpace(req.Payload["target_role"])
		if target == "" || (kind == "role.assign" && role == "") {
			writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "role changes need target_user_id and target_role")
			return
		}
		switch err := a.catalog.CheckTransfer(principal.Level, target, role); {
		case errors.Is(err, access.ErrNotFound):
			writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		case errors.Is(err, access.ErrDenied):
			writeError(w, r, http.StatusForbidden, "INSUFFICIENT_PRIVILEGE_LEVEL", "actor must outrank the target role and user")
			return
		case err != nil:
			writeError(w, r, http.StatusInternalServerError, "INTERNAL", "transfer check failed")
			return
		}
	}
	pending, created, err := a.engine.Submit(r.Context(), principal.ID, req.Action, approval.Change{
		Kind:    kind,
		Payload: req.Payload,
	})
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !created {
		// Re-submission returns the still-open request.
		status = http.StatusOK
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/approvals/%s", pending.ID))
	writeJSON(w, status, pending)
}

func (a *API) listApprovals(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := a.ensurePermission(w, r, access.PermApprovalRead); !ok {
		return
	}
	q := r.URL.Query()
	f := approval.Filter{
		Status:      approval.Status(strings.TrimSpace(q.Get("status"))),
		RequesterID: strings.TrimSpace(q.Get("requester_id")),
		Action:      strings.TrimSpace(q.Get("action")),
	}
	items, err := a.engine.List(r.Context(), f)
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleApprovalResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/approvals/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getApproval(w, r, parts[0])
	case len(parts) == 2:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		switch parts[1] {
		case "approve":
			a.approve(w, r, parts[0])
		case "reject":
			a.reject(w, r, parts[0])
		case "cancel":
			a.cancel(w, r, parts[0])
		case "rollback":
			a.rollback(w, r, parts[0])
		default:
			writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
		}
	default:
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
	}
}

func (a *API) getApproval(w http.ResponseWriter, r *http.Request, id string) {
	if _, _, ok := a.ensurePermission(w, r, access.PermApprovalRead); !ok {
		return
	}
	req, err := a.engine.Get(r.Context(), id)
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) approve(w http.ResponseWriter, r *http.Request, id string) {
	principal, _, ok := a.ensurePermission(w, r, access.PermApprovalRespond)
	if !ok {
		return
	}
	var body respondRequest
	if err := decodeOptionalJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	req, tok, err := a.engine.Approve(r.Context(), id, principal.ID, body.Comment)
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approvalResponse{Request: req, Grant: tok})
}

func (a *API) reject(w http.ResponseWriter, r *http.Request, id string) {
	principal, _, ok := a.ensurePermission(w, r, access.PermApprovalRespond)
	if !ok {
		return
	}
	var body respondRequest
	if err := decodeOptionalJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	req, err := a.engine.Reject(r.Context(), id, principal.ID, body.Comment)
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request, id string) {
	principal, _, err := requireCaller(r.Context())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
		return
	}
	req, cerr := a.engine.Cancel(r.Context(), id, principal.ID)
	if cerr != nil {
		handleApprovalError(w, r, cerr)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) rollback(w http.ResponseWriter, r *http.Request, id string) {
	principal, _, err := requireCaller(r.Context())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
		return
	}
	compensating, rerr := a.engine.Rollback(r.Context(), id, principal.ID)
	if rerr != nil {
		handleApprovalError(w, r, rerr)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/approvals/%s", compensating.ID))
	writeJSON(w, http.StatusCreated, compensating)
}

// decodeOptionalJSON tolerates an empty body for action endpoints where
// the comment is optional.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	err := decodeJSON(w, r, dst)
	if err != nil && err.Error() == "request body is required" {
		return nil
	}
	return err
}

func handleApprovalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, approval.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "approval request not found")
	case errors.Is(err, approval.ErrNotRequester):
		writeError(w, r, http.StatusForbidden, "NOT_REQUESTER", "only the requester may do that")
	case errors.Is(err, approval.ErrDuplicateResponse):
		writeError(w, r, http.StatusConflict, "DUPLICATE_RESPONSE", "approver already responded")
	case errors.Is(err, approval.ErrAlreadyTerminal):
		writeError(w, r, http.StatusConflict, "ALREADY_TERMINAL", "request already settled")
	case errors.Is(err, approval.ErrVersionConflict), errors.Is(err, approval.ErrConflict):
		writeError(w, r, http.StatusConflict, "CONFLICT", "concurrent update, retry")
	case errors.Is(err, grant.ErrConflict):
		writeError(w, r, http.StatusConflict, "CONFLICT", "grant already issued")
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "approval operation failed")
	}
}
