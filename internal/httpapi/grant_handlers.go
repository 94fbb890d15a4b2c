package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"movara.org/internal/access"
	"movara.org/internal/audit"
	"movara.org/internal/grant"
)

func (a *API) handleGrantResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/grants/")
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
		a.getGrant(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "revoke":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revokeGrant(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
	}
}

func (a *API) getGrant(w http.ResponseWriter, r *http.Request, id string) {
	principal, _, err := requireCaller(r.Context())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
		return
	}
	tok, gerr := a.grants.Get(r.Context(), id)
	if gerr != nil {
		handleGrantError(w, r, gerr)
		return
	}
	// Holders see their own grants; responders see everyone's.
	if tok.PrincipalID != principal.ID && !principal.HasPermission(access.PermApprovalRespond) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "grant not found")
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (a *API) revokeGrant(w http.ResponseWriter, r *http.Request, id string) {
	principal, _, err := requireCaller(r.Context())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
		return
	}
	tok, gerr := a.grants.Get(r.Context(), id)
	if gerr != nil {
		handleGrantError(w, r, gerr)
		return
	}
	if tok.PrincipalID != principal.ID && !principal.HasPermission(access.PermApprovalRespond) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "grant not found")
		return
	}
	revoked, gerr := a.grants.Revoke(r.Context(), id)
	if gerr != nil {
		handleGrantError(w, r, gerr)
		return
	}
	if a.sink != nil {
		_ = a.sink.Record(r.Context(), audit.Event{
			Type:     "grant.revoked",
			Severity: audit.SeverityMedium,
			Outcome:  audit.OutcomeSuccess,
			ActorID:  principal.ID,
			Details: map[string]any{
				"grant_id":     revoked.ID,
				"principal_id": revoked.PrincipalID,
				"request_id":   revoked.RequestID,
			},
		})
	}
	writeJSON(w, http.StatusOK, revoked)
}

func handleGrantError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, grant.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, grant.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "grant not found")
	case errors.Is(err, grant.ErrConflict):
		writeError(w, r, http.StatusConflict, "ALREADY_REVOKED", "grant already revoked")
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "grant operation failed")
	}
}
