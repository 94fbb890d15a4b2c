package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"movara.org/internal/mfa"
)

type issueChallengeRequest struct {
	Method string `json:"method"`
}

type issueChallengeResponse struct {
	Challenge *mfa.Challenge `json:"challenge"`
	// Code is returned inline because no delivery channel is wired up;
	// a real deployment sends it out of band and drops this field.
	Code string `json:"code"`
}

type verifyChallengeRequest struct {
	Code string `json:"code"`
}

func (a *API) handleChallengesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, sessionID, err := requireCaller(r.Context())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
		return
	}
	var req issueChallengeRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	ch, code, err := a.challenges.Issue(r.Context(), principal.ID, sessionID, mfa.Method(strings.TrimSpace(req.Method)))
	if err != nil {
		handleMFAError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/mfa/challenges/"+ch.ID)
	writeJSON(w, http.StatusCreated, issueChallengeResponse{Challenge: ch, Code: code})
}

func (a *API) handleChallengeResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/mfa/challenges/")
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "verify" {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, _, err := requireCaller(r.Context()); err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
		return
	}
	var req verifyChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	ch, err := a.challenges.Verify(r.Context(), parts[0], req.Code)
	if err != nil {
		handleMFAError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func handleMFAError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, mfa.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, mfa.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "challenge not found")
	case errors.Is(err, mfa.ErrCodeMismatch):
		writeError(w, r, http.StatusForbidden, "CODE_MISMATCH", "verification failed")
	case errors.Is(err, mfa.ErrChallengeExpired):
		writeError(w, r, http.StatusConflict, "CHALLENGE_EXPIRED", "challenge expired")
	case errors.Is(err, mfa.ErrChallengeConsumed):
		writeError(w, r, http.StatusConflict, "CHALLENGE_CONSUMED", "challenge already used")
	case errors.Is(err, mfa.ErrTooManyAttempts), errors.Is(err, mfa.ErrChallengeFailed):
		writeError(w, r, http.StatusForbidden, "CHALLENGE_LOCKED", "verification failed")
	case errors.Is(err, mfa.ErrConflict):
		writeError(w, r, http.StatusConflict, "CONFLICT", "concurrent update, retry")
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "mfa operation failed")
	}
}
