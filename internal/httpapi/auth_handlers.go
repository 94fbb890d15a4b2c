package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"movara.org/internal/access"
	"movara.org/internal/audit"
	"movara.org/internal/session"
)

type tokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

const tokenTTL = 15 * time.Minute

// handleAuthToken is the login: it opens an explicit session pinned to
// the caller's IP and user agent and mints the bearer bound to it.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "user_id is required")
		return
	}
	// The role always comes off the recorded assignment. The request's
	// role field is at most the scope the caller expects to operate
	// under, never a source of truth.
	principal, err := a.catalog.ResolveAssigned(userID)
	if err != nil {
		writeError(w, r, http.StatusForbidden, "NO_ROLE_ASSIGNMENT", "no role assignment on record")
		return
	}
	if requested := strings.TrimSpace(req.Role); requested != "" && !strings.EqualFold(requested, principal.Role) {
		writeError(w, r, http.StatusForbidden, "ROLE_MISMATCH", "requested role does not match the recorded assignment")
		return
	}

	now := time.Now().UTC()
	sess := &session.Session{
		ID:          uuid.NewString(),
		PrincipalID: principal.ID,
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if err := a.sessions.Create(r.Context(), sess); err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "session creation failed")
		return
	}

	token, err := access.GenerateToken(principal.ID, principal.Role, sess.ID, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "token generation failed")
		return
	}

	if a.sink != nil {
		_ = a.sink.Record(r.Context(), audit.Event{
			Type:    "auth.token.issued",
			Outcome: audit.OutcomeSuccess,
			ActorID: principal.ID,
			Details: map[string]any{
				"session_id": sess.ID,
				"role":       principal.Role,
				"expires_at": now.Add(tokenTTL).Format(time.RFC3339),
			},
		})
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		SessionID: sess.ID,
		ExpiresAt: now.Add(tokenTTL),
	})
}
