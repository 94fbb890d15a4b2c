package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"movara.org/internal/access"
	"movara.org/internal/audit"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// withAuth resolves the bearer token into a principal and the session it
// was minted for. Everything past the public paths requires both.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}

		claims, err := access.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
			return
		}
		// The role is re-derived from the assignment table on every
		// request. The role claim inside the token is informational;
		// a forged or stale claim never changes what the caller may do.
		principal, err := a.catalog.ResolveAssigned(claims.Subject)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "unknown principal")
			return
		}

		ctx := access.ContextWithPrincipal(r.Context(), principal)
		ctx = access.ContextWithSessionID(ctx, claims.SessionID)
		ctx = audit.WithActor(ctx, principal.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireCaller pulls the authenticated principal and session out of the
// context; the middleware guarantees both on protected paths.
func requireCaller(ctx context.Context) (access.Principal, string, error) {
	principal, ok := access.PrincipalFromContext(ctx)
	if !ok {
		return access.Principal{}, "", errors.New("not authenticated")
	}
	sessionID, ok := access.SessionIDFromContext(ctx)
	if !ok || sessionID == "" {
		return access.Principal{}, "", errors.New("session missing from token")
	}
	return principal, sessionID, nil
}

func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, perm string) (access.Principal, string, bool) {
	principal, sessionID, err := requireCaller(r.Context())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
		return access.Principal{}, "", false
	}
	if perm != "" && !principal.HasPermission(perm) {
		writeError(w, r, http.StatusForbidden, "INSUFFICIENT_PERMISSION", "permission denied")
		return access.Principal{}, "", false
	}
	return principal, sessionID, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
