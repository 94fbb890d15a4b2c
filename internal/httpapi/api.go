// Package httpapi is the HTTP surface of the access service. Routing is
// a plain net/http mux with manual path dispatch; every response body is
// JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"movara.org/internal/access"
	"movara.org/internal/approval"
	"movara.org/internal/audit"
	"movara.org/internal/grant"
	"movara.org/internal/mfa"
	"movara.org/internal/obs"
	"movara.org/internal/session"
)

// ReadyProbe reports backend readiness (storage ping).
type ReadyProbe struct {
	Check func(ctx context.Context) error
}

func (rp ReadyProbe) check(ctx context.Context) error {
	if rp.Check == nil {
		return nil
	}
	return rp.Check(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	catalog    *access.Catalog
	evaluator  *access.Evaluator
	engine     *approval.Engine
	challenges *mfa.Manager
	grants     *grant.Issuer
	sessions   session.Store
	sink       *audit.Sink
	readyProbe ReadyProbe
	version    string
}

func New(
	catalog *access.Catalog,
	evaluator *access.Evaluator,
	engine *approval.Engine,
	challenges *mfa.Manager,
	grants *grant.Issuer,
	sessions session.Store,
	sink *audit.Sink,
	rp ReadyProbe,
	version string,
) *API {
	a := &API{
		mux:        http.NewServeMux(),
		catalog:    catalog,
		evaluator:  evaluator,
		engine:     engine,
		challenges: challenges,
		grants:     grants,
		sessions:   sessions,
		sink:       sink,
		readyProbe: rp,
		version:    version,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("/v1/access/evaluate", a.handleEvaluate)
	a.mux.HandleFunc("/v1/roles/assign", a.handleRoleAssign)
	a.mux.HandleFunc("/v1/roles/revoke", a.handleRoleRevoke)
	a.mux.HandleFunc("/v1/approvals", a.handleApprovalsCollection)
	a.mux.HandleFunc("/v1/approvals/", a.handleApprovalResource)
	a.mux.HandleFunc("/v1/mfa/challenges", a.handleChallengesCollection)
	a.mux.HandleFunc("/v1/mfa/challenges/", a.handleChallengeResource)
	a.mux.HandleFunc("/v1/grants/", a.handleGrantResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 20, 10)
	h = Logging(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "movara-access",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "movara-access",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the stable machine-readable code alongside the
// human-readable message.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
