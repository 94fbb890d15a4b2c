// Package store bundles the per-component persistence interfaces into
// one gateway so wiring code deals with a single dependency. Production
// uses the Postgres implementation under store/pg; tests and local runs
// use the in-memory one here.
package store

import (
	"context"

	"movara.org/internal/approval"
	"movara.org/internal/audit"
	"movara.org/internal/grant"
	"movara.org/internal/mfa"
	"movara.org/internal/session"
)

// Gateway is everything the service needs persisted.
type Gateway interface {
	Sessions() session.Store
	Challenges() mfa.Store
	Approvals() approval.Store
	Grants() grant.Store
	Audit() audit.Store

	Ping(ctx context.Context) error
	Close() error
}
