package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"movara.org/internal/grant"
)

type grantStore struct{ db *sql.DB }

func (g grantStore) Create(ctx context.Context, tok *grant.Token) error {
	perms, err := json.Marshal(tok.Permissions)
	if err != nil {
		return err
	}
	_, err = g.db.ExecContext(ctx, `
		insert into grants (id, principal_id, request_id, granted_by, permissions, granted_at, expires_at, revoked)
		values ($1, $2, $3, $4, $5, $6, $7, false)
	`, tok.ID, tok.PrincipalID, tok.RequestID, tok.GrantedBy, perms, tok.GrantedAt, tok.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return grant.ErrConflict
		}
		return err
	}
	return nil
}

func (g grantStore) Get(ctx context.Context, id string) (*grant.Token, error) {
	return g.scanOne(ctx, `where id = $1`, id)
}

func (g grantStore) ByRequest(ctx context.Context, requestID string) (*grant.Token, error) {
	return g.scanOne(ctx, `where request_id = $1`, requestID)
}

// Revoke is guarded by revoked=false; a second revoke conflicts instead
// of silently succeeding so callers can tell the difference.
func (g grantStore) Revoke(ctx context.Context, id string) (*grant.Token, error) {
	res, err := g.db.ExecContext(ctx, `
		update grants set revoked = true
		where id = $1 and revoked = false
	`, id)
	if err != nil {
		return nil, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if aff == 0 {
		tok, err := g.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if tok.Revoked {
			return nil, grant.ErrConflict
		}
		return nil, grant.ErrNotFound
	}
	return g.Get(ctx, id)
}

func (g grantStore) ActiveFor(ctx context.Context, principalID, permission string, now time.Time) (*grant.Token, error) {
	key, err := json.Marshal([]string{permission})
	if err != nil {
		return nil, err
	}
	var id string
	err = g.db.QueryRowContext(ctx, `
		select id from grants
		where principal_id = $1 and revoked = false and expires_at > $2 and permissions @> $3
		order by expires_at desc
		limit 1
	`, principalID, now, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g.Get(ctx, id)
}

func (g grantStore) scanOne(ctx context.Context, where string, arg any) (*grant.Token, error) {
	var (
		tok      grant.Token
		rawPerms []byte
	)
	err := g.db.QueryRowContext(ctx, `
		select id, principal_id, request_id, granted_by, permissions, granted_at, expires_at, revoked
		from grants `+where, arg).Scan(&tok.ID, &tok.PrincipalID, &tok.RequestID, &tok.GrantedBy, &rawPerms, &tok.GrantedAt, &tok.ExpiresAt, &tok.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawPerms) > 0 {
		if err := json.Unmarshal(rawPerms, &tok.Permissions); err != nil {
			return nil, err
		}
	}
	return &tok, nil
}
