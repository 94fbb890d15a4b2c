package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"movara.org/internal/mfa"
)

type challengeStore struct{ db *sql.DB }

func (c challengeStore) Create(ctx context.Context, ch *mfa.Challenge) error {
	_, err := c.db.ExecContext(ctx, `
		insert into mfa_challenges (id, principal_id, session_id, method, code_hash, status, attempts, issued_at, expires_at, consumed, version)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, 1)
	`, ch.ID, ch.PrincipalID, ch.SessionID, string(ch.Method), ch.CodeHash, string(ch.Status), ch.Attempts, ch.IssuedAt, ch.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return mfa.ErrConflict
		}
		return err
	}
	ch.Version = 1
	return nil
}

func (c challengeStore) Get(ctx context.Context, id string) (*mfa.Challenge, error) {
	var (
		ch         mfa.Challenge
		verifiedAt sql.NullTime
	)
	err := c.db.QueryRowContext(ctx, `
		select id, principal_id, session_id, method, code_hash, status, attempts, issued_at, expires_at, verified_at, consumed, version
		from mfa_challenges
		where id = $1
	`, id).Scan(&ch.ID, &ch.PrincipalID, &ch.SessionID, &ch.Method, &ch.CodeHash, &ch.Status, &ch.Attempts, &ch.IssuedAt, &ch.ExpiresAt, &verifiedAt, &ch.Consumed, &ch.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mfa.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if verifiedAt.Valid {
		at := verifiedAt.Time
		ch.VerifiedAt = &at
	}
	return &ch, nil
}

func (c challengeStore) Update(ctx context.Context, ch *mfa.Challenge) error {
	res, err := c.db.ExecContext(ctx, `
		update mfa_challenges
		set status = $2, attempts = $3, version = version + 1
		where id = $1 and version = $4
	`, ch.ID, string(ch.Status), ch.Attempts, ch.Version)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		var exists int
		err := c.db.QueryRowContext(ctx, `select 1 from mfa_challenges where id = $1`, ch.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return mfa.ErrNotFound
		}
		if err != nil {
			return err
		}
		return mfa.ErrConflict
	}
	ch.Version++
	return nil
}

// Consume flips consumed exactly once. The guard lives in the where
// clause, so concurrent verifications race on the row, not on a read.
func (c challengeStore) Consume(ctx context.Context, id string, verifiedAt time.Time) (*mfa.Challenge, error) {
	res, err := c.db.ExecContext(ctx, `
		update mfa_challenges
		set consumed = true, status = $2, verified_at = $3, version = version + 1
		where id = $1 and consumed = false and status = $4
	`, id, string(mfa.StatusVerified), verifiedAt, string(mfa.StatusIssued))
	if err != nil {
		return nil, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if aff == 0 {
		ch, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ch.Consumed {
			return nil, mfa.ErrChallengeConsumed
		}
		return nil, mfa.ErrConflict
	}
	return c.Get(ctx, id)
}

func (c challengeStore) RecentFailures(ctx context.Context, principalID string, since time.Time) (int, error) {
	var total int
	err := c.db.QueryRowContext(ctx, `
		select coalesce(sum(case when status = 'verified' and attempts > 0 then attempts - 1 else attempts end), 0)
		from mfa_challenges
		where principal_id = $1 and issued_at >= $2
	`, principalID, since).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (c challengeStore) LatestVerified(ctx context.Context, sessionID string, since time.Time) (*mfa.Challenge, error) {
	var id string
	err := c.db.QueryRowContext(ctx, `
		select id
		from mfa_challenges
		where session_id = $1 and consumed = true and verified_at >= $2
		order by verified_at desc
		limit 1
	`, sessionID, since).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mfa.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, id)
}
