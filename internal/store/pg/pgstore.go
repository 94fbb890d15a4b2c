// Package pg is the Postgres gateway. Plain database/sql over the pgx
// stdlib driver; conditional updates carry the optimistic-concurrency
// guards the engines rely on.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"movara.org/internal/approval"
	"movara.org/internal/audit"
	"movara.org/internal/grant"
	"movara.org/internal/mfa"
	"movara.org/internal/session"
	"movara.org/internal/store"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var _ store.Gateway = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (sqlmock in tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Sessions() session.Store   { return sessionStore{s.db} }
func (s *Store) Challenges() mfa.Store     { return challengeStore{s.db} }
func (s *Store) Approvals() approval.Store { return approvalStore{s.db} }
func (s *Store) Grants() grant.Store       { return grantStore{s.db} }
func (s *Store) Audit() audit.Store        { return auditStore{s.db} }

// --- sessions ---

type sessionStore struct{ db *sql.DB }

func (s sessionStore) Create(ctx context.Context, sess *session.Session) error {
	alerts, err := json.Marshal(sess.Alerts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into sessions (id, principal_id, ip, user_agent, created_at, last_seen_at, risk_score, alerts, version)
		values ($1, $2, $3, $4, $5, $6, $7, $8, 1)
	`, sess.ID, sess.PrincipalID, sess.IP, sess.UserAgent, sess.CreatedAt, sess.LastSeenAt, sess.RiskScore, alerts)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return session.ErrConflict
		}
		return err
	}
	sess.Version = 1
	return nil
}

func (s sessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	var (
		sess      session.Session
		rawAlerts []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, principal_id, ip, user_agent, created_at, last_seen_at, risk_score, alerts, version
		from sessions
		where id = $1
	`, id).Scan(&sess.ID, &sess.PrincipalID, &sess.IP, &sess.UserAgent, &sess.CreatedAt, &sess.LastSeenAt, &sess.RiskScore, &rawAlerts, &sess.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawAlerts) > 0 {
		if err := json.Unmarshal(rawAlerts, &sess.Alerts); err != nil {
			return nil, err
		}
	}
	return &sess, nil
}

func (s sessionStore) Update(ctx context.Context, sess *session.Session) error {
	alerts, err := json.Marshal(sess.Alerts)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set ip = $2, user_agent = $3, last_seen_at = $4, risk_score = $5, alerts = $6, version = version + 1
		where id = $1 and version = $7
	`, sess.ID, sess.IP, sess.UserAgent, sess.LastSeenAt, sess.RiskScore, alerts, sess.Version)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `select 1 from sessions where id = $1`, sess.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return session.ErrNotFound
		}
		if err != nil {
			return err
		}
		return session.ErrConflict
	}
	sess.Version++
	return nil
}

func (s sessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from sessions where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return session.ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
