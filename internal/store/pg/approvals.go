package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"movara.org/internal/approval"
	"movara.org/internal/grant"
)

type approvalStore struct{ db *sql.DB }

func (a approvalStore) CreateRequest(ctx context.Context, req *approval.Request) error {
	payload, err := json.Marshal(req.Change.Payload)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `
		insert into approval_requests (id, action, requester_id, change_kind, change_payload, status, required_approvers, current_approvals, created_at, expires_at, version)
		values ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, 1)
	`, req.ID, req.Action, req.RequesterID, req.Change.Kind, payload, string(req.Status), req.RequiredApprovers, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return approval.ErrConflict
		}
		return err
	}
	req.Version = 1
	return nil
}

func (a approvalStore) GetRequest(ctx context.Context, id string) (*approval.Request, error) {
	return a.getRequest(ctx, a.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (a approvalStore) getRequest(ctx context.Context, q querier, id string) (*approval.Request, error) {
	var (
		req        approval.Request
		rawPayload []byte
	)
	err := q.QueryRowContext(ctx, `
		select id, action, requester_id, change_kind, change_payload, status, required_approvers, current_approvals, created_at, expires_at, version
		from approval_requests
		where id = $1
	`, id).Scan(&req.ID, &req.Action, &req.RequesterID, &req.Change.Kind, &rawPayload, &req.Status, &req.RequiredApprovers, &req.CurrentApprovals, &req.CreatedAt, &req.ExpiresAt, &req.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawPayload) > 0 {
		if err := json.Unmarshal(rawPayload, &req.Change.Payload); err != nil {
			return nil, err
		}
	}

	rows, err := q.QueryContext(ctx, `
		select request_id, approver_id, decision, comment, responded_at
		from approval_responses
		where request_id = $1
		order by responded_at
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var resp approval.Response
		if err := rows.Scan(&resp.RequestID, &resp.ApproverID, &resp.Decision, &resp.Comment, &resp.At); err != nil {
			return nil, err
		}
		req.Responses = append(req.Responses, resp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (a approvalStore) ListRequests(ctx context.Context, f approval.Filter) ([]*approval.Request, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", idx))
		args = append(args, string(f.Status))
		idx++
	}
	if f.RequesterID != "" {
		where = append(where, fmt.Sprintf("requester_id = $%d", idx))
		args = append(args, f.RequesterID)
		idx++
	}
	if f.Action != "" {
		where = append(where, fmt.Sprintf("action = $%d", idx))
		args = append(args, f.Action)
		idx++
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `select id from approval_requests`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, ` and `)
	}
	query += fmt.Sprintf(` order by created_at desc limit $%d`, idx)
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*approval.Request, 0, len(ids))
	for _, id := range ids {
		req, err := a.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (a approvalStore) FindOpen(ctx context.Context, requesterID, action string) (*approval.Request, error) {
	var id string
	err := a.db.QueryRowContext(ctx, `
		select id from approval_requests
		where requester_id = $1 and action = $2 and status = 'pending'
		order by created_at desc
		limit 1
	`, requesterID, action).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a.GetRequest(ctx, id)
}

// AddResponse records the verdict, the status move and the staged grant
// in one transaction. The (request_id, approver_id) primary key rejects
// duplicate approvers, the status+version guard serializes racing ones.
func (a approvalStore) AddResponse(ctx context.Context, requestID string, version int, resp approval.Response, next approval.Status, approvals int, staged *grant.Token) (*approval.Request, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into approval_responses (request_id, approver_id, decision, comment, responded_at)
		values ($1, $2, $3, $4, $5)
	`, requestID, resp.ApproverID, string(resp.Decision), resp.Comment, resp.At); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return nil, approval.ErrDuplicateResponse
			case pgErrForeignKeyViolation:
				return nil, approval.ErrNotFound
			}
		}
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		update approval_requests
		set status = $2, current_approvals = $3, version = version + 1
		where id = $1 and status = 'pending' and version = $4
	`, requestID, string(next), approvals, version)
	if err != nil {
		return nil, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if aff == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `select status from approval_requests where id = $1`, requestID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, approval.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if approval.Status(status).Terminal() {
			return nil, approval.ErrAlreadyTerminal
		}
		return nil, approval.ErrVersionConflict
	}

	if staged != nil {
		perms, err := json.Marshal(staged.Permissions)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into grants (id, principal_id, request_id, granted_by, permissions, granted_at, expires_at, revoked)
			values ($1, $2, $3, $4, $5, $6, $7, false)
		`, staged.ID, staged.PrincipalID, staged.RequestID, staged.GrantedBy, perms, staged.GrantedAt, staged.ExpiresAt); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return nil, grant.ErrConflict
			}
			return nil, err
		}
	}

	req, err := a.getRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return req, nil
}

func (a approvalStore) Transition(ctx context.Context, requestID string, version int, to approval.Status) (*approval.Request, error) {
	res, err := a.db.ExecContext(ctx, `
		update approval_requests
		set status = $2, version = version + 1
		where id = $1 and status = 'pending' and version = $3
	`, requestID, string(to), version)
	if err != nil {
		return nil, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if aff == 0 {
		req, err := a.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req.Status.Terminal() {
			return nil, approval.ErrAlreadyTerminal
		}
		return nil, approval.ErrVersionConflict
	}
	return a.GetRequest(ctx, requestID)
}

func (a approvalStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*approval.Request, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx, `
		select id from approval_requests
		where status = 'pending' and expires_at <= $1
		order by expires_at
		limit $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*approval.Request, 0, len(ids))
	for _, id := range ids {
		req, err := a.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}
