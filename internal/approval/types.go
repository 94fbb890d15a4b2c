package approval

import (
	"context"
	"errors"
	"time"

	"movara.org/internal/grant"
)

var (
	ErrNotFound     = errors.New("approval: request not found")
	ErrInvalidInput = errors.New("approval: invalid input")
	ErrConflict     = errors.New("approval: conflict")

	// ErrAlreadyTerminal rejects mutations of approved/rejected/expired/
	// cancelled requests.
	ErrAlreadyTerminal = errors.New("approval: request already terminal")
	// ErrDuplicateResponse rejects a second response from the same approver.
	ErrDuplicateResponse = errors.New("approval: duplicate approver response")
	// ErrVersionConflict signals a lost optimistic-concurrency race; the
	// engine re-reads and retries.
	ErrVersionConflict = errors.New("approval: version conflict")
	// ErrNotRequester rejects a cancel from anyone but the original requester.
	ErrNotRequester = errors.New("approval: only the requester may cancel")
)

// Status is the request lifecycle state. Every status except pending is
// terminal and immutable.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status accepts no further responses.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Decision is an approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Workflow is the static per-action approval policy. Read-only to the
// core; edits arrive through deployment configuration.
type Workflow struct {
	Action               string        `json:"action"`
	RequiredApprovers    int           `json:"required_approvers"`
	SensitivityThreshold float64       `json:"sensitivity_threshold"`
	GrantTTL             time.Duration `json:"grant_ttl"`
	GrantPermissions     []string      `json:"grant_permissions,omitempty"`
}

// Change is the staged, not-yet-applied mutation a request carries.
type Change struct {
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Response is one approver's verdict on a request. Exactly one response
// per (request, approver) pair is accepted.
type Response struct {
	RequestID  string    `json:"request_id"`
	ApproverID string    `json:"approver_id"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	At         time.Time `json:"at"`
}

// Request is a pending-change/pending-access request moving through the
// workflow. Status is monotonic: once terminal it never changes again.
type Request struct {
	ID                string     `json:"id"`
	Action            string     `json:"action"`
	RequesterID       string     `json:"requester_id"`
	Change            Change     `json:"change"`
	Status            Status     `json:"status"`
	RequiredApprovers int        `json:"required_approvers"`
	CurrentApprovals  int        `json:"current_approvals"`
	Responses         []Response `json:"responses,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Version           int        `json:"-"`
}

// HasResponse reports whether the approver already responded.
func (r *Request) HasResponse(approverID string) bool {
	for _, resp := range r.Responses {
		if resp.ApproverID == approverID {
			return true
		}
	}
	return false
}

// Filter narrows request listings.
type Filter struct {
	Status      Status
	RequesterID string
	Action      string
	Limit       int
}

// Store persists requests. AddResponse and Transition are conditional
// writes guarded by status=pending and the observed version; this is
// what serializes racing approvers across process instances.
type Store interface {
	CreateRequest(ctx context.Context, req *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	ListRequests(ctx context.Context, f Filter) ([]*Request, error)
	// FindOpen returns the pending request for (requester, action), or
	// ErrNotFound.
	FindOpen(ctx context.Context, requesterID, action string) (*Request, error)
	// AddResponse atomically records the response, writes the new
	// approval count and status, and persists the staged grant (when
	// non-nil) in the same transaction. Guarded by status=pending and
	// the caller's observed version.
	AddResponse(ctx context.Context, requestID string, version int, resp Response, next Status, approvals int, staged *grant.Token) (*Request, error)
	// Transition conditionally moves a pending request to a terminal
	// status.
	Transition(ctx context.Context, requestID string, version int, to Status) (*Request, error)
	// ListExpiredPending returns pending requests whose expiry passed,
	// for the optional sweeper.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Request, error)
}
