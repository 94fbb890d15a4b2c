package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"movara.org/internal/approval"
	"movara.org/internal/audit"
	"movara.org/internal/grant"
	"movara.org/internal/mfa"
	"movara.org/internal/session"
)

// Memory is the mutex-guarded in-memory gateway. It keeps the same
// conditional-write semantics as the Postgres implementation so the
// engines behave identically against either.
type Memory struct {
	mu         sync.Mutex
	sessions   map[string]*session.Session
	challenges map[string]*mfa.Challenge
	requests   map[string]*approval.Request
	grants     map[string]*grant.Token
	events     []audit.Event
}

// NewMemory constructs an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		sessions:   map[string]*session.Session{},
		challenges: map[string]*mfa.Challenge{},
		requests:   map[string]*approval.Request{},
		grants:     map[string]*grant.Token{},
	}
}

func (m *Memory) Sessions() session.Store    { return memSessions{m} }
func (m *Memory) Challenges() mfa.Store      { return memChallenges{m} }
func (m *Memory) Approvals() approval.Store  { return memApprovals{m} }
func (m *Memory) Grants() grant.Store        { return memGrants{m} }
func (m *Memory) Audit() audit.Store         { return memAudit{m} }
func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

// Events returns a copy of everything appended so far (test helper).
func (m *Memory) Events() []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Event, len(m.events))
	copy(out, m.events)
	return out
}

// --- sessions ---

type memSessions struct{ m *Memory }

func (s memSessions) Create(_ context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("%w: session id is required", session.ErrInvalidInput)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.sessions[sess.ID]; ok {
		return session.ErrConflict
	}
	sess.Version = 1
	s.m.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s memSessions) Get(_ context.Context, id string) (*session.Session, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	stored, ok := s.m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return cloneSession(stored), nil
}

func (s memSessions) Update(_ context.Context, sess *session.Session) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	stored, ok := s.m.sessions[sess.ID]
	if !ok {
		return session.ErrNotFound
	}
	if stored.Version != sess.Version {
		return session.ErrConflict
	}
	sess.Version++
	s.m.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s memSessions) Delete(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.sessions[id]; !ok {
		return session.ErrNotFound
	}
	delete(s.m.sessions, id)
	return nil
}

// --- mfa challenges ---

type memChallenges struct{ m *Memory }

func (c memChallenges) Create(_ context.Context, ch *mfa.Challenge) error {
	if ch == nil || ch.ID == "" {
		return fmt.Errorf("%w: challenge id is required", mfa.ErrInvalidInput)
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if _, ok := c.m.challenges[ch.ID]; ok {
		return mfa.ErrConflict
	}
	ch.Version = 1
	c.m.challenges[ch.ID] = cloneChallenge(ch)
	return nil
}

func (c memChallenges) Get(_ context.Context, id string) (*mfa.Challenge, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	stored, ok := c.m.challenges[id]
	if !ok {
		return nil, mfa.ErrNotFound
	}
	return cloneChallenge(stored), nil
}

func (c memChallenges) Update(_ context.Context, ch *mfa.Challenge) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	stored, ok := c.m.challenges[ch.ID]
	if !ok {
		return mfa.ErrNotFound
	}
	if stored.Version != ch.Version {
		return mfa.ErrConflict
	}
	ch.Version++
	c.m.challenges[ch.ID] = cloneChallenge(ch)
	return nil
}

func (c memChallenges) Consume(_ context.Context, id string, verifiedAt time.Time) (*mfa.Challenge, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	stored, ok := c.m.challenges[id]
	if !ok {
		return nil, mfa.ErrNotFound
	}
	if stored.Consumed || stored.Status == mfa.StatusVerified {
		return nil, mfa.ErrChallengeConsumed
	}
	if stored.Status != mfa.StatusIssued {
		return nil, mfa.ErrConflict
	}
	stored.Consumed = true
	stored.Status = mfa.StatusVerified
	at := verifiedAt.UTC()
	stored.VerifiedAt = &at
	stored.Version++
	return cloneChallenge(stored), nil
}

func (c memChallenges) RecentFailures(_ context.Context, principalID string, since time.Time) (int, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	total := 0
	for _, ch := range c.m.challenges {
		if ch.PrincipalID != principalID || ch.IssuedAt.Before(since) {
			continue
		}
		failures := ch.Attempts
		if ch.Status == mfa.StatusVerified && failures > 0 {
			// The last attempt succeeded.
			failures--
		}
		total += failures
	}
	return total, nil
}

func (c memChallenges) LatestVerified(_ context.Context, sessionID string, since time.Time) (*mfa.Challenge, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	var latest *mfa.Challenge
	for _, ch := range c.m.challenges {
		if ch.SessionID != sessionID || !ch.Consumed || ch.VerifiedAt == nil {
			continue
		}
		if ch.VerifiedAt.Before(since) {
			continue
		}
		if latest == nil || ch.VerifiedAt.After(*latest.VerifiedAt) {
			latest = ch
		}
	}
	if latest == nil {
		return nil, mfa.ErrNotFound
	}
	return cloneChallenge(latest), nil
}

// --- approval requests ---

type memApprovals struct{ m *Memory }

func (a memApprovals) CreateRequest(_ context.Context, req *approval.Request) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("%w: request id is required", approval.ErrInvalidInput)
	}
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	if _, ok := a.m.requests[req.ID]; ok {
		return approval.ErrConflict
	}
	req.Version = 1
	a.m.requests[req.ID] = cloneRequest(req)
	return nil
}

func (a memApprovals) GetRequest(_ context.Context, id string) (*approval.Request, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	stored, ok := a.m.requests[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	return cloneRequest(stored), nil
}

func (a memApprovals) ListRequests(_ context.Context, f approval.Filter) ([]*approval.Request, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	var out []*approval.Request
	for _, req := range a.m.requests {
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		if f.RequesterID != "" && req.RequesterID != f.RequesterID {
			continue
		}
		if f.Action != "" && req.Action != f.Action {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (a memApprovals) FindOpen(_ context.Context, requesterID, action string) (*approval.Request, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	for _, req := range a.m.requests {
		if req.RequesterID == requesterID && req.Action == action && req.Status == approval.StatusPending {
			return cloneRequest(req), nil
		}
	}
	return nil, approval.ErrNotFound
}

func (a memApprovals) AddResponse(_ context.Context, requestID string, version int, resp approval.Response, next approval.Status, approvals int, staged *grant.Token) (*approval.Request, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	stored, ok := a.m.requests[requestID]
	if !ok {
		return nil, approval.ErrNotFound
	}
	if stored.Status.Terminal() {
		return nil, approval.ErrAlreadyTerminal
	}
	if stored.HasResponse(resp.ApproverID) {
		return nil, approval.ErrDuplicateResponse
	}
	if stored.Version != version {
		return nil, approval.ErrVersionConflict
	}
	if staged != nil {
		if _, exists := a.m.grants[staged.ID]; exists {
			return nil, grant.ErrConflict
		}
		for _, tok := range a.m.grants {
			if tok.RequestID == staged.RequestID {
				return nil, grant.ErrConflict
			}
		}
		a.m.grants[staged.ID] = cloneToken(staged)
	}
	stored.Responses = append(stored.Responses, resp)
	stored.CurrentApprovals = approvals
	stored.Status = next
	stored.Version++
	return cloneRequest(stored), nil
}

func (a memApprovals) Transition(_ context.Context, requestID string, version int, to approval.Status) (*approval.Request, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	stored, ok := a.m.requests[requestID]
	if !ok {
		return nil, approval.ErrNotFound
	}
	if stored.Status.Terminal() {
		return nil, approval.ErrAlreadyTerminal
	}
	if stored.Version != version {
		return nil, approval.ErrVersionConflict
	}
	stored.Status = to
	stored.Version++
	return cloneRequest(stored), nil
}

func (a memApprovals) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]*approval.Request, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	var out []*approval.Request
	for _, req := range a.m.requests {
		if req.Status != approval.StatusPending || req.ExpiresAt.After(now) {
			continue
		}
		out = append(out, cloneRequest(req))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- grants ---

type memGrants struct{ m *Memory }

func (g memGrants) Create(_ context.Context, tok *grant.Token) error {
	if tok == nil || tok.ID == "" {
		return fmt.Errorf("%w: grant id is required", grant.ErrInvalidInput)
	}
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	if _, ok := g.m.grants[tok.ID]; ok {
		return grant.ErrConflict
	}
	for _, existing := range g.m.grants {
		if tok.RequestID != "" && existing.RequestID == tok.RequestID {
			return grant.ErrConflict
		}
	}
	g.m.grants[tok.ID] = cloneToken(tok)
	return nil
}

func (g memGrants) Get(_ context.Context, id string) (*grant.Token, error) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	stored, ok := g.m.grants[id]
	if !ok {
		return nil, grant.ErrNotFound
	}
	return cloneToken(stored), nil
}

func (g memGrants) Revoke(_ context.Context, id string) (*grant.Token, error) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	stored, ok := g.m.grants[id]
	if !ok {
		return nil, grant.ErrNotFound
	}
	if stored.Revoked {
		return nil, grant.ErrConflict
	}
	stored.Revoked = true
	return cloneToken(stored), nil
}

func (g memGrants) ByRequest(_ context.Context, requestID string) (*grant.Token, error) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	for _, tok := range g.m.grants {
		if tok.RequestID == requestID {
			return cloneToken(tok), nil
		}
	}
	return nil, grant.ErrNotFound
}

func (g memGrants) ActiveFor(_ context.Context, principalID, permission string, now time.Time) (*grant.Token, error) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	var best *grant.Token
	for _, tok := range g.m.grants {
		if tok.PrincipalID != principalID || tok.Revoked || !now.Before(tok.ExpiresAt) {
			continue
		}
		if !tok.HasPermission(permission) {
			continue
		}
		if best == nil || tok.ExpiresAt.After(best.ExpiresAt) {
			best = tok
		}
	}
	if best == nil {
		return nil, grant.ErrNotFound
	}
	return cloneToken(best), nil
}

// --- audit ---

type memAudit struct{ m *Memory }

func (a memAudit) Append(_ context.Context, events []audit.Event) error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	a.m.events = append(a.m.events, events...)
	return nil
}

// --- clones ---

func cloneSession(s *session.Session) *session.Session {
	out := *s
	out.Alerts = append([]string(nil), s.Alerts...)
	return &out
}

func cloneChallenge(c *mfa.Challenge) *mfa.Challenge {
	out := *c
	if c.VerifiedAt != nil {
		at := *c.VerifiedAt
		out.VerifiedAt = &at
	}
	return &out
}

func cloneRequest(r *approval.Request) *approval.Request {
	out := *r
	out.Responses = append([]approval.Response(nil), r.Responses...)
	if r.Change.Payload != nil {
		payload := make(map[string]string, len(r.Change.Payload))
		for k, v := range r.Change.Payload {
			payload[k] = v
		}
		out.Change.Payload = payload
	}
	return &out
}

func cloneToken(t *grant.Token) *grant.Token {
	out := *t
	out.Permissions = append([]string(nil), t.Permissions...)
	return &out
}
