package access

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("access: not found")
	ErrInvalidInput = errors.New("access: invalid input")
	ErrDenied       = errors.New("access: denied")
)

// Permission keys known to the platform.
const (
	PermRideRead        = "ride.read"
	PermRiderRefund     = "rider.refund"
	PermDriverSuspend   = "driver.suspend"
	PermPayoutOverride  = "payout.override"
	PermPricingUpdate   = "region.pricing.update"
	PermRoleManage      = "role.manage"
	PermApprovalRead    = "approval.read"
	PermApprovalRespond = "approval.respond"
	PermAuditRead       = "audit.read"
)

// Role is a catalog entry: a named privilege level with a permission
// set and an allowed-region scope. Empty regions means unrestricted.
type Role struct {
	Name        string   `json:"name"`
	Level       int      `json:"level"`
	Permissions []string `json:"permissions"`
	Regions     []string `json:"regions,omitempty"`
}

// Principal is a user with its role resolved against the catalog.
// Immutable per request; refreshed on login or role change.
type Principal struct {
	ID          string
	Role        string
	Level       int
	Permissions map[string]struct{}
	Regions     []string
	MFAEnrolled bool
}

// HasPermission reports whether the principal's role carries the key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

// InRegion reports whether the principal's scope intersects the region.
func (p Principal) InRegion(region string) bool {
	if region == "" || len(p.Regions) == 0 {
		return true
	}
	for _, r := range p.Regions {
		if r == region {
			return true
		}
	}
	return false
}

// Catalog is the role/permission mapping plus per-user assignments.
// The evaluator only reads it; edits arrive as staged changes applied
// by the approval workflow engine.
type Catalog struct {
	mu          sync.RWMutex
	roles       map[string]Role
	assignments map[string]string
	mfaEnrolled map[string]bool
	denies      map[string]map[string]struct{}
}

// DefaultRoles is the platform's builtin role ladder.
var DefaultRoles = []Role{
	{Name: "rider", Level: 10, Permissions: []string{PermRideRead}},
	{Name: "driver", Level: 20, Permissions: []string{PermRideRead}},
	{Name: "support_agent", Level: 40, Permissions: []string{PermRideRead, PermRiderRefund, PermApprovalRead}},
	{Name: "fleet_manager", Level: 50, Permissions: []string{PermRideRead, PermDriverSuspend, PermApprovalRead, PermApprovalRespond}},
	{Name: "ops_admin", Level: 70, Permissions: []string{PermRideRead, PermRiderRefund, PermDriverSuspend, PermPricingUpdate, PermRoleManage, PermApprovalRead, PermApprovalRespond}},
	{Name: "security_admin", Level: 90, Permissions: []string{PermRideRead, PermRoleManage, PermPayoutOverride, PermApprovalRead, PermApprovalRespond, PermAuditRead}},
}

// NewCatalog builds a catalog from the given roles.
func NewCatalog(roles []Role) *Catalog {
	c := &Catalog{
		roles:       map[string]Role{},
		assignments: map[string]string{},
		mfaEnrolled: map[string]bool{},
		denies:      map[string]map[string]struct{}{},
	}
	for _, role := range roles {
		c.roles[role.Name] = role
	}
	return c
}

// Role returns the catalog entry for a role name.
func (c *Catalog) Role(name string) (Role, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	role, ok := c.roles[strings.TrimSpace(strings.ToLower(name))]
	return role, ok
}

// Resolve builds a principal for a user operating under a role name.
func (c *Catalog) Resolve(userID, roleName string) (Principal, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Principal{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	role, ok := c.Role(roleName)
	if !ok {
		return Principal{}, fmt.Errorf("%w: unknown role %s", ErrNotFound, roleName)
	}
	perms := make(map[string]struct{}, len(role.Permissions))
	for _, p := range role.Permissions {
		perms[p] = struct{}{}
	}
	c.mu.RLock()
	enrolled := c.mfaEnrolled[userID]
	c.mu.RUnlock()
	return Principal{
		ID:          userID,
		Role:        role.Name,
		Level:       role.Level,
		Permissions: perms,
		Regions:     append([]string(nil), role.Regions...),
		MFAEnrolled: enrolled,
	}, nil
}

// ResolveAssigned builds a principal from the user's recorded role
// assignment. The assignment table is the only source of a user's
// role; users without one cannot authenticate.
func (c *Catalog) ResolveAssigned(userID string) (Principal, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Principal{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	c.mu.RLock()
	roleName, ok := c.assignments[userID]
	c.mu.RUnlock()
	if !ok {
		return Principal{}, fmt.Errorf("%w: no role assignment for user %s", ErrNotFound, userID)
	}
	return c.Resolve(userID, roleName)
}

// CheckTransfer enforces the strict-outranking rule for privilege
// transfers: the actor must hold a level strictly above both the
// target role and the target user's current level. Equal levels are
// refused, always. Empty targets skip their half of the check.
func (c *Catalog) CheckTransfer(actorLevel int, targetUserID, targetRole string) error {
	if targetRole = strings.TrimSpace(targetRole); targetRole != "" {
		role, ok := c.Role(targetRole)
		if !ok {
			return fmt.Errorf("%w: unknown role %s", ErrNotFound, targetRole)
		}
		if role.Level >= actorLevel {
			return fmt.Errorf("%w: role %s is not below the actor's level", ErrDenied, role.Name)
		}
	}
	if targetUserID = strings.TrimSpace(targetUserID); targetUserID != "" {
		if c.LevelOf(targetUserID) >= actorLevel {
			return fmt.Errorf("%w: target user does not rank below the actor", ErrDenied)
		}
	}
	return nil
}

// LevelOf returns the privilege level of a known user, or zero for a
// user with no recorded assignment.
func (c *Catalog) LevelOf(userID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	roleName, ok := c.assignments[userID]
	if !ok {
		return 0
	}
	role, ok := c.roles[roleName]
	if !ok {
		return 0
	}
	return role.Level
}

// Assign records a user's role. Writers are the approval applier, the
// evaluated role endpoints and startup bootstrap seeding.
func (c *Catalog) Assign(userID, roleName string) error {
	userID = strings.TrimSpace(userID)
	roleName = strings.TrimSpace(strings.ToLower(roleName))
	if userID == "" || roleName == "" {
		return fmt.Errorf("%w: user id and role are required", ErrInvalidInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.roles[roleName]; !ok {
		return fmt.Errorf("%w: unknown role %s", ErrNotFound, roleName)
	}
	c.assignments[userID] = roleName
	return nil
}

// Revoke clears a user's role assignment.
func (c *Catalog) Revoke(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.assignments, userID)
	return nil
}

// SetMFAEnrolled flips a user's MFA enrollment flag.
func (c *Catalog) SetMFAEnrolled(userID string, enrolled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mfaEnrolled[userID] = enrolled
}

// Deny records an explicit attribute-level deny rule. An explicit deny
// always overrides a static allow.
func (c *Catalog) Deny(roleName, action string) {
	roleName = strings.TrimSpace(strings.ToLower(roleName))
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.denies[roleName] == nil {
		c.denies[roleName] = map[string]struct{}{}
	}
	c.denies[roleName][action] = struct{}{}
}

// IsDenied reports whether an explicit deny rule matches.
func (c *Catalog) IsDenied(roleName, action string) bool {
	roleName = strings.TrimSpace(strings.ToLower(roleName))
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.denies[roleName]
	if !ok {
		return false
	}
	_, denied := set[action]
	return denied
}

// ActionPolicy configures one protected action: the permission it
// requires, its sensitivity, and the approval workflow it routes
// through when quorum is required.
type ActionPolicy struct {
	Name               string
	Permission         string
	Sensitivity        float64
	TransfersPrivilege bool
	RequiredApprovers  int
	GrantTTL           time.Duration
	GrantPermissions   []string
	ChangeKind         string
}

// DefaultPolicies is the builtin protected-action table.
var DefaultPolicies = []ActionPolicy{
	{Name: "ride.view", Permission: PermRideRead, Sensitivity: 0.1},
	{Name: "rider.refund", Permission: PermRiderRefund, Sensitivity: 0.5},
	{Name: "driver.suspend", Permission: PermDriverSuspend, Sensitivity: 0.6},
	{Name: "payout.override", Permission: PermPayoutOverride, Sensitivity: 0.9},
	{Name: "region.pricing.update", Permission: PermPricingUpdate, Sensitivity: 0.8},
	{
		Name:               "role.assign",
		Permission:         PermRoleManage,
		Sensitivity:        0.8,
		TransfersPrivilege: true,
		RequiredApprovers:  2,
		ChangeKind:         "role.assign",
	},
	{
		Name:               "role.revoke",
		Permission:         PermRoleManage,
		Sensitivity:        0.7,
		TransfersPrivilege: true,
		RequiredApprovers:  2,
		ChangeKind:         "role.revoke",
	},
	{
		Name:              "access.request",
		Permission:        PermRideRead,
		Sensitivity:       0.6,
		RequiredApprovers: 2,
		GrantTTL:          4 * time.Hour,
		GrantPermissions:  []string{PermRiderRefund},
		ChangeKind:        "access.grant",
	},
}
