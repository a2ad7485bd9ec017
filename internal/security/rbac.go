package security

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jkaninda/shellguard/internal/config"
)

// Role defines a named set of permitted gateway actions.
type Role struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"` // Explicitly allowed action names.
}

// RBACConfig is the full role-based access control configuration.
type RBACConfig struct {
	Roles       map[string]Role   // role name → definition
	UserRoles   map[string]string // user ID → role name
	DefaultRole string            // role for users not in UserRoles
}

// RBACConfigFrom converts the access section of the config file.
func RBACConfigFrom(cfg *config.AccessConfig) RBACConfig {
	roles := make(map[string]Role, len(cfg.Roles))
	for name, r := range cfg.Roles {
		roles[name] = Role{Name: name, Permissions: r.Permissions}
	}
	return RBACConfig{Roles: roles, UserRoles: cfg.UserRoles, DefaultRole: cfg.DefaultRole}
}

// RBAC enforces role-based access control with default-deny semantics.
// A nil *RBAC allows everything. Safe for concurrent use.
type RBAC struct {
	mu          sync.RWMutex
	roles       map[string]Role
	userRoles   map[string]string
	defaultRole string
	logger      *slog.Logger
}

// NewRBAC creates an RBAC enforcer from the given configuration.
func NewRBAC(cfg RBACConfig, logger *slog.Logger) *RBAC {
	return &RBAC{
		roles:       cfg.Roles,
		userRoles:   cfg.UserRoles,
		defaultRole: cfg.DefaultRole,
		logger:      logger,
	}
}

// CheckPermission returns nil if the user's role explicitly includes the action.
// Default-deny: no role or missing permission means denied.
func (r *RBAC) CheckPermission(ctx context.Context, userID, action string) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.resolveRole(userID)
	if !ok {
		r.logger.WarnContext(ctx, "permission denied: no role found",
			slog.String("user_id", userID),
			slog.String("action", action),
		)
		return fmt.Errorf("%w: user %q has no assigned role", ErrPermissionDenied, userID)
	}

	// No wildcards: every permission must be explicitly enumerated.
	if !slices.Contains(role.Permissions, action) {
		r.logger.WarnContext(ctx, "permission denied: action not in role",
			slog.String("user_id", userID),
			slog.String("role", role.Name),
			slog.String("action", action),
		)
		return fmt.Errorf("%w: role %q does not include action %q", ErrPermissionDenied, role.Name, action)
	}

	return nil
}

// SetUserRole assigns a role at runtime.
func (r *RBAC) SetUserRole(userID, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[role]; !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	if r.userRoles == nil {
		r.userRoles = make(map[string]string)
	}
	r.userRoles[userID] = role
	return nil
}

// resolveRole returns the role for the user, falling back to defaultRole.
func (r *RBAC) resolveRole(userID string) (Role, bool) {
	roleName, ok := r.userRoles[userID]
	if !ok {
		roleName = r.defaultRole
	}
	if roleName == "" {
		return Role{}, false
	}
	role, ok := r.roles[roleName]
	return role, ok
}
