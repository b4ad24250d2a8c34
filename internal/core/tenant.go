package core

import (
	"context"
	"fmt"
)

// TenantScope is the explicit tenant decision under which a repository call
// executes. It replaces ambient query rewriting: no query runs without one.
type TenantScope struct {
	Kind     ScopeKind
	TenantID int // meaningful only when Kind == ScopeTenant
}

type ScopeKind int

const (
	// ScopeDenied is the fail-closed default: no rows, no writes.
	ScopeDenied ScopeKind = iota
	// ScopeTenant filters every query by a single tenant id.
	ScopeTenant
	// ScopePrivileged applies no filter. Reserved for global super-admins
	// doing cross-tenant aggregation; mutations still require a tenant.
	ScopePrivileged
	// ScopeMaintenance applies no filter. Used by migrations, seeding, and
	// trusted internal jobs.
	ScopeMaintenance
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeTenant:
		return "tenant"
	case ScopePrivileged:
		return "privileged"
	case ScopeMaintenance:
		return "maintenance"
	default:
		return "denied"
	}
}

// Unfiltered reports whether the scope may read rows of any tenant.
func (s TenantScope) Unfiltered() bool {
	return s.Kind == ScopePrivileged || s.Kind == ScopeMaintenance
}

type ctxKey int

const (
	tenantCtxKey ctxKey = iota
	actorCtxKey
	maintenanceCtxKey
)

// WithTenant binds an explicit tenant to the context. Takes precedence over
// any authenticated actor, mirroring a resolver middleware decision.
func WithTenant(ctx context.Context, tenantID int) context.Context {
	return context.WithValue(ctx, tenantCtxKey, tenantID)
}

// WithActor binds the authenticated user to the context.
func WithActor(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, actorCtxKey, u)
}

// WithMaintenance marks the context as a trusted batch/maintenance job.
func WithMaintenance(ctx context.Context) context.Context {
	return context.WithValue(ctx, maintenanceCtxKey, true)
}

// ActorFrom returns the authenticated user bound to the context, if any.
func ActorFrom(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(actorCtxKey).(*User)
	return u, ok && u != nil
}

// ResolveScope determines the tenant scope for the context. Resolution order:
//
//  1. an explicitly bound tenant wins;
//  2. an authenticated actor: global super-admins get an unfiltered scope,
//     everyone else is scoped to their own tenant;
//  3. a maintenance context is unfiltered;
//  4. otherwise fail-closed.
//
// Under a tenant scope, zero rows belonging to another tenant are ever
// returned.
func ResolveScope(ctx context.Context) TenantScope {
	if id, ok := ctx.Value(tenantCtxKey).(int); ok {
		return TenantScope{Kind: ScopeTenant, TenantID: id}
	}
	if u, ok := ActorFrom(ctx); ok {
		if u.IsGlobalSuperAdmin() {
			return TenantScope{Kind: ScopePrivileged}
		}
		if u.TenantID != nil {
			return TenantScope{Kind: ScopeTenant, TenantID: *u.TenantID}
		}
		return TenantScope{Kind: ScopeDenied}
	}
	if on, ok := ctx.Value(maintenanceCtxKey).(bool); ok && on {
		return TenantScope{Kind: ScopeMaintenance}
	}
	return TenantScope{Kind: ScopeDenied}
}

// RequireTenant resolves the scope and insists on a single concrete tenant.
// Every mutating ledger operation goes through here: privileged and
// maintenance scopes may read everything but cannot mutate stock without
// binding a tenant first.
func RequireTenant(ctx context.Context) (int, error) {
	scope := ResolveScope(ctx)
	if scope.Kind != ScopeTenant {
		return 0, fmt.Errorf("%s scope cannot mutate tenant data: %w", scope.Kind, ErrTenantUnresolved)
	}
	return scope.TenantID, nil
}

// RequireReadScope resolves the scope and rejects the fail-closed case.
func RequireReadScope(ctx context.Context) (TenantScope, error) {
	scope := ResolveScope(ctx)
	if scope.Kind == ScopeDenied {
		return scope, ErrTenantUnresolved
	}
	return scope, nil
}
