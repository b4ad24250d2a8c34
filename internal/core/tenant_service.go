package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TenantService manages tenant records and first-time provisioning.
type TenantService interface {
	GetByID(ctx context.Context, tenantID int) (*Tenant, error)

	// ActiveTenants lists tenants with status active. Requires an unfiltered
	// scope; the automation runner calls this under a maintenance context.
	ActiveTenants(ctx context.Context) ([]Tenant, error)

	// Provision creates a tenant together with its main warehouse and an
	// initial admin user.
	Provision(ctx context.Context, code, name, adminUsername, adminEmail, adminPassword string) (*Tenant, error)
}

type tenantService struct {
	pool  *pgxpool.Pool
	users UserService
}

func NewTenantService(pool *pgxpool.Pool, users UserService) TenantService {
	return &tenantService{pool: pool, users: users}
}

func (s *tenantService) GetByID(ctx context.Context, tenantID int) (*Tenant, error) {
	scope, err := RequireReadScope(ctx)
	if err != nil {
		return nil, err
	}
	if !scope.Unfiltered() && scope.TenantID != tenantID {
		return nil, fmt.Errorf("tenant %d not visible under scope: %w", tenantID, ErrTenantIsolation)
	}

	t := &Tenant{}
	err = s.pool.QueryRow(ctx, `
		SELECT id, code, name, status, created_at FROM tenants WHERE id = $1
	`, tenantID).Scan(&t.ID, &t.Code, &t.Name, &t.Status, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tenant %d not found", tenantID)
		}
		return nil, fmt.Errorf("failed to fetch tenant %d: %w", tenantID, err)
	}
	return t, nil
}

func (s *tenantService) ActiveTenants(ctx context.Context) ([]Tenant, error) {
	scope, err := RequireReadScope(ctx)
	if err != nil {
		return nil, err
	}
	if !scope.Unfiltered() {
		return nil, fmt.Errorf("listing tenants requires an unfiltered scope: %w", ErrTenantIsolation)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, code, name, status, created_at
		FROM tenants
		WHERE status = $1
		ORDER BY id
	`, TenantActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Code, &t.Name, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *tenantService) Provision(ctx context.Context, code, name, adminUsername, adminEmail, adminPassword string) (*Tenant, error) {
	scope := ResolveScope(ctx)
	if !scope.Unfiltered() {
		return nil, fmt.Errorf("provisioning requires a maintenance or privileged scope: %w", ErrTenantUnresolved)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	t := &Tenant{Code: code, Name: name, Status: TenantActive}
	err = tx.QueryRow(ctx, `
		INSERT INTO tenants (code, name, status) VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, code, name, TenantActive).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant %q: %w", code, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO warehouses (tenant_id, code, name, type, is_active)
		VALUES ($1, 'MAIN', 'Main Warehouse', $2, true)
	`, t.ID, WarehouseMain)
	if err != nil {
		return nil, fmt.Errorf("failed to create main warehouse for tenant %q: %w", code, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit tenant provisioning: %w", err)
	}

	if _, err := s.users.Create(ctx, &t.ID, adminUsername, adminEmail, adminPassword, RoleAdmin); err != nil {
		return nil, fmt.Errorf("tenant %q created but admin user failed: %w", code, err)
	}
	return t, nil
}
