package core_test

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"inventory-backoffice/internal/core"
)

func TestTenantIsolation_StockVisibility(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	ledger := core.NewStockLedger(pool, &capturePublisher{}, zap.NewNop())
	ctx := context.Background()

	// Both tenants stock their own "WID-1" product.
	if _, err := ledger.Receive(core.WithTenant(ctx, 1), 1, 1, mustDec(t, "10"), mustDec(t, "1000"), "seed"); err != nil {
		t.Fatalf("Receive tenant 1: %v", err)
	}
	if _, err := ledger.Receive(core.WithTenant(ctx, 2), 3, 3, mustDec(t, "99"), mustDec(t, "500"), "seed"); err != nil {
		t.Fatalf("Receive tenant 2: %v", err)
	}

	t.Run("TenantScopeSeesOnlyOwnRows", func(t *testing.T) {
		levels, err := ledger.GetStockLevels(core.WithTenant(ctx, 1))
		if err != nil {
			t.Fatalf("GetStockLevels: %v", err)
		}
		if len(levels) != 1 {
			t.Fatalf("expected 1 stock level for tenant 1, got %d", len(levels))
		}
		if levels[0].TenantID != 1 {
			t.Errorf("expected tenant 1 row, got tenant %d", levels[0].TenantID)
		}
	})

	t.Run("UnfilteredScopeSeesAllTenants", func(t *testing.T) {
		levels, err := ledger.GetStockLevels(core.WithMaintenance(ctx))
		if err != nil {
			t.Fatalf("GetStockLevels: %v", err)
		}
		if len(levels) != 2 {
			t.Errorf("expected 2 stock levels across tenants, got %d", len(levels))
		}
	})

	t.Run("SuperAdminActorSeesAllTenants", func(t *testing.T) {
		admin := &core.User{ID: 1, Role: core.RoleSuperAdmin}
		levels, err := ledger.GetStockLevels(core.WithActor(ctx, admin))
		if err != nil {
			t.Fatalf("GetStockLevels: %v", err)
		}
		if len(levels) != 2 {
			t.Errorf("expected 2 stock levels, got %d", len(levels))
		}
	})

	t.Run("DeniedScopeReadsNothing", func(t *testing.T) {
		if _, err := ledger.GetStockLevels(ctx); !errors.Is(err, core.ErrTenantUnresolved) {
			t.Errorf("expected ErrTenantUnresolved, got %v", err)
		}
	})

	t.Run("ForeignRowInvisibleUnderTenantScope", func(t *testing.T) {
		if _, err := ledger.GetStock(core.WithTenant(ctx, 1), 3, 3); err == nil {
			t.Error("expected error reading another tenant's stock, got nil")
		}
	})

	t.Run("MutationIntoForeignWarehouseRejected", func(t *testing.T) {
		_, err := ledger.Receive(core.WithTenant(ctx, 1), 1, 3, mustDec(t, "1"), mustDec(t, "1"), "x")
		if !errors.Is(err, core.ErrTenantIsolation) {
			t.Errorf("expected ErrTenantIsolation, got %v", err)
		}
	})
}

func TestTenantIsolation_Services(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	users := core.NewUserService(pool)
	tenants := core.NewTenantService(pool, users)
	ctx := context.Background()

	t.Run("AdminsForForeignTenantRejected", func(t *testing.T) {
		_, err := users.AdminsForTenant(core.WithTenant(ctx, 1), 2)
		if !errors.Is(err, core.ErrTenantIsolation) {
			t.Errorf("expected ErrTenantIsolation, got %v", err)
		}
	})

	t.Run("ForeignTenantLookupRejected", func(t *testing.T) {
		if _, err := tenants.GetByID(core.WithTenant(ctx, 1), 2); err == nil {
			t.Error("expected error reading another tenant, got nil")
		}
	})

	t.Run("ListingTenantsNeedsUnfilteredScope", func(t *testing.T) {
		if _, err := tenants.ActiveTenants(core.WithTenant(ctx, 1)); !errors.Is(err, core.ErrTenantIsolation) {
			t.Errorf("expected ErrTenantIsolation, got %v", err)
		}

		all, err := tenants.ActiveTenants(core.WithMaintenance(ctx))
		if err != nil {
			t.Fatalf("ActiveTenants: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("expected 2 active tenants, got %d", len(all))
		}
	})

	t.Run("ProvisionNeedsUnfilteredScope", func(t *testing.T) {
		_, err := tenants.Provision(core.WithTenant(ctx, 1), "NEW", "New Tenant", "boss", "boss@new.test", "secret123")
		if !errors.Is(err, core.ErrTenantUnresolved) {
			t.Errorf("expected ErrTenantUnresolved, got %v", err)
		}
	})
}

func TestTenantService_Provision(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	users := core.NewUserService(pool)
	tenants := core.NewTenantService(pool, users)
	ctx := core.WithMaintenance(context.Background())

	tenant, err := tenants.Provision(ctx, "GAMA", "Tenant Gama", "gama-admin", "admin@gama.test", "s3cret!pass")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if tenant.ID == 0 {
		t.Fatal("expected tenant ID to be set")
	}

	// Main warehouse provisioned alongside the tenant.
	var warehouseCount int
	err = pool.QueryRow(context.Background(),
		"SELECT COUNT(*) FROM warehouses WHERE tenant_id = $1 AND code = 'MAIN'", tenant.ID).Scan(&warehouseCount)
	if err != nil {
		t.Fatalf("count warehouses: %v", err)
	}
	if warehouseCount != 1 {
		t.Errorf("expected 1 main warehouse, got %d", warehouseCount)
	}

	// Admin user can authenticate with the initial password.
	u, err := users.Authenticate(context.Background(), "gama-admin", "s3cret!pass")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if u.TenantID == nil || *u.TenantID != tenant.ID {
		t.Errorf("expected admin bound to tenant %d, got %v", tenant.ID, u.TenantID)
	}
	if u.Role != core.RoleAdmin {
		t.Errorf("expected role %s, got %s", core.RoleAdmin, u.Role)
	}

	if _, err := users.Authenticate(context.Background(), "gama-admin", "wrong"); err == nil {
		t.Error("expected authentication failure with wrong password")
	}
}
