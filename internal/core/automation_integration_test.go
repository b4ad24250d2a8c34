package core_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"inventory-backoffice/internal/core"
)

func TestAutomation_RunAll(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	_, err := pool.Exec(ctx, `
		INSERT INTO stocks (tenant_id, product_id, warehouse_id, quantity, reserved, available, cost_average, unit_cost)
		VALUES (1, 1, 1, 3, 0, 3, 100, 100);

		INSERT INTO stock_requests (tenant_id, reference, from_warehouse_id, to_warehouse_id, product_id, quantity, priority, status, created_at) VALUES
			(1, 'REQ-1', 1, 2, 1, 5, 'urgent', 'requested', NOW() - INTERVAL '1 hour'),
			(1, 'REQ-2', 1, 2, 1, 5, 'urgent', 'requested', NOW()),
			(1, 'REQ-3', 1, 2, 1, 5, 'normal', 'requested', NOW() - INTERVAL '2 hours');

		INSERT INTO cash_sessions (tenant_id, status, last_activity_at) VALUES
			(1, 'open', NOW() - INTERVAL '13 hours'),
			(1, 'open', NOW());

		INSERT INTO sales (tenant_id, reference, warehouse_id, status, total)
		VALUES (1, 'VTE-000099', 1, 'completed', 500);

		INSERT INTO purchases (tenant_id, reference, supplier_name, warehouse_id, status, total, received_at)
		VALUES (1, 'ACH-000099', 'Fournisseur SARL', 1, 'received', 700, NOW());
	`)
	if err != nil {
		t.Fatalf("seed automation fixtures: %v", err)
	}

	pub := &capturePublisher{}
	users := core.NewUserService(pool)
	tenants := core.NewTenantService(pool, users)
	ledger := core.NewStockLedger(pool, pub, zap.NewNop())
	transfers := core.NewTransferService(pool, ledger)
	accounting := core.NewAccountingService(pool)

	runner := core.NewAutomationRunner(pool, tenants, transfers, accounting, pub, zap.NewNop())

	results, err := runner.RunAll(ctx, nil)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected results for 2 tenants, got %d", len(results))
	}
	for id, result := range results {
		if result.Err != nil {
			t.Fatalf("tenant %d: %v", id, result.Err)
		}
	}

	counts := results[1].Counts
	expected := map[string]int{
		core.CategoryUrgentApproved:   1,
		core.CategoryTransfersCreated: 1,
		core.CategoryLowStockAlerts:   1,
		core.CategorySalesEntries:     1,
		core.CategoryPurchaseEntries:  1,
		core.CategorySessionsClosed:   1,
	}
	for category, want := range expected {
		if counts[category] != want {
			t.Errorf("tenant 1 %s: expected %d, got %d", category, want, counts[category])
		}
	}

	t.Run("OnlyStaleUrgentRequestsApproved", func(t *testing.T) {
		var status string
		var transferID *int
		err := pool.QueryRow(ctx, "SELECT status, transfer_id FROM stock_requests WHERE reference = 'REQ-1'").Scan(&status, &transferID)
		if err != nil {
			t.Fatalf("fetch REQ-1: %v", err)
		}
		if status != string(core.RequestApproved) {
			t.Errorf("REQ-1: expected approved, got %s", status)
		}
		if transferID == nil {
			t.Error("REQ-1: expected a linked transfer")
		}

		for _, ref := range []string{"REQ-2", "REQ-3"} {
			if err := pool.QueryRow(ctx, "SELECT status FROM stock_requests WHERE reference = $1", ref).Scan(&status); err != nil {
				t.Fatalf("fetch %s: %v", ref, err)
			}
			if status != string(core.RequestPending) {
				t.Errorf("%s: expected requested, got %s", ref, status)
			}
		}
	})

	t.Run("AutoTransferIsPending", func(t *testing.T) {
		var reference, status string
		err := pool.QueryRow(ctx, "SELECT reference, status FROM transfers WHERE tenant_id = 1").Scan(&reference, &status)
		if err != nil {
			t.Fatalf("fetch transfer: %v", err)
		}
		if !strings.HasPrefix(reference, "TRF-AUTO-") {
			t.Errorf("expected TRF-AUTO- reference, got %s", reference)
		}
		if status != string(core.TransferPending) {
			t.Errorf("expected pending transfer, got %s", status)
		}
	})

	t.Run("LowStockAlertPublished", func(t *testing.T) {
		low := pub.byType(core.EventStockLow)
		if len(low) != 1 {
			t.Fatalf("expected 1 stock.low event, got %d", len(low))
		}
		if low[0].TenantID != 1 {
			t.Errorf("expected tenant 1 alert, got tenant %d", low[0].TenantID)
		}
	})

	t.Run("AccountingEntriesLinked", func(t *testing.T) {
		var saleEntry, purchaseEntry *int
		if err := pool.QueryRow(ctx, "SELECT accounting_entry_id FROM sales WHERE reference = 'VTE-000099'").Scan(&saleEntry); err != nil {
			t.Fatalf("fetch sale: %v", err)
		}
		if saleEntry == nil {
			t.Error("expected sale entry to be linked")
		}
		if err := pool.QueryRow(ctx, "SELECT accounting_entry_id FROM purchases WHERE reference = 'ACH-000099'").Scan(&purchaseEntry); err != nil {
			t.Fatalf("fetch purchase: %v", err)
		}
		if purchaseEntry == nil {
			t.Error("expected purchase entry to be linked")
		}
	})

	t.Run("StaleSessionClosed", func(t *testing.T) {
		var open, closed int
		if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM cash_sessions WHERE status = 'open'").Scan(&open); err != nil {
			t.Fatalf("count open sessions: %v", err)
		}
		if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM cash_sessions WHERE status = 'closed' AND notes LIKE '%[AUTO]%'").Scan(&closed); err != nil {
			t.Fatalf("count closed sessions: %v", err)
		}
		if open != 1 || closed != 1 {
			t.Errorf("expected 1 open and 1 auto-closed session, got %d open, %d closed", open, closed)
		}
	})

	t.Run("SecondRunIsIdempotent", func(t *testing.T) {
		results, err := runner.RunAll(ctx, nil)
		if err != nil {
			t.Fatalf("RunAll: %v", err)
		}
		counts := results[1].Counts
		for _, category := range []string{
			core.CategoryUrgentApproved,
			core.CategoryTransfersCreated,
			core.CategorySalesEntries,
			core.CategoryPurchaseEntries,
			core.CategorySessionsClosed,
		} {
			if counts[category] != 0 {
				t.Errorf("%s: expected 0 on second run, got %d", category, counts[category])
			}
		}
		// Low stock alerts re-fire until the shortage is resolved.
		if counts[core.CategoryLowStockAlerts] != 1 {
			t.Errorf("expected low stock alert to repeat, got %d", counts[core.CategoryLowStockAlerts])
		}
	})
}

// failingAccounting breaks entry generation for one tenant to exercise
// failure containment.
type failingAccounting struct {
	real       core.AccountingService
	failTenant int
}

func (f *failingAccounting) PostSaleEntry(ctx context.Context, sale *core.Sale) (*core.AccountingEntry, error) {
	if sale.TenantID == f.failTenant {
		return nil, errors.New("ledger offline")
	}
	return f.real.PostSaleEntry(ctx, sale)
}

func (f *failingAccounting) PostPurchaseEntry(ctx context.Context, purchase *core.Purchase) (*core.AccountingEntry, error) {
	if purchase.TenantID == f.failTenant {
		return nil, errors.New("ledger offline")
	}
	return f.real.PostPurchaseEntry(ctx, purchase)
}

func TestAutomation_TenantFailureIsContained(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	_, err := pool.Exec(ctx, `
		INSERT INTO sales (tenant_id, reference, warehouse_id, status, total) VALUES
			(1, 'VTE-000001', 1, 'completed', 100),
			(2, 'VTE-000002', 3, 'completed', 200);

		INSERT INTO cash_sessions (tenant_id, status, last_activity_at) VALUES
			(2, 'open', NOW() - INTERVAL '20 hours');
	`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	users := core.NewUserService(pool)
	tenants := core.NewTenantService(pool, users)
	ledger := core.NewStockLedger(pool, &capturePublisher{}, zap.NewNop())
	transfers := core.NewTransferService(pool, ledger)
	accounting := &failingAccounting{real: core.NewAccountingService(pool), failTenant: 1}

	runner := core.NewAutomationRunner(pool, tenants, transfers, accounting, &capturePublisher{}, zap.NewNop())

	results, err := runner.RunAll(ctx, nil)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	// Tenant 1's suite failed at entry generation.
	if results[1].Err == nil {
		t.Fatal("expected tenant 1 to fail")
	}
	var runErr *core.TenantRunError
	if !errors.As(results[1].Err, &runErr) {
		t.Fatalf("expected TenantRunError, got %T", results[1].Err)
	}
	if runErr.TenantID != 1 || runErr.Policy != core.CategorySalesEntries {
		t.Errorf("expected failure at %s for tenant 1, got %s for tenant %d",
			core.CategorySalesEntries, runErr.Policy, runErr.TenantID)
	}

	// Tenant 2 still ran to completion.
	if results[2].Err != nil {
		t.Fatalf("tenant 2 should have succeeded: %v", results[2].Err)
	}
	if results[2].Counts[core.CategorySalesEntries] != 1 {
		t.Errorf("expected tenant 2 sale entry generated, got %d", results[2].Counts[core.CategorySalesEntries])
	}
	if results[2].Counts[core.CategorySessionsClosed] != 1 {
		t.Errorf("expected tenant 2 stale session closed, got %d", results[2].Counts[core.CategorySessionsClosed])
	}
}
