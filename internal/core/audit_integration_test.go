package core_test

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"inventory-backoffice/internal/core"
)

type stubDispatcher struct {
	mu     sync.Mutex
	alerts []struct {
		recipientID int
		kind        core.AlertKind
	}
}

func (d *stubDispatcher) Alert(_ context.Context, recipientID int, kind core.AlertKind, _ map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, struct {
		recipientID int
		kind        core.AlertKind
	}{recipientID, kind})
	return nil
}

func TestAuditRecorder_RecordsAndAlerts(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	users := core.NewUserService(pool)

	tenant1 := 1
	admin, err := users.Create(ctx, &tenant1, "alfa-admin", "admin@alfa.test", "pass1234", core.RoleAdmin)
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}

	dispatcher := &stubDispatcher{}
	bus := core.NewBus(zap.NewNop())
	recorder := core.NewAuditRecorder(pool, users, dispatcher, zap.NewNop())
	recorder.Register(bus)

	ledger := core.NewStockLedger(pool, bus, zap.NewNop())
	purchases := core.NewPurchaseService(pool, ledger, bus)
	sales := core.NewSaleService(pool, ledger, bus, zap.NewNop())

	tctx := core.WithTenant(ctx, 1)

	// A received purchase, a completed sale, and a deduction below the
	// minimum stock each leave an audit trail.
	p, err := purchases.CreatePurchase(tctx, core.PurchaseInput{
		SupplierName: "Fournisseur SARL",
		WarehouseID:  1,
		Lines:        []core.PurchaseLineInput{{ProductID: 1, Quantity: mustDec(t, "7"), UnitCost: mustDec(t, "1000")}},
	})
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}
	if _, err := purchases.ReceivePurchase(tctx, p.ID); err != nil {
		t.Fatalf("ReceivePurchase: %v", err)
	}

	sale, err := sales.PlaceSale(tctx, core.SaleInput{
		WarehouseID: 1,
		Lines:       []core.SaleLineInput{{ProductID: 1, Quantity: mustDec(t, "3")}},
	})
	if err != nil {
		t.Fatalf("PlaceSale: %v", err)
	}
	// Completing drops availability to 4, under the product's minimum of 5.
	if _, err := sales.CompleteSale(tctx, sale.ID); err != nil {
		t.Fatalf("CompleteSale: %v", err)
	}

	bus.Close()

	rows := map[string]int{}
	r, err := pool.Query(ctx, "SELECT action, COUNT(*) FROM audit_logs WHERE tenant_id = 1 GROUP BY action")
	if err != nil {
		t.Fatalf("query audit_logs: %v", err)
	}
	defer r.Close()
	for r.Next() {
		var action string
		var n int
		if err := r.Scan(&action, &n); err != nil {
			t.Fatalf("scan audit row: %v", err)
		}
		rows[action] = n
	}

	if rows["purchase_received"] != 1 {
		t.Errorf("expected 1 purchase_received audit row, got %d", rows["purchase_received"])
	}
	if rows["sale_completed"] != 1 {
		t.Errorf("expected 1 sale_completed audit row, got %d", rows["sale_completed"])
	}
	if rows["low_stock_alert"] != 1 {
		t.Errorf("expected 1 low_stock_alert audit row, got %d", rows["low_stock_alert"])
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.alerts) != 1 {
		t.Fatalf("expected 1 admin alert, got %d", len(dispatcher.alerts))
	}
	if dispatcher.alerts[0].recipientID != admin.ID || dispatcher.alerts[0].kind != core.AlertLowStock {
		t.Errorf("expected low stock alert for admin %d, got %+v", admin.ID, dispatcher.alerts[0])
	}
}
