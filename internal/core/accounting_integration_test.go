package core_test

import (
	"context"
	"errors"
	"testing"

	"inventory-backoffice/internal/core"
)

func TestAccounting_PostSaleEntry(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	svc := core.NewAccountingService(pool)
	ctx := core.WithTenant(context.Background(), 1)

	var saleID int
	err := pool.QueryRow(context.Background(), `
		INSERT INTO sales (tenant_id, reference, warehouse_id, status, total)
		VALUES (1, 'VTE-000042', 1, 'completed', 4500)
		RETURNING id
	`).Scan(&saleID)
	if err != nil {
		t.Fatalf("seed sale: %v", err)
	}

	sale := &core.Sale{ID: saleID, TenantID: 1, Reference: "VTE-000042", Total: mustDec(t, "4500")}

	entry, err := svc.PostSaleEntry(ctx, sale)
	if err != nil {
		t.Fatalf("PostSaleEntry: %v", err)
	}
	if entry.Reference != "EC-VENTE-VTE-000042" {
		t.Errorf("expected reference EC-VENTE-VTE-000042, got %s", entry.Reference)
	}
	if len(entry.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(entry.Lines))
	}

	// Cash is debited, sales revenue credited, both for the sale total.
	debit, credit := entry.Lines[0], entry.Lines[1]
	if debit.AccountCode != core.AccountCash {
		t.Errorf("expected debit account %s, got %s", core.AccountCash, debit.AccountCode)
	}
	assertDecEqual(t, "debit", debit.Debit, mustDec(t, "4500"))
	if credit.AccountCode != core.AccountSales {
		t.Errorf("expected credit account %s, got %s", core.AccountSales, credit.AccountCode)
	}
	assertDecEqual(t, "credit", credit.Credit, mustDec(t, "4500"))

	// The entry is linked back to the sale.
	var linked *int
	if err := pool.QueryRow(context.Background(), "SELECT accounting_entry_id FROM sales WHERE id = $1", saleID).Scan(&linked); err != nil {
		t.Fatalf("fetch linked entry: %v", err)
	}
	if linked == nil || *linked != entry.ID {
		t.Errorf("expected sale linked to entry %d, got %v", entry.ID, linked)
	}

	t.Run("PostingTwiceIsIdempotent", func(t *testing.T) {
		again, err := svc.PostSaleEntry(ctx, sale)
		if err != nil {
			t.Fatalf("PostSaleEntry (second): %v", err)
		}
		if again.ID != entry.ID {
			t.Errorf("expected same entry %d, got %d", entry.ID, again.ID)
		}

		var lineCount int
		if err := pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM accounting_lines WHERE entry_id = $1", entry.ID).Scan(&lineCount); err != nil {
			t.Fatalf("count lines: %v", err)
		}
		if lineCount != 2 {
			t.Errorf("expected 2 lines after duplicate post, got %d", lineCount)
		}
	})

	t.Run("RepostRestoresLostLink", func(t *testing.T) {
		if _, err := pool.Exec(context.Background(), "UPDATE sales SET accounting_entry_id = NULL WHERE id = $1", saleID); err != nil {
			t.Fatalf("clear link: %v", err)
		}

		again, err := svc.PostSaleEntry(ctx, sale)
		if err != nil {
			t.Fatalf("PostSaleEntry (relink): %v", err)
		}
		if again.ID != entry.ID {
			t.Errorf("expected same entry %d, got %d", entry.ID, again.ID)
		}

		var linked *int
		if err := pool.QueryRow(context.Background(), "SELECT accounting_entry_id FROM sales WHERE id = $1", saleID).Scan(&linked); err != nil {
			t.Fatalf("fetch linked entry: %v", err)
		}
		if linked == nil || *linked != entry.ID {
			t.Errorf("expected sale relinked to entry %d, got %v", entry.ID, linked)
		}
	})
}

func TestAccounting_PostPurchaseEntry(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	svc := core.NewAccountingService(pool)
	ctx := core.WithTenant(context.Background(), 1)

	var purchaseID int
	err := pool.QueryRow(context.Background(), `
		INSERT INTO purchases (tenant_id, reference, supplier_name, warehouse_id, status, total)
		VALUES (1, 'ACH-000007', 'Fournisseur SARL', 1, 'received', 12000)
		RETURNING id
	`).Scan(&purchaseID)
	if err != nil {
		t.Fatalf("seed purchase: %v", err)
	}

	purchase := &core.Purchase{ID: purchaseID, TenantID: 1, Reference: "ACH-000007", Total: mustDec(t, "12000")}

	entry, err := svc.PostPurchaseEntry(ctx, purchase)
	if err != nil {
		t.Fatalf("PostPurchaseEntry: %v", err)
	}
	if entry.Reference != "EC-ACHAT-ACH-000007" {
		t.Errorf("expected reference EC-ACHAT-ACH-000007, got %s", entry.Reference)
	}
	if len(entry.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(entry.Lines))
	}
	if entry.Lines[0].AccountCode != core.AccountStock {
		t.Errorf("expected debit account %s, got %s", core.AccountStock, entry.Lines[0].AccountCode)
	}
	if entry.Lines[1].AccountCode != core.AccountSupplier {
		t.Errorf("expected credit account %s, got %s", core.AccountSupplier, entry.Lines[1].AccountCode)
	}
}

func TestAccounting_CrossTenantRejected(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	svc := core.NewAccountingService(pool)

	sale := &core.Sale{ID: 1, TenantID: 2, Reference: "VTE-000001", Total: mustDec(t, "100")}
	_, err := svc.PostSaleEntry(core.WithTenant(context.Background(), 1), sale)
	if !errors.Is(err, core.ErrTenantIsolation) {
		t.Errorf("expected ErrTenantIsolation, got %v", err)
	}
}
