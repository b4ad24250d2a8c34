package core_test

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"inventory-backoffice/internal/core"
)

func TestTransfer_Lifecycle(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	ledger := core.NewStockLedger(pool, &capturePublisher{}, zap.NewNop())
	svc := core.NewTransferService(pool, ledger)
	ctx := core.WithTenant(context.Background(), 1)

	if _, err := ledger.Receive(ctx, 1, 1, mustDec(t, "40"), mustDec(t, "600"), "seed"); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	transfer, err := svc.CreateTransfer(ctx, 1, 2, []core.TransferLineInput{
		{ProductID: 1, Quantity: mustDec(t, "15")},
	}, nil)
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if !strings.HasPrefix(transfer.Reference, "TRF-") {
		t.Errorf("expected TRF- reference, got %s", transfer.Reference)
	}
	if transfer.Status != core.TransferPending {
		t.Errorf("expected pending, got %s", transfer.Status)
	}

	t.Run("CreatingMovesNoStock", func(t *testing.T) {
		s, err := ledger.GetStock(ctx, 1, 1)
		if err != nil {
			t.Fatalf("GetStock: %v", err)
		}
		assertDecEqual(t, "source quantity", s.Quantity, mustDec(t, "40"))
	})

	t.Run("ExecuteMovesStockAtAverageCost", func(t *testing.T) {
		executed, err := svc.ExecuteTransfer(ctx, transfer.ID)
		if err != nil {
			t.Fatalf("ExecuteTransfer: %v", err)
		}
		if executed.Status != core.TransferCompleted {
			t.Errorf("expected completed, got %s", executed.Status)
		}
		if executed.CompletedAt == nil {
			t.Error("expected completed_at to be set")
		}

		src, err := ledger.GetStock(ctx, 1, 1)
		if err != nil {
			t.Fatalf("GetStock src: %v", err)
		}
		dst, err := ledger.GetStock(ctx, 1, 2)
		if err != nil {
			t.Fatalf("GetStock dst: %v", err)
		}
		assertDecEqual(t, "source quantity", src.Quantity, mustDec(t, "25"))
		assertDecEqual(t, "destination quantity", dst.Quantity, mustDec(t, "15"))
		assertDecEqual(t, "destination cost_average", dst.CostAverage, mustDec(t, "600"))
	})

	t.Run("ExecuteTwiceFails", func(t *testing.T) {
		if _, err := svc.ExecuteTransfer(ctx, transfer.ID); err == nil {
			t.Error("expected error executing a completed transfer")
		}
	})

	t.Run("ForeignTransferInvisible", func(t *testing.T) {
		if _, _, err := svc.GetTransfer(core.WithTenant(context.Background(), 2), transfer.ID); err == nil {
			t.Error("expected error reading another tenant's transfer")
		}
	})
}
