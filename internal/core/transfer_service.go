package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type TransferLineInput struct {
	ProductID int
	Quantity  decimal.Decimal
}

// TransferService manages inter-warehouse transfer documents. Stock moves
// only when a pending transfer is executed through the ledger.
type TransferService interface {
	// CreateTransfer records a pending transfer document.
	CreateTransfer(ctx context.Context, fromWarehouseID, toWarehouseID int, lines []TransferLineInput, stockRequestID *int) (*Transfer, error)

	// ExecuteTransfer moves each line through the ledger (deduct at source,
	// receive at destination at the source's average cost) and marks the
	// document completed.
	ExecuteTransfer(ctx context.Context, transferID int) (*Transfer, error)

	GetTransfer(ctx context.Context, transferID int) (*Transfer, []TransferLine, error)
}

type transferService struct {
	pool   *pgxpool.Pool
	ledger StockLedger
}

func NewTransferService(pool *pgxpool.Pool, ledger StockLedger) TransferService {
	return &transferService{pool: pool, ledger: ledger}
}

func (s *transferService) CreateTransfer(ctx context.Context, fromWarehouseID, toWarehouseID int, lines []TransferLineInput, stockRequestID *int) (*Transfer, error) {
	tenantID, err := RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("transfer needs at least one line: %w", ErrInvalidQuantity)
	}
	if fromWarehouseID == toWarehouseID {
		return nil, fmt.Errorf("transfer source and destination are the same warehouse: %w", ErrInvalidQuantity)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	t := &Transfer{
		TenantID:        tenantID,
		FromWarehouseID: fromWarehouseID,
		ToWarehouseID:   toWarehouseID,
		Status:          TransferPending,
		StockRequestID:  stockRequestID,
	}
	reference := fmt.Sprintf("TRF-%s", time.Now().Format("20060102150405"))
	if stockRequestID != nil {
		reference = fmt.Sprintf("TRF-AUTO-%s-%d", time.Now().Format("20060102150405"), *stockRequestID)
	}
	t.Reference = reference

	err = tx.QueryRow(ctx, `
		INSERT INTO transfers (tenant_id, reference, from_warehouse_id, to_warehouse_id, status, stock_request_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, tenantID, reference, fromWarehouseID, toWarehouseID, TransferPending, stockRequestID).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transfer: %w", err)
	}

	for _, line := range lines {
		if !line.Quantity.IsPositive() {
			return nil, fmt.Errorf("transfer line for product %d: %w", line.ProductID, ErrInvalidQuantity)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO transfer_lines (transfer_id, product_id, quantity)
			VALUES ($1, $2, $3)
		`, t.ID, line.ProductID, line.Quantity)
		if err != nil {
			return nil, fmt.Errorf("failed to insert transfer line: %w", err)
		}
	}

	if stockRequestID != nil {
		_, err := tx.Exec(ctx, `
			UPDATE stock_requests SET transfer_id = $1 WHERE id = $2 AND tenant_id = $3
		`, t.ID, *stockRequestID, tenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to link transfer to stock request %d: %w", *stockRequestID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transfer %s: %w", reference, err)
	}
	return t, nil
}

func (s *transferService) ExecuteTransfer(ctx context.Context, transferID int) (*Transfer, error) {
	t, lines, err := s.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Status != TransferPending {
		return nil, fmt.Errorf("transfer %s is %s, expected %s", t.Reference, t.Status, TransferPending)
	}

	for _, line := range lines {
		if _, _, err := s.ledger.Transfer(ctx, line.ProductID, t.FromWarehouseID, t.ToWarehouseID, line.Quantity, t.Reference); err != nil {
			return nil, fmt.Errorf("transfer %s, product %d: %w", t.Reference, line.ProductID, err)
		}
	}

	now := time.Now()
	_, err = s.pool.Exec(ctx, `
		UPDATE transfers SET status = $1, completed_at = $2 WHERE id = $3 AND tenant_id = $4
	`, TransferCompleted, now, t.ID, t.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark transfer %s completed: %w", t.Reference, err)
	}
	t.Status = TransferCompleted
	t.CompletedAt = &now
	return t, nil
}

func (s *transferService) GetTransfer(ctx context.Context, transferID int) (*Transfer, []TransferLine, error) {
	scope, err := RequireReadScope(ctx)
	if err != nil {
		return nil, nil, err
	}

	query := `
		SELECT id, tenant_id, reference, from_warehouse_id, to_warehouse_id, status, stock_request_id, created_at, completed_at
		FROM transfers WHERE id = $1`
	args := []any{transferID}
	if !scope.Unfiltered() {
		query += " AND tenant_id = $2"
		args = append(args, scope.TenantID)
	}

	t := &Transfer{}
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&t.ID, &t.TenantID, &t.Reference, &t.FromWarehouseID, &t.ToWarehouseID,
		&t.Status, &t.StockRequestID, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("transfer %d not found", transferID)
		}
		return nil, nil, fmt.Errorf("failed to fetch transfer %d: %w", transferID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, transfer_id, product_id, quantity
		FROM transfer_lines WHERE transfer_id = $1 ORDER BY id
	`, t.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch transfer lines: %w", err)
	}
	defer rows.Close()

	var lines []TransferLine
	for rows.Next() {
		var l TransferLine
		if err := rows.Scan(&l.ID, &l.TransferID, &l.ProductID, &l.Quantity); err != nil {
			return nil, nil, fmt.Errorf("failed to scan transfer line: %w", err)
		}
		lines = append(lines, l)
	}
	return t, lines, rows.Err()
}
