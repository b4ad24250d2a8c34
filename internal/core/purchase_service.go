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

type PurchaseLineInput struct {
	ProductID int
	Quantity  decimal.Decimal
	UnitCost  decimal.Decimal
}

type PurchaseInput struct {
	SupplierName string
	WarehouseID  int
	Lines        []PurchaseLineInput
}

// PurchaseService records supplier orders and books goods receipts through
// the stock ledger.
type PurchaseService interface {
	// CreatePurchase records an ordered purchase. No stock moves yet.
	CreatePurchase(ctx context.Context, in PurchaseInput) (*Purchase, error)

	// ReceivePurchase books each line into the ledger at the line's unit
	// cost, marks the purchase received and publishes PurchaseReceived.
	ReceivePurchase(ctx context.Context, purchaseID int) (*Purchase, error)

	// GetPurchase loads a purchase with its lines under the caller's scope.
	GetPurchase(ctx context.Context, purchaseID int) (*Purchase, []PurchaseLine, error)
}

type purchaseService struct {
	pool   *pgxpool.Pool
	ledger StockLedger
	bus    EventPublisher
}

func NewPurchaseService(pool *pgxpool.Pool, ledger StockLedger, bus EventPublisher) PurchaseService {
	return &purchaseService{pool: pool, ledger: ledger, bus: bus}
}

func (s *purchaseService) CreatePurchase(ctx context.Context, in PurchaseInput) (*Purchase, error) {
	tenantID, err := RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	if len(in.Lines) == 0 {
		return nil, fmt.Errorf("purchase needs at least one line: %w", ErrInvalidQuantity)
	}

	total := decimal.Zero
	for _, line := range in.Lines {
		if !line.Quantity.IsPositive() {
			return nil, fmt.Errorf("purchase line for product %d: %w", line.ProductID, ErrInvalidQuantity)
		}
		if line.UnitCost.IsNegative() {
			return nil, fmt.Errorf("purchase line for product %d has negative cost: %w", line.ProductID, ErrInvalidQuantity)
		}
		total = total.Add(line.Quantity.Mul(line.UnitCost))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p := &Purchase{
		TenantID:     tenantID,
		SupplierName: in.SupplierName,
		WarehouseID:  in.WarehouseID,
		Status:       PurchaseOrdered,
		Total:        total,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO purchases (tenant_id, reference, supplier_name, warehouse_id, status, total)
		VALUES ($1, '', $2, $3, $4, $5)
		RETURNING id, created_at
	`, tenantID, in.SupplierName, in.WarehouseID, PurchaseOrdered, total).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert purchase: %w", err)
	}

	p.Reference = fmt.Sprintf("ACH-%06d", p.ID)
	if _, err := tx.Exec(ctx, "UPDATE purchases SET reference = $1 WHERE id = $2", p.Reference, p.ID); err != nil {
		return nil, fmt.Errorf("failed to set purchase reference: %w", err)
	}

	for _, line := range in.Lines {
		_, err := tx.Exec(ctx, `
			INSERT INTO purchase_lines (purchase_id, product_id, quantity, unit_cost)
			VALUES ($1, $2, $3, $4)
		`, p.ID, line.ProductID, line.Quantity, line.UnitCost)
		if err != nil {
			return nil, fmt.Errorf("failed to insert purchase line: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit purchase %s: %w", p.Reference, err)
	}
	return p, nil
}

func (s *purchaseService) ReceivePurchase(ctx context.Context, purchaseID int) (*Purchase, error) {
	p, lines, err := s.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if p.Status != PurchaseOrdered {
		return nil, fmt.Errorf("purchase %s is %s, expected %s", p.Reference, p.Status, PurchaseOrdered)
	}

	// Each line receipt is its own ledger transaction; the single stock row
	// it touches stays invariant-correct even if a later line fails.
	for _, line := range lines {
		if _, err := s.ledger.Receive(ctx, line.ProductID, p.WarehouseID, line.Quantity, line.UnitCost, p.Reference); err != nil {
			return nil, fmt.Errorf("receipt of purchase %s, product %d: %w", p.Reference, line.ProductID, err)
		}
	}

	now := time.Now()
	_, err = s.pool.Exec(ctx, `
		UPDATE purchases SET status = $1, received_at = $2 WHERE id = $3 AND tenant_id = $4
	`, PurchaseReceived, now, p.ID, p.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark purchase %s received: %w", p.Reference, err)
	}
	p.Status = PurchaseReceived
	p.ReceivedAt = &now

	payload := PurchaseReceivedPayload{Purchase: *p, Lines: lines}
	if actor, ok := ActorFrom(ctx); ok {
		payload.ActorID = &actor.ID
	}
	s.bus.Publish(NewEvent(EventPurchaseReceived, p.TenantID, payload))
	return p, nil
}

func (s *purchaseService) GetPurchase(ctx context.Context, purchaseID int) (*Purchase, []PurchaseLine, error) {
	scope, err := RequireReadScope(ctx)
	if err != nil {
		return nil, nil, err
	}

	query := `
		SELECT id, tenant_id, reference, supplier_name, warehouse_id, status, total, accounting_entry_id, received_at, created_at
		FROM purchases WHERE id = $1`
	args := []any{purchaseID}
	if !scope.Unfiltered() {
		query += " AND tenant_id = $2"
		args = append(args, scope.TenantID)
	}

	p := &Purchase{}
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&p.ID, &p.TenantID, &p.Reference, &p.SupplierName, &p.WarehouseID,
		&p.Status, &p.Total, &p.AccountingEntryID, &p.ReceivedAt, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("purchase %d not found", purchaseID)
		}
		return nil, nil, fmt.Errorf("failed to fetch purchase %d: %w", purchaseID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, purchase_id, product_id, quantity, unit_cost
		FROM purchase_lines WHERE purchase_id = $1 ORDER BY id
	`, p.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch purchase lines: %w", err)
	}
	defer rows.Close()

	var lines []PurchaseLine
	for rows.Next() {
		var l PurchaseLine
		if err := rows.Scan(&l.ID, &l.PurchaseID, &l.ProductID, &l.Quantity, &l.UnitCost); err != nil {
			return nil, nil, fmt.Errorf("failed to scan purchase line: %w", err)
		}
		lines = append(lines, l)
	}
	return p, lines, rows.Err()
}
