package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type SaleLineInput struct {
	ProductID int
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal // zero means the product's selling price
}

type SaleInput struct {
	WarehouseID int
	Lines       []SaleLineInput
}

// SaleService drives the sale lifecycle: a placed sale reserves stock, a
// completed sale converts the reservation into a physical deduction, a
// cancelled sale releases the hold.
type SaleService interface {
	PlaceSale(ctx context.Context, in SaleInput) (*Sale, error)
	CompleteSale(ctx context.Context, saleID int) (*Sale, error)
	CancelSale(ctx context.Context, saleID int) (*Sale, error)
	GetSale(ctx context.Context, saleID int) (*Sale, []SaleLine, error)
}

type saleService struct {
	pool   *pgxpool.Pool
	ledger StockLedger
	bus    EventPublisher
	log    *zap.Logger
}

func NewSaleService(pool *pgxpool.Pool, ledger StockLedger, bus EventPublisher, log *zap.Logger) SaleService {
	return &saleService{pool: pool, ledger: ledger, bus: bus, log: log}
}

func (s *saleService) PlaceSale(ctx context.Context, in SaleInput) (*Sale, error) {
	tenantID, err := RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	if len(in.Lines) == 0 {
		return nil, fmt.Errorf("sale needs at least one line: %w", ErrInvalidQuantity)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	total := decimal.Zero
	resolved := make([]SaleLineInput, 0, len(in.Lines))
	for _, line := range in.Lines {
		if !line.Quantity.IsPositive() {
			return nil, fmt.Errorf("sale line for product %d: %w", line.ProductID, ErrInvalidQuantity)
		}
		price := line.UnitPrice
		if price.IsZero() {
			err := tx.QueryRow(ctx,
				"SELECT selling_price FROM products WHERE id = $1 AND tenant_id = $2",
				line.ProductID, tenantID,
			).Scan(&price)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil, fmt.Errorf("product %d not found for tenant %d", line.ProductID, tenantID)
				}
				return nil, fmt.Errorf("failed to resolve selling price for product %d: %w", line.ProductID, err)
			}
		}
		total = total.Add(line.Quantity.Mul(price))
		resolved = append(resolved, SaleLineInput{ProductID: line.ProductID, Quantity: line.Quantity, UnitPrice: price})
	}

	sale := &Sale{TenantID: tenantID, WarehouseID: in.WarehouseID, Status: SalePending, Total: total}
	if actor, ok := ActorFrom(ctx); ok {
		sale.UserID = &actor.ID
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO sales (tenant_id, reference, warehouse_id, user_id, status, total)
		VALUES ($1, '', $2, $3, $4, $5)
		RETURNING id, created_at
	`, tenantID, in.WarehouseID, sale.UserID, SalePending, total).Scan(&sale.ID, &sale.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert sale: %w", err)
	}

	sale.Reference = fmt.Sprintf("VTE-%06d", sale.ID)
	if _, err := tx.Exec(ctx, "UPDATE sales SET reference = $1 WHERE id = $2", sale.Reference, sale.ID); err != nil {
		return nil, fmt.Errorf("failed to set sale reference: %w", err)
	}

	for _, line := range resolved {
		_, err := tx.Exec(ctx, `
			INSERT INTO sale_lines (sale_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
		`, sale.ID, line.ProductID, line.Quantity, line.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("failed to insert sale line: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit sale %s: %w", sale.Reference, err)
	}

	// Hold stock for the pending sale. A failed reservation cancels the sale
	// and releases any holds already taken.
	for i, line := range resolved {
		if _, err := s.ledger.Reserve(ctx, line.ProductID, in.WarehouseID, line.Quantity, sale.Reference); err != nil {
			s.rollbackReservations(ctx, resolved[:i], in.WarehouseID, sale.Reference)
			if _, mErr := s.pool.Exec(ctx, "UPDATE sales SET status = $1 WHERE id = $2", SaleCancelled, sale.ID); mErr != nil {
				return nil, fmt.Errorf("reservation failed (%v) and sale %s could not be cancelled: %w", err, sale.Reference, mErr)
			}
			return nil, fmt.Errorf("reservation for sale %s, product %d: %w", sale.Reference, line.ProductID, err)
		}
	}
	return sale, nil
}

func (s *saleService) CompleteSale(ctx context.Context, saleID int) (*Sale, error) {
	sale, lines, err := s.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if sale.Status != SalePending {
		return nil, fmt.Errorf("sale %s is %s, expected %s", sale.Reference, sale.Status, SalePending)
	}

	// Convert each hold into a physical deduction. Release and deduct are
	// separate single-row transactions; each leaves its row invariant-correct,
	// but a concurrent reserve can claim the units between the two. If that
	// happens the deduction fails with ErrInsufficientStock and the sale stays
	// pending with its hold released.
	// TODO: add a combined consume-reservation ledger operation to close the gap.
	for _, line := range lines {
		if _, err := s.ledger.Release(ctx, line.ProductID, sale.WarehouseID, line.Quantity, sale.Reference); err != nil {
			return nil, fmt.Errorf("release for sale %s, product %d: %w", sale.Reference, line.ProductID, err)
		}
		if _, err := s.ledger.Deduct(ctx, line.ProductID, sale.WarehouseID, line.Quantity, sale.Reference); err != nil {
			return nil, fmt.Errorf("deduction for sale %s, product %d: %w", sale.Reference, line.ProductID, err)
		}
	}

	_, err = s.pool.Exec(ctx, "UPDATE sales SET status = $1 WHERE id = $2 AND tenant_id = $3",
		SaleCompleted, sale.ID, sale.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark sale %s completed: %w", sale.Reference, err)
	}
	sale.Status = SaleCompleted

	payload := SaleCompletedPayload{Sale: *sale, Lines: lines, ActorID: sale.UserID}
	s.bus.Publish(NewEvent(EventSaleCompleted, sale.TenantID, payload))
	return sale, nil
}

func (s *saleService) CancelSale(ctx context.Context, saleID int) (*Sale, error) {
	sale, lines, err := s.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if sale.Status != SalePending {
		return nil, fmt.Errorf("sale %s is %s, expected %s", sale.Reference, sale.Status, SalePending)
	}

	for _, line := range lines {
		if _, err := s.ledger.Release(ctx, line.ProductID, sale.WarehouseID, line.Quantity, sale.Reference); err != nil {
			return nil, fmt.Errorf("release for cancelled sale %s, product %d: %w", sale.Reference, line.ProductID, err)
		}
	}

	_, err = s.pool.Exec(ctx, "UPDATE sales SET status = $1 WHERE id = $2 AND tenant_id = $3",
		SaleCancelled, sale.ID, sale.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark sale %s cancelled: %w", sale.Reference, err)
	}
	sale.Status = SaleCancelled
	return sale, nil
}

func (s *saleService) GetSale(ctx context.Context, saleID int) (*Sale, []SaleLine, error) {
	scope, err := RequireReadScope(ctx)
	if err != nil {
		return nil, nil, err
	}

	query := `
		SELECT id, tenant_id, reference, warehouse_id, user_id, status, total, accounting_entry_id, created_at
		FROM sales WHERE id = $1`
	args := []any{saleID}
	if !scope.Unfiltered() {
		query += " AND tenant_id = $2"
		args = append(args, scope.TenantID)
	}

	sale := &Sale{}
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&sale.ID, &sale.TenantID, &sale.Reference, &sale.WarehouseID, &sale.UserID,
		&sale.Status, &sale.Total, &sale.AccountingEntryID, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("sale %d not found", saleID)
		}
		return nil, nil, fmt.Errorf("failed to fetch sale %d: %w", saleID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, sale_id, product_id, quantity, unit_price
		FROM sale_lines WHERE sale_id = $1 ORDER BY id
	`, sale.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch sale lines: %w", err)
	}
	defer rows.Close()

	var lines []SaleLine
	for rows.Next() {
		var l SaleLine
		if err := rows.Scan(&l.ID, &l.SaleID, &l.ProductID, &l.Quantity, &l.UnitPrice); err != nil {
			return nil, nil, fmt.Errorf("failed to scan sale line: %w", err)
		}
		lines = append(lines, l)
	}
	return sale, lines, rows.Err()
}

func (s *saleService) rollbackReservations(ctx context.Context, taken []SaleLineInput, warehouseID int, reference string) {
	for _, line := range taken {
		if _, err := s.ledger.Release(ctx, line.ProductID, warehouseID, line.Quantity, reference); err != nil {
			// The hold stays visible in stock levels until corrected.
			s.log.Error("failed to release hold while unwinding sale",
				zap.String("reference", reference),
				zap.Int("product_id", line.ProductID),
				zap.Int("warehouse_id", warehouseID),
				zap.Error(err))
		}
	}
}
