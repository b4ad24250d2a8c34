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

// StockLedger owns every physical stock mutation. All five operations are
// all-or-nothing with respect to the single stock row they touch: on any
// precondition failure the row is unchanged and no event is emitted.
//
// Each operation runs in its own transaction and locks the target row with
// FOR UPDATE NOWAIT, so concurrent read-modify-write races on the same
// (tenant, product, warehouse) key either serialize or fail fast with
// ErrConcurrencyConflict. Events are published only after commit.
type StockLedger interface {
	// Receive books an inbound quantity at a stated unit cost, recomputing
	// the weighted average cost. Creates the stock row on first receipt.
	Receive(ctx context.Context, productID, warehouseID int, qty, unitCost decimal.Decimal, reference string) (*Stock, error)

	// Deduct removes physical units. Succeeds only if available >= qty;
	// cost_average is unaffected (average cost costing, not FIFO).
	Deduct(ctx context.Context, productID, warehouseID int, qty decimal.Decimal, reference string) (*Stock, error)

	// Transfer atomically deducts at the source and receives at the
	// destination, using the source's current cost_average as the
	// destination's unit cost. Cost follows the goods.
	Transfer(ctx context.Context, productID, srcWarehouseID, dstWarehouseID int, qty decimal.Decimal, reference string) (*Stock, *Stock, error)

	// Reserve holds available units for a pending order. Quantity unchanged.
	Reserve(ctx context.Context, productID, warehouseID int, qty decimal.Decimal, reference string) (*Stock, error)

	// Release returns previously reserved units to availability.
	Release(ctx context.Context, productID, warehouseID int, qty decimal.Decimal, reference string) (*Stock, error)

	// Adjust corrects the physical quantity to an absolute counted value.
	// Cost is unaffected.
	Adjust(ctx context.Context, productID, warehouseID int, countedQty decimal.Decimal, reference string) (*Stock, error)

	// GetStock reads one stock row under the caller's scope.
	GetStock(ctx context.Context, productID, warehouseID int) (*Stock, error)

	// GetStockLevels lists stock joined with product and warehouse info.
	// Under a tenant scope only that tenant's rows are returned; privileged
	// and maintenance scopes see every tenant.
	GetStockLevels(ctx context.Context) ([]StockLevel, error)
}

type stockLedger struct {
	pool *pgxpool.Pool
	bus  EventPublisher
	log  *zap.Logger
}

func NewStockLedger(pool *pgxpool.Pool, bus EventPublisher, log *zap.Logger) StockLedger {
	return &stockLedger{pool: pool, bus: bus, log: log}
}

// productInfo is the slice of the product row the ledger needs for events and
// low-stock checks.
type productInfo struct {
	Code       string
	Name       string
	MinStock   decimal.Decimal
	TrackStock bool
}

func (l *stockLedger) Receive(ctx context.Context, productID, warehouseID int, qty, unitCost decimal.Decimal, reference string) (*Stock, error) {
	tenantID, err := RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("receive %s: %w", qty, ErrInvalidQuantity)
	}
	if unitCost.IsNegative() {
		return nil, fmt.Errorf("unit cost %s is negative: %w", unitCost, ErrInvalidQuantity)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := checkWarehouse(ctx, tx, tenantID, warehouseID); err != nil {
		return nil, err
	}
	product, err := fetchProduct(ctx, tx, tenantID, productID)
	if err != nil {
		return nil, err
	}

	stock, err := lockStock(ctx, tx, tenantID, productID, warehouseID, true)
	if err != nil {
		return nil, err
	}

	// Weighted average cost: (old_qty*old_avg + qty*unit_cost) / new_qty.
	// Sales, transfers out, reservations and releases never touch the average.
	newQty := stock.Quantity.Add(qty)
	newAvg := decimal.Zero
	if !newQty.IsZero() {
		newAvg = stock.Quantity.Mul(stock.CostAverage).Add(qty.Mul(unitCost)).Div(newQty)
	}

	stock.Quantity = newQty
	stock.CostAverage = newAvg
	stock.UnitCost = unitCost
	if err := updateStock(ctx, tx, stock); err != nil {
		return nil, err
	}
	if err := insertMovement(ctx, tx, stock, MovementReceipt, qty, unitCost, reference); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit receipt: %w", err)
	}

	l.publishUpdated(stock, product, ActionReceived, qty)
	return stock, nil
}

func (l *stockLedger) Deduct(ctx context.Context, productID, warehouseID int, qty decimal.Decimal, reference string) (*Stock, error) {
	tenantID, err := RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("deduct %s: %w", qty, ErrInvalidQuantity)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	product, err := fetchProduct(ctx, tx, tenantID, productID)
	if err != nil {
		return nil, err
	}
	stock, err := lockStock(ctx, tx, tenantID, productID, warehouseID, false)
	if err != nil {
		return nil, err
	}
	if stock.Available.LessThan(qty) {
		return nil, fmt.Errorf("product %s: available %s, requested %s: %w",
			product.Code, stock.Available, qty, ErrInsufficientStock)
	}

	stock.Quantity = stock.Quantity.Sub(qty)
	if err := updateStock(ctx, tx, stock); err != nil {
		return nil, err
	}
	if err := insertMovement(ctx, tx, stock, MovementIssue, qty.Neg(), stock.CostAverage, reference); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit deduction: %w", err)
	}

	l.publishUpdated(stock, product, ActionSold, qty.Neg())
	l.publishLowStockIfNeeded(stock, product)
	return stock, nil
}

func (l *stockLedger) Transfer(ctx context.Context, productID, srcWarehouseID, dstWarehouseID int, qty decimal.Decimal, reference string) (*Stock, *Stock, error) {
	tenantID, err := RequireTenant(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !qty.IsPositive() {
		return nil, nil, fmt.Errorf("transfer %s: %w", qty, ErrInvalidQuantity)
	}
	if srcWarehouseID == dstWarehouseID {
		return nil, nil, fmt.Errorf("transfer source and destination are the same warehouse: %w", ErrInvalidQuantity)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Both sides must belong to the caller's tenant. Fail-closed before any
	// row is touched.
	if err := checkWarehouse(ctx, tx, tenantID, srcWarehouseID); err != nil {
		return nil, nil, err
	}
	if err := checkWarehouse(ctx, tx, tenantID, dstWarehouseID); err != nil {
		return nil, nil, err
	}
	product, err := fetchProduct(ctx, tx, tenantID, productID)
	if err != nil {
		return nil, nil, err
	}

	src, err := lockStock(ctx, tx, tenantID, productID, srcWarehouseID, false)
	if err != nil {
		return nil, nil, err
	}
	if src.Available.LessThan(qty) {
		return nil, nil, fmt.Errorf("transfer of %s from warehouse %d: available %s: %w",
			qty, srcWarehouseID, src.Available, ErrInsufficientStock)
	}

	// Cost follows the goods: the destination receives at the source's
	// current weighted average.
	transferCost := src.CostAverage

	src.Quantity = src.Quantity.Sub(qty)
	if err := updateStock(ctx, tx, src); err != nil {
		return nil, nil, err
	}
	if err := insertMovement(ctx, tx, src, MovementTransferOut, qty.Neg(), transferCost, reference); err != nil {
		return nil, nil, err
	}

	dst, err := lockStock(ctx, tx, tenantID, productID, dstWarehouseID, true)
	if err != nil {
		return nil, nil, err
	}
	newQty := dst.Quantity.Add(qty)
	newAvg := decimal.Zero
	if !newQty.IsZero() {
		newAvg = dst.Quantity.Mul(dst.CostAverage).Add(qty.Mul(transferCost)).Div(newQty)
	}
	dst.Quantity = newQty
	dst.CostAverage = newAvg
	dst.UnitCost = transferCost
	if err := updateStock(ctx, tx, dst); err != nil {
		return nil, nil, err
	}
	if err := insertMovement(ctx, tx, dst, MovementTransferIn, qty, transferCost, reference); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transfer: %w", err)
	}

	l.publishUpdated(src, product, ActionSold, qty.Neg())
	l.publishLowStockIfNeeded(src, product)
	l.publishUpdated(dst, product, ActionReceived, qty)
	return src, dst, nil
}

func (l *stockLedger) Reserve(ctx context.Context, productID, warehouseID int, qty decimal.Decimal, reference string) (*Stock, error) {
	tenantID, err := RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("reserve %s: %w", qty, ErrInvalidQuantity)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	product, err := fetchProduct(ctx, tx, tenantID, productID)
	if err != nil {
		return nil, err
	}
	stock, err := lockStock(ctx, tx, tenantID, productID, warehouseID, false)
	if err != nil {
		return nil, err
	}
	if stock.Available.LessThan(qty) {
		return nil, fmt.Errorf("product %s: available %s, reservation %s: %w",
			product.Code, stock.Available, qty, ErrReservationExceedsAvailable)
	}

	stock.Reserved = stock.Reserved.Add(qty)
	if err := updateStock(ctx, tx, stock); err != nil {
		return nil, err
	}
	if err := insertMovement(ctx, tx, stock, MovementReservation, qty, decimal.Zero, reference); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}

	l.publishUpdated(stock, product, ActionReserved, qty)
	return stock, nil
}

func (l *stockLedger) Release(ctx context.Context, productID, warehouseID int, qty decimal.Decimal, reference string) (*Stock, error) {
	tenantID, err := RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("release %s: %w", qty, ErrInvalidQuantity)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	product, err := fetchProduct(ctx, tx, tenantID, productID)
	if err != nil {
		return nil, err
	}
	stock, err := lockStock(ctx, tx, tenantID, productID, warehouseID, false)
	if err != nil {
		return nil, err
	}
	if qty.GreaterThan(stock.Reserved) {
		return nil, fmt.Errorf("product %s: reserved %s, release %s: %w",
			product.Code, stock.Reserved, qty, ErrInvalidReservation)
	}

	stock.Reserved = stock.Reserved.Sub(qty)
	if err := updateStock(ctx, tx, stock); err != nil {
		return nil, err
	}
	if err := insertMovement(ctx, tx, stock, MovementRelease, qty.Neg(), decimal.Zero, reference); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit release: %w", err)
	}

	l.publishUpdated(stock, product, ActionReleased, qty.Neg())
	return stock, nil
}

func (l *stockLedger) Adjust(ctx context.Context, productID, warehouseID int, countedQty decimal.Decimal, reference string) (*Stock, error) {
	tenantID, err := RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	if countedQty.IsNegative() {
		return nil, fmt.Errorf("adjust to %s: %w", countedQty, ErrInvalidQuantity)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	product, err := fetchProduct(ctx, tx, tenantID, productID)
	if err != nil {
		return nil, err
	}
	stock, err := lockStock(ctx, tx, tenantID, productID, warehouseID, false)
	if err != nil {
		return nil, err
	}
	if countedQty.LessThan(stock.Reserved) {
		return nil, fmt.Errorf("counted quantity %s is below reserved %s: %w",
			countedQty, stock.Reserved, ErrReservationExceedsAvailable)
	}

	delta := countedQty.Sub(stock.Quantity)
	if delta.IsZero() {
		return stock, nil
	}
	stock.Quantity = countedQty
	if err := updateStock(ctx, tx, stock); err != nil {
		return nil, err
	}
	if err := insertMovement(ctx, tx, stock, MovementAdjustment, delta, stock.CostAverage, reference); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit adjustment: %w", err)
	}

	l.publishUpdated(stock, product, ActionAdjusted, delta)
	l.publishLowStockIfNeeded(stock, product)
	return stock, nil
}

func (l *stockLedger) GetStock(ctx context.Context, productID, warehouseID int) (*Stock, error) {
	scope, err := RequireReadScope(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, product_id, warehouse_id, quantity, reserved, available, cost_average, unit_cost, updated_at
		FROM stocks
		WHERE product_id = $1 AND warehouse_id = $2`
	args := []any{productID, warehouseID}
	if !scope.Unfiltered() {
		query += " AND tenant_id = $3"
		args = append(args, scope.TenantID)
	}

	s := &Stock{}
	err = l.pool.QueryRow(ctx, query, args...).Scan(
		&s.ID, &s.TenantID, &s.ProductID, &s.WarehouseID,
		&s.Quantity, &s.Reserved, &s.Available, &s.CostAverage, &s.UnitCost, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no stock for product %d in warehouse %d", productID, warehouseID)
		}
		return nil, fmt.Errorf("failed to fetch stock: %w", err)
	}
	return s, nil
}

func (l *stockLedger) GetStockLevels(ctx context.Context) ([]StockLevel, error) {
	scope, err := RequireReadScope(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT s.tenant_id, p.code, p.name, w.code,
		       s.quantity, s.reserved, s.available, s.cost_average, p.min_stock
		FROM stocks s
		JOIN products p   ON p.id = s.product_id
		JOIN warehouses w ON w.id = s.warehouse_id`
	args := []any{}
	if !scope.Unfiltered() {
		query += " WHERE s.tenant_id = $1"
		args = append(args, scope.TenantID)
	}
	query += " ORDER BY s.tenant_id, p.code, w.code"

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock levels: %w", err)
	}
	defer rows.Close()

	var levels []StockLevel
	for rows.Next() {
		var sl StockLevel
		if err := rows.Scan(
			&sl.TenantID, &sl.ProductCode, &sl.ProductName, &sl.WarehouseCode,
			&sl.Quantity, &sl.Reserved, &sl.Available, &sl.CostAverage, &sl.MinStock,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stock level: %w", err)
		}
		levels = append(levels, sl)
	}
	return levels, rows.Err()
}

// transaction helpers

func checkWarehouse(ctx context.Context, tx pgx.Tx, tenantID, warehouseID int) error {
	var ownerID int
	err := tx.QueryRow(ctx, "SELECT tenant_id FROM warehouses WHERE id = $1 AND is_active = true", warehouseID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("warehouse %d not found", warehouseID)
		}
		return fmt.Errorf("failed to resolve warehouse %d: %w", warehouseID, err)
	}
	if ownerID != tenantID {
		return fmt.Errorf("warehouse %d belongs to another tenant: %w", warehouseID, ErrTenantIsolation)
	}
	return nil
}

func fetchProduct(ctx context.Context, tx pgx.Tx, tenantID, productID int) (*productInfo, error) {
	p := &productInfo{}
	err := tx.QueryRow(ctx, `
		SELECT code, name, min_stock, track_stock
		FROM products
		WHERE id = $1 AND tenant_id = $2 AND is_active = true
	`, productID, tenantID).Scan(&p.Code, &p.Name, &p.MinStock, &p.TrackStock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %d not found for tenant %d", productID, tenantID)
		}
		return nil, fmt.Errorf("failed to resolve product %d: %w", productID, err)
	}
	return p, nil
}

// lockStock acquires the exclusive row lock for one (tenant, product,
// warehouse) key. With create it provisions the row first (quantity 0,
// cost 0), matching the lifecycle of a product first stocked into a warehouse.
func lockStock(ctx context.Context, tx pgx.Tx, tenantID, productID, warehouseID int, create bool) (*Stock, error) {
	if create {
		_, err := tx.Exec(ctx, `
			INSERT INTO stocks (tenant_id, product_id, warehouse_id, quantity, reserved, available, cost_average, unit_cost)
			VALUES ($1, $2, $3, 0, 0, 0, 0, 0)
			ON CONFLICT (tenant_id, product_id, warehouse_id) DO NOTHING
		`, tenantID, productID, warehouseID)
		if err != nil {
			return nil, fmt.Errorf("failed to provision stock row: %w", err)
		}
	}

	s := &Stock{}
	err := tx.QueryRow(ctx, `
		SELECT id, tenant_id, product_id, warehouse_id, quantity, reserved, available, cost_average, unit_cost, updated_at
		FROM stocks
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
		FOR UPDATE NOWAIT
	`, tenantID, productID, warehouseID).Scan(
		&s.ID, &s.TenantID, &s.ProductID, &s.WarehouseID,
		&s.Quantity, &s.Reserved, &s.Available, &s.CostAverage, &s.UnitCost, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no stock row for product %d in warehouse %d", productID, warehouseID)
		}
		return nil, mapLockErr(err, fmt.Sprintf("stock row (product %d, warehouse %d)", productID, warehouseID))
	}
	return s, nil
}

// updateStock writes the row back, recomputing available so that
// available == quantity - reserved holds after every commit.
func updateStock(ctx context.Context, tx pgx.Tx, s *Stock) error {
	s.Available = s.Quantity.Sub(s.Reserved)
	_, err := tx.Exec(ctx, `
		UPDATE stocks
		SET quantity = $1, reserved = $2, available = $3, cost_average = $4, unit_cost = $5, updated_at = NOW()
		WHERE id = $6
	`, s.Quantity, s.Reserved, s.Available, s.CostAverage, s.UnitCost, s.ID)
	if err != nil {
		return fmt.Errorf("failed to update stock row %d: %w", s.ID, err)
	}
	return nil
}

func insertMovement(ctx context.Context, tx pgx.Tx, s *Stock, mt MovementType, qty, unitCost decimal.Decimal, reference string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO stock_movements (tenant_id, stock_id, movement_type, quantity, unit_cost, reference, movement_date)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, s.TenantID, s.ID, mt, qty, unitCost, reference)
	if err != nil {
		return fmt.Errorf("failed to insert %s movement: %w", mt, err)
	}
	return nil
}

func (l *stockLedger) publishUpdated(s *Stock, p *productInfo, action string, delta decimal.Decimal) {
	l.bus.Publish(NewEvent(EventStockUpdated, s.TenantID, StockUpdatedPayload{
		Stock:       *s,
		ProductCode: p.Code,
		ProductName: p.Name,
		Action:      action,
		Delta:       delta,
	}))
}

func (l *stockLedger) publishLowStockIfNeeded(s *Stock, p *productInfo) {
	if !p.TrackStock || s.Available.GreaterThan(p.MinStock) {
		return
	}
	l.bus.Publish(NewEvent(EventStockLow, s.TenantID, StockLowPayload{
		Stock:       *s,
		ProductCode: p.Code,
		ProductName: p.Name,
		Available:   s.Available,
		MinStock:    p.MinStock,
	}))
}
