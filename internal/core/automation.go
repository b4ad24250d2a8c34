package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Automation result categories, in suite execution order.
const (
	CategoryUrgentApproved   = "urgent_requests_approved"
	CategoryTransfersCreated = "transfers_created"
	CategoryLowStockAlerts   = "low_stock_alerts"
	CategorySalesEntries     = "sales_entries_generated"
	CategoryPurchaseEntries  = "purchase_entries_generated"
	CategorySessionsClosed   = "stale_sessions_closed"
)

// TenantRunResult aggregates one tenant's automation run: per-category counts
// plus the captured error if the suite failed partway.
type TenantRunResult struct {
	Counts map[string]int
	Err    error
}

// AutomationRunner executes the fixed per-tenant automation suite on a
// schedule: approve urgent stock requests, create covering transfers, raise
// low-stock alerts, materialize accounting entries, close stale sessions.
// One tenant's failure is contained; the remaining tenants still run.
type AutomationRunner struct {
	pool       *pgxpool.Pool
	tenants    TenantService
	transfers  TransferService
	accounting AccountingService
	bus        EventPublisher
	log        *zap.Logger

	// staleness cutoffs, overridable in tests
	requestAge time.Duration
	sessionAge time.Duration
}

func NewAutomationRunner(pool *pgxpool.Pool, tenants TenantService, transfers TransferService,
	accounting AccountingService, bus EventPublisher, log *zap.Logger) *AutomationRunner {
	return &AutomationRunner{
		pool:       pool,
		tenants:    tenants,
		transfers:  transfers,
		accounting: accounting,
		bus:        bus,
		log:        log,
		requestAge: 30 * time.Minute,
		sessionAge: 12 * time.Hour,
	}
}

// SetStaleness overrides the urgency and session cutoffs.
func (r *AutomationRunner) SetStaleness(requestAge, sessionAge time.Duration) {
	r.requestAge = requestAge
	r.sessionAge = sessionAge
}

type policy struct {
	name string
	run  func(ctx context.Context, tenantID int) (int, error)
}

func (r *AutomationRunner) suite() []policy {
	return []policy{
		{CategoryUrgentApproved, r.approveUrgentRequests},
		{CategoryTransfersCreated, r.createTransfersForApprovedRequests},
		{CategoryLowStockAlerts, r.raiseLowStockAlerts},
		{CategorySalesEntries, r.postSalesEntries},
		{CategoryPurchaseEntries, r.postPurchaseEntries},
		{CategorySessionsClosed, r.closeStaleSessions},
	}
}

// RunAll executes the suite for one tenant if tenantID is non-nil, otherwise
// for every active tenant. The runner is a trusted internal job: it promotes
// the context to a maintenance scope for tenant discovery, then binds each
// tenant explicitly before touching its data.
func (r *AutomationRunner) RunAll(ctx context.Context, tenantID *int) (map[int]TenantRunResult, error) {
	ctx = WithMaintenance(ctx)

	var ids []int
	if tenantID != nil {
		ids = []int{*tenantID}
	} else {
		tenants, err := r.tenants.ActiveTenants(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list active tenants: %w", err)
		}
		for _, t := range tenants {
			ids = append(ids, t.ID)
		}
	}

	results := make(map[int]TenantRunResult, len(ids))
	for _, id := range ids {
		result := r.runTenant(ctx, id)
		results[id] = result
		if result.Err != nil {
			r.log.Error("automation suite failed",
				zap.Int("tenant_id", id),
				zap.Error(result.Err))
			continue
		}
		r.log.Info("automation suite completed",
			zap.Int("tenant_id", id),
			zap.Any("counts", result.Counts))
	}
	return results, nil
}

// runTenant executes the suite under the tenant's own scope, converting both
// errors and panics into a contained TenantRunError.
func (r *AutomationRunner) runTenant(ctx context.Context, tenantID int) (result TenantRunResult) {
	result.Counts = make(map[string]int)
	tctx := WithTenant(ctx, tenantID)

	current := ""
	defer func() {
		if p := recover(); p != nil {
			result.Err = &TenantRunError{TenantID: tenantID, Policy: current, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	for _, pol := range r.suite() {
		current = pol.name
		n, err := pol.run(tctx, tenantID)
		result.Counts[pol.name] = n
		if err != nil {
			result.Err = &TenantRunError{TenantID: tenantID, Policy: pol.name, Err: err}
			return result
		}
	}
	return result
}

// approveUrgentRequests auto-approves urgent stock requests that have been
// waiting longer than the request cutoff.
func (r *AutomationRunner) approveUrgentRequests(ctx context.Context, tenantID int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE stock_requests
		SET status = $1, approved_at = NOW()
		WHERE tenant_id = $2 AND status = $3 AND priority = 'urgent' AND created_at <= NOW() - $4::interval
	`, RequestApproved, tenantID, RequestPending, r.requestAge.String())
	if err != nil {
		return 0, fmt.Errorf("failed to approve urgent requests: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// createTransfersForApprovedRequests creates a pending transfer document for
// each approved request that has none, shipping from the request's supplying
// warehouse back to the requesting one.
func (r *AutomationRunner) createTransfersForApprovedRequests(ctx context.Context, tenantID int) (int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, from_warehouse_id, to_warehouse_id, product_id, quantity
		FROM stock_requests
		WHERE tenant_id = $1 AND status = $2 AND transfer_id IS NULL
		ORDER BY id
	`, tenantID, RequestApproved)
	if err != nil {
		return 0, fmt.Errorf("failed to query approved requests: %w", err)
	}
	defer rows.Close()

	var requests []StockRequest
	for rows.Next() {
		var req StockRequest
		if err := rows.Scan(&req.ID, &req.FromWarehouseID, &req.ToWarehouseID, &req.ProductID, &req.Quantity); err != nil {
			return 0, fmt.Errorf("failed to scan stock request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	created := 0
	for _, req := range requests {
		reqID := req.ID
		_, err := r.transfers.CreateTransfer(ctx, req.ToWarehouseID, req.FromWarehouseID,
			[]TransferLineInput{{ProductID: req.ProductID, Quantity: req.Quantity}}, &reqID)
		if err != nil {
			r.log.Error("auto-transfer creation failed",
				zap.Int("tenant_id", tenantID),
				zap.Int("request_id", req.ID),
				zap.Error(err))
			continue
		}
		created++
	}
	return created, nil
}

// raiseLowStockAlerts publishes a StockLow event for every tracked stock row
// at or below its product's minimum.
func (r *AutomationRunner) raiseLowStockAlerts(ctx context.Context, tenantID int) (int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.id, s.tenant_id, s.product_id, s.warehouse_id, s.quantity, s.reserved, s.available,
		       s.cost_average, s.unit_cost, s.updated_at, p.code, p.name, p.min_stock
		FROM stocks s
		JOIN products p ON p.id = s.product_id
		WHERE s.tenant_id = $1 AND p.track_stock = true AND p.is_active = true AND s.available <= p.min_stock
		ORDER BY p.code
	`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to query low stocks: %w", err)
	}
	defer rows.Close()

	alerts := 0
	for rows.Next() {
		var s Stock
		var code, name string
		var minStock decimal.Decimal
		if err := rows.Scan(&s.ID, &s.TenantID, &s.ProductID, &s.WarehouseID, &s.Quantity, &s.Reserved,
			&s.Available, &s.CostAverage, &s.UnitCost, &s.UpdatedAt, &code, &name, &minStock); err != nil {
			return alerts, fmt.Errorf("failed to scan low stock row: %w", err)
		}
		r.bus.Publish(NewEvent(EventStockLow, tenantID, StockLowPayload{
			Stock:       s,
			ProductCode: code,
			ProductName: name,
			Available:   s.Available,
			MinStock:    minStock,
		}))
		alerts++
	}
	return alerts, rows.Err()
}

// postSalesEntries books an accounting entry for every completed sale that
// has none yet.
func (r *AutomationRunner) postSalesEntries(ctx context.Context, tenantID int) (int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, reference, warehouse_id, user_id, status, total, accounting_entry_id, created_at
		FROM sales
		WHERE tenant_id = $1 AND status = $2 AND accounting_entry_id IS NULL
		ORDER BY id
	`, tenantID, SaleCompleted)
	if err != nil {
		return 0, fmt.Errorf("failed to query unposted sales: %w", err)
	}
	defer rows.Close()

	var sales []Sale
	for rows.Next() {
		var sale Sale
		if err := rows.Scan(&sale.ID, &sale.TenantID, &sale.Reference, &sale.WarehouseID, &sale.UserID,
			&sale.Status, &sale.Total, &sale.AccountingEntryID, &sale.CreatedAt); err != nil {
			return 0, fmt.Errorf("failed to scan sale: %w", err)
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	posted := 0
	for i := range sales {
		if _, err := r.accounting.PostSaleEntry(ctx, &sales[i]); err != nil {
			return posted, fmt.Errorf("failed to post entry for sale %s: %w", sales[i].Reference, err)
		}
		posted++
	}
	return posted, nil
}

// postPurchaseEntries books an accounting entry for every received purchase
// that has none yet.
func (r *AutomationRunner) postPurchaseEntries(ctx context.Context, tenantID int) (int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, reference, supplier_name, warehouse_id, status, total, accounting_entry_id, received_at, created_at
		FROM purchases
		WHERE tenant_id = $1 AND status = $2 AND accounting_entry_id IS NULL
		ORDER BY id
	`, tenantID, PurchaseReceived)
	if err != nil {
		return 0, fmt.Errorf("failed to query unposted purchases: %w", err)
	}
	defer rows.Close()

	var purchases []Purchase
	for rows.Next() {
		var p Purchase
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Reference, &p.SupplierName, &p.WarehouseID,
			&p.Status, &p.Total, &p.AccountingEntryID, &p.ReceivedAt, &p.CreatedAt); err != nil {
			return 0, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	posted := 0
	for i := range purchases {
		if _, err := r.accounting.PostPurchaseEntry(ctx, &purchases[i]); err != nil {
			return posted, fmt.Errorf("failed to post entry for purchase %s: %w", purchases[i].Reference, err)
		}
		posted++
	}
	return posted, nil
}

// closeStaleSessions closes register sessions idle past the session cutoff.
func (r *AutomationRunner) closeStaleSessions(ctx context.Context, tenantID int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE cash_sessions
		SET status = $1, closed_at = NOW(), notes = notes || E'\n[AUTO] closed after inactivity'
		WHERE tenant_id = $2 AND status = $3 AND last_activity_at < NOW() - $4::interval
	`, SessionClosed, tenantID, SessionOpen, r.sessionAge.String())
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
