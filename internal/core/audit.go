package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// AuditRecorder is the bus subscriber that persists the immutable audit trail.
// It records a changes snapshot per mutating event and, for low-stock events,
// asks the notification dispatcher to alert the tenant's admins. It performs
// no inventory side effects: all stock mutation goes through the ledger.
type AuditRecorder struct {
	pool       *pgxpool.Pool
	users      UserService
	dispatcher NotificationDispatcher
	log        *zap.Logger
}

func NewAuditRecorder(pool *pgxpool.Pool, users UserService, dispatcher NotificationDispatcher, log *zap.Logger) *AuditRecorder {
	return &AuditRecorder{pool: pool, users: users, dispatcher: dispatcher, log: log}
}

// Register subscribes the recorder to the events it persists.
func (r *AuditRecorder) Register(bus *Bus) {
	bus.Subscribe(EventPurchaseReceived, "audit-recorder", r.onPurchaseReceived)
	bus.Subscribe(EventSaleCompleted, "audit-recorder", r.onSaleCompleted)
	bus.Subscribe(EventStockLow, "audit-recorder", r.onStockLow)
}

func (r *AuditRecorder) onPurchaseReceived(ctx context.Context, evt Event) error {
	p, ok := evt.Payload.(PurchaseReceivedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
	}
	return r.append(ctx, evt.TenantID, p.ActorID, "purchase_received", "Purchase", p.Purchase.ID, map[string]any{
		"reference":   p.Purchase.Reference,
		"total":       p.Purchase.Total,
		"items_count": len(p.Lines),
	}, p.SourceIP)
}

func (r *AuditRecorder) onSaleCompleted(ctx context.Context, evt Event) error {
	p, ok := evt.Payload.(SaleCompletedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
	}
	return r.append(ctx, evt.TenantID, p.ActorID, "sale_completed", "Sale", p.Sale.ID, map[string]any{
		"reference":   p.Sale.Reference,
		"total":       p.Sale.Total,
		"items_count": len(p.Lines),
	}, p.SourceIP)
}

func (r *AuditRecorder) onStockLow(ctx context.Context, evt Event) error {
	p, ok := evt.Payload.(StockLowPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
	}
	if err := r.append(ctx, evt.TenantID, nil, "low_stock_alert", "Stock", p.Stock.ID, map[string]any{
		"product_id": p.Stock.ProductID,
		"available":  p.Available,
		"min_stock":  p.MinStock,
	}, ""); err != nil {
		return err
	}

	// Alert every admin of the owning tenant. The recorder runs as a trusted
	// internal job bound to the event's tenant.
	admins, err := r.users.AdminsForTenant(WithTenant(ctx, evt.TenantID), evt.TenantID)
	if err != nil {
		return fmt.Errorf("failed to enumerate admins for tenant %d: %w", evt.TenantID, err)
	}
	for _, admin := range admins {
		err := r.dispatcher.Alert(ctx, admin.ID, AlertLowStock, map[string]any{
			"product":   p.ProductName,
			"warehouse": p.Stock.WarehouseID,
			"available": p.Available.String(),
			"min_stock": p.MinStock.String(),
		})
		if err != nil {
			// Alert failures are the dispatcher's problem to retry; the audit
			// row is already written.
			r.log.Error("low stock alert failed",
				zap.Int("tenant_id", evt.TenantID),
				zap.Int("recipient_id", admin.ID),
				zap.Error(err))
		}
	}
	return nil
}

// append writes one immutable audit row. Append-only: nothing updates or
// deletes audit_logs.
func (r *AuditRecorder) append(ctx context.Context, tenantID int, actorID *int, action, resourceType string, resourceID int, changes map[string]any, sourceIP string) error {
	var ip *string
	if sourceIP != "" {
		ip = &sourceIP
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, tenant_id, actor_id, action, resource_type, resource_id, changes, source_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, uuid.New(), tenantID, actorID, action, resourceType, resourceID, changes, ip)
	if err != nil {
		return fmt.Errorf("failed to append audit log (%s %s %d): %w", action, resourceType, resourceID, err)
	}
	return nil
}
