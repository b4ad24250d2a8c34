package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantInactive TenantStatus = "inactive"
)

// Tenant is an isolated customer organization. Every business row carries its
// tenant_id; cross-tenant references are forbidden.
type Tenant struct {
	ID        int
	Code      string
	Name      string
	Status    TenantStatus
	CreatedAt time.Time
}

type WarehouseType string

const (
	WarehouseMain      WarehouseType = "main"
	WarehouseWholesale WarehouseType = "wholesale"
	WarehouseRetail    WarehouseType = "retail"
)

// Warehouse is a stock-holding location within a tenant.
type Warehouse struct {
	ID        int
	TenantID  int
	Code      string
	Name      string
	Type      WarehouseType
	IsActive  bool
	CreatedAt time.Time
}

type Product struct {
	ID            int
	TenantID      int
	Code          string
	Name          string
	MinStock      decimal.Decimal
	PurchasePrice decimal.Decimal
	SellingPrice  decimal.Decimal
	TrackStock    bool
	IsActive      bool
	CreatedAt     time.Time
}

// Stock is the ledger row, uniquely keyed by (tenant_id, product_id,
// warehouse_id). Available is stored alongside quantity and reserved and kept
// equal to quantity - reserved on every write.
type Stock struct {
	ID          int
	TenantID    int
	ProductID   int
	WarehouseID int
	Quantity    decimal.Decimal
	Reserved    decimal.Decimal
	Available   decimal.Decimal
	CostAverage decimal.Decimal // weighted average cost, recomputed on receipts only
	UnitCost    decimal.Decimal // cost of the most recent receipt
	UpdatedAt   time.Time
}

type MovementType string

const (
	MovementReceipt     MovementType = "receipt"
	MovementIssue       MovementType = "issue"
	MovementReservation MovementType = "reservation"
	MovementRelease     MovementType = "release"
	MovementTransferOut MovementType = "transfer_out"
	MovementTransferIn  MovementType = "transfer_in"
	MovementAdjustment  MovementType = "adjustment"
)

// StockMovement is the append-only journal of ledger mutations, written in the
// same transaction as the stock row update.
type StockMovement struct {
	ID           int
	TenantID     int
	StockID      int
	Type         MovementType
	Quantity     decimal.Decimal // signed: negative for issues and transfers out
	UnitCost     decimal.Decimal
	Reference    string
	MovementDate time.Time
}

// StockLevel is a read view of a stock row joined with product and warehouse
// info, used by reporting and the CLI.
type StockLevel struct {
	TenantID      int
	ProductCode   string
	ProductName   string
	WarehouseCode string
	Quantity      decimal.Decimal
	Reserved      decimal.Decimal
	Available     decimal.Decimal
	CostAverage   decimal.Decimal
	MinStock      decimal.Decimal
}

// User is an authenticated system user. TenantID is nil only for global
// super-admins, who bypass tenant filtering for cross-tenant reporting.
type User struct {
	ID           int
	TenantID     *int
	Username     string
	Email        string
	PasswordHash string
	Role         string
	IsActive     bool
	CreatedAt    time.Time
}

const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

// IsGlobalSuperAdmin reports whether the user may read across tenants:
// elevated role AND no assigned tenant. A super-admin attached to a tenant is
// filtered like any other user.
func (u *User) IsGlobalSuperAdmin() bool {
	return u.Role == RoleSuperAdmin && u.TenantID == nil
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "requested"
	RequestApproved RequestStatus = "approved"
)

// StockRequest is a replenishment request from one warehouse to another,
// auto-approved by the automation runner when urgent and stale.
type StockRequest struct {
	ID              int
	TenantID        int
	Reference       string
	FromWarehouseID int
	ToWarehouseID   int
	ProductID       int
	Quantity        decimal.Decimal
	Priority        string // "normal" or "urgent"
	Status          RequestStatus
	TransferID      *int
	ApprovedAt      *time.Time
	CreatedAt       time.Time
}

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
)

// Transfer is an inter-warehouse movement document. Stock only moves when the
// transfer is executed through the ledger.
type Transfer struct {
	ID              int
	TenantID        int
	Reference       string
	FromWarehouseID int
	ToWarehouseID   int
	Status          TransferStatus
	StockRequestID  *int
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

type TransferLine struct {
	ID         int
	TransferID int
	ProductID  int
	Quantity   decimal.Decimal
}

type PurchaseStatus string

const (
	PurchaseOrdered  PurchaseStatus = "ordered"
	PurchaseReceived PurchaseStatus = "received"
)

type Purchase struct {
	ID                int
	TenantID          int
	Reference         string
	SupplierName      string
	WarehouseID       int
	Status            PurchaseStatus
	Total             decimal.Decimal
	AccountingEntryID *int
	ReceivedAt        *time.Time
	CreatedAt         time.Time
}

type PurchaseLine struct {
	ID         int
	PurchaseID int
	ProductID  int
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal
}

type SaleStatus string

const (
	SalePending   SaleStatus = "pending"
	SaleCompleted SaleStatus = "completed"
	SaleCancelled SaleStatus = "cancelled"
)

type Sale struct {
	ID                int
	TenantID          int
	Reference         string
	WarehouseID       int
	UserID            *int
	Status            SaleStatus
	Total             decimal.Decimal
	AccountingEntryID *int
	CreatedAt         time.Time
}

type SaleLine struct {
	ID        int
	SaleID    int
	ProductID int
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// AccountingEntry is a balanced journal entry materialized from completed
// sales and received purchases by the automation runner.
type AccountingEntry struct {
	ID          int
	TenantID    int
	Reference   string
	EntryDate   time.Time
	Description string
	Status      string
	Lines       []AccountingLine
}

type AccountingLine struct {
	ID          int
	EntryID     int
	AccountCode string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Description string
}

// OHADA-style account codes used by the automatic posting policies.
const (
	AccountCash     = "571" // caisse
	AccountSales    = "701" // ventes de marchandises
	AccountStock    = "31"  // stocks de marchandises
	AccountSupplier = "401" // fournisseurs
)

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// CashSession is a point-of-sale register session. Sessions idle past a cutoff
// are closed by the automation runner.
type CashSession struct {
	ID             int
	TenantID       int
	Status         SessionStatus
	OpenedAt       time.Time
	LastActivityAt time.Time
	ClosedAt       *time.Time
	Notes          string
}
