package domain

import "time"

// Product is the catalog entry plus its on-hand quantity. StockQuantity is
// mutated only through the ledger's locked update path, never directly.
type Product struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	PriceCents    int64     `json:"price_cents"`
	StockQuantity int       `json:"stock_quantity"`
	MinStockLevel int       `json:"min_stock_level"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	Name          string `json:"name"`
	PriceCents    int64  `json:"price_cents"`
	MinStockLevel int    `json:"min_stock_level"`
	InitialStock  int    `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	Name          *string `json:"name,omitempty"`
	PriceCents    *int64  `json:"price_cents,omitempty"`
	MinStockLevel *int    `json:"min_stock_level,omitempty"`
	Active        *bool   `json:"active,omitempty"`
}

// StockMovement is the ledger entry emitted by every stock mutation.
// BalanceAfter records the product quantity resulting from this movement.
type StockMovement struct {
	ID           string    `json:"id"`
	ProductID    string    `json:"product_id"`
	Delta        int       `json:"delta"`
	Reason       string    `json:"reason"`
	ReferenceID  string    `json:"reference_id,omitempty"`
	BalanceAfter int       `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

const (
	MovementReasonSale       = "sale"
	MovementReasonStockIn    = "stock_in"
	MovementReasonStockOut   = "stock_out"
	MovementReasonAdjustment = "adjustment"
	MovementReasonReturn     = "return"
)

type StockAdjustRequest struct {
	ProductID   string `json:"product_id"`
	Delta       int    `json:"delta"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id,omitempty"`
}

type StockAdjustResponse struct {
	Movement StockMovement `json:"movement"`
}

// SaleItemInput is one cart line as submitted by a terminal.
type SaleItemInput struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// SaleRequest is the processSale wire contract. TransactionNumber is the
// caller-supplied idempotency key; terminals generate it before the sale
// ever leaves the device so replays are safe.
type SaleRequest struct {
	TransactionNumber string          `json:"transaction_number"`
	CashierID         string          `json:"cashier_id"`
	CustomerID        string          `json:"customer_id,omitempty"`
	Items             []SaleItemInput `json:"items"`
	PaymentMethod     string          `json:"payment_method"`
	SubtotalCents     int64           `json:"subtotal_cents"`
	TaxCents          int64           `json:"tax_cents"`
	DiscountCents     int64           `json:"discount_cents"`
	TotalCents        int64           `json:"total_cents"`
}

type SaleResponse struct {
	TransactionID     string `json:"transaction_id"`
	TransactionNumber string `json:"transaction_number"`
	Status            string `json:"status"`
	Reason            string `json:"reason,omitempty"`
	TotalCents        int64  `json:"total_cents"`
	ItemCount         int    `json:"item_count"`
	Duplicate         bool   `json:"duplicate"`
	CreatedAt         string `json:"created_at"`
}

type SaleLookupResponse struct {
	Found bool          `json:"found"`
	Sale  *SaleResponse `json:"sale,omitempty"`
}

type SaleItem struct {
	ProductID       string `json:"product_id"`
	Qty             int    `json:"quantity"`
	UnitPriceCents  int64  `json:"unit_price_cents"`
	TotalPriceCents int64  `json:"total_price_cents"`
}

type Sale struct {
	ID                string
	TransactionNumber string
	CashierID         string
	CustomerID        string
	SubtotalCents     int64
	TaxCents          int64
	DiscountCents     int64
	TotalCents        int64
	PaymentMethod     string
	Status            string
	VoidReason        string
	VoidedAt          *time.Time
	CreatedAt         time.Time
	Items             []SaleItem
}

const (
	SaleStatusPending   = "pending"
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
	SaleStatusRejected  = "rejected"
)

type VoidSaleRequest struct {
	SaleID string `json:"sale_id"`
	Reason string `json:"reason"`
}

type VoidSaleResponse struct {
	SaleID   string `json:"sale_id"`
	Status   string `json:"status"`
	VoidedAt string `json:"voided_at"`
}

// OfflineSale is one queued sale inside a sync envelope.
type OfflineSale struct {
	OfflineID string      `json:"offline_id"`
	Sale      SaleRequest `json:"sale"`
}

type OfflineSyncRequest struct {
	TerminalID string        `json:"terminal_id"`
	EnvelopeID string        `json:"envelope_id"`
	Sales      []OfflineSale `json:"sales"`
}

type OfflineSyncStatus struct {
	OfflineID         string `json:"offline_id"`
	TransactionNumber string `json:"transaction_number"`
	Status            string `json:"status"`
	Reason            string `json:"reason,omitempty"`
	TransactionID     string `json:"transaction_id,omitempty"`
}

type OfflineSyncResponse struct {
	EnvelopeID string              `json:"envelope_id"`
	Statuses   []OfflineSyncStatus `json:"statuses"`
}

const (
	SyncStatusAccepted  = "accepted"
	SyncStatusDuplicate = "duplicate"
	SyncStatusRejected  = "rejected"
)

// OfflineQueueEntry is a sale persisted on the terminal while the server is
// unreachable. Deleted only after the server confirms the sale landed.
type OfflineQueueEntry struct {
	OfflineID         string      `json:"offline_id"`
	TransactionNumber string      `json:"transaction_number"`
	Payload           SaleRequest `json:"payload"`
	SyncAttempts      int         `json:"sync_attempts"`
	LastError         string      `json:"last_error,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

type SyncConflict struct {
	OfflineID         string `json:"offline_id"`
	TransactionNumber string `json:"transaction_number"`
	Reason            string `json:"reason"`
}

type SyncResult struct {
	Synced    int            `json:"synced"`
	Failed    int            `json:"failed"`
	Remaining int            `json:"remaining"`
	Conflicts []SyncConflict `json:"conflicts,omitempty"`
}

// StockAlert is published after a completed sale drives a product to or
// below its minimum stock level. Delivery is best-effort.
type StockAlert struct {
	Kind          string    `json:"kind"`
	ProductID     string    `json:"product_id"`
	ProductName   string    `json:"product_name"`
	Quantity      int       `json:"quantity"`
	MinStockLevel int       `json:"min_stock_level"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	At            time.Time `json:"at"`
}

const (
	AlertLowStock   = "low_stock"
	AlertOutOfStock = "out_of_stock"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
