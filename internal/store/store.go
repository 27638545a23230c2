package store

import (
	"context"
	"errors"
	"time"

	"retailpos/internal/domain"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrInvalidSale          = errors.New("invalid sale")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrLockTimeout          = errors.New("lock timeout")
)

// Repository is the persistence boundary shared by the Postgres store and
// the in-memory store. Implementations must make CreateSale all-or-nothing:
// either the sale row, every item, and every stock decrement land together,
// or none of them are visible.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	// AdjustStock applies a single locked read-modify-write on the product
	// quantity and records the resulting StockMovement in the same unit of
	// work. A negative delta that would drive the quantity below zero fails
	// with ErrInsufficientStock and leaves no trace.
	AdjustStock(ctx context.Context, productID string, delta int, reason string, referenceID string) (*domain.StockMovement, error)
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)

	FindSaleByNumber(ctx context.Context, transactionNumber string) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)

	// CreateSale persists the sale, its items, and one locked stock
	// decrement plus movement per line as one atomic unit. It returns the
	// completed sale along with the post-decrement state of every affected
	// product, which the coordinator uses for low-stock alerting. A sale
	// whose transaction number already exists fails with
	// ErrDuplicateTransaction.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, []domain.Product, error)

	// VoidSale cancels a completed sale and restocks every line through the
	// ledger path with reason "return", atomically.
	VoidSale(ctx context.Context, id string, reason string, at time.Time) (*domain.Sale, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
