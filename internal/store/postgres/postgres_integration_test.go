package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

func TestCreateSaleLifecycle(t *testing.T) {
	databaseURL := os.Getenv("RETAILPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set RETAILPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, 3*time.Second)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-it-%d", stamp)
	txNum := fmt.Sprintf("tx-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE transaction_number = $1`, txNum)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.CreateProduct(ctx, domain.Product{
		ID:            productID,
		Name:          "Integration Test Product",
		PriceCents:    1500,
		StockQuantity: 10,
		MinStockLevel: 2,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	sale := domain.Sale{
		TransactionNumber: txNum,
		CashierID:         "kasir",
		SubtotalCents:     4500,
		TotalCents:        4500,
		PaymentMethod:     "cash",
		Items: []domain.SaleItem{{
			ProductID:       productID,
			Qty:             3,
			UnitPriceCents:  1500,
			TotalPriceCents: 4500,
		}},
	}

	created, affected, err := s.CreateSale(ctx, sale)
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if created.Status != domain.SaleStatusCompleted {
		t.Fatalf("expected completed, got %s", created.Status)
	}
	if len(affected) != 1 || affected[0].StockQuantity != 7 {
		t.Fatalf("expected post-sale stock 7, got %+v", affected)
	}

	// Replaying the same transaction number must fail as a duplicate and
	// leave stock untouched.
	if _, _, err := s.CreateSale(ctx, sale); !errors.Is(err, store.ErrDuplicateTransaction) {
		t.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}
	p, err := s.GetProductByID(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if p.StockQuantity != 7 {
		t.Fatalf("duplicate replay moved stock to %d", p.StockQuantity)
	}

	voided, err := s.VoidSale(ctx, created.ID, "integration test void", time.Now().UTC())
	if err != nil {
		t.Fatalf("void sale: %v", err)
	}
	if voided.Status != domain.SaleStatusCancelled {
		t.Fatalf("expected cancelled, got %s", voided.Status)
	}
	p, err = s.GetProductByID(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if p.StockQuantity != 10 {
		t.Fatalf("expected restock to 10, got %d", p.StockQuantity)
	}

	movements, err := s.ListStockMovements(ctx, productID, 10)
	if err != nil {
		t.Fatalf("movements: %v", err)
	}
	if len(movements) != 3 {
		t.Fatalf("expected opening + sale + return movements, got %d", len(movements))
	}
}
