package memory

import (
	"context"
	"testing"
	"time"

	"retailpos/internal/domain"
)

func TestCreateProductRecordsOpeningMovement(t *testing.T) {
	s := New()

	p, err := s.CreateProduct(context.Background(), domain.Product{
		ID:            "p1",
		Name:          "Opening Balance Product",
		PriceCents:    1000,
		StockQuantity: 7,
		MinStockLevel: 2,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if p.StockQuantity != 7 {
		t.Fatalf("expected stock 7, got %d", p.StockQuantity)
	}

	movements, err := s.ListStockMovements(context.Background(), "p1", 10)
	if err != nil {
		t.Fatalf("movements: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("opening balance must leave exactly one movement, got %d", len(movements))
	}
	m := movements[0]
	if m.Reason != domain.MovementReasonStockIn || m.Delta != 7 || m.BalanceAfter != 7 {
		t.Fatalf("unexpected opening movement: %+v", m)
	}
}

func TestCreateProductWithoutStockLeavesNoMovement(t *testing.T) {
	s := New()

	if _, err := s.CreateProduct(context.Background(), domain.Product{
		ID:         "p1",
		Name:       "Empty Shelf Product",
		PriceCents: 1000,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	movements, err := s.ListStockMovements(context.Background(), "p1", 10)
	if err != nil {
		t.Fatalf("movements: %v", err)
	}
	if len(movements) != 0 {
		t.Fatalf("zero opening stock must not leave a movement, got %d", len(movements))
	}
}

func TestVoidSaleSkipsMissingProduct(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.CreateProduct(ctx, domain.Product{
		ID:            "p1",
		Name:          "Short Lived Product",
		PriceCents:    1000,
		StockQuantity: 5,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	sale, _, err := s.CreateSale(ctx, domain.Sale{
		TransactionNumber: "tx-void-gone",
		CashierID:         "kasir",
		SubtotalCents:     2000,
		TotalCents:        2000,
		PaymentMethod:     "cash",
		Items: []domain.SaleItem{{
			ProductID:       "p1",
			Qty:             2,
			UnitPriceCents:  1000,
			TotalPriceCents: 2000,
		}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	s.mu.Lock()
	delete(s.products, "p1")
	s.mu.Unlock()

	voided, err := s.VoidSale(ctx, sale.ID, "product discontinued", time.Now().UTC())
	if err != nil {
		t.Fatalf("void with missing product must still cancel the sale: %v", err)
	}
	if voided.Status != domain.SaleStatusCancelled {
		t.Fatalf("expected cancelled, got %s", voided.Status)
	}
}
