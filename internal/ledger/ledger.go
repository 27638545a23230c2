// Package ledger exposes manual stock operations: receiving, removal,
// correction. Every change flows through the repository's locked
// read-modify-write so a movement record always matches the balance.
package ledger

import (
	"context"
	"strings"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

type Service struct {
	repo store.Repository
}

func New(repo store.Repository) *Service {
	return &Service{repo: repo}
}

// Adjust applies a manual stock change. Reason selects the direction:
// stock_in and return must raise the quantity, stock_out must lower it, and
// adjustment may do either. A delta that would drive the balance negative
// is refused with ErrInsufficientStock.
func (s *Service) Adjust(ctx context.Context, req domain.StockAdjustRequest) (*domain.StockMovement, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.ProductID == "" || req.Delta == 0 {
		return nil, store.ErrInvalidSale
	}

	switch req.Reason {
	case domain.MovementReasonStockIn, domain.MovementReasonReturn:
		if req.Delta < 0 {
			return nil, store.ErrInvalidSale
		}
	case domain.MovementReasonStockOut:
		if req.Delta > 0 {
			return nil, store.ErrInvalidSale
		}
	case domain.MovementReasonAdjustment:
	default:
		return nil, store.ErrInvalidSale
	}

	return s.repo.AdjustStock(ctx, req.ProductID, req.Delta, req.Reason, req.ReferenceID)
}

// Movements lists recent ledger entries, newest first, optionally filtered
// to one product.
func (s *Service) Movements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListStockMovements(ctx, strings.TrimSpace(productID), limit)
}
