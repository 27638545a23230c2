// Package sales coordinates the checkout flow: validation, idempotent
// persistence through the store, and best-effort low-stock alerting.
package sales

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"retailpos/internal/alert"
	"retailpos/internal/domain"
	"retailpos/internal/store"
)

var paymentMethods = map[string]bool{
	"cash": true,
	"card": true,
	"qris": true,
}

type Service struct {
	repo     store.Repository
	notifier alert.Notifier
}

func New(repo store.Repository, notifier alert.Notifier) *Service {
	if notifier == nil {
		notifier = alert.Noop{}
	}
	return &Service{repo: repo, notifier: notifier}
}

// ProcessSale runs one checkout. The transaction number is the caller's
// idempotency key: replaying a number that already completed returns the
// stored sale with Duplicate set and changes no stock.
func (s *Service) ProcessSale(ctx context.Context, actor domain.Actor, req domain.SaleRequest) (*domain.SaleResponse, error) {
	sale, err := s.buildSale(actor, req)
	if err != nil {
		return nil, err
	}

	if existing, err := s.repo.FindSaleByNumber(ctx, sale.TransactionNumber); err == nil {
		return duplicateResponse(existing), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	created, affected, err := s.repo.CreateSale(ctx, *sale)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			// Lost a race with a concurrent replay of the same number.
			existing, findErr := s.repo.FindSaleByNumber(ctx, sale.TransactionNumber)
			if findErr != nil {
				return nil, err
			}
			return duplicateResponse(existing), nil
		}
		return nil, err
	}

	log.Printf("[sales] completed %s by %s: %d item(s), total %d", created.TransactionNumber, actor.Username, len(created.Items), created.TotalCents)
	s.publishStockAlerts(created.ID, affected)

	return &domain.SaleResponse{
		TransactionID:     created.ID,
		TransactionNumber: created.TransactionNumber,
		Status:            created.Status,
		TotalCents:        created.TotalCents,
		ItemCount:         countItems(created.Items),
		CreatedAt:         created.CreatedAt.Format(time.RFC3339),
	}, nil
}

// LookupByNumber reports whether a transaction number has already been
// recorded. Terminals use it to resolve uncertainty after a timed-out
// submit.
func (s *Service) LookupByNumber(ctx context.Context, transactionNumber string) (*domain.SaleLookupResponse, error) {
	transactionNumber = strings.TrimSpace(transactionNumber)
	if transactionNumber == "" {
		return nil, store.ErrInvalidSale
	}

	sale, err := s.repo.FindSaleByNumber(ctx, transactionNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &domain.SaleLookupResponse{Found: false}, nil
		}
		return nil, err
	}

	resp := duplicateResponse(sale)
	resp.Duplicate = false
	return &domain.SaleLookupResponse{Found: true, Sale: resp}, nil
}

// VoidSale cancels a completed sale and returns its stock to the shelf.
func (s *Service) VoidSale(ctx context.Context, actor domain.Actor, req domain.VoidSaleRequest) (*domain.VoidSaleResponse, error) {
	req.SaleID = strings.TrimSpace(req.SaleID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.SaleID == "" || req.Reason == "" {
		return nil, store.ErrInvalidSale
	}

	now := time.Now().UTC()
	voided, err := s.repo.VoidSale(ctx, req.SaleID, req.Reason, now)
	if err != nil {
		return nil, err
	}

	log.Printf("[sales] voided %s by %s: %s", voided.TransactionNumber, actor.Username, req.Reason)
	return &domain.VoidSaleResponse{
		SaleID:   voided.ID,
		Status:   voided.Status,
		VoidedAt: now.Format(time.RFC3339),
	}, nil
}

// SyncBatch replays sales a terminal queued while offline, in submitted
// order, and reports a per-sale status. Already-known transaction numbers
// come back as duplicate, stock or validation failures as rejected. A
// transient store failure aborts the batch so the terminal retries the
// remainder later.
func (s *Service) SyncBatch(ctx context.Context, actor domain.Actor, req domain.OfflineSyncRequest) (*domain.OfflineSyncResponse, error) {
	if strings.TrimSpace(req.TerminalID) == "" || len(req.Sales) == 0 {
		return nil, store.ErrInvalidSale
	}

	statuses := make([]domain.OfflineSyncStatus, 0, len(req.Sales))
	for _, offline := range req.Sales {
		status := domain.OfflineSyncStatus{
			OfflineID:         offline.OfflineID,
			TransactionNumber: offline.Sale.TransactionNumber,
		}

		resp, err := s.ProcessSale(ctx, actor, offline.Sale)
		switch {
		case err == nil && resp.Duplicate:
			status.Status = domain.SyncStatusDuplicate
			status.TransactionID = resp.TransactionID
		case err == nil:
			status.Status = domain.SyncStatusAccepted
			status.TransactionID = resp.TransactionID
		case errors.Is(err, store.ErrInsufficientStock):
			status.Status = domain.SyncStatusRejected
			status.Reason = "insufficient_stock"
		case errors.Is(err, store.ErrNotFound):
			status.Status = domain.SyncStatusRejected
			status.Reason = "product_not_found"
		case errors.Is(err, store.ErrInvalidSale):
			status.Status = domain.SyncStatusRejected
			status.Reason = "invalid_sale"
		default:
			log.Printf("[sales] WARN: sync batch %s aborted at %s: %v", req.EnvelopeID, offline.Sale.TransactionNumber, err)
			return nil, err
		}

		if status.Status == domain.SyncStatusRejected {
			log.Printf("[sales] sync rejected %s from %s: %s", offline.Sale.TransactionNumber, req.TerminalID, status.Reason)
		}
		statuses = append(statuses, status)
	}

	return &domain.OfflineSyncResponse{EnvelopeID: req.EnvelopeID, Statuses: statuses}, nil
}

func (s *Service) buildSale(actor domain.Actor, req domain.SaleRequest) (*domain.Sale, error) {
	req.TransactionNumber = strings.TrimSpace(req.TransactionNumber)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))

	if req.TransactionNumber == "" || len(req.Items) == 0 {
		return nil, store.ErrInvalidSale
	}
	if !paymentMethods[req.PaymentMethod] {
		return nil, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidSale, req.PaymentMethod)
	}
	if req.TaxCents < 0 || req.DiscountCents < 0 || req.DiscountCents > req.SubtotalCents {
		return nil, store.ErrInvalidSale
	}

	items, err := normalizeItems(req.Items)
	if err != nil {
		return nil, err
	}

	var subtotal int64
	for _, item := range items {
		subtotal += item.TotalPriceCents
	}
	if subtotal != req.SubtotalCents {
		return nil, fmt.Errorf("%w: subtotal mismatch", store.ErrInvalidSale)
	}
	if req.SubtotalCents-req.DiscountCents+req.TaxCents != req.TotalCents {
		return nil, fmt.Errorf("%w: total mismatch", store.ErrInvalidSale)
	}

	cashierID := strings.TrimSpace(req.CashierID)
	if cashierID == "" {
		cashierID = actor.Username
	}
	if cashierID == "" {
		return nil, store.ErrInvalidSale
	}

	return &domain.Sale{
		TransactionNumber: req.TransactionNumber,
		CashierID:         cashierID,
		CustomerID:        strings.TrimSpace(req.CustomerID),
		SubtotalCents:     req.SubtotalCents,
		TaxCents:          req.TaxCents,
		DiscountCents:     req.DiscountCents,
		TotalCents:        req.TotalCents,
		PaymentMethod:     req.PaymentMethod,
		Items:             items,
	}, nil
}

// normalizeItems merges repeated lines for the same product at the same
// unit price and rejects malformed lines.
func normalizeItems(inputs []domain.SaleItemInput) ([]domain.SaleItem, error) {
	type key struct {
		productID string
		unitPrice int64
	}
	merged := make(map[key]*domain.SaleItem, len(inputs))
	order := make([]key, 0, len(inputs))

	for _, in := range inputs {
		productID := strings.TrimSpace(in.ProductID)
		if productID == "" || in.Qty < 1 || in.UnitPriceCents < 0 {
			return nil, store.ErrInvalidSale
		}
		k := key{productID: productID, unitPrice: in.UnitPriceCents}
		if existing, ok := merged[k]; ok {
			existing.Qty += in.Qty
			existing.TotalPriceCents += int64(in.Qty) * in.UnitPriceCents
			continue
		}
		merged[k] = &domain.SaleItem{
			ProductID:       productID,
			Qty:             in.Qty,
			UnitPriceCents:  in.UnitPriceCents,
			TotalPriceCents: int64(in.Qty) * in.UnitPriceCents,
		}
		order = append(order, k)
	}

	items := make([]domain.SaleItem, 0, len(merged))
	for _, k := range order {
		items = append(items, *merged[k])
	}
	return items, nil
}

// publishStockAlerts inspects the post-sale stock of every affected product
// and publishes an alert for any that crossed its minimum. Runs detached
// from the request so a slow broker cannot delay the checkout response.
func (s *Service) publishStockAlerts(saleID string, affected []domain.Product) {
	alerts := make([]domain.StockAlert, 0, len(affected))
	now := time.Now().UTC()
	for _, p := range affected {
		kind := ""
		switch {
		case p.StockQuantity == 0:
			kind = domain.AlertOutOfStock
		case p.StockQuantity <= p.MinStockLevel:
			kind = domain.AlertLowStock
		default:
			continue
		}
		alerts = append(alerts, domain.StockAlert{
			Kind:          kind,
			ProductID:     p.ID,
			ProductName:   p.Name,
			Quantity:      p.StockQuantity,
			MinStockLevel: p.MinStockLevel,
			ReferenceID:   saleID,
			At:            now,
		})
	}
	if len(alerts) == 0 {
		return
	}

	sort.Slice(alerts, func(i, j int) bool { return alerts[i].ProductID < alerts[j].ProductID })
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, a := range alerts {
			if err := s.notifier.Publish(ctx, a); err != nil {
				log.Printf("[sales] WARN: stock alert for %s not delivered: %v", a.ProductID, err)
			}
		}
	}()
}

func duplicateResponse(sale *domain.Sale) *domain.SaleResponse {
	return &domain.SaleResponse{
		TransactionID:     sale.ID,
		TransactionNumber: sale.TransactionNumber,
		Status:            sale.Status,
		Reason:            sale.VoidReason,
		TotalCents:        sale.TotalCents,
		ItemCount:         countItems(sale.Items),
		Duplicate:         true,
		CreatedAt:         sale.CreatedAt.Format(time.RFC3339),
	}
}

func countItems(items []domain.SaleItem) int {
	total := 0
	for _, item := range items {
		total += item.Qty
	}
	return total
}
