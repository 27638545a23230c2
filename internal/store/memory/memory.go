// Package memory provides an in-memory Repository used for local
// development and tests when DATABASE_URL is not set.
package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"retailpos/internal/domain"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

type Store struct {
	mu sync.RWMutex

	products   map[string]domain.Product
	movements  []domain.StockMovement
	sales      map[string]domain.Sale
	salesByNum map[string]string
	users      map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:   make(map[string]domain.Product),
		movements:  make([]domain.StockMovement, 0, 256),
		sales:      make(map[string]domain.Sale),
		salesByNum: make(map[string]string),
		users:      make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with a small demo catalog and the
// bootstrap users, matching what a fresh database migration would hold.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	seed := []domain.Product{
		{ID: "prod-espresso", Name: "Espresso Beans 1kg", PriceCents: 18500, StockQuantity: 40, MinStockLevel: 10, Active: true, CreatedAt: now},
		{ID: "prod-drip", Name: "Drip Filter Pack", PriceCents: 4200, StockQuantity: 120, MinStockLevel: 25, Active: true, CreatedAt: now},
		{ID: "prod-mug", Name: "Ceramic Mug", PriceCents: 9900, StockQuantity: 18, MinStockLevel: 5, Active: true, CreatedAt: now},
		{ID: "prod-grinder", Name: "Hand Grinder", PriceCents: 45000, StockQuantity: 6, MinStockLevel: 3, Active: true, CreatedAt: now},
	}
	for _, p := range seed {
		s.products[p.ID] = p
		s.movements = append(s.movements, domain.StockMovement{
			ID:           xid.New("mov"),
			ProductID:    p.ID,
			Delta:        p.StockQuantity,
			Reason:       domain.MovementReasonStockIn,
			BalanceAfter: p.StockQuantity,
			CreatedAt:    now,
		})
	}

	s.seedUsers(now)
	return s
}

func (s *Store) seedUsers(now time.Time) {
	type bootstrap struct {
		username string
		envVar   string
		fallback string
		role     string
	}
	for _, b := range []bootstrap{
		{"admin", "SEED_ADMIN_PASSWORD", "admin123", "admin"},
		{"kasir", "SEED_CASHIER_PASSWORD", "kasir123", "cashier"},
	} {
		password := os.Getenv(b.envVar)
		if password == "" {
			password = b.fallback
			log.Printf("[store] WARN: %s not set, using default password for %q", b.envVar, b.username)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("[store] WARN: seed user %q skipped: %v", b.username, err)
			continue
		}
		s.users[b.username] = domain.UserAccount{
			Username:  b.username,
			Password:  string(hash),
			Role:      b.role,
			Active:    true,
			CreatedAt: now,
		}
	}
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Active {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.PriceCents < 1 || product.MinStockLevel < 0 || product.StockQuantity < 0 {
		return nil, store.ErrInvalidSale
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidSale
	}
	s.products[product.ID] = product

	// The opening balance goes through the ledger like every other stock
	// change, so the first balance_after is explained by a movement.
	if product.StockQuantity > 0 {
		s.movements = append(s.movements, domain.StockMovement{
			ID:           xid.New("mov"),
			ProductID:    product.ID,
			Delta:        product.StockQuantity,
			Reason:       domain.MovementReasonStockIn,
			BalanceAfter: product.StockQuantity,
			CreatedAt:    product.CreatedAt,
		})
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := p
	return &found, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 1 || product.MinStockLevel < 0 {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	existing.Name = product.Name
	existing.PriceCents = product.PriceCents
	existing.MinStockLevel = product.MinStockLevel
	existing.Active = product.Active
	s.products[product.ID] = existing

	updated := existing
	return &updated, nil
}

func (s *Store) AdjustStock(ctx context.Context, productID string, delta int, reason string, referenceID string) (*domain.StockMovement, error) {
	if productID == "" || delta == 0 {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}

	next := p.StockQuantity + delta
	if next < 0 {
		return nil, store.ErrInsufficientStock
	}
	p.StockQuantity = next
	s.products[productID] = p

	movement := domain.StockMovement{
		ID:           xid.New("mov"),
		ProductID:    productID,
		Delta:        delta,
		Reason:       reason,
		ReferenceID:  referenceID,
		BalanceAfter: next,
		CreatedAt:    time.Now().UTC(),
	}
	s.movements = append(s.movements, movement)

	recorded := movement
	return &recorded, nil
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := make([]domain.StockMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(movements) < limit; i-- {
		m := s.movements[i]
		if productID != "" && m.ProductID != productID {
			continue
		}
		movements = append(movements, m)
	}
	return movements, nil
}

func (s *Store) FindSaleByNumber(ctx context.Context, transactionNumber string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByNum[transactionNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.saleByIDLocked(id)
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saleByIDLocked(id)
}

func (s *Store) saleByIDLocked(id string) (*domain.Sale, error) {
	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := sale
	found.Items = append([]domain.SaleItem(nil), sale.Items...)
	return &found, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, []domain.Product, error) {
	if sale.TransactionNumber == "" || len(sale.Items) == 0 {
		return nil, nil, store.ErrInvalidSale
	}
	for _, item := range sale.Items {
		if item.ProductID == "" || item.Qty < 1 || item.UnitPriceCents < 0 {
			return nil, nil, store.ErrInvalidSale
		}
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByNum[sale.TransactionNumber]; exists {
		return nil, nil, store.ErrDuplicateTransaction
	}

	// Validate every line against current stock before mutating anything,
	// so a failed sale leaves stock untouched.
	qtyByProduct := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		qtyByProduct[item.ProductID] += item.Qty
	}
	for productID, qty := range qtyByProduct {
		p, ok := s.products[productID]
		if !ok || !p.Active {
			return nil, nil, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
		}
		if p.StockQuantity < qty {
			return nil, nil, fmt.Errorf("%w: product %s has %d, need %d", store.ErrInsufficientStock, productID, p.StockQuantity, qty)
		}
	}

	productIDs := make([]string, 0, len(qtyByProduct))
	for id := range qtyByProduct {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	affected := make([]domain.Product, 0, len(productIDs))
	for _, productID := range productIDs {
		p := s.products[productID]
		p.StockQuantity -= qtyByProduct[productID]
		s.products[productID] = p
		s.movements = append(s.movements, domain.StockMovement{
			ID:           xid.New("mov"),
			ProductID:    productID,
			Delta:        -qtyByProduct[productID],
			Reason:       domain.MovementReasonSale,
			ReferenceID:  sale.ID,
			BalanceAfter: p.StockQuantity,
			CreatedAt:    sale.CreatedAt,
		})
		affected = append(affected, p)
	}

	sale.Status = domain.SaleStatusCompleted
	stored := sale
	stored.Items = append([]domain.SaleItem(nil), sale.Items...)
	s.sales[sale.ID] = stored
	s.salesByNum[sale.TransactionNumber] = sale.ID

	created := sale
	return &created, affected, nil
}

func (s *Store) VoidSale(ctx context.Context, id string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, store.ErrInvalidSale
	}

	for _, item := range sale.Items {
		p, ok := s.products[item.ProductID]
		if !ok {
			continue
		}
		p.StockQuantity += item.Qty
		s.products[item.ProductID] = p
		s.movements = append(s.movements, domain.StockMovement{
			ID:           xid.New("mov"),
			ProductID:    item.ProductID,
			Delta:        item.Qty,
			Reason:       domain.MovementReasonReturn,
			ReferenceID:  id,
			BalanceAfter: p.StockQuantity,
			CreatedAt:    at,
		})
	}

	sale.Status = domain.SaleStatusCancelled
	sale.VoidReason = reason
	voidedAt := at
	sale.VoidedAt = &voidedAt
	s.sales[id] = sale

	voided := sale
	voided.Items = append([]domain.SaleItem(nil), sale.Items...)
	return &voided, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidSale
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return store.ErrInvalidSale
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}
