package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"retailpos/internal/domain"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func New(ctx context.Context, databaseURL string, lockTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}

	return &Store{db: db, lockTimeout: lockTimeout}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, price_cents, stock_quantity, min_stock_level, active, created_at
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.StockQuantity, &p.MinStockLevel, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, name, price_cents, stock_quantity, min_stock_level, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, product.ID, product.Name, product.PriceCents, product.StockQuantity, product.MinStockLevel, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidSale
		}
		return nil, err
	}

	// The opening balance goes through the ledger like every other stock
	// change, so the first balance_after is explained by a movement.
	if product.StockQuantity > 0 {
		if err := insertMovement(ctx, tx, domain.StockMovement{
			ID:           xid.New("mov"),
			ProductID:    product.ID,
			Delta:        product.StockQuantity,
			Reason:       domain.MovementReasonStockIn,
			BalanceAfter: product.StockQuantity,
			CreatedAt:    product.CreatedAt,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, price_cents, stock_quantity, min_stock_level, active, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.PriceCents, &p.StockQuantity, &p.MinStockLevel, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 1 || product.MinStockLevel < 0 {
		return nil, store.ErrInvalidSale
	}

	// stock_quantity deliberately absent: quantity only moves via AdjustStock
	// or CreateSale so every change leaves a movement behind.
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, price_cents = $3, min_stock_level = $4, active = $5, updated_at = now()
		WHERE id = $1
	`, product.ID, product.Name, product.PriceCents, product.MinStockLevel, product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetProductByID(ctx, product.ID)
}

func (s *Store) AdjustStock(ctx context.Context, productID string, delta int, reason string, referenceID string) (*domain.StockMovement, error) {
	if productID == "" || delta == 0 {
		return nil, store.ErrInvalidSale
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.setLockTimeout(ctx, tx); err != nil {
		return nil, err
	}

	var current int
	err = tx.QueryRowContext(ctx, `
		SELECT stock_quantity
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translateLockError(err)
	}

	next := current + delta
	if next < 0 {
		return nil, store.ErrInsufficientStock
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = $2, updated_at = now()
		WHERE id = $1
	`, productID, next)
	if err != nil {
		return nil, err
	}

	movement := domain.StockMovement{
		ID:           xid.New("mov"),
		ProductID:    productID,
		Delta:        delta,
		Reason:       reason,
		ReferenceID:  referenceID,
		BalanceAfter: next,
		CreatedAt:    time.Now().UTC(),
	}
	if err := insertMovement(ctx, tx, movement); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, translateLockError(err)
	}
	return &movement, nil
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, delta, reason, reference_id, balance_after, created_at
		FROM stock_movements
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		var referenceID sql.NullString
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Delta, &m.Reason, &referenceID, &m.BalanceAfter, &m.CreatedAt); err != nil {
			return nil, err
		}
		if referenceID.Valid {
			m.ReferenceID = referenceID.String
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) FindSaleByNumber(ctx context.Context, transactionNumber string) (*domain.Sale, error) {
	return s.findSale(ctx, "transaction_number", transactionNumber)
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	if column != "id" && column != "transaction_number" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var sale domain.Sale
	var customerID sql.NullString
	var voidReason sql.NullString
	var voidedAt sql.NullTime

	query := fmt.Sprintf(`
		SELECT id, transaction_number, cashier_id, customer_id,
			subtotal_cents, tax_cents, discount_cents, total_cents,
			payment_method, status, void_reason, voided_at, created_at
		FROM sales
		WHERE %s = $1
	`, column)

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&sale.ID,
		&sale.TransactionNumber,
		&sale.CashierID,
		&customerID,
		&sale.SubtotalCents,
		&sale.TaxCents,
		&sale.DiscountCents,
		&sale.TotalCents,
		&sale.PaymentMethod,
		&sale.Status,
		&voidReason,
		&voidedAt,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		sale.CustomerID = customerID.String
	}
	if voidReason.Valid {
		sale.VoidReason = voidReason.String
	}
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price_cents, total_price_cents
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ProductID, &item.Qty, &item.UnitPriceCents, &item.TotalPriceCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sale.Items = items

	return &sale, nil
}

// CreateSale is the all-or-nothing unit behind processSale: the sale row is
// inserted pending, every item lands, every product row is locked and
// decremented with a movement, and only then does the sale flip to
// completed. Any failure rolls the whole thing back.
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

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.setLockTimeout(ctx, tx); err != nil {
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, transaction_number, cashier_id, customer_id,
			subtotal_cents, tax_cents, discount_cents, total_cents,
			payment_method, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, sale.ID, sale.TransactionNumber, sale.CashierID, nullIfEmpty(sale.CustomerID),
		sale.SubtotalCents, sale.TaxCents, sale.DiscountCents, sale.TotalCents,
		sale.PaymentMethod, domain.SaleStatusPending, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, store.ErrDuplicateTransaction
		}
		return nil, nil, err
	}

	for _, item := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, quantity, unit_price_cents, total_price_cents)
			VALUES ($1,$2,$3,$4,$5)
		`, sale.ID, item.ProductID, item.Qty, item.UnitPriceCents, item.TotalPriceCents)
		if err != nil {
			return nil, nil, err
		}
	}

	// Lock product rows in a stable order so two sales sharing products
	// cannot deadlock each other.
	qtyByProduct := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		qtyByProduct[item.ProductID] += item.Qty
	}
	productIDs := make([]string, 0, len(qtyByProduct))
	for id := range qtyByProduct {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	affected := make([]domain.Product, 0, len(productIDs))
	for _, productID := range productIDs {
		var p domain.Product
		err := tx.QueryRowContext(ctx, `
			SELECT id, name, price_cents, stock_quantity, min_stock_level, active
			FROM products
			WHERE id = $1
			FOR UPDATE
		`, productID).Scan(&p.ID, &p.Name, &p.PriceCents, &p.StockQuantity, &p.MinStockLevel, &p.Active)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
			}
			return nil, nil, translateLockError(err)
		}
		if !p.Active {
			return nil, nil, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
		}

		qty := qtyByProduct[productID]
		next := p.StockQuantity - qty
		if next < 0 {
			return nil, nil, fmt.Errorf("%w: product %s has %d, need %d", store.ErrInsufficientStock, productID, p.StockQuantity, qty)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE products
			SET stock_quantity = $2, updated_at = now()
			WHERE id = $1
		`, productID, next)
		if err != nil {
			return nil, nil, err
		}

		if err := insertMovement(ctx, tx, domain.StockMovement{
			ID:           xid.New("mov"),
			ProductID:    productID,
			Delta:        -qty,
			Reason:       domain.MovementReasonSale,
			ReferenceID:  sale.ID,
			BalanceAfter: next,
			CreatedAt:    sale.CreatedAt,
		}); err != nil {
			return nil, nil, err
		}

		p.StockQuantity = next
		affected = append(affected, p)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2
		WHERE id = $1
	`, sale.ID, domain.SaleStatusCompleted)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, translateLockError(err)
	}

	sale.Status = domain.SaleStatusCompleted
	return &sale, affected, nil
}

func (s *Store) VoidSale(ctx context.Context, id string, reason string, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.setLockTimeout(ctx, tx); err != nil {
		return nil, err
	}

	var sale domain.Sale
	err = tx.QueryRowContext(ctx, `
		SELECT id, transaction_number, status
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&sale.ID, &sale.TransactionNumber, &sale.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translateLockError(err)
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, store.ErrInvalidSale
	}

	itemRows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity
		FROM sale_items
		WHERE sale_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	items := make([]domain.SaleItem, 0, 8)
	for itemRows.Next() {
		var item domain.SaleItem
		if err := itemRows.Scan(&item.ProductID, &item.Qty); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	_, err = tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, void_reason = $3, voided_at = $4
		WHERE id = $1 AND status = $5
	`, id, domain.SaleStatusCancelled, reason, at, domain.SaleStatusCompleted)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		var next int
		err := tx.QueryRowContext(ctx, `
			UPDATE products
			SET stock_quantity = stock_quantity + $2, updated_at = now()
			WHERE id = $1
			RETURNING stock_quantity
		`, item.ProductID, item.Qty).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			// Product row gone since the sale; the void still stands,
			// there is just nothing left to restock.
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := insertMovement(ctx, tx, domain.StockMovement{
			ID:           xid.New("mov"),
			ProductID:    item.ProductID,
			Delta:        item.Qty,
			Reason:       domain.MovementReasonReturn,
			ReferenceID:  id,
			BalanceAfter: next,
			CreatedAt:    at,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, translateLockError(err)
	}

	sale.Status = domain.SaleStatusCancelled
	sale.VoidReason = reason
	sale.VoidedAt = &at
	return &sale, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidSale
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidSale
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidSale
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// setLockTimeout bounds how long a FOR UPDATE acquisition may wait inside
// the current transaction, so a contended checkout fails fast as a
// retryable error instead of stalling the caller.
func (s *Store) setLockTimeout(ctx context.Context, tx *sql.Tx) error {
	millis := s.lockTimeout.Milliseconds()
	if millis < 1 {
		millis = 3000
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", millis))
	return err
}

func insertMovement(ctx context.Context, tx *sql.Tx, movement domain.StockMovement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, delta, reason, reference_id, balance_after, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, movement.ID, movement.ProductID, movement.Delta, movement.Reason, nullIfEmpty(movement.ReferenceID), movement.BalanceAfter, movement.CreatedAt)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// translateLockError maps Postgres lock_timeout expiry (55P03) onto the
// store's retryable sentinel.
func translateLockError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
		return fmt.Errorf("%w: %s", store.ErrLockTimeout, pgErr.Message)
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
