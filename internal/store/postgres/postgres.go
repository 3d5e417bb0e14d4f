package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
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

	return &Store{db: db}, nil
}

// NewWithDB wraps an already opened pool.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, selling_price, current_stock, min_stock, points_per_unit
		FROM products
		ORDER BY name
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	index := make(map[string]int)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.SellingPriceCents, &p.CurrentStock, &p.MinStock, &p.PointsPerUnit); err != nil {
			return nil, err
		}
		index[p.ID] = len(products)
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	tiers, err := s.listTiers(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, tier := range tiers {
		if i, ok := index[tier.ProductID]; ok {
			products[i].PriceTiers = append(products[i].PriceTiers, tier)
		}
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sku, name, selling_price, current_stock, min_stock, points_per_unit
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.SKU, &p.Name, &p.SellingPriceCents, &p.CurrentStock, &p.MinStock, &p.PointsPerUnit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}

	tiers, err := s.listTiers(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(tiers) > 0 {
		p.PriceTiers = tiers
	}
	return &p, nil
}

// listTiers loads tiers for one product, or for all products when productID is empty.
func (s *Store) listTiers(ctx context.Context, productID string) ([]domain.PriceTier, error) {
	query := `
		SELECT id, product_id, min_quantity, price, is_active
		FROM product_price_tiers
		%s
		ORDER BY product_id, min_quantity, id
	`
	var (
		rows *sql.Rows
		err  error
	)
	if productID == "" {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(query, ""))
	} else {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(query, "WHERE product_id = $1"), productID)
	}
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	tiers := make([]domain.PriceTier, 0, 8)
	for rows.Next() {
		var tier domain.PriceTier
		if err := rows.Scan(&tier.ID, &tier.ProductID, &tier.MinQuantity, &tier.PriceCents, &tier.Active); err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return tiers, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var (
		c     domain.Customer
		phone sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, points, total_spent
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &phone, &c.Points, &c.TotalSpentCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	c.Phone = phone.String
	return &c, nil
}

// InsertTransaction is idempotent on client_ref: a replay of an already
// recorded sale inserts nothing and succeeds.
func (s *Store) InsertTransaction(ctx context.Context, record domain.TransactionRecord) error {
	if record.ID == "" || record.ClientRef == "" || record.TotalCents < 0 || !record.PaymentType.Valid() {
		return store.ErrInvalidTransaction
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, client_ref, transaction_number, customer_id, cashier_id,
			total_amount, payment_type, payment_amount, change_amount,
			transfer_reference, due_date, points_earned, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (client_ref) DO NOTHING
	`,
		record.ID, record.ClientRef, record.TransactionNumber, nullIfEmpty(record.CustomerID), record.CashierID,
		record.TotalCents, string(record.PaymentType), record.PaymentCents, record.ChangeCents,
		nullIfEmpty(record.TransferReference), nullTime(record.DueDate), record.PointsEarned, record.CreatedAt.UTC(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return store.ErrInvalidTransaction
		}
		return classify(err)
	}
	return nil
}

// InsertTransactionItems writes each (transaction, product) row once and
// decrements stock, clamped at zero, only for rows actually inserted.
func (s *Store) InsertTransactionItems(ctx context.Context, transactionID string, items []domain.TransactionItem) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range items {
		if item.Qty < 1 {
			return store.ErrInvalidTransaction
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, product_id, quantity, unit_price, total_price, price_tier_id)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (transaction_id, product_id) DO NOTHING
		`, transactionID, item.ProductID, item.Qty, item.UnitPriceCents, item.TotalCents, nullIfEmpty(item.TierID))
		if err != nil {
			if isConstraintViolation(err) {
				return store.ErrInvalidTransaction
			}
			return classify(err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE products
			SET current_stock = GREATEST(current_stock - $2, 0), updated_at = now()
			WHERE id = $1
		`, item.ProductID, item.Qty); err != nil {
			return classify(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) GetCustomerTotals(ctx context.Context, customerID string) (domain.CustomerTotals, error) {
	var totals domain.CustomerTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT points, total_spent
		FROM customers
		WHERE id = $1
	`, customerID).Scan(&totals.Points, &totals.TotalSpentCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CustomerTotals{}, store.ErrNotFound
		}
		return domain.CustomerTotals{}, classify(err)
	}
	return totals, nil
}

func (s *Store) UpdateCustomerTotals(ctx context.Context, customerID string, totals domain.CustomerTotals) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET points = $2, total_spent = $3
		WHERE id = $1
	`, customerID, totals.Points, totals.TotalSpentCents)
	if err != nil {
		return classify(err)
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

func (s *Store) InsertPointTransaction(ctx context.Context, entry domain.PointTransaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO point_transactions (id, customer_id, reference_id, points, type, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.CustomerID, entry.ReferenceID, entry.Points, entry.Type, entry.Description, entry.CreatedAt.UTC())
	if err != nil {
		if isConstraintViolation(err) {
			return store.ErrInvalidTransaction
		}
		return classify(err)
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = "cashier"
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
			return store.ErrInvalidTransaction
		}
		return classify(err)
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
		return nil, classify(err)
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
		return nil, classify(err)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return classify(err)
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

// classify tags errors that mean the database could not be reached with
// store.ErrUnavailable. Server-side rejections pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}

	var (
		connectErr *pgconn.ConnectError
		netErr     net.Error
	)
	if errors.As(err, &connectErr) ||
		errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isConstraintViolation covers foreign key, check and not-null failures.
func isConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23502", "23503", "23514":
			return true
		}
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC()
}
