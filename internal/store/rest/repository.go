package rest

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

const productColumns = "id,sku,name,selling_price,current_stock,min_stock,points_per_unit," +
	"product_price_tiers(id,product_id,min_quantity,price,is_active)"

type tierRow struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	MinQuantity int    `json:"min_quantity"`
	Price       int64  `json:"price"`
	IsActive    bool   `json:"is_active"`
}

type productRow struct {
	ID            string    `json:"id"`
	SKU           string    `json:"sku"`
	Name          string    `json:"name"`
	SellingPrice  int64     `json:"selling_price"`
	CurrentStock  int       `json:"current_stock"`
	MinStock      int       `json:"min_stock"`
	PointsPerUnit int       `json:"points_per_unit"`
	Tiers         []tierRow `json:"product_price_tiers"`
}

func (r productRow) product() domain.Product {
	p := domain.Product{
		ID:                r.ID,
		SKU:               r.SKU,
		Name:              r.Name,
		SellingPriceCents: r.SellingPrice,
		CurrentStock:      r.CurrentStock,
		MinStock:          r.MinStock,
		PointsPerUnit:     r.PointsPerUnit,
	}
	for _, t := range r.Tiers {
		p.PriceTiers = append(p.PriceTiers, domain.PriceTier{
			ID:          t.ID,
			ProductID:   t.ProductID,
			MinQuantity: t.MinQuantity,
			PriceCents:  t.Price,
			Active:      t.IsActive,
		})
	}
	return p
}

type customerRow struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Points     int    `json:"points"`
	TotalSpent int64  `json:"total_spent"`
}

type userRow struct {
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func eq(column string, value string) url.Values {
	return url.Values{column: []string{"eq." + value}}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, request{
		method: http.MethodGet,
		table:  "products",
		query:  url.Values{"select": {"id"}, "limit": {"1"}},
	}, nil)
}

func (c *Client) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var rows []productRow
	err := c.do(ctx, request{
		method: http.MethodGet,
		table:  "products",
		query:  url.Values{"select": {productColumns}, "order": {"name.asc"}},
	}, &rows)
	if err != nil {
		return nil, err
	}

	products := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		products = append(products, row.product())
	}
	return products, nil
}

func (c *Client) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	q := eq("id", id)
	q.Set("select", productColumns)

	var rows []productRow
	if err := c.do(ctx, request{method: http.MethodGet, table: "products", query: q}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	p := rows[0].product()
	return &p, nil
}

func (c *Client) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	q := eq("id", id)
	q.Set("select", "id,name,phone,points,total_spent")

	var rows []customerRow
	if err := c.do(ctx, request{method: http.MethodGet, table: "customers", query: q}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	row := rows[0]
	return &domain.Customer{
		ID:              row.ID,
		Name:            row.Name,
		Phone:           row.Phone,
		Points:          row.Points,
		TotalSpentCents: row.TotalSpent,
	}, nil
}

// InsertTransaction relies on the unique client_ref: a duplicate is ignored by
// the server and reported as success.
func (c *Client) InsertTransaction(ctx context.Context, record domain.TransactionRecord) error {
	if record.ID == "" || record.ClientRef == "" || record.TotalCents < 0 || !record.PaymentType.Valid() {
		return store.ErrInvalidTransaction
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return c.do(ctx, request{
		method: http.MethodPost,
		table:  "transactions",
		query:  url.Values{"on_conflict": {"client_ref"}},
		body:   record,
		prefer: "resolution=ignore-duplicates,return=minimal",
	}, nil)
}

func (c *Client) InsertTransactionItems(ctx context.Context, transactionID string, items []domain.TransactionItem) error {
	for _, item := range items {
		if item.Qty < 1 {
			return store.ErrInvalidTransaction
		}
	}
	if items == nil {
		items = []domain.TransactionItem{}
	}
	return c.do(ctx, request{
		method: http.MethodPost,
		table:  "rpc/insert_transaction_items",
		body: map[string]any{
			"p_transaction_id": transactionID,
			"p_items":          items,
		},
	}, nil)
}

func (c *Client) GetCustomerTotals(ctx context.Context, customerID string) (domain.CustomerTotals, error) {
	customer, err := c.GetCustomer(ctx, customerID)
	if err != nil {
		return domain.CustomerTotals{}, err
	}
	return domain.CustomerTotals{Points: customer.Points, TotalSpentCents: customer.TotalSpentCents}, nil
}

func (c *Client) UpdateCustomerTotals(ctx context.Context, customerID string, totals domain.CustomerTotals) error {
	var rows []customerRow
	err := c.do(ctx, request{
		method: http.MethodPatch,
		table:  "customers",
		query:  eq("id", customerID),
		body:   map[string]any{"points": totals.Points, "total_spent": totals.TotalSpentCents},
		prefer: "return=representation",
	}, &rows)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *Client) InsertPointTransaction(ctx context.Context, entry domain.PointTransaction) error {
	entry.CreatedAt = entry.CreatedAt.UTC()
	return c.do(ctx, request{
		method: http.MethodPost,
		table:  "point_transactions",
		query:  url.Values{"on_conflict": {"id"}},
		body:   entry,
		prefer: "resolution=ignore-duplicates,return=minimal",
	}, nil)
}

func (c *Client) CreateUser(ctx context.Context, user domain.UserAccount) error {
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
	return c.do(ctx, request{
		method: http.MethodPost,
		table:  "app_users",
		body: userRow{
			Username:  user.Username,
			Password:  user.Password,
			Role:      user.Role,
			Active:    user.Active,
			CreatedAt: user.CreatedAt,
		},
		prefer: "return=minimal",
	}, nil)
}

func (c *Client) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var rows []userRow
	err := c.do(ctx, request{
		method: http.MethodGet,
		table:  "app_users",
		query:  url.Values{"select": {"username,password,role,active,created_at"}, "order": {"username.asc"}},
	}, &rows)
	if err != nil {
		return nil, err
	}

	users := make([]domain.UserAccount, 0, len(rows))
	for _, row := range rows {
		users = append(users, domain.UserAccount{
			Username:  row.Username,
			Password:  row.Password,
			Role:      row.Role,
			Active:    row.Active,
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return users, nil
}

func (c *Client) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	var rows []userRow
	err := c.do(ctx, request{
		method: http.MethodPatch,
		table:  "app_users",
		query:  eq("username", username),
		body:   map[string]any{"password": password, "updated_at": time.Now().UTC()},
		prefer: "return=representation",
	}, &rows)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return store.ErrNotFound
	}
	return nil
}
