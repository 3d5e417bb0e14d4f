package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

type Store struct {
	mu              sync.RWMutex
	unavailable     bool
	products        map[string]domain.Product
	customers       map[string]domain.Customer
	transactions    map[string]domain.TransactionRecord
	itemsByTx       map[string]map[string]domain.TransactionItem
	pointEntries    map[string]domain.PointTransaction
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, with
// dev defaults when unset. The postgres store never uses them.
func seedUsers(logger *zap.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func seedProducts() []domain.Product {
	return []domain.Product{
		{
			ID: "prd-mie", SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", SellingPriceCents: 3500,
			CurrentStock: 240, MinStock: 24, PointsPerUnit: 1,
			PriceTiers: []domain.PriceTier{
				{ID: "tier-mie-10", ProductID: "prd-mie", MinQuantity: 10, PriceCents: 3200, Active: true},
				{ID: "tier-mie-40", ProductID: "prd-mie", MinQuantity: 40, PriceCents: 3000, Active: true},
			},
		},
		{
			ID: "prd-beras", SKU: "SKU-BERAS-05", Name: "Beras Premium 5kg", SellingPriceCents: 10000,
			CurrentStock: 60, MinStock: 10, PointsPerUnit: 5,
			PriceTiers: []domain.PriceTier{
				{ID: "tier-beras-10", ProductID: "prd-beras", MinQuantity: 10, PriceCents: 8000, Active: true},
			},
		},
		{
			ID: "prd-telur", SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", SellingPriceCents: 26500,
			CurrentStock: 5, MinStock: 6, PointsPerUnit: 2,
		},
		{
			ID: "prd-kopi", SKU: "SKU-KOPI-01", Name: "Kopi Sachet", SellingPriceCents: 2600,
			CurrentStock: 300, MinStock: 50, PointsPerUnit: 0,
			PriceTiers: []domain.PriceTier{
				{ID: "tier-kopi-12", ProductID: "prd-kopi", MinQuantity: 12, PriceCents: 2400, Active: true},
				{ID: "tier-kopi-24", ProductID: "prd-kopi", MinQuantity: 24, PriceCents: 2200, Active: false},
			},
		},
		{
			ID: "prd-gula", SKU: "SKU-GULA-01", Name: "Gula 1kg", SellingPriceCents: 17400,
			CurrentStock: 0, MinStock: 5, PointsPerUnit: 1,
		},
	}
}

// NewSeeded returns a store with demo products, customers and users.
func NewSeeded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("memory-store")

	products := make(map[string]domain.Product)
	for _, p := range seedProducts() {
		products[p.ID] = p
	}

	return &Store{
		products: products,
		customers: map[string]domain.Customer{
			"cus-budi": {ID: "cus-budi", Name: "Budi Santoso", Phone: "081200000001", Points: 120, TotalSpentCents: 1250000},
			"cus-sari": {ID: "cus-sari", Name: "Sari Wulandari", Phone: "081200000002"},
		},
		transactions:    make(map[string]domain.TransactionRecord),
		itemsByTx:       make(map[string]map[string]domain.TransactionItem),
		pointEntries:    make(map[string]domain.PointTransaction),
		usersByUsername: seedUsers(logger),
	}
}

// SetUnavailable makes every call fail with store.ErrUnavailable, as if the
// backend could not be reached.
func (s *Store) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

func (s *Store) reachable() error {
	if s.unavailable {
		return store.ErrUnavailable
	}
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reachable()
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.reachable(); err != nil {
		return nil, err
	}

	items := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		items = append(items, cloneProduct(p))
	}
	slices.SortFunc(items, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return items, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.reachable(); err != nil {
		return nil, err
	}

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := cloneProduct(p)
	return &cp, nil
}

// PutProduct inserts or replaces a product.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = cloneProduct(product)
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.reachable(); err != nil {
		return nil, err
	}

	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

// InsertTransaction is idempotent on ClientRef.
func (s *Store) InsertTransaction(_ context.Context, record domain.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reachable(); err != nil {
		return err
	}

	if record.ID == "" || record.ClientRef == "" || record.TotalCents < 0 || !record.PaymentType.Valid() {
		return store.ErrInvalidTransaction
	}
	if record.CustomerID != "" {
		if _, ok := s.customers[record.CustomerID]; !ok {
			return store.ErrInvalidTransaction
		}
	}
	for _, existing := range s.transactions {
		if existing.ClientRef == record.ClientRef {
			return nil
		}
	}
	s.transactions[record.ID] = record
	return nil
}

// InsertTransactionItems records each product once per transaction and
// decrements stock, clamped at zero, for the rows actually inserted.
func (s *Store) InsertTransactionItems(_ context.Context, transactionID string, items []domain.TransactionItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reachable(); err != nil {
		return err
	}

	if _, ok := s.transactions[transactionID]; !ok {
		return store.ErrInvalidTransaction
	}
	for _, item := range items {
		if item.Qty < 1 {
			return store.ErrInvalidTransaction
		}
		if _, ok := s.products[item.ProductID]; !ok {
			return store.ErrInvalidTransaction
		}
	}

	rows := s.itemsByTx[transactionID]
	if rows == nil {
		rows = make(map[string]domain.TransactionItem, len(items))
		s.itemsByTx[transactionID] = rows
	}
	for _, item := range items {
		if _, exists := rows[item.ProductID]; exists {
			continue
		}
		item.TransactionID = transactionID
		rows[item.ProductID] = item

		product := s.products[item.ProductID]
		product.CurrentStock = max(product.CurrentStock-item.Qty, 0)
		s.products[item.ProductID] = product
	}
	return nil
}

func (s *Store) GetCustomerTotals(_ context.Context, customerID string) (domain.CustomerTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.reachable(); err != nil {
		return domain.CustomerTotals{}, err
	}

	c, ok := s.customers[customerID]
	if !ok {
		return domain.CustomerTotals{}, store.ErrNotFound
	}
	return domain.CustomerTotals{Points: c.Points, TotalSpentCents: c.TotalSpentCents}, nil
}

func (s *Store) UpdateCustomerTotals(_ context.Context, customerID string, totals domain.CustomerTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reachable(); err != nil {
		return err
	}

	c, ok := s.customers[customerID]
	if !ok {
		return store.ErrNotFound
	}
	c.Points = totals.Points
	c.TotalSpentCents = totals.TotalSpentCents
	s.customers[customerID] = c
	return nil
}

// InsertPointTransaction is idempotent on the entry id.
func (s *Store) InsertPointTransaction(_ context.Context, entry domain.PointTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reachable(); err != nil {
		return err
	}

	if entry.ID == "" || entry.CustomerID == "" {
		return store.ErrInvalidTransaction
	}
	if _, ok := s.customers[entry.CustomerID]; !ok {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.pointEntries[entry.ID]; exists {
		return nil
	}
	s.pointEntries[entry.ID] = entry
	return nil
}

// TransactionByClientRef returns the backend record created for an offline id.
func (s *Store) TransactionByClientRef(clientRef string) (domain.TransactionRecord, []domain.TransactionItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, record := range s.transactions {
		if record.ClientRef != clientRef {
			continue
		}
		items := make([]domain.TransactionItem, 0, len(s.itemsByTx[record.ID]))
		for _, item := range s.itemsByTx[record.ID] {
			items = append(items, item)
		}
		slices.SortFunc(items, func(a, b domain.TransactionItem) int {
			return strings.Compare(a.ProductID, b.ProductID)
		})
		return record, items, true
	}
	return domain.TransactionRecord{}, nil, false
}

func (s *Store) PointEntries(customerID string) []domain.PointTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PointTransaction, 0)
	for _, entry := range s.pointEntries {
		if entry.CustomerID == customerID {
			out = append(out, entry)
		}
	}
	slices.SortFunc(out, func(a, b domain.PointTransaction) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneProduct(p domain.Product) domain.Product {
	p.PriceTiers = append([]domain.PriceTier(nil), p.PriceTiers...)
	return p
}
