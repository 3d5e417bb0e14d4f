package domain

import "time"

type PriceTier struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	MinQuantity int    `json:"min_quantity"`
	PriceCents  int64  `json:"price_cents"`
	Active      bool   `json:"active"`
}

type Product struct {
	ID                string      `json:"id"`
	SKU               string      `json:"sku"`
	Name              string      `json:"name"`
	SellingPriceCents int64       `json:"selling_price_cents"`
	CurrentStock      int         `json:"current_stock"`
	MinStock          int         `json:"min_stock"`
	PointsPerUnit     int         `json:"points_per_unit"`
	PriceTiers        []PriceTier `json:"price_tiers,omitempty"`
}

// LowStock reports whether the product sits at or below its minimum stock threshold.
func (p Product) LowStock() bool {
	return p.CurrentStock <= p.MinStock
}

type CartLine struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	TotalCents     int64  `json:"total_cents"`
	PointsPerUnit  int    `json:"points_per_unit"`
	TierID         string `json:"tier_id,omitempty"`
}

type PaymentType string

const (
	PaymentCash     PaymentType = "cash"
	PaymentCredit   PaymentType = "credit"
	PaymentTransfer PaymentType = "transfer"
)

func (p PaymentType) Valid() bool {
	switch p {
	case PaymentCash, PaymentCredit, PaymentTransfer:
		return true
	default:
		return false
	}
}

type Customer struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Phone           string `json:"phone,omitempty"`
	Points          int    `json:"points"`
	TotalSpentCents int64  `json:"total_spent_cents"`
}

// CustomerTotals is the mutable part of a customer touched by a sale.
type CustomerTotals struct {
	Points          int   `json:"points"`
	TotalSpentCents int64 `json:"total_spent_cents"`
}

type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncSynced     SyncStatus = "synced"
	SyncDeadLetter SyncStatus = "dead_letter"
)

type ReplayStep string

const (
	StepTransaction    ReplayStep = "transaction"
	StepItems          ReplayStep = "items"
	StepCustomerTotals ReplayStep = "customer_totals"
	StepPointLedger    ReplayStep = "point_ledger"
)

// OfflineDraft is a committed sale before the queue assigns it an id.
type OfflineDraft struct {
	TransactionNumber string      `json:"transaction_number"`
	Items             []CartLine  `json:"items"`
	TotalCents        int64       `json:"total_amount"`
	CustomerID        string      `json:"customer_id,omitempty"`
	PaymentType       PaymentType `json:"payment_type"`
	PaymentCents      int64       `json:"payment_amount"`
	ChangeCents       int64       `json:"change_amount"`
	TransferReference string      `json:"transfer_reference,omitempty"`
	DueDate           *time.Time  `json:"due_date,omitempty"`
	PointsEarned      int         `json:"points_earned"`
	CashierID         string      `json:"cashier_id"`
	CreatedAt         time.Time   `json:"created_at"`
}

type OfflineTransaction struct {
	ID string `json:"id"`
	OfflineDraft
	Synced         bool         `json:"synced"`
	Status         SyncStatus   `json:"status"`
	CompletedSteps []ReplayStep `json:"completed_steps,omitempty"`
	Attempts       int          `json:"attempts"`
	LastError      string       `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time   `json:"next_attempt_at,omitempty"`
}

func (t OfflineTransaction) StepDone(step ReplayStep) bool {
	for _, done := range t.CompletedSteps {
		if done == step {
			return true
		}
	}
	return false
}

// TransactionRecord is the backend row for a sale. ClientRef carries the
// device-local id and is unique on the backend.
type TransactionRecord struct {
	ID                string      `json:"id"`
	ClientRef         string      `json:"client_ref"`
	TransactionNumber string      `json:"transaction_number"`
	CustomerID        string      `json:"customer_id,omitempty"`
	CashierID         string      `json:"cashier_id"`
	TotalCents        int64       `json:"total_amount"`
	PaymentType       PaymentType `json:"payment_type"`
	PaymentCents      int64       `json:"payment_amount"`
	ChangeCents       int64       `json:"change_amount"`
	TransferReference string      `json:"transfer_reference,omitempty"`
	DueDate           *time.Time  `json:"due_date,omitempty"`
	PointsEarned      int         `json:"points_earned"`
	CreatedAt         time.Time   `json:"created_at"`
}

type TransactionItem struct {
	TransactionID  string `json:"transaction_id"`
	ProductID      string `json:"product_id"`
	Qty            int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price"`
	TotalCents     int64  `json:"total_price"`
	TierID         string `json:"price_tier_id,omitempty"`
}

type PointTransaction struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customer_id"`
	ReferenceID string    `json:"reference_id"`
	Points      int       `json:"points"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

const PointTypeEarned = "earned"

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CartAddRequest struct {
	TerminalID string `json:"terminal_id"`
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
}

type CartUpdateRequest struct {
	TerminalID string `json:"terminal_id"`
	Qty        int    `json:"qty"`
}

type CartView struct {
	TerminalID   string     `json:"terminal_id"`
	Lines        []CartLine `json:"lines"`
	TotalCents   int64      `json:"total_amount"`
	PointsEarned int        `json:"points_earned"`
}

type PriceQuote struct {
	ProductID      string     `json:"product_id"`
	Qty            int        `json:"qty"`
	UnitPriceCents int64      `json:"unit_price_cents"`
	TotalCents     int64      `json:"total_cents"`
	Tier           *PriceTier `json:"tier,omitempty"`
}

type CheckoutRequest struct {
	TerminalID        string      `json:"terminal_id"`
	CustomerID        string      `json:"customer_id,omitempty"`
	PaymentType       PaymentType `json:"payment_type"`
	PaymentCents      int64       `json:"payment_amount"`
	TransferReference string      `json:"transfer_reference,omitempty"`
}

type CheckoutResponse struct {
	ClientRef         string      `json:"client_ref"`
	TransactionNumber string      `json:"transaction_number"`
	TotalCents        int64       `json:"total_amount"`
	PaymentType       PaymentType `json:"payment_type"`
	PaymentCents      int64       `json:"payment_amount"`
	ChangeCents       int64       `json:"change_amount"`
	PointsEarned      int         `json:"points_earned"`
	DueDate           *time.Time  `json:"due_date,omitempty"`
	Queued            bool        `json:"queued"`
	CreatedAt         string      `json:"created_at"`
}

type SyncStatusResponse struct {
	Online      bool                 `json:"online"`
	Pending     []OfflineTransaction `json:"pending"`
	DeadLetters []OfflineTransaction `json:"dead_letters"`
}

type RequeueRequest struct {
	ManagerPIN string `json:"manager_pin"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
