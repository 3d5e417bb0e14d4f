package store

import (
	"context"
	"errors"

	"retailpos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrUnavailable marks failures to reach the backend at all, as opposed
	// to the backend rejecting a write.
	ErrUnavailable = errors.New("backend unavailable")
)

type Repository interface {
	Ping(ctx context.Context) error

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)

	InsertTransaction(ctx context.Context, record domain.TransactionRecord) error
	InsertTransactionItems(ctx context.Context, transactionID string, items []domain.TransactionItem) error
	GetCustomerTotals(ctx context.Context, customerID string) (domain.CustomerTotals, error)
	UpdateCustomerTotals(ctx context.Context, customerID string, totals domain.CustomerTotals) error
	InsertPointTransaction(ctx context.Context, entry domain.PointTransaction) error

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
