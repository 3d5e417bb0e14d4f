package offline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"retailpos/backend/internal/domain"
)

// Backend is the hosted database as seen by the replay saga. Every write is
// keyed so that repeating it after a partial failure is harmless, except
// UpdateCustomerTotals which overwrites with the value computed from a fresh read.
type Backend interface {
	InsertTransaction(ctx context.Context, record domain.TransactionRecord) error
	InsertTransactionItems(ctx context.Context, transactionID string, items []domain.TransactionItem) error
	GetCustomerTotals(ctx context.Context, customerID string) (domain.CustomerTotals, error)
	UpdateCustomerTotals(ctx context.Context, customerID string, totals domain.CustomerTotals) error
	InsertPointTransaction(ctx context.Context, entry domain.PointTransaction) error
}

var recordNamespace = uuid.MustParse("6f1c3c52-3d0e-4f7a-9a53-2f0b8e7d4c11")

// RecordID derives the backend transaction id from the offline id, so every
// replay of the same sale targets the same row.
func RecordID(clientRef string) string {
	return uuid.NewSHA1(recordNamespace, []byte("transaction:"+clientRef)).String()
}

func pointEntryID(clientRef string) string {
	return uuid.NewSHA1(recordNamespace, []byte("points:"+clientRef)).String()
}

// StepError reports the saga step a replay stopped at.
type StepError struct {
	Step domain.ReplayStep
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("replay %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type replayer struct {
	backend Backend
}

type stepFunc func(ctx context.Context, txn domain.OfflineTransaction) error

func (r replayer) steps(txn domain.OfflineTransaction) []domain.ReplayStep {
	steps := []domain.ReplayStep{domain.StepTransaction, domain.StepItems}
	if txn.CustomerID != "" && txn.PointsEarned > 0 {
		steps = append(steps, domain.StepCustomerTotals, domain.StepPointLedger)
	}
	return steps
}

func (r replayer) step(step domain.ReplayStep) stepFunc {
	switch step {
	case domain.StepTransaction:
		return r.insertTransaction
	case domain.StepItems:
		return r.insertItems
	case domain.StepCustomerTotals:
		return r.creditCustomer
	case domain.StepPointLedger:
		return r.appendPoints
	default:
		return nil
	}
}

// replay runs the steps not yet recorded on txn, in order. done is called after
// each step succeeds so the caller can persist progress before the next one.
func (r replayer) replay(ctx context.Context, txn *domain.OfflineTransaction, done func(domain.ReplayStep)) error {
	for _, step := range r.steps(*txn) {
		if txn.StepDone(step) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return &StepError{Step: step, Err: err}
		}
		if err := r.step(step)(ctx, *txn); err != nil {
			return &StepError{Step: step, Err: err}
		}
		txn.CompletedSteps = append(txn.CompletedSteps, step)
		if done != nil {
			done(step)
		}
	}
	return nil
}

func (r replayer) insertTransaction(ctx context.Context, txn domain.OfflineTransaction) error {
	return r.backend.InsertTransaction(ctx, domain.TransactionRecord{
		ID:                RecordID(txn.ID),
		ClientRef:         txn.ID,
		TransactionNumber: txn.TransactionNumber,
		CustomerID:        txn.CustomerID,
		CashierID:         txn.CashierID,
		TotalCents:        txn.TotalCents,
		PaymentType:       txn.PaymentType,
		PaymentCents:      txn.PaymentCents,
		ChangeCents:       txn.ChangeCents,
		TransferReference: txn.TransferReference,
		DueDate:           txn.DueDate,
		PointsEarned:      txn.PointsEarned,
		CreatedAt:         txn.CreatedAt,
	})
}

func (r replayer) insertItems(ctx context.Context, txn domain.OfflineTransaction) error {
	recordID := RecordID(txn.ID)
	items := make([]domain.TransactionItem, 0, len(txn.Items))
	for _, line := range txn.Items {
		items = append(items, domain.TransactionItem{
			TransactionID:  recordID,
			ProductID:      line.ProductID,
			Qty:            line.Qty,
			UnitPriceCents: line.UnitPriceCents,
			TotalCents:     line.TotalCents,
			TierID:         line.TierID,
		})
	}
	return r.backend.InsertTransactionItems(ctx, recordID, items)
}

func (r replayer) creditCustomer(ctx context.Context, txn domain.OfflineTransaction) error {
	totals, err := r.backend.GetCustomerTotals(ctx, txn.CustomerID)
	if err != nil {
		return err
	}
	totals.Points += txn.PointsEarned
	totals.TotalSpentCents += txn.TotalCents
	return r.backend.UpdateCustomerTotals(ctx, txn.CustomerID, totals)
}

func (r replayer) appendPoints(ctx context.Context, txn domain.OfflineTransaction) error {
	return r.backend.InsertPointTransaction(ctx, domain.PointTransaction{
		ID:          pointEntryID(txn.ID),
		CustomerID:  txn.CustomerID,
		ReferenceID: RecordID(txn.ID),
		Points:      txn.PointsEarned,
		Type:        domain.PointTypeEarned,
		Description: "Transaction " + txn.TransactionNumber,
		CreatedAt:   txn.CreatedAt,
	})
}
