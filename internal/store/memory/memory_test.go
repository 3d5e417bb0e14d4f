package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

func seededRecord(clientRef string) domain.TransactionRecord {
	return domain.TransactionRecord{
		ID:                "rec-" + clientRef,
		ClientRef:         clientRef,
		TransactionNumber: "TRX-20260314093000-0001",
		CashierID:         "cashier",
		TotalCents:        35000,
		PaymentType:       domain.PaymentCash,
		PaymentCents:      50000,
		ChangeCents:       15000,
		CreatedAt:         time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func TestInsertTransactionIsIdempotentOnClientRef(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()

	if err := s.InsertTransaction(ctx, seededRecord("off-1")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	dup := seededRecord("off-1")
	dup.ID = "rec-other"
	if err := s.InsertTransaction(ctx, dup); err != nil {
		t.Fatalf("duplicate insert should succeed, got %v", err)
	}
	record, _, ok := s.TransactionByClientRef("off-1")
	if !ok || record.ID != "rec-off-1" {
		t.Fatalf("expected original record to be kept, got %+v", record)
	}
}

func TestInsertTransactionRejectsUnknownCustomer(t *testing.T) {
	s := NewSeeded(nil)
	record := seededRecord("off-1")
	record.CustomerID = "cus-missing"
	if err := s.InsertTransaction(context.Background(), record); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction, got %v", err)
	}
}

func TestInsertItemsDecrementsStockOnce(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()
	record := seededRecord("off-1")
	if err := s.InsertTransaction(ctx, record); err != nil {
		t.Fatalf("insert transaction: %v", err)
	}

	items := []domain.TransactionItem{
		{ProductID: "prd-telur", Qty: 8, UnitPriceCents: 26500, TotalCents: 212000},
		{ProductID: "prd-mie", Qty: 10, UnitPriceCents: 3200, TotalCents: 32000, TierID: "tier-mie-10"},
	}
	for i := 0; i < 2; i++ {
		if err := s.InsertTransactionItems(ctx, record.ID, items); err != nil {
			t.Fatalf("insert items (%d): %v", i, err)
		}
	}

	telur, _ := s.GetProduct(ctx, "prd-telur")
	if telur.CurrentStock != 0 {
		t.Fatalf("expected stock clamped at 0, got %d", telur.CurrentStock)
	}
	mie, _ := s.GetProduct(ctx, "prd-mie")
	if mie.CurrentStock != 230 {
		t.Fatalf("expected stock 230 after one decrement, got %d", mie.CurrentStock)
	}
	_, rows, _ := s.TransactionByClientRef("off-1")
	if len(rows) != 2 {
		t.Fatalf("expected 2 item rows, got %d", len(rows))
	}
}

func TestInsertItemsRequiresTransaction(t *testing.T) {
	s := NewSeeded(nil)
	err := s.InsertTransactionItems(context.Background(), "rec-missing", []domain.TransactionItem{{ProductID: "prd-mie", Qty: 1}})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction, got %v", err)
	}
}

func TestCustomerTotalsAndPointLedger(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()

	totals, err := s.GetCustomerTotals(ctx, "cus-budi")
	if err != nil {
		t.Fatalf("get totals: %v", err)
	}
	totals.Points += 5
	if err := s.UpdateCustomerTotals(ctx, "cus-budi", totals); err != nil {
		t.Fatalf("update totals: %v", err)
	}
	customer, _ := s.GetCustomer(ctx, "cus-budi")
	if customer.Points != 125 {
		t.Fatalf("expected 125 points, got %d", customer.Points)
	}

	entry := domain.PointTransaction{ID: "pt-1", CustomerID: "cus-budi", ReferenceID: "rec-1", Points: 5, Type: domain.PointTypeEarned}
	for i := 0; i < 2; i++ {
		if err := s.InsertPointTransaction(ctx, entry); err != nil {
			t.Fatalf("insert point entry: %v", err)
		}
	}
	if got := len(s.PointEntries("cus-budi")); got != 1 {
		t.Fatalf("expected one ledger row, got %d", got)
	}

	if _, err := s.GetCustomerTotals(ctx, "cus-missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnavailableStoreFailsEveryCall(t *testing.T) {
	s := NewSeeded(nil)
	s.SetUnavailable(true)
	ctx := context.Background()

	if err := s.Ping(ctx); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ping to fail, got %v", err)
	}
	if _, err := s.GetProduct(ctx, "prd-mie"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected product lookup to fail, got %v", err)
	}
	if err := s.InsertTransaction(ctx, seededRecord("off-1")); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected insert to fail, got %v", err)
	}

	s.SetUnavailable(false)
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("expected ping to recover, got %v", err)
	}
}

func TestProductsAreCopied(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()

	p, _ := s.GetProduct(ctx, "prd-mie")
	p.PriceTiers[0].PriceCents = 1
	again, _ := s.GetProduct(ctx, "prd-mie")
	if again.PriceTiers[0].PriceCents != 3200 {
		t.Fatalf("expected stored tier untouched, got %d", again.PriceTiers[0].PriceCents)
	}
}
