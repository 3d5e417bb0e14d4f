package offline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpos/backend/internal/domain"
)

func sampleQueue() []domain.OfflineTransaction {
	due := testNow.Add(7 * 24 * time.Hour)
	return []domain.OfflineTransaction{
		{
			ID: "off-1",
			OfflineDraft: domain.OfflineDraft{
				TransactionNumber: "TRX-20260314093000-0001",
				Items: []domain.CartLine{
					{ProductID: "prd-1", Name: "Rice 5kg", Qty: 10, UnitPriceCents: 8_000, TotalCents: 80_000, TierID: "tier-10"},
				},
				TotalCents:   80_000,
				CustomerID:   "cus-1",
				PaymentType:  domain.PaymentCredit,
				PaymentCents: 80_000,
				DueDate:      &due,
				PointsEarned: 10,
				CashierID:    "cashier",
				CreatedAt:    testNow,
			},
			Status:         domain.SyncPending,
			CompletedSteps: []domain.ReplayStep{domain.StepTransaction},
			Attempts:       1,
			LastError:      "replay items: timeout",
		},
		{
			ID: "off-2",
			OfflineDraft: domain.OfflineDraft{
				TransactionNumber: "TRX-20260314093100-0002",
				PaymentType:       domain.PaymentCash,
				CreatedAt:         testNow,
			},
			Synced: true,
			Status: domain.SyncSynced,
		},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "queue")
	st := NewFileStore(dir, "")
	ctx := context.Background()

	empty, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	want := sampleQueue()
	require.NoError(t, st.Save(ctx, want))
	assert.Equal(t, filepath.Join(dir, DefaultStorageKey+".json"), st.Path())

	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestFileStoreRejectsCorruptBlob(t *testing.T) {
	dir := t.TempDir()
	st := NewFileStore(dir, "queue")
	require.NoError(t, os.WriteFile(st.Path(), []byte("[{"), 0o644))

	_, err := st.Load(context.Background())
	require.ErrorIs(t, err, ErrCorruptQueue)
}

func TestMemoryStoreWritesEmptyArray(t *testing.T) {
	st := NewMemoryStore()
	require.NoError(t, st.Save(context.Background(), nil))
	assert.Equal(t, "[]", string(st.Blob()))
	assert.Equal(t, 1, st.Saves())
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}

	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(9))

	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.False(t, RetryPolicy{}.Exhausted(1000))
	assert.Zero(t, RetryPolicy{}.Delay(3))
}
