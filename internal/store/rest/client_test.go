package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/offline"
	"retailpos/backend/internal/store"
)

var (
	_ store.Repository = (*Client)(nil)
	_ offline.Backend  = (*Client)(nil)
)

type captured struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *[]captured) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, captured{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			header: r.Header.Clone(),
			body:   body,
		})
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{URL: srv.URL + "/", APIKey: "service-key"})
	require.NoError(t, err)
	return c, &calls
}

func TestNewRequiresURLAndKey(t *testing.T) {
	_, err := New(Config{APIKey: "k"})
	assert.Error(t, err)
	_, err = New(Config{URL: "http://localhost"})
	assert.Error(t, err)
}

func TestInsertTransactionSendsIdempotentUpsert(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	err := c.InsertTransaction(context.Background(), domain.TransactionRecord{
		ID:                "rec-1",
		ClientRef:         "off-1",
		TransactionNumber: "TRX-20260314093000-0001",
		CashierID:         "cashier",
		TotalCents:        80000,
		PaymentType:       domain.PaymentTransfer,
		PaymentCents:      80000,
		TransferReference: "BCA-778",
		CreatedAt:         time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "/rest/v1/transactions", call.path)
	assert.Equal(t, "on_conflict=client_ref", call.query)
	assert.Equal(t, "service-key", call.header.Get("apikey"))
	assert.Equal(t, "Bearer service-key", call.header.Get("Authorization"))
	assert.Equal(t, "resolution=ignore-duplicates,return=minimal", call.header.Get("Prefer"))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(call.body, &sent))
	assert.Equal(t, "off-1", sent["client_ref"])
	assert.Equal(t, "BCA-778", sent["transfer_reference"])
	assert.NotContains(t, sent, "customer_id")
}

func TestGetProductDecodesTiers(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{
			"id":"prd-beras","sku":"SKU-BERAS-05","name":"Beras Premium 5kg",
			"selling_price":10000,"current_stock":60,"min_stock":10,"points_per_unit":5,
			"product_price_tiers":[{"id":"tier-beras-10","product_id":"prd-beras","min_quantity":10,"price":8000,"is_active":true}]
		}]`))
	})

	p, err := c.GetProduct(context.Background(), "prd-beras")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), p.SellingPriceCents)
	require.Len(t, p.PriceTiers, 1)
	assert.Equal(t, int64(8000), p.PriceTiers[0].PriceCents)
	assert.Contains(t, (*calls)[0].query, "id=eq.prd-beras")
}

func TestGetProductNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := c.GetProduct(context.Background(), "prd-missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusServiceUnavailable, store.ErrUnavailable},
		{http.StatusGatewayTimeout, store.ErrUnavailable},
		{http.StatusConflict, store.ErrInvalidTransaction},
		{http.StatusBadRequest, store.ErrInvalidTransaction},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"code":"23503","message":"violates foreign key constraint"}`))
			})
			err := c.InsertPointTransaction(context.Background(), domain.PointTransaction{ID: "pt-1", CustomerID: "cus-1"})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCredentialErrorsAreNotRejections(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	err := c.InsertPointTransaction(context.Background(), domain.PointTransaction{ID: "pt-1", CustomerID: "cus-1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrInvalidTransaction)
	assert.NotErrorIs(t, err, store.ErrUnavailable)
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "k"})
	require.NoError(t, err)
	require.ErrorIs(t, c.Ping(context.Background()), store.ErrUnavailable)
}

func TestInsertTransactionItemsCallsRPC(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`1`))
	})

	err := c.InsertTransactionItems(context.Background(), "rec-1", []domain.TransactionItem{
		{TransactionID: "rec-1", ProductID: "prd-mie", Qty: 10, UnitPriceCents: 3200, TotalCents: 32000, TierID: "tier-mie-10"},
	})
	require.NoError(t, err)

	call := (*calls)[0]
	assert.Equal(t, "/rest/v1/rpc/insert_transaction_items", call.path)
	var sent struct {
		TransactionID string                   `json:"p_transaction_id"`
		Items         []domain.TransactionItem `json:"p_items"`
	}
	require.NoError(t, json.Unmarshal(call.body, &sent))
	assert.Equal(t, "rec-1", sent.TransactionID)
	require.Len(t, sent.Items, 1)
	assert.Equal(t, 10, sent.Items[0].Qty)
}

func TestUpdateCustomerTotalsNotFound(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	err := c.UpdateCustomerTotals(context.Background(), "cus-missing", domain.CustomerTotals{Points: 3})
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, http.MethodPatch, (*calls)[0].method)
	assert.Equal(t, "id=eq.cus-missing", (*calls)[0].query)
}

func TestGetCustomerTotals(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"cus-budi","name":"Budi","phone":null,"points":120,"total_spent":1250000}]`))
	})

	totals, err := c.GetCustomerTotals(context.Background(), "cus-budi")
	require.NoError(t, err)
	assert.Equal(t, domain.CustomerTotals{Points: 120, TotalSpentCents: 1250000}, totals)
}
