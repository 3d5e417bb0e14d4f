package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"retailpos/backend/internal/connectivity"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/metrics"
	"retailpos/backend/internal/notify"
	"retailpos/backend/internal/offline"
	"retailpos/backend/internal/service"
	"retailpos/backend/internal/store/memory"
)

const testManagerPIN = "482916"

type testEnv struct {
	api     *API
	handler http.Handler
	repo    *memory.Store
	conn    *connectivity.Manual
	feed    *notify.Feed
}

// newTestAPI wires the API over the seeded memory store, a real offline
// engine and a manual connectivity switch.
func newTestAPI(t *testing.T) testEnv {
	t.Helper()

	repo := memory.NewSeeded(nil)
	conn := connectivity.NewManual(true)
	feed := notify.NewFeed(20, nil)
	m := metrics.New()
	engine, err := offline.NewEngine(context.Background(), offline.Config{
		Store:        offline.NewMemoryStore(),
		Backend:      repo,
		Connectivity: conn,
		Notifier:     feed,
		Recorder:     m,
		Policy:       offline.RetryPolicy{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)

	svc := service.New(repo, engine, nil, service.ProductTTL{Fresh: time.Minute}, nil)
	auth := NewAuthManager(context.Background(), "test-secret-key", time.Hour, testManagerPIN, repo, nil)
	api := New(svc, auth, feed, Options{AllowedOrigin: "*", Metrics: m})

	return testEnv{api: api, handler: api.Handler(), repo: repo, conn: conn, feed: feed}
}

func (e testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	res := e.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if res.Code != http.StatusOK {
		t.Fatalf("login %s failed: %d %s", username, res.Code, res.Body.String())
	}
	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

func (e testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	e.handler.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (%s)", err, res.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestAPI(t)
	res := env.do(t, http.MethodGet, "/healthz", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	var body map[string]any
	decodeBody(t, res, &body)
	if body["ok"] != true || body["online"] != true {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestHandleLogin(t *testing.T) {
	env := newTestAPI(t)
	env.login(t, "admin", "admin123")

	res := env.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestHandleProductsRequiresAuth(t *testing.T) {
	env := newTestAPI(t)

	if res := env.do(t, http.MethodGet, "/api/v1/products", "", nil); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}

	token := env.login(t, "cashier", "cashier123")
	res := env.do(t, http.MethodGet, "/api/v1/products", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var body struct {
		Products []domain.Product `json:"products"`
	}
	decodeBody(t, res, &body)
	if len(body.Products) == 0 {
		t.Fatalf("expected seeded products")
	}
}

func TestHandlePrice(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "cashier", "cashier123")

	res := env.do(t, http.MethodGet, "/api/v1/products/prd-beras/price?qty=10", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	var quote domain.PriceQuote
	decodeBody(t, res, &quote)
	if quote.UnitPriceCents != 8000 || quote.TotalCents != 80000 {
		t.Fatalf("unexpected quote %+v", quote)
	}

	if res := env.do(t, http.MethodGet, "/api/v1/products/prd-beras/price?qty=-2", token, nil); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad qty, got %d", res.Code)
	}
	if res := env.do(t, http.MethodGet, "/api/v1/products/prd-nope/price", token, nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown product, got %d", res.Code)
	}
}

func TestCartInsufficientStockReturnsMaxAddable(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "cashier", "cashier123")

	res := env.do(t, http.MethodPost, "/api/v1/cart/items", token, domain.CartAddRequest{TerminalID: "T1", ProductID: "prd-telur", Qty: 3})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.Code, res.Body.String())
	}

	res = env.do(t, http.MethodPost, "/api/v1/cart/items", token, domain.CartAddRequest{TerminalID: "T1", ProductID: "prd-telur", Qty: 4})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", res.Code, res.Body.String())
	}
	var body map[string]any
	decodeBody(t, res, &body)
	if body["max_addable"] != float64(2) {
		t.Fatalf("expected max_addable 2, got %v", body["max_addable"])
	}
}

func TestCartLifecycle(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "cashier", "cashier123")

	env.do(t, http.MethodPost, "/api/v1/cart/items", token, domain.CartAddRequest{TerminalID: "T1", ProductID: "prd-mie", Qty: 9})

	res := env.do(t, http.MethodPatch, "/api/v1/cart/items/prd-mie", token, domain.CartUpdateRequest{TerminalID: "T1", Qty: 10})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	var view domain.CartView
	decodeBody(t, res, &view)
	if view.TotalCents != 32000 {
		t.Fatalf("expected tier price total 32000, got %d", view.TotalCents)
	}

	if res := env.do(t, http.MethodGet, "/api/v1/cart", token, nil); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without terminal_id, got %d", res.Code)
	}

	res = env.do(t, http.MethodDelete, "/api/v1/cart/items/prd-mie?terminal_id=T1", token, nil)
	decodeBody(t, res, &view)
	if len(view.Lines) != 0 {
		t.Fatalf("expected line removed, got %+v", view.Lines)
	}

	env.do(t, http.MethodPost, "/api/v1/cart/items", token, domain.CartAddRequest{TerminalID: "T1", ProductID: "prd-kopi", Qty: 1})
	res = env.do(t, http.MethodDelete, "/api/v1/cart?terminal_id=T1", token, nil)
	decodeBody(t, res, &view)
	if len(view.Lines) != 0 {
		t.Fatalf("expected cart reset, got %+v", view.Lines)
	}
}

func TestCheckoutOnlineAndOffline(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "cashier", "cashier123")

	env.do(t, http.MethodPost, "/api/v1/cart/items", token, domain.CartAddRequest{TerminalID: "T1", ProductID: "prd-beras", Qty: 10})
	res := env.do(t, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{TerminalID: "T1", PaymentType: domain.PaymentCash, PaymentCents: 50000})
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for underpayment, got %d (%s)", res.Code, res.Body.String())
	}

	res = env.do(t, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{TerminalID: "T1", PaymentType: domain.PaymentCash, PaymentCents: 100000})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", res.Code, res.Body.String())
	}
	var resp domain.CheckoutResponse
	decodeBody(t, res, &resp)
	if resp.ChangeCents != 20000 || resp.Queued {
		t.Fatalf("unexpected response %+v", resp)
	}
	if _, _, ok := env.repo.TransactionByClientRef(resp.ClientRef); !ok {
		t.Fatalf("expected backend record")
	}

	env.conn.SetOnline(false)
	env.do(t, http.MethodPost, "/api/v1/cart/items", token, domain.CartAddRequest{TerminalID: "T1", ProductID: "prd-mie", Qty: 1})
	res = env.do(t, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{TerminalID: "T1", PaymentType: domain.PaymentCash, PaymentCents: 3500})
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for queued sale, got %d (%s)", res.Code, res.Body.String())
	}

	res = env.do(t, http.MethodGet, "/api/v1/sync/offline-transactions", token, nil)
	var status domain.SyncStatusResponse
	decodeBody(t, res, &status)
	if status.Online || len(status.Pending) != 1 {
		t.Fatalf("unexpected sync status %+v", status)
	}

	res = env.do(t, http.MethodPost, "/api/v1/sync/offline-transactions", token, nil)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while offline, got %d", res.Code)
	}
	var refused map[string]any
	decodeBody(t, res, &refused)
	if refused["error"] != "offline: backend unreachable" {
		t.Fatalf("expected offline error body, got %v", refused)
	}

	env.conn.SetOnline(true)
	res = env.do(t, http.MethodPost, "/api/v1/sync/offline-transactions", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	var summary map[string]int
	decodeBody(t, res, &summary)
	if summary["succeeded"] != 1 {
		t.Fatalf("expected one synced sale, got %v", summary)
	}

	res = env.do(t, http.MethodGet, "/api/v1/notifications?after=0", token, nil)
	var notices struct {
		Notifications []notify.Notice `json:"notifications"`
	}
	decodeBody(t, res, &notices)
	if len(notices.Notifications) != 2 {
		t.Fatalf("expected queued and synced notices, got %+v", notices.Notifications)
	}
	last := notices.Notifications[len(notices.Notifications)-1]
	if last.Level != notify.LevelSuccess || last.Message != "1 synced, 0 failed" {
		t.Fatalf("unexpected summary notice %+v", last)
	}
}

func TestRequeueDeadLetterNeedsAdminAndManagerPIN(t *testing.T) {
	env := newTestAPI(t)
	cashier := env.login(t, "cashier", "cashier123")
	admin := env.login(t, "admin", "admin123")

	env.conn.SetOnline(false)
	env.do(t, http.MethodPost, "/api/v1/cart/items", cashier, domain.CartAddRequest{TerminalID: "T1", ProductID: "prd-mie", Qty: 1})
	env.do(t, http.MethodPost, "/api/v1/checkout", cashier, domain.CheckoutRequest{TerminalID: "T1", PaymentType: domain.PaymentCash, PaymentCents: 3500})

	env.repo.SetUnavailable(true)
	env.conn.SetOnline(true)
	res := env.do(t, http.MethodPost, "/api/v1/sync/offline-transactions", cashier, nil)
	var summary map[string]int
	decodeBody(t, res, &summary)
	if summary["dead_lettered"] != 1 {
		t.Fatalf("expected dead-lettered sale, got %v", summary)
	}

	res = env.do(t, http.MethodGet, "/api/v1/sync/offline-transactions", cashier, nil)
	var status domain.SyncStatusResponse
	decodeBody(t, res, &status)
	if len(status.DeadLetters) != 1 {
		t.Fatalf("expected one dead letter, got %+v", status)
	}
	path := "/api/v1/sync/offline-transactions/" + status.DeadLetters[0].ID + "/requeue"

	if res := env.do(t, http.MethodPost, path, cashier, domain.RequeueRequest{ManagerPIN: testManagerPIN}); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", res.Code)
	}
	if res := env.do(t, http.MethodPost, path, admin, domain.RequeueRequest{ManagerPIN: "000000"}); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong pin, got %d", res.Code)
	}
	if res := env.do(t, http.MethodPost, "/api/v1/sync/offline-transactions/off-missing/requeue", admin, domain.RequeueRequest{ManagerPIN: testManagerPIN}); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", res.Code)
	}

	res = env.do(t, http.MethodPost, path, admin, domain.RequeueRequest{ManagerPIN: testManagerPIN})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.Code, res.Body.String())
	}

	env.repo.SetUnavailable(false)
	res = env.do(t, http.MethodPost, "/api/v1/sync/offline-transactions", cashier, nil)
	decodeBody(t, res, &summary)
	if summary["succeeded"] != 1 {
		t.Fatalf("expected requeued sale to sync, got %v", summary)
	}
}

func TestCashiersAdminOnly(t *testing.T) {
	env := newTestAPI(t)
	cashier := env.login(t, "cashier", "cashier123")
	admin := env.login(t, "admin", "admin123")

	if res := env.do(t, http.MethodGet, "/api/v1/users/cashiers", cashier, nil); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", res.Code)
	}

	res := env.do(t, http.MethodPost, "/api/v1/users/cashiers", admin, domain.CashierCreateRequest{Username: "kasir2", Password: "rahasia99"})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", res.Code, res.Body.String())
	}
	if res := env.do(t, http.MethodPost, "/api/v1/users/cashiers", admin, domain.CashierCreateRequest{Username: "kasir2", Password: "rahasia99"}); res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", res.Code)
	}
	env.login(t, "kasir2", "rahasia99")
}

func TestMetricsEndpointCountsRoutes(t *testing.T) {
	env := newTestAPI(t)
	env.do(t, http.MethodGet, "/healthz", "", nil)

	res := env.do(t, http.MethodGet, "/metrics", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `pos_http_requests_total{method="GET",route="/healthz",status="200"} 1`) {
		t.Fatalf("expected healthz request counted, got:\n%s", res.Body.String())
	}
}
