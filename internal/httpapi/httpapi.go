package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"retailpos/backend/internal/cart"
	"retailpos/backend/internal/checkout"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/metrics"
	"retailpos/backend/internal/notify"
	"retailpos/backend/internal/offline"
	"retailpos/backend/internal/service"
	"retailpos/backend/internal/store"
)

type Options struct {
	AllowedOrigin string
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	feed          *notify.Feed
	metrics       *metrics.Metrics
	logger        *zap.Logger
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, feed *notify.Feed, opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		feed:          feed,
		metrics:       opts.Metrics,
		logger:        logger.Named("http"),
		allowedOrigin: opts.AllowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

// Allow records an attempt for key and reports whether it is within the
// sliding window budget.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/products/{id}/price", a.requireAuth(a.handlePrice, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/cart", a.requireAuth(a.handleCart, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/cart/refresh", a.requireAuth(a.handleCartRefresh, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/cart/items", a.requireAuth(a.handleCartItems, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/cart/items/{product_id}", a.requireAuth(a.handleCartItem, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/checkout", a.requireAuth(a.handleCheckout, RoleCashier, RoleAdmin))

	mux.HandleFunc("/api/v1/sync/offline-transactions", a.requireAuth(a.handleOfflineSync, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/sync/offline-transactions/clear-synced", a.requireAuth(a.handleClearSynced, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/sync/offline-transactions/{id}/requeue", a.requireAuth(a.handleRequeue, RoleAdmin))
	mux.HandleFunc("/api/v1/notifications", a.requireAuth(a.handleNotifications, RoleCashier, RoleAdmin))

	mux.HandleFunc("/api/v1/users/cashiers", a.requireAuth(a.handleCashiers, RoleAdmin))

	var h http.Handler = mux
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics.Handler())
		h = a.metrics.Instrument(mux)
	}
	return a.withMiddleware(h)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}
		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	status := a.service.SyncStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"online":       status.Online,
		"pending":      len(status.Pending),
		"dead_letters": len(status.DeadLetters),
		"at":           time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, ErrInvalidCredentials) && !errors.Is(err, ErrInactiveAccount) {
			status = http.StatusInternalServerError
		}
		a.writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handlePrice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	qty := 1
	if raw := strings.TrimSpace(r.URL.Query().Get("qty")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			a.writeError(w, http.StatusBadRequest, errors.New("qty must be a positive integer"))
			return
		}
		qty = parsed
	}

	quote, err := a.service.ResolvePrice(r.Context(), r.PathValue("id"), qty)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	terminalID := r.URL.Query().Get("terminal_id")

	var (
		view domain.CartView
		err  error
	)
	switch r.Method {
	case http.MethodGet:
		view, err = a.service.Cart(terminalID)
	case http.MethodDelete:
		view, err = a.service.ResetCart(terminalID)
	default:
		a.writeMethodNotAllowed(w)
		return
	}
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCartRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	view, err := a.service.RefreshCart(r.Context(), r.URL.Query().Get("terminal_id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCartItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.CartAddRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	view, err := a.service.AddToCart(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCartItem(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("product_id")

	var (
		view domain.CartView
		err  error
	)
	switch r.Method {
	case http.MethodPatch:
		var req domain.CartUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		view, err = a.service.UpdateQuantity(r.Context(), productID, req)
	case http.MethodDelete:
		view, err = a.service.RemoveFromCart(r.URL.Query().Get("terminal_id"), productID)
	default:
		a.writeMethodNotAllowed(w)
		return
	}
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (a *API) handleOfflineSync(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.service.SyncStatus())
	case http.MethodPost:
		summary, err := a.service.SyncNow(r.Context())
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"attempted":     summary.Attempted,
			"succeeded":     summary.Succeeded,
			"failed":        summary.Failed,
			"dead_lettered": summary.DeadLettered,
			"skipped":       summary.Skipped,
		})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleClearSynced(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	removed, err := a.service.ClearSynced(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// handleRequeue returns a dead-lettered sale to the queue. It needs the
// manager PIN on top of an admin token.
func (a *API) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.pinLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return
	}
	var req domain.RequeueRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		a.writeError(w, http.StatusForbidden, errors.New("manager approval required"))
		return
	}

	txn, err := a.service.Requeue(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": txn})
}

func (a *API) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, errors.New("after must be a sequence number"))
			return
		}
		after = parsed
	}

	notices := []notify.Notice{}
	if a.feed != nil {
		notices = a.feed.Since(after)
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notices})
}

func (a *API) handleCashiers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(r.Context())})
	case http.MethodPost:
		var req domain.CashierCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		cashier, err := a.auth.CreateCashier(r.Context(), req)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, ErrUsernameTaken) {
				status = http.StatusConflict
			}
			a.writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(startedAt)),
		)
	})
}

// writeServiceError maps domain errors onto HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var stockErr *cart.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":       stockErr.Error(),
			"product_id":  stockErr.ProductID,
			"stock":       stockErr.Stock,
			"max_addable": stockErr.MaxAddable,
		})
	case errors.Is(err, service.ErrInvalidTerminal):
		a.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, offline.ErrNotFound),
		errors.Is(err, cart.ErrLineNotFound):
		a.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, checkout.ErrUnderpayment),
		errors.Is(err, checkout.ErrMissingTransferReference),
		errors.Is(err, checkout.ErrUnsupportedPaymentType),
		errors.Is(err, service.ErrUnknownCustomer),
		errors.Is(err, cart.ErrInvalidProduct),
		errors.Is(err, store.ErrInvalidTransaction):
		a.writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, offline.ErrSyncInProgress):
		a.writeError(w, http.StatusConflict, err)
	case errors.Is(err, offline.ErrOffline):
		a.logger.Warn("sync refused while offline", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": offline.ErrOffline.Error()})
	case errors.Is(err, store.ErrUnavailable):
		a.logger.Warn("backend unavailable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "backend unavailable"})
	default:
		a.writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError returns err's message for 4xx and a generic message for 5xx.
func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("internal error", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
