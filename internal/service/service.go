package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"retailpos/backend/internal/cache"
	"retailpos/backend/internal/cart"
	"retailpos/backend/internal/checkout"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/offline"
	"retailpos/backend/internal/pricing"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

var (
	ErrInvalidTerminal = errors.New("terminal_id is required")
	ErrUnknownCustomer = errors.New("unknown customer")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// session is one terminal's cart. Its mutex serializes every cart operation
// and checkout of that terminal.
type session struct {
	mu   sync.Mutex
	cart *cart.Cart
}

// ProductTTL bounds the product cache. Fresh is how long a cached product is
// served without asking the backend. Snapshot is how long it survives as the
// offline fallback.
type ProductTTL struct {
	Fresh    time.Duration
	Snapshot time.Duration
}

type Service struct {
	repo     store.Repository
	engine   *offline.Engine
	products cache.ProductCache
	ttl      ProductTTL
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	fetched  map[string]time.Time
}

func New(repo store.Repository, engine *offline.Engine, products cache.ProductCache, ttl ProductTTL, logger *zap.Logger) *Service {
	if products == nil {
		products = cache.NoopProductCache{}
	}
	if ttl.Fresh <= 0 {
		ttl.Fresh = 30 * time.Second
	}
	if ttl.Snapshot < ttl.Fresh {
		ttl.Snapshot = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:     repo,
		engine:   engine,
		products: products,
		ttl:      ttl,
		logger:   logger.Named("service"),
		now:      time.Now,
		sessions: make(map[string]*session),
		fetched:  make(map[string]time.Time),
	}
}

func (s *Service) session(terminalID string) (*session, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return nil, ErrInvalidTerminal
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[terminalID]
	if !ok {
		sess = &session{cart: cart.New()}
		s.sessions[terminalID] = sess
	}
	return sess, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

// GetProduct serves a cached product fetched within the freshness window,
// otherwise it behaves like freshProduct.
func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if s.isFresh(productID) {
		if cached, ok, err := s.products.Get(ctx, productID); err == nil && ok {
			return *cached, nil
		} else if err != nil {
			s.logger.Warn("product cache read failed", zap.String("product_id", productID), zap.Error(err))
		}
	}
	return s.freshProduct(ctx, productID)
}

func (s *Service) isFresh(productID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.fetched[productID]
	return ok && s.now().Sub(at) < s.ttl.Fresh
}

func (s *Service) markFetched(productID string, fresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fresh {
		s.fetched[productID] = s.now()
		return
	}
	delete(s.fetched, productID)
}

func (s *Service) loadProduct(ctx context.Context, productID string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	if err := s.products.Set(ctx, *product, s.ttl.Snapshot); err != nil {
		s.logger.Warn("product cache write failed", zap.String("product_id", productID), zap.Error(err))
	} else {
		s.markFetched(productID, true)
	}
	return *product, nil
}

// freshProduct prefers the backend so stock checks see current stock, and
// falls back to the cached snapshot while the backend is unreachable.
func (s *Service) freshProduct(ctx context.Context, productID string) (domain.Product, error) {
	product, err := s.loadProduct(ctx, productID)
	if err == nil || !errors.Is(err, store.ErrUnavailable) {
		return product, err
	}
	cached, ok, cacheErr := s.products.Get(ctx, productID)
	if cacheErr != nil || !ok {
		return domain.Product{}, err
	}
	return *cached, nil
}

// settleSnapshots keeps the offline fallback in step with a committed sale.
// A synced sale drops the snapshots so the next read reloads backend stock.
// A queued sale lowers the cached stock by what it sold.
func (s *Service) settleSnapshots(ctx context.Context, lines []domain.CartLine, queued bool) {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
		s.markFetched(line.ProductID, false)
	}
	if !queued {
		if err := s.products.Delete(ctx, ids...); err != nil {
			s.logger.Warn("product cache invalidation failed", zap.Error(err))
		}
		return
	}

	for _, line := range lines {
		cached, ok, err := s.products.Get(ctx, line.ProductID)
		if err != nil || !ok {
			continue
		}
		cached.CurrentStock = max(cached.CurrentStock-line.Qty, 0)
		if err := s.products.Set(ctx, *cached, s.ttl.Snapshot); err != nil {
			s.logger.Warn("product snapshot write failed", zap.String("product_id", line.ProductID), zap.Error(err))
		}
	}
}

func (s *Service) ResolvePrice(ctx context.Context, productID string, qty int) (domain.PriceQuote, error) {
	if qty < 1 {
		qty = 1
	}
	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		return domain.PriceQuote{}, err
	}

	res, total := pricing.LineTotal(product, qty)
	return domain.PriceQuote{
		ProductID:      product.ID,
		Qty:            qty,
		UnitPriceCents: res.UnitPriceCents,
		TotalCents:     total,
		Tier:           res.Tier,
	}, nil
}

func (s *Service) Cart(terminalID string) (domain.CartView, error) {
	sess, err := s.session(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.cart.View(strings.TrimSpace(terminalID)), nil
}

func (s *Service) AddToCart(ctx context.Context, req domain.CartAddRequest) (domain.CartView, error) {
	sess, err := s.session(req.TerminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	product, err := s.freshProduct(ctx, req.ProductID)
	if err != nil {
		return domain.CartView{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, err := sess.cart.Add(product, req.Qty); err != nil {
		return domain.CartView{}, err
	}
	return sess.cart.View(strings.TrimSpace(req.TerminalID)), nil
}

// UpdateQuantity sets a line's quantity; zero or less removes it.
func (s *Service) UpdateQuantity(ctx context.Context, productID string, req domain.CartUpdateRequest) (domain.CartView, error) {
	sess, err := s.session(req.TerminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	terminalID := strings.TrimSpace(req.TerminalID)

	if req.Qty <= 0 {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		sess.cart.Remove(productID)
		return sess.cart.View(terminalID), nil
	}

	product, err := s.freshProduct(ctx, productID)
	if err != nil {
		return domain.CartView{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, err := sess.cart.UpdateQuantityWith(product, req.Qty); err != nil {
		return domain.CartView{}, err
	}
	return sess.cart.View(terminalID), nil
}

// RefreshCart re-reads every line's product and re-prices the cart. Lines
// that no longer fit current stock are kept as they were and the first such
// conflict is returned.
func (s *Service) RefreshCart(ctx context.Context, terminalID string) (domain.CartView, error) {
	sess, err := s.session(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	var conflict error
	for _, line := range sess.cart.Lines() {
		product, err := s.freshProduct(ctx, line.ProductID)
		if err != nil {
			return domain.CartView{}, err
		}
		if _, err := sess.cart.Refresh(product); err != nil && conflict == nil {
			conflict = err
		}
	}
	if conflict != nil {
		return domain.CartView{}, conflict
	}
	return sess.cart.View(strings.TrimSpace(terminalID)), nil
}

func (s *Service) RemoveFromCart(terminalID string, productID string) (domain.CartView, error) {
	sess, err := s.session(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.cart.Remove(productID)
	return sess.cart.View(strings.TrimSpace(terminalID)), nil
}

func (s *Service) ResetCart(terminalID string) (domain.CartView, error) {
	sess, err := s.session(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.cart.Clear()
	return sess.cart.View(strings.TrimSpace(terminalID)), nil
}

// Checkout commits the terminal's cart. The sale is replayed to the backend
// right away when online and queued on the terminal otherwise. The cart is
// kept when the sale is rejected.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	sess, err := s.session(req.TerminalID)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := s.now().UTC()
	payment := checkout.Payment{
		Type:        req.PaymentType,
		AmountCents: req.PaymentCents,
		Reference:   strings.TrimSpace(req.TransferReference),
	}
	totals, err := checkout.Calculate(sess.cart.Len(), sess.cart.TotalAmount(), sess.cart.TotalPoints(), payment, now)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	customerID := strings.TrimSpace(req.CustomerID)
	if customerID != "" {
		if _, err := s.repo.GetCustomer(ctx, customerID); err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				return domain.CheckoutResponse{}, fmt.Errorf("%w: %s", ErrUnknownCustomer, customerID)
			case !errors.Is(err, store.ErrUnavailable):
				return domain.CheckoutResponse{}, err
			}
		}
	}

	cashier := "unknown"
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		cashier = actor.Username
	}

	lines := sess.cart.Lines()
	draft := domain.OfflineDraft{
		TransactionNumber: xid.TransactionNumber(now),
		Items:             lines,
		TotalCents:        totals.TotalCents,
		CustomerID:        customerID,
		PaymentType:       req.PaymentType,
		PaymentCents:      totals.PaidCents,
		ChangeCents:       totals.ChangeCents,
		TransferReference: payment.Reference,
		DueDate:           totals.DueDate,
		PointsEarned:      totals.PointsEarned,
		CashierID:         cashier,
		CreatedAt:         now,
	}

	txn, queued, err := s.engine.Commit(ctx, draft)
	if err != nil {
		s.logger.Warn("checkout rejected", zap.String("terminal_id", req.TerminalID), zap.Error(err))
		return domain.CheckoutResponse{}, err
	}

	sess.cart.Clear()
	s.settleSnapshots(ctx, lines, queued)

	s.logger.Info("checkout committed",
		zap.String("terminal_id", req.TerminalID),
		zap.String("client_ref", txn.ID),
		zap.String("transaction_number", txn.TransactionNumber),
		zap.Int64("total", txn.TotalCents),
		zap.Bool("queued", queued),
	)

	return domain.CheckoutResponse{
		ClientRef:         txn.ID,
		TransactionNumber: txn.TransactionNumber,
		TotalCents:        txn.TotalCents,
		PaymentType:       txn.PaymentType,
		PaymentCents:      txn.PaymentCents,
		ChangeCents:       txn.ChangeCents,
		PointsEarned:      txn.PointsEarned,
		DueDate:           txn.DueDate,
		Queued:            queued,
		CreatedAt:         txn.CreatedAt.Format(time.RFC3339),
	}, nil
}

func (s *Service) SyncStatus() domain.SyncStatusResponse {
	return domain.SyncStatusResponse{
		Online:      s.engine.Online(),
		Pending:     s.engine.Pending(),
		DeadLetters: s.engine.DeadLetters(),
	}
}

func (s *Service) SyncNow(ctx context.Context) (offline.Summary, error) {
	return s.engine.Sync(ctx)
}

func (s *Service) ClearSynced(ctx context.Context) (int, error) {
	return s.engine.ClearSynced(ctx)
}

func (s *Service) Requeue(ctx context.Context, id string) (domain.OfflineTransaction, error) {
	txn, err := s.engine.Requeue(ctx, id)
	if err != nil {
		return domain.OfflineTransaction{}, err
	}
	actor, _ := ActorFromContext(ctx)
	s.logger.Info("offline transaction requeued", zap.String("id", id), zap.String("actor", actor.Username))
	return txn, nil
}
