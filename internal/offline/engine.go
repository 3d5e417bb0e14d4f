// Package offline queues committed sales on the terminal while the backend is
// unreachable and replays them once connectivity returns.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"retailpos/backend/internal/connectivity"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/notify"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

var (
	ErrOffline        = errors.New("offline: backend unreachable")
	ErrSyncInProgress = errors.New("offline: sync already in progress")
	ErrNotFound       = errors.New("offline: transaction not found")
	ErrCorruptQueue   = errors.New("offline: stored queue is corrupt")
)

// Replay outcomes reported to the Recorder.
const (
	ResultSynced     = "synced"
	ResultFailed     = "failed"
	ResultDeadLetter = "dead_letter"
	ResultQueued     = "queued"
)

// Recorder receives queue and replay measurements.
type Recorder interface {
	QueueDepth(pending, deadLetters int)
	Replayed(result string)
}

type nopRecorder struct{}

func (nopRecorder) QueueDepth(int, int) {}
func (nopRecorder) Replayed(string)     {}

type nopNotifier struct{}

func (nopNotifier) Notify(notify.Level, string) {}

type Summary struct {
	Attempted    int `json:"attempted"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
}

type Config struct {
	Store        Store
	Backend      Backend
	Connectivity connectivity.Observer
	Notifier     notify.Notifier
	Policy       RetryPolicy
	Recorder     Recorder
	Logger       *zap.Logger
	Now          func() time.Time
}

type Engine struct {
	mu    sync.Mutex
	queue []domain.OfflineTransaction

	store    Store
	replay   replayer
	conn     connectivity.Observer
	notifier notify.Notifier
	policy   RetryPolicy
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time

	syncing atomic.Bool

	bgMu        sync.Mutex
	bgCtx       context.Context
	closed      bool
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewEngine loads the persisted queue. A blob that cannot be decoded is an error.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Backend == nil || cfg.Connectivity == nil {
		return nil, errors.New("offline: store, backend and connectivity are required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	txns, err := cfg.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load offline queue: %w", err)
	}
	for i := range txns {
		if txns[i].Status == "" {
			txns[i].Status = domain.SyncPending
			if txns[i].Synced {
				txns[i].Status = domain.SyncSynced
			}
		}
	}

	e := &Engine{
		queue:    txns,
		store:    cfg.Store,
		replay:   replayer{backend: cfg.Backend},
		conn:     cfg.Connectivity,
		notifier: cfg.Notifier,
		policy:   cfg.Policy,
		recorder: cfg.Recorder,
		logger:   cfg.Logger.Named("offline"),
		now:      cfg.Now,
	}
	e.mu.Lock()
	e.observeQueueLocked()
	e.mu.Unlock()
	return e, nil
}

// Start subscribes to connectivity changes. Background passes started by a
// reconnect run with ctx.
func (e *Engine) Start(ctx context.Context) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed || e.unsubscribe != nil {
		return
	}
	e.bgCtx = ctx
	e.unsubscribe = e.conn.Subscribe(e.onConnectivity)
}

// Close unsubscribes and waits for background passes to finish.
func (e *Engine) Close() {
	e.bgMu.Lock()
	e.closed = true
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.bgMu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	e.wg.Wait()
}

func (e *Engine) Online() bool {
	return e.conn.Online()
}

func (e *Engine) onConnectivity(online bool) {
	if !online {
		e.notifier.Notify(notify.LevelWarning, "Connection lost. Sales are saved on this terminal until it returns.")
		return
	}
	if n := len(e.Pending()); n > 0 {
		e.notifier.Notify(notify.LevelInfo, fmt.Sprintf("Connection restored. Syncing %d pending transactions.", n))
	}
	e.Trigger()
}

// Trigger starts a sync pass in the background. It reports false once the
// engine is closed or before Start.
func (e *Engine) Trigger() bool {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed || e.bgCtx == nil {
		return false
	}
	ctx := e.bgCtx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_, err := e.Sync(ctx)
		if err != nil && !errors.Is(err, ErrOffline) && !errors.Is(err, ErrSyncInProgress) {
			e.logger.Error("background sync failed", zap.Error(err))
		}
	}()
	return true
}

// Save queues a committed sale under a new local id and persists the whole queue.
func (e *Engine) Save(ctx context.Context, draft domain.OfflineDraft) (domain.OfflineTransaction, error) {
	txn := e.newTransaction(draft)
	if err := e.enqueue(ctx, txn); err != nil {
		return domain.OfflineTransaction{}, err
	}
	e.recorder.Replayed(ResultQueued)
	e.notifier.Notify(notify.LevelInfo, fmt.Sprintf("Offline: transaction %s saved and will sync automatically.", txn.TransactionNumber))
	return cloneTransaction(txn), nil
}

// Commit records a sale. While online it replays straight to the backend and
// queues only when the backend is unreachable or the replay stopped after a
// completed step. A first-step rejection is returned and nothing is queued.
func (e *Engine) Commit(ctx context.Context, draft domain.OfflineDraft) (domain.OfflineTransaction, bool, error) {
	if !e.conn.Online() {
		txn, err := e.Save(ctx, draft)
		return txn, err == nil, err
	}

	txn := e.newTransaction(draft)
	err := e.replay.replay(ctx, &txn, nil)
	if err == nil {
		txn.Synced = true
		txn.Status = domain.SyncSynced
		e.recorder.Replayed(ResultSynced)
		return txn, false, nil
	}
	if !errors.Is(err, store.ErrUnavailable) && len(txn.CompletedSteps) == 0 {
		return domain.OfflineTransaction{}, false, err
	}

	e.logger.Warn("direct commit failed, queueing",
		zap.String("id", txn.ID),
		zap.Strings("completed_steps", stepNames(txn.CompletedSteps)),
		zap.Error(err),
	)
	txn.LastError = err.Error()
	if qerr := e.enqueue(ctx, txn); qerr != nil {
		return domain.OfflineTransaction{}, false, qerr
	}
	e.recorder.Replayed(ResultQueued)
	e.notifier.Notify(notify.LevelWarning, fmt.Sprintf("Transaction %s could not reach the server and was saved for sync.", txn.TransactionNumber))
	return cloneTransaction(txn), true, nil
}

// Sync replays every due pending transaction in queue order. It is a no-op
// while offline or while another pass is running.
func (e *Engine) Sync(ctx context.Context) (Summary, error) {
	if !e.conn.Online() {
		return Summary{}, ErrOffline
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return Summary{}, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	var summary Summary
	now := e.now()

	e.mu.Lock()
	due := make([]domain.OfflineTransaction, 0, len(e.queue))
	for _, txn := range e.queue {
		if txn.Synced || txn.Status == domain.SyncSynced {
			continue
		}
		if txn.Status == domain.SyncDeadLetter || (txn.NextAttemptAt != nil && txn.NextAttemptAt.After(now)) {
			summary.Skipped++
			continue
		}
		due = append(due, cloneTransaction(txn))
	}
	e.mu.Unlock()

	persistCtx := context.WithoutCancel(ctx)
	var persistErr error

	for _, txn := range due {
		if ctx.Err() != nil {
			break
		}
		summary.Attempted++

		err := e.replay.replay(ctx, &txn, func(domain.ReplayStep) {
			steps := append([]domain.ReplayStep(nil), txn.CompletedSteps...)
			e.mu.Lock()
			defer e.mu.Unlock()
			e.updateLocked(txn.ID, func(q *domain.OfflineTransaction) {
				q.CompletedSteps = steps
			})
			if err := e.persistLocked(persistCtx); err != nil {
				persistErr = err
			}
		})

		e.mu.Lock()
		if err == nil {
			e.updateLocked(txn.ID, func(q *domain.OfflineTransaction) {
				q.Synced = true
				q.Status = domain.SyncSynced
				q.LastError = ""
				q.NextAttemptAt = nil
			})
			summary.Succeeded++
			e.recorder.Replayed(ResultSynced)
		} else {
			summary.Failed++
			deadLettered := false
			e.updateLocked(txn.ID, func(q *domain.OfflineTransaction) {
				q.Attempts++
				q.LastError = err.Error()
				if e.policy.Exhausted(q.Attempts) {
					q.Status = domain.SyncDeadLetter
					q.NextAttemptAt = nil
					deadLettered = true
					return
				}
				if delay := e.policy.Delay(q.Attempts); delay > 0 {
					next := now.Add(delay)
					q.NextAttemptAt = &next
				}
			})
			if deadLettered {
				summary.DeadLettered++
				e.recorder.Replayed(ResultDeadLetter)
			} else {
				e.recorder.Replayed(ResultFailed)
			}
			e.logger.Error("replay failed",
				zap.String("id", txn.ID),
				zap.String("transaction_number", txn.TransactionNumber),
				zap.Bool("dead_letter", deadLettered),
				zap.Error(err),
			)
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	kept := e.queue[:0]
	for _, txn := range e.queue {
		if !txn.Synced {
			kept = append(kept, txn)
		}
	}
	e.queue = kept
	if err := e.persistLocked(persistCtx); err != nil {
		persistErr = err
	}
	e.observeQueueLocked()
	e.mu.Unlock()

	if summary.Attempted > 0 {
		e.notifySummary(summary)
	}
	if persistErr != nil {
		return summary, fmt.Errorf("persist offline queue: %w", persistErr)
	}
	return summary, nil
}

func (e *Engine) notifySummary(s Summary) {
	msg := fmt.Sprintf("%d synced, %d failed", s.Succeeded, s.Failed)
	if s.DeadLettered > 0 {
		msg += fmt.Sprintf(", %d need attention", s.DeadLettered)
	}
	level := notify.LevelSuccess
	if s.Failed > 0 {
		level = notify.LevelWarning
	}
	e.notifier.Notify(level, msg)
}

// ClearSynced drops synced transactions from memory and the store.
func (e *Engine) ClearSynced(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := make([]domain.OfflineTransaction, 0, len(e.queue))
	for _, txn := range e.queue {
		if !txn.Synced {
			kept = append(kept, txn)
		}
	}
	removed := len(e.queue) - len(kept)
	previous := e.queue
	e.queue = kept
	if err := e.persistLocked(ctx); err != nil {
		e.queue = previous
		return 0, err
	}
	e.observeQueueLocked()
	return removed, nil
}

// Requeue makes a dead-lettered (or backed-off) transaction eligible for the
// next pass with its attempt count reset.
func (e *Engine) Requeue(ctx context.Context, id string) (domain.OfflineTransaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.indexLocked(id)
	if idx < 0 || e.queue[idx].Synced {
		return domain.OfflineTransaction{}, ErrNotFound
	}
	previous := cloneTransaction(e.queue[idx])
	q := &e.queue[idx]
	q.Status = domain.SyncPending
	q.Attempts = 0
	q.NextAttemptAt = nil
	if err := e.persistLocked(ctx); err != nil {
		e.queue[idx] = previous
		return domain.OfflineTransaction{}, err
	}
	e.observeQueueLocked()
	e.logger.Info("transaction requeued", zap.String("id", id))
	return cloneTransaction(*q), nil
}

func (e *Engine) Pending() []domain.OfflineTransaction {
	return e.filter(func(t domain.OfflineTransaction) bool {
		return !t.Synced && t.Status == domain.SyncPending
	})
}

func (e *Engine) DeadLetters() []domain.OfflineTransaction {
	return e.filter(func(t domain.OfflineTransaction) bool {
		return t.Status == domain.SyncDeadLetter
	})
}

// Snapshot returns a copy of the whole queue in order.
func (e *Engine) Snapshot() []domain.OfflineTransaction {
	return e.filter(func(domain.OfflineTransaction) bool { return true })
}

func (e *Engine) filter(keep func(domain.OfflineTransaction) bool) []domain.OfflineTransaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.OfflineTransaction, 0, len(e.queue))
	for _, txn := range e.queue {
		if keep(txn) {
			out = append(out, cloneTransaction(txn))
		}
	}
	return out
}

func (e *Engine) newTransaction(draft domain.OfflineDraft) domain.OfflineTransaction {
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = e.now().UTC()
	}
	draft.Items = append([]domain.CartLine(nil), draft.Items...)
	return domain.OfflineTransaction{
		ID:           xid.ClientRef(draft.CreatedAt),
		OfflineDraft: draft,
		Synced:       false,
		Status:       domain.SyncPending,
	}
}

func (e *Engine) enqueue(ctx context.Context, txn domain.OfflineTransaction) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.queue = append(e.queue, cloneTransaction(txn))
	if err := e.persistLocked(ctx); err != nil {
		e.queue = e.queue[:len(e.queue)-1]
		return fmt.Errorf("save offline transaction: %w", err)
	}
	e.observeQueueLocked()
	return nil
}

func (e *Engine) indexLocked(id string) int {
	for i := range e.queue {
		if e.queue[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) updateLocked(id string, fn func(*domain.OfflineTransaction)) {
	if idx := e.indexLocked(id); idx >= 0 {
		fn(&e.queue[idx])
	}
}

func (e *Engine) persistLocked(ctx context.Context) error {
	return e.store.Save(ctx, e.queue)
}

func (e *Engine) observeQueueLocked() {
	pending, dead := 0, 0
	for _, txn := range e.queue {
		switch {
		case txn.Synced:
		case txn.Status == domain.SyncDeadLetter:
			dead++
		default:
			pending++
		}
	}
	e.recorder.QueueDepth(pending, dead)
}

func cloneTransaction(t domain.OfflineTransaction) domain.OfflineTransaction {
	t.Items = append([]domain.CartLine(nil), t.Items...)
	t.CompletedSteps = append([]domain.ReplayStep(nil), t.CompletedSteps...)
	if t.DueDate != nil {
		due := *t.DueDate
		t.DueDate = &due
	}
	if t.NextAttemptAt != nil {
		next := *t.NextAttemptAt
		t.NextAttemptAt = &next
	}
	return t
}

func stepNames(steps []domain.ReplayStep) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, string(s))
	}
	return out
}
