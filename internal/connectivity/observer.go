// Package connectivity tells the sync engine whether the backend is reachable
// and when that changes.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Observer interface {
	Online() bool
	// Subscribe registers fn for online/offline transitions. The returned
	// func removes the subscription.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

type hub struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

func newHub(online bool) *hub {
	return &hub{online: online, subs: make(map[int]func(bool))}
}

func (h *hub) Online() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

func (h *hub) Subscribe(fn func(online bool)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// set records the state and fans out only on transitions. Subscribers run
// outside the lock so they may call back into the observer.
func (h *hub) set(online bool) bool {
	h.mu.Lock()
	if h.online == online {
		h.mu.Unlock()
		return false
	}
	h.online = online
	subs := make([]func(bool), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
	return true
}

// Manual is an Observer whose state is driven by the caller.
type Manual struct {
	*hub
}

func NewManual(online bool) *Manual {
	return &Manual{hub: newHub(online)}
}

func (m *Manual) SetOnline(online bool) {
	m.set(online)
}

// CheckFunc reports nil when the backend is reachable.
type CheckFunc func(ctx context.Context) error

// Prober polls a CheckFunc and turns results into transitions.
type Prober struct {
	*hub
	check    CheckFunc
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

func NewProber(check CheckFunc, interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Prober{
		hub:      newHub(true),
		check:    check,
		interval: interval,
		timeout:  timeout,
		logger:   logger.Named("connectivity"),
	}
}

// Probe runs the check once and applies the result.
func (p *Prober) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(probeCtx)
	online := err == nil
	if p.set(online) {
		if online {
			p.logger.Info("backend reachable again")
		} else {
			p.logger.Warn("backend unreachable", zap.Error(err))
		}
	}
	return online
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
