// Package notify carries operator-facing notices (queued sales, sync results)
// to the log and to a short in-memory feed polled by the POS client.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Notifier interface {
	Notify(level Level, message string)
}

type Notice struct {
	Seq     uint64    `json:"seq"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Feed keeps the most recent notices in a fixed-size ring.
type Feed struct {
	mu     sync.Mutex
	logger *zap.Logger
	ring   []Notice
	next   int
	full   bool
	seq    uint64
	now    func() time.Time
}

func NewFeed(size int, logger *zap.Logger) *Feed {
	if size < 1 {
		size = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		logger: logger.Named("notify"),
		ring:   make([]Notice, size),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (f *Feed) Notify(level Level, message string) {
	switch level {
	case LevelError:
		f.logger.Error(message)
	case LevelWarning:
		f.logger.Warn(message)
	default:
		f.logger.Info(message, zap.String("level", string(level)))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.ring[f.next] = Notice{Seq: f.seq, Level: level, Message: message, At: f.now()}
	f.next = (f.next + 1) % len(f.ring)
	if f.next == 0 {
		f.full = true
	}
}

// Since returns notices with a sequence number greater than after, oldest first.
func (f *Feed) Since(after uint64) []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()

	ordered := make([]Notice, 0, len(f.ring))
	if f.full {
		ordered = append(ordered, f.ring[f.next:]...)
	}
	ordered = append(ordered, f.ring[:f.next]...)

	out := make([]Notice, 0, len(ordered))
	for _, n := range ordered {
		if n.Seq > after {
			out = append(out, n)
		}
	}
	return out
}
