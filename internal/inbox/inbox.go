package inbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Inbox is a typed, bounded work queue. Senders wait up to a timeout for
// space; receivers block until a message arrives or their context ends.
type Inbox[T any] struct {
	name    string
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger

	sent     atomic.Int64
	received atomic.Int64
	timeouts atomic.Int64

	depthMu  sync.Mutex
	maxDepth int

	closeOnce sync.Once
	done      chan struct{}
}

// Stats is a point-in-time view of inbox usage
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TimeoutCount  int64
	CurrentDepth  int
	MaxDepthSeen  int
}

// New creates an inbox with the given capacity and send timeout
func New[T any](name string, capacity int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		name:    name,
		ch:      make(chan T, capacity),
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Send queues msg, waiting at most the configured timeout for space.
// Returns false on timeout or if the inbox is closed.
func (ib *Inbox[T]) Send(msg T) bool {
	select {
	case <-ib.done:
		return false
	default:
	}

	timer := time.NewTimer(ib.timeout)
	defer timer.Stop()

	select {
	case <-ib.done:
		return false
	case ib.ch <- msg:
		ib.sent.Add(1)
		ib.trackDepth()
		return true
	case <-timer.C:
		ib.timeouts.Add(1)
		ib.logger.Warn("inbox send timeout",
			"inbox", ib.name,
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return false
	}
}

// SendAfter queues msg once delay has elapsed. If the inbox is closed first or
// the send times out, dropped (when non-nil) is called with msg.
func (ib *Inbox[T]) SendAfter(msg T, delay time.Duration, dropped func(T)) {
	time.AfterFunc(delay, func() {
		if ib.Send(msg) {
			return
		}
		if dropped != nil {
			dropped(msg)
		}
	})
}

// Receive blocks until a message is available. ok is false when ctx is done
// or the inbox has been closed.
func (ib *Inbox[T]) Receive(ctx context.Context) (msg T, ok bool) {
	select {
	case msg = <-ib.ch:
		ib.received.Add(1)
		return msg, true
	case <-ctx.Done():
		return msg, false
	case <-ib.done:
		return msg, false
	}
}

// TryReceive returns a message if one is immediately available
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg := <-ib.ch:
		ib.received.Add(1)
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

func (ib *Inbox[T]) trackDepth() {
	depth := len(ib.ch)
	ib.depthMu.Lock()
	if depth > ib.maxDepth {
		ib.maxDepth = depth
	}
	ib.depthMu.Unlock()
}

// GetStats returns a copy of the current inbox statistics
func (ib *Inbox[T]) GetStats() Stats {
	ib.depthMu.Lock()
	maxDepth := ib.maxDepth
	ib.depthMu.Unlock()

	return Stats{
		TotalSent:     ib.sent.Load(),
		TotalReceived: ib.received.Load(),
		TimeoutCount:  ib.timeouts.Load(),
		CurrentDepth:  len(ib.ch),
		MaxDepthSeen:  maxDepth,
	}
}

// Len returns the current number of queued messages
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close wakes all blocked receivers and rejects further sends. Queued messages
// are left in place.
func (ib *Inbox[T]) Close() {
	ib.closeOnce.Do(func() { close(ib.done) })
}
