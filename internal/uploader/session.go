package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/livinlefevreloca/vitalsync/internal/db"
	"github.com/livinlefevreloca/vitalsync/internal/inbox"
	"github.com/livinlefevreloca/vitalsync/internal/telemetry"
)

// Store is the durable outbox the session delivers from
type Store interface {
	InsertOutboxItem(item *db.OutboxItem) error
	GetOutboxItem(payloadID string) (*db.OutboxItem, error)
	IncrementOutboxAttempt(payloadID string) (int, error)
	RecordOutboxError(payloadID, lastError string) error
	MarkOutboxFailed(payloadID, lastError string) error
	DeleteOutboxItem(payloadID string) error
	ListPendingOutbox(limit int) ([]db.OutboxItem, error)
	CountOutbox(status string) (int, error)
}

// DeliveryEvent reports the final outcome of one payload
type DeliveryEvent struct {
	PayloadID string
	MetricID  string
	Attempt   int
	Success   bool
	Err       error
	At        time.Time
}

// EventSink receives delivery events. It is called from worker goroutines
// and must not block.
type EventSink func(DeliveryEvent)

// SessionOption configures optional session collaborators
type SessionOption func(*Session)

func WithEventSink(sink EventSink) SessionOption {
	return func(s *Session) { s.sink = sink }
}

func WithMetrics(m *telemetry.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// SessionStats counts delivery outcomes since the session was created
type SessionStats struct {
	Attempts  int64
	Delivered int64
	Failed    int64
	Retried   int64
	Queued    int
}

// Session delivers outbox rows in the background. Rows stay in the outbox until
// they are delivered or give up, so a new session resumes where the last one
// stopped.
type Session struct {
	config    Config
	store     Store
	transport Transport
	queue     *inbox.Inbox[string]
	limiter   *rate.Limiter
	metrics   *telemetry.Metrics
	sink      EventSink
	logger    *slog.Logger

	// ids currently queued, in flight or waiting out a retry delay
	mu     sync.Mutex
	active map[string]struct{}

	attempts  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewSession creates a session. Call Start to begin delivering.
func NewSession(config Config, store Store, transport Transport, logger *slog.Logger, opts ...SessionOption) (*Session, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid uploader config: %w", err)
	}

	s := &Session{
		config:    config,
		store:     store,
		transport: transport,
		queue:     inbox.New[string]("uploads", config.QueueSize, config.SendTimeout, logger),
		limiter:   rate.NewLimiter(rate.Limit(config.RatePerSecond), config.RateBurst),
		logger:    logger,
		active:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the workers, re-queues every pending outbox row and keeps
// sweeping the outbox for rows that fell out of the queue
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("uploader session already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	n, err := s.sweep()
	if err != nil {
		return fmt.Errorf("resume outbox: %w", err)
	}
	if n > 0 {
		s.logger.Info("resuming pending uploads", "count", n)
	}
	s.reportDepth()

	s.wg.Add(1)
	go s.runSweeper()
	return nil
}

// sweep submits pending rows that no worker currently owns. It stops at the
// first row the queue cannot take; the next sweep picks up the rest.
func (s *Session) sweep() (int, error) {
	pending, err := s.store.ListPendingOutbox(s.config.ResumeLimit)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, item := range pending {
		if s.ctx.Err() != nil {
			break
		}
		if s.isActive(item.PayloadID) {
			continue
		}
		if !s.Submit(item.PayloadID) {
			break
		}
		submitted++
	}
	return submitted, nil
}

func (s *Session) runSweeper() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sweep()
			if err != nil {
				s.logger.Warn("outbox sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("re-queued pending uploads", "count", n)
			}
		}
	}
}

func (s *Session) isActive(payloadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[payloadID]
	return ok
}

// Submit queues a persisted payload for delivery. It returns false if the
// payload could not be queued now; it stays pending in the outbox.
func (s *Session) Submit(payloadID string) bool {
	s.mu.Lock()
	if _, ok := s.active[payloadID]; ok {
		s.mu.Unlock()
		return true
	}
	s.active[payloadID] = struct{}{}
	s.mu.Unlock()

	if !s.queue.Send(payloadID) {
		s.release(payloadID)
		return false
	}
	return true
}

func (s *Session) release(payloadID string) {
	s.mu.Lock()
	delete(s.active, payloadID)
	s.mu.Unlock()
}

func (s *Session) worker(id int) {
	defer s.wg.Done()
	for {
		payloadID, ok := s.queue.Receive(s.ctx)
		if !ok {
			return
		}
		s.deliver(payloadID)
	}
}

// deliver makes one network attempt for payloadID and decides what happens next
func (s *Session) deliver(payloadID string) {
	retrying := false
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("upload worker panicked", "payload_id", payloadID, "panic", r)
			if recErr := s.store.RecordOutboxError(payloadID, fmt.Sprintf("panic: %v", r)); recErr != nil {
				s.logger.Error("failed to record upload error", "payload_id", payloadID, "error", recErr)
			}
		}
		if !retrying {
			s.release(payloadID)
		}
	}()

	item, err := s.store.GetOutboxItem(payloadID)
	if err != nil {
		if !db.IsNotFound(err) {
			s.logger.Error("failed to load outbox item", "payload_id", payloadID, "error", err)
		}
		return
	}
	if item.Status != db.OutboxPending {
		return
	}

	if err := s.limiter.Wait(s.ctx); err != nil {
		return
	}

	attempt, err := s.store.IncrementOutboxAttempt(payloadID)
	if err != nil {
		s.logger.Error("failed to count upload attempt", "payload_id", payloadID, "error", err)
		return
	}
	s.attempts.Add(1)
	s.metrics.UploadAttempt()

	err = s.transport.Deliver(s.ctx, item.Body)
	if err == nil {
		if err := s.store.DeleteOutboxItem(payloadID); err != nil && !db.IsNotFound(err) {
			s.logger.Error("failed to remove delivered item", "payload_id", payloadID, "error", err)
		}
		s.delivered.Add(1)
		s.metrics.UploadDelivered(true)
		s.logger.Debug("payload delivered", "payload_id", payloadID, "metric_id", item.MetricID, "attempt", attempt)
		s.emit(DeliveryEvent{PayloadID: payloadID, MetricID: item.MetricID, Attempt: attempt, Success: true})
		s.reportDepth()
		return
	}

	// Stopping; the row stays pending for the next session
	if s.ctx.Err() != nil {
		return
	}

	if !Retryable(err) || attempt >= s.config.MaxAttempts {
		if markErr := s.store.MarkOutboxFailed(payloadID, err.Error()); markErr != nil {
			s.logger.Error("failed to mark upload failed", "payload_id", payloadID, "error", markErr)
		}
		s.failed.Add(1)
		s.metrics.UploadDelivered(false)
		s.logger.Warn("upload abandoned",
			"payload_id", payloadID,
			"metric_id", item.MetricID,
			"attempt", attempt,
			"error", err)
		s.emit(DeliveryEvent{PayloadID: payloadID, MetricID: item.MetricID, Attempt: attempt, Err: err})
		s.reportDepth()
		return
	}

	if recErr := s.store.RecordOutboxError(payloadID, err.Error()); recErr != nil {
		s.logger.Error("failed to record upload error", "payload_id", payloadID, "error", recErr)
	}
	delay := s.retryDelay(attempt)
	s.retried.Add(1)
	s.logger.Info("upload failed, retrying",
		"payload_id", payloadID,
		"attempt", attempt,
		"delay", delay,
		"error", err)

	retrying = true
	s.queue.SendAfter(payloadID, delay, s.release)
}

// retryDelay is the backoff after the given attempt number
func (s *Session) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryInitial
	b.MaxInterval = s.config.RetryMax

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (s *Session) emit(ev DeliveryEvent) {
	ev.At = time.Now()
	if s.sink != nil {
		s.sink(ev)
	}
}

func (s *Session) reportDepth() {
	if s.metrics == nil {
		return
	}
	n, err := s.store.CountOutbox(db.OutboxPending)
	if err != nil {
		s.logger.Warn("failed to count outbox", "error", err)
		return
	}
	s.metrics.SetOutboxDepth(n)
}

// Stats returns delivery counters
func (s *Session) Stats() SessionStats {
	return SessionStats{
		Attempts:  s.attempts.Load(),
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		Retried:   s.retried.Load(),
		Queued:    s.queue.Len(),
	}
}

// Stop cancels in-flight deliveries and waits for the workers to exit.
// Undelivered rows remain pending in the outbox.
func (s *Session) Stop() {
	if !s.started.Load() {
		s.queue.Close()
		return
	}
	s.cancel()
	s.queue.Close()
	s.wg.Wait()
}
