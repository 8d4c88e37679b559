// Package observer subscribes to change notifications for every monitored
// metric and turns them into sync run requests.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
	"github.com/livinlefevreloca/vitalsync/internal/health"
)

// Requester admits or coalesces a sync run
type Requester interface {
	RequestRun(ctx context.Context) (bool, error)
}

// Registry creates subscriptions against a health source
type Registry struct {
	source    health.Source
	requester Requester
	logger    *slog.Logger
}

func NewRegistry(source health.Source, requester Requester, logger *slog.Logger) *Registry {
	return &Registry{source: source, requester: requester, logger: logger}
}

// Subscription is the set of live observers created by one Subscribe call
type Subscription struct {
	metrics []string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once

	events    atomic.Int64
	admitted  atomic.Int64
	requestEr atomic.Int64
}

// SubscriptionStats counts handled change events
type SubscriptionStats struct {
	Events        int64
	Admitted      int64
	RequestErrors int64
}

// Subscribe asks for authorization and then observes every metric in cat.
// If authorization is refused it returns health.ErrAuthorizationDenied and
// observes nothing.
func (r *Registry) Subscribe(ctx context.Context, cat *catalog.Catalog) (*Subscription, error) {
	ok, err := r.source.Authorize(ctx)
	if err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}
	if !ok {
		return nil, health.ErrAuthorizationDenied
	}

	obsCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{cancel: cancel}

	for _, desc := range cat.Descriptors() {
		if err := r.source.EnableBackgroundDelivery(ctx, desc.ID); err != nil {
			r.logger.Warn("background delivery unavailable", "metric_id", desc.ID, "error", err)
		}

		events, err := r.source.Observe(obsCtx, desc.ID)
		if err != nil {
			sub.Close()
			return nil, fmt.Errorf("observe %s: %w", desc.ID, err)
		}

		sub.metrics = append(sub.metrics, desc.ID)
		sub.wg.Add(1)
		go r.watch(obsCtx, sub, desc.ID, events)
	}

	r.logger.Info("observing metrics", "count", len(sub.metrics))
	return sub, nil
}

// watch handles one metric's notifications until its channel closes
func (r *Registry) watch(ctx context.Context, sub *Subscription, metricID string, events <-chan health.ChangeEvent) {
	defer sub.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handle(ctx, sub, metricID, ev)
		}
	}
}

func (r *Registry) handle(ctx context.Context, sub *Subscription, metricID string, ev health.ChangeEvent) {
	sub.events.Add(1)
	// The platform stops waking the process if changes go unacknowledged
	defer func() {
		if ev.Ack != nil {
			ev.Ack()
		}
	}()

	admitted, err := r.requester.RequestRun(ctx)
	if err != nil {
		sub.requestEr.Add(1)
		r.logger.Warn("sync request failed", "metric_id", metricID, "error", err)
		return
	}
	if admitted {
		sub.admitted.Add(1)
		r.logger.Info("sync run requested", "metric_id", metricID)
		return
	}
	r.logger.Debug("change coalesced into current run", "metric_id", metricID)
}

// Metrics returns the observed metric ids in catalog order
func (s *Subscription) Metrics() []string {
	return append([]string(nil), s.metrics...)
}

func (s *Subscription) Stats() SubscriptionStats {
	return SubscriptionStats{
		Events:        s.events.Load(),
		Admitted:      s.admitted.Load(),
		RequestErrors: s.requestEr.Load(),
	}
}

// Close stops all observers and waits for them to exit
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}
