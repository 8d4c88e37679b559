package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
	"github.com/livinlefevreloca/vitalsync/internal/health"
)

// Config controls dashboard refreshes
type Config struct {
	RefreshInterval time.Duration `toml:"refresh_interval"`
	SeriesDays      int           `toml:"series_days"`
	MaxConcurrency  int           `toml:"max_concurrency"`
}

func DefaultConfig() Config {
	return Config{
		RefreshInterval: 15 * time.Minute,
		SeriesDays:      7,
		MaxConcurrency:  4,
	}
}

func validateConfig(config Config) error {
	if config.RefreshInterval <= 0 {
		return fmt.Errorf("RefreshInterval must be positive, got %v", config.RefreshInterval)
	}
	if config.SeriesDays <= 0 {
		return fmt.Errorf("SeriesDays must be positive, got %d", config.SeriesDays)
	}
	if config.MaxConcurrency <= 0 {
		return fmt.Errorf("MaxConcurrency must be positive, got %d", config.MaxConcurrency)
	}
	return nil
}

// Refresher reloads the store from the health source
type Refresher struct {
	config  Config
	catalog *catalog.Catalog
	source  health.Source
	store   *Store
	logger  *slog.Logger
	now     func() time.Time
	trigger chan struct{}
}

func NewRefresher(config Config, cat *catalog.Catalog, source health.Source, store *Store, logger *slog.Logger) (*Refresher, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid snapshot config: %w", err)
	}
	return &Refresher{
		config:  config,
		catalog: cat,
		source:  source,
		store:   store,
		logger:  logger,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Refresh reads today's value and the recent series of every metric. Failures
// keep the previous values; only cancellation is reported.
func (r *Refresher) Refresh(ctx context.Context) error {
	now := r.now()

	var g errgroup.Group
	g.SetLimit(r.config.MaxConcurrency)
	for _, desc := range r.catalog.Descriptors() {
		g.Go(func() error {
			r.refreshValue(ctx, desc, now)
			r.refreshSeries(ctx, desc, now)
			return nil
		})
	}
	if sleep, ok := r.source.(health.SleepSource); ok {
		g.Go(func() error {
			hours, err := sleep.FetchSleepHours(ctx, health.LastNight(now))
			if err != nil {
				r.logger.Debug("sleep unavailable", "error", err)
				return nil
			}
			r.store.setSleepHours(hours)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	r.store.markRefreshed(now)
	return nil
}

func (r *Refresher) refreshValue(ctx context.Context, desc catalog.MetricDescriptor, now time.Time) {
	if desc.Aggregation == catalog.AggregationLatest {
		sample, err := r.source.FetchLatest(ctx, desc.ID, desc.Unit)
		if err != nil {
			r.logFailure(desc.ID, "latest", err)
			return
		}
		r.store.setValue(desc.ID, sample.Value, sample.ObservedAt)
		return
	}

	value, err := r.source.FetchAggregate(ctx, desc.ID, desc.Aggregation, health.Today(now))
	if err != nil {
		r.logFailure(desc.ID, "aggregate", err)
		return
	}
	r.store.setValue(desc.ID, value, time.Time{})
}

func (r *Refresher) refreshSeries(ctx context.Context, desc catalog.MetricDescriptor, now time.Time) {
	points, err := r.source.FetchSeries(ctx, desc.ID, desc.Unit, desc.Aggregation, health.DailyBuckets(r.config.SeriesDays, now))
	if err != nil {
		r.logFailure(desc.ID, "series", err)
		return
	}
	r.store.setSeries(desc.ID, points)
}

func (r *Refresher) logFailure(metricID, query string, err error) {
	if health.IsNotFound(err) {
		return
	}
	r.logger.Warn("snapshot query failed", "metric_id", metricID, "query", query, "error", err)
}

// Trigger requests a refresh as soon as Run is idle. Triggers arriving
// while one is already queued are merged.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes immediately, then on every interval and trigger until ctx is
// done. While health data access is denied the store keeps its last values.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.RefreshInterval)
	defer ticker.Stop()

	for {
		if r.store.Authorized() {
			if err := r.Refresh(ctx); err != nil {
				return
			}
		} else {
			r.logger.Debug("skipping snapshot refresh while unauthorized")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}
	}
}
