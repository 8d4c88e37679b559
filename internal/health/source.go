package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
)

// Standard errors
var (
	ErrNotFound            = errors.New("health: no data")
	ErrAuthorizationDenied = errors.New("health: authorization denied")
)

// Source is the platform health store as seen by the sync engine
type Source interface {
	// Authorize asks for read access to the store. false means the user declined.
	Authorize(ctx context.Context) (bool, error)

	// FetchLatest returns the newest sample for a metric, or ErrNotFound
	FetchLatest(ctx context.Context, metricID, unit string) (Sample, error)

	// FetchAggregate combines samples inside window according to agg
	FetchAggregate(ctx context.Context, metricID string, agg catalog.Aggregation, window Window) (float64, error)

	// FetchSeries returns one point per bucket, oldest first
	FetchSeries(ctx context.Context, metricID, unit string, agg catalog.Aggregation, bucketing Bucketing) ([]Point, error)

	// Observe streams change notifications until ctx is done
	Observe(ctx context.Context, metricID string) (<-chan ChangeEvent, error)

	// EnableBackgroundDelivery asks the store to wake the process on changes
	EnableBackgroundDelivery(ctx context.Context, metricID string) error
}

// SleepSource is implemented by sources that also record sleep sessions
type SleepSource interface {
	// FetchSleepHours returns the hours spent asleep inside window
	FetchSleepHours(ctx context.Context, window Window) (float64, error)
}

// Sample is a single observed measurement
type Sample struct {
	ID         string
	MetricID   string
	Value      float64
	Unit       string
	ObservedAt time.Time
	SourceName string
}

// Point is one bucket of a series
type Point struct {
	Timestamp time.Time
	Value     float64
}

// ChangeEvent notifies that new or updated samples exist for a metric.
// Ack must be called exactly once after the change has been handled.
type ChangeEvent struct {
	MetricID string
	At       time.Time
	Ack      func()
}

// QueryError is a per-metric failure of the underlying store
type QueryError struct {
	MetricID string
	Err      error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s: %v", e.MetricID, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the metric simply has no data
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
