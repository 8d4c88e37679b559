package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
	"github.com/livinlefevreloca/vitalsync/internal/health"
)

// MockSource is an in-memory health.Source with controllable results
type MockSource struct {
	mu          sync.Mutex
	authorized  bool
	authErr     error
	latest      map[string]health.Sample
	fetchErrs   map[string]error
	delays      map[string]time.Duration
	gates       map[string]chan struct{}
	aggregates  map[string]float64
	series      map[string][]health.Point
	fetchCalls  map[string]int
	observed    map[string][]chan health.ChangeEvent
	background  map[string]bool
	observeErr  error
	sleepHours  float64
	sleepErr    error
	acks        atomic.Int64
	authorizeCt atomic.Int64
}

func NewMockSource() *MockSource {
	return &MockSource{
		authorized: true,
		latest:     make(map[string]health.Sample),
		fetchErrs:  make(map[string]error),
		delays:     make(map[string]time.Duration),
		gates:      make(map[string]chan struct{}),
		aggregates: make(map[string]float64),
		series:     make(map[string][]health.Point),
		fetchCalls: make(map[string]int),
		observed:   make(map[string][]chan health.ChangeEvent),
		background: make(map[string]bool),
	}
}

func (m *MockSource) SetAuthorized(ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authorized = ok
	m.authErr = err
}

// SetLatest sets the sample returned by FetchLatest for its metric
func (m *MockSource) SetLatest(sample health.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[sample.MetricID] = sample
}

func (m *MockSource) SetFetchError(metricID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErrs[metricID] = err
}

// SetDelay makes fetches for metricID wait d before resolving
func (m *MockSource) SetDelay(metricID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[metricID] = d
}

// Block makes fetches for metricID wait until the returned release func is
// called. The fetch ignores ctx while blocked, like a platform query that
// cannot be interrupted.
func (m *MockSource) Block(metricID string) (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gates[metricID] = gate
	m.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (m *MockSource) SetAggregate(metricID string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregates[metricID] = v
}

func (m *MockSource) SetSeries(metricID string, points []health.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[metricID] = points
}

// SetSleepHours sets what FetchSleepHours returns
func (m *MockSource) SetSleepHours(hours float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sleepHours = hours
	m.sleepErr = err
}

func (m *MockSource) SetObserveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observeErr = err
}

// FetchCalls returns how many times FetchLatest was called for metricID
func (m *MockSource) FetchCalls(metricID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls[metricID]
}

// TotalFetchCalls returns the number of FetchLatest calls across metrics
func (m *MockSource) TotalFetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.fetchCalls {
		n += c
	}
	return n
}

func (m *MockSource) AuthorizeCalls() int64 {
	return m.authorizeCt.Load()
}

// ObservedMetrics returns the ids with at least one active observer
func (m *MockSource) ObservedMetrics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, subs := range m.observed {
		if len(subs) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *MockSource) BackgroundEnabled(metricID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.background[metricID]
}

// Emit delivers a change event for metricID to every observer. It returns
// false if nobody is observing the metric or an observer stops reading.
func (m *MockSource) Emit(metricID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.observed[metricID]
	if len(subs) == 0 {
		return false
	}
	for _, ch := range subs {
		var once sync.Once
		event := health.ChangeEvent{
			MetricID: metricID,
			At:       time.Now(),
			Ack:      func() { once.Do(func() { m.acks.Add(1) }) },
		}
		select {
		case ch <- event:
		case <-time.After(time.Second):
			return false
		}
	}
	return true
}

// Acks returns how many change events have been acknowledged
func (m *MockSource) Acks() int64 {
	return m.acks.Load()
}

func (m *MockSource) Authorize(ctx context.Context) (bool, error) {
	m.authorizeCt.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authorized, m.authErr
}

func (m *MockSource) FetchLatest(ctx context.Context, metricID, unit string) (health.Sample, error) {
	m.mu.Lock()
	m.fetchCalls[metricID]++
	delay := m.delays[metricID]
	gate := m.gates[metricID]
	sample, ok := m.latest[metricID]
	err := m.fetchErrs[metricID]
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return health.Sample{}, ctx.Err()
		}
	}

	if err != nil {
		return health.Sample{}, err
	}
	if !ok {
		return health.Sample{}, health.ErrNotFound
	}
	if sample.Unit == "" {
		sample.Unit = unit
	}
	return sample, nil
}

func (m *MockSource) FetchAggregate(ctx context.Context, metricID string, agg catalog.Aggregation, window health.Window) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fetchErrs[metricID]; err != nil {
		return 0, err
	}
	return m.aggregates[metricID], nil
}

func (m *MockSource) FetchSeries(ctx context.Context, metricID, unit string, agg catalog.Aggregation, bucketing health.Bucketing) ([]health.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fetchErrs[metricID]; err != nil {
		return nil, err
	}
	return append([]health.Point(nil), m.series[metricID]...), nil
}

func (m *MockSource) FetchSleepHours(ctx context.Context, window health.Window) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sleepHours, m.sleepErr
}

func (m *MockSource) Observe(ctx context.Context, metricID string) (<-chan health.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.observeErr != nil {
		return nil, m.observeErr
	}

	ch := make(chan health.ChangeEvent)
	m.observed[metricID] = append(m.observed[metricID], ch)

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.observed[metricID]
		for i, c := range subs {
			if c == ch {
				m.observed[metricID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (m *MockSource) EnableBackgroundDelivery(ctx context.Context, metricID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.background[metricID] = true
	return nil
}
