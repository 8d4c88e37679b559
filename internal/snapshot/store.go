// Package snapshot keeps the read-only dashboard view of every monitored
// metric: today's value, the last week's series and the sleep score.
package snapshot

import (
	"sync"
	"time"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
	"github.com/livinlefevreloca/vitalsync/internal/health"
)

// MetricView is the dashboard state of one metric. Available is false until a
// value has been read at least once.
type MetricView struct {
	Descriptor catalog.MetricDescriptor
	Value      float64
	ObservedAt time.Time
	Series     []health.Point
	UpdatedAt  time.Time
	Available  bool
}

// Snapshot is a consistent copy of the store
type Snapshot struct {
	Authorized  bool
	Metrics     []MetricView
	SleepHours  float64
	SleepScore  int
	SleepKnown  bool
	RefreshedAt time.Time
}

// Store holds the latest dashboard values. Writers are the refresher and the
// sync executor; readers only ever get copies.
type Store struct {
	mu          sync.RWMutex
	order       []string
	views       map[string]*MetricView
	authorized  bool
	sleepHours  float64
	sleepKnown  bool
	refreshedAt time.Time
	now         func() time.Time
}

func NewStore(cat *catalog.Catalog) *Store {
	s := &Store{
		order:      cat.IDs(),
		views:      make(map[string]*MetricView, cat.Len()),
		authorized: true,
		now:        time.Now,
	}
	for _, desc := range cat.Descriptors() {
		s.views[desc.ID] = &MetricView{Descriptor: desc}
	}
	return s
}

func (s *Store) SetAuthorized(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = ok
}

func (s *Store) Authorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

// RecordSample takes a freshly synced sample into account. Only metrics shown
// as their latest value change Value; others keep today's aggregate.
func (s *Store) RecordSample(desc catalog.MetricDescriptor, sample health.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, ok := s.views[desc.ID]
	if !ok {
		return
	}
	if sample.ObservedAt.After(view.ObservedAt) {
		view.ObservedAt = sample.ObservedAt
	}
	if desc.Aggregation == catalog.AggregationLatest {
		view.Value = sample.Value
		view.Available = true
	}
	view.UpdatedAt = s.now()
}

func (s *Store) setValue(metricID string, value float64, observedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, ok := s.views[metricID]
	if !ok {
		return
	}
	view.Value = value
	view.Available = true
	if observedAt.After(view.ObservedAt) {
		view.ObservedAt = observedAt
	}
	view.UpdatedAt = s.now()
}

func (s *Store) setSeries(metricID string, points []health.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if view, ok := s.views[metricID]; ok {
		view.Series = append([]health.Point(nil), points...)
		view.UpdatedAt = s.now()
	}
}

func (s *Store) setSleepHours(hours float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleepHours = hours
	s.sleepKnown = true
}

func (s *Store) markRefreshed(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshedAt = t
}

// Metric returns a copy of one metric's view
func (s *Store) Metric(metricID string) (MetricView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	view, ok := s.views[metricID]
	if !ok {
		return MetricView{}, false
	}
	return copyView(view), true
}

// Snapshot returns a copy of everything, metrics in catalog order
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Authorized:  s.authorized,
		Metrics:     make([]MetricView, 0, len(s.order)),
		SleepHours:  s.sleepHours,
		SleepKnown:  s.sleepKnown,
		RefreshedAt: s.refreshedAt,
	}
	if s.sleepKnown {
		snap.SleepScore = SleepScore(s.sleepHours)
	}
	for _, id := range s.order {
		snap.Metrics = append(snap.Metrics, copyView(s.views[id]))
	}
	return snap
}

func copyView(v *MetricView) MetricView {
	out := *v
	out.Series = append([]health.Point(nil), v.Series...)
	return out
}

// SleepScore maps hours slept to a 0-100 score
func SleepScore(hours float64) int {
	switch {
	case hours >= 8:
		return 95
	case hours >= 7:
		return 85
	case hours >= 6:
		return 70
	case hours >= 5:
		return 55
	default:
		return 40
	}
}
