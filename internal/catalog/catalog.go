package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedMetric is returned when a configured metric id has no Kind
var ErrUnsupportedMetric = errors.New("catalog: unsupported metric")

// Aggregation is how a metric's samples are combined for display
type Aggregation int

const (
	AggregationSum Aggregation = iota
	AggregationAverage
	AggregationLatest
)

// String returns a human-readable representation of the aggregation
func (a Aggregation) String() string {
	switch a {
	case AggregationSum:
		return "sum"
	case AggregationAverage:
		return "average"
	case AggregationLatest:
		return "latest"
	default:
		return "unknown"
	}
}

// Kind is the closed set of metric kinds the engine knows how to read and upload
type Kind int

const (
	KindStepCount Kind = iota
	KindHeartRate
	KindActiveEnergy
	KindRestingEnergy
	KindDistanceWalkingRunning
	KindPushCount
	KindBodyFatPercentage
	KindBodyMass
	KindHeight
	KindRestingHeartRate
	KindHeartRateVariability
	KindWalkingSpeed
	KindRunningSpeed
	KindWalkingStepLength
	KindWalkingAsymmetry
	KindWalkingDoubleSupport

	kindCount
)

type kindInfo struct {
	id          string
	title       string
	unit        string
	displayUnit string
	aggregation Aggregation
}

// Units follow the health store's unit strings so they can be sent as-is
var kinds = [kindCount]kindInfo{
	KindStepCount:              {"step_count", "Steps", "count", "steps", AggregationSum},
	KindHeartRate:              {"heart_rate", "Heart Rate", "count/min", "bpm", AggregationAverage},
	KindActiveEnergy:           {"active_energy", "Active Energy", "kcal", "kcal", AggregationSum},
	KindRestingEnergy:          {"resting_energy", "Resting Energy", "kcal", "kcal", AggregationSum},
	KindDistanceWalkingRunning: {"distance_walking_running", "Walking + Running Distance", "m", "km", AggregationSum},
	KindPushCount:              {"push_count", "Push Count", "count", "pushes", AggregationSum},
	KindBodyFatPercentage:      {"body_fat_percentage", "Body Fat", "%", "%", AggregationLatest},
	KindBodyMass:               {"body_mass", "Weight", "kg", "kg", AggregationLatest},
	KindHeight:                 {"height", "Height", "m", "cm", AggregationLatest},
	KindRestingHeartRate:       {"resting_heart_rate", "Resting Heart Rate", "count/min", "bpm", AggregationAverage},
	KindHeartRateVariability:   {"heart_rate_variability", "Heart Rate Variability", "ms", "ms", AggregationAverage},
	KindWalkingSpeed:           {"walking_speed", "Walking Speed", "m/s", "km/h", AggregationAverage},
	KindRunningSpeed:           {"running_speed", "Running Speed", "m/s", "km/h", AggregationAverage},
	KindWalkingStepLength:      {"walking_step_length", "Walking Step Length", "m", "cm", AggregationAverage},
	KindWalkingAsymmetry:       {"walking_asymmetry", "Walking Asymmetry", "%", "%", AggregationAverage},
	KindWalkingDoubleSupport:   {"walking_double_support", "Double Support Time", "%", "%", AggregationAverage},
}

// ID returns the metric id used in configuration and on the wire
func (k Kind) ID() string {
	if k < 0 || k >= kindCount {
		return "unknown"
	}
	return kinds[k].id
}

// String returns the metric id
func (k Kind) String() string {
	return k.ID()
}

// ParseKind resolves a metric id to its Kind
func ParseKind(id string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	for k := Kind(0); k < kindCount; k++ {
		if kinds[k].id == normalized {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedMetric, id)
}

// AllKinds returns every supported kind in declaration order
func AllKinds() []Kind {
	out := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// MetricDescriptor describes one monitored metric stream
type MetricDescriptor struct {
	ID          string
	Kind        Kind
	Title       string
	Aggregation Aggregation
	Unit        string
	DisplayUnit string
}

// UploadType is the value sent in the payload "type" field
func (d MetricDescriptor) UploadType() string {
	return d.ID
}

func describe(k Kind) MetricDescriptor {
	info := kinds[k]
	return MetricDescriptor{
		ID:          info.id,
		Kind:        k,
		Title:       info.title,
		Aggregation: info.aggregation,
		Unit:        info.unit,
		DisplayUnit: info.displayUnit,
	}
}

// Catalog is the validated, ordered set of metrics the engine monitors.
// It is built once at startup and never mutated.
type Catalog struct {
	descriptors []MetricDescriptor
	byID        map[string]int
}

// DefaultMetricIDs are the metrics synced in the background by default
var DefaultMetricIDs = []string{
	"step_count",
	"heart_rate",
	"active_energy",
	"body_fat_percentage",
	"body_mass",
	"height",
	"resting_heart_rate",
	"resting_energy",
	"distance_walking_running",
	"heart_rate_variability",
}

// New validates ids and builds a catalog in the given order
func New(ids []string) (*Catalog, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("catalog: at least one metric must be configured")
	}

	c := &Catalog{
		descriptors: make([]MetricDescriptor, 0, len(ids)),
		byID:        make(map[string]int, len(ids)),
	}

	for _, id := range ids {
		kind, err := ParseKind(id)
		if err != nil {
			return nil, err
		}
		desc := describe(kind)
		if _, exists := c.byID[desc.ID]; exists {
			return nil, fmt.Errorf("catalog: duplicate metric %q", desc.ID)
		}
		c.byID[desc.ID] = len(c.descriptors)
		c.descriptors = append(c.descriptors, desc)
	}

	return c, nil
}

// Default returns the catalog of DefaultMetricIDs
func Default() *Catalog {
	c, err := New(DefaultMetricIDs)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the descriptor for id
func (c *Catalog) Lookup(id string) (MetricDescriptor, bool) {
	idx, ok := c.byID[id]
	if !ok {
		return MetricDescriptor{}, false
	}
	return c.descriptors[idx], true
}

// Descriptors returns a copy of all descriptors in catalog order
func (c *Catalog) Descriptors() []MetricDescriptor {
	out := make([]MetricDescriptor, len(c.descriptors))
	copy(out, c.descriptors)
	return out
}

// IDs returns metric ids in catalog order
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.descriptors))
	for i, d := range c.descriptors {
		out[i] = d.ID
	}
	return out
}

// Len returns the number of metrics
func (c *Catalog) Len() int {
	return len(c.descriptors)
}
