package health

import (
	"github.com/livinlefevreloca/vitalsync/internal/catalog"
)

// Aggregate combines the values of samples inside window. Empty input is 0.
func Aggregate(samples []Sample, agg catalog.Aggregation, window Window) float64 {
	var (
		sum    float64
		count  int
		latest *Sample
	)

	for i := range samples {
		s := &samples[i]
		if !window.Contains(s.ObservedAt) {
			continue
		}
		sum += s.Value
		count++
		if latest == nil || s.ObservedAt.After(latest.ObservedAt) {
			latest = s
		}
	}

	if count == 0 {
		return 0
	}

	switch agg {
	case catalog.AggregationSum:
		return sum
	case catalog.AggregationAverage:
		return sum / float64(count)
	default:
		return latest.Value
	}
}

// Series buckets samples and aggregates each bucket
func Series(samples []Sample, agg catalog.Aggregation, bucketing Bucketing) []Point {
	windows := bucketing.Windows()
	points := make([]Point, 0, len(windows))
	for _, w := range windows {
		points = append(points, Point{
			Timestamp: w.Start,
			Value:     Aggregate(samples, agg, w),
		})
	}
	return points
}
