package health

import "time"

// Window is a half-open time range [Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Today returns the window from local midnight up to now
func Today(now time.Time) Window {
	return Window{Start: startOfDay(now), End: now}
}

// LastNight returns the 24 hours ending at now
func LastNight(now time.Time) Window {
	return Window{Start: now.AddDate(0, 0, -1), End: now}
}

// Bucketing splits a range into fixed-size buckets
type Bucketing struct {
	Anchor   time.Time
	Interval time.Duration
	Count    int
}

// DailyBuckets covers the last days days ending today, anchored at local midnight
func DailyBuckets(days int, now time.Time) Bucketing {
	today := startOfDay(now)
	return Bucketing{
		Anchor:   today.AddDate(0, 0, -(days - 1)),
		Interval: 24 * time.Hour,
		Count:    days,
	}
}

// Windows expands the bucketing into its individual windows
func (b Bucketing) Windows() []Window {
	out := make([]Window, 0, b.Count)
	for i := 0; i < b.Count; i++ {
		start := b.Anchor.Add(time.Duration(i) * b.Interval)
		out = append(out, Window{Start: start, End: start.Add(b.Interval)})
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
