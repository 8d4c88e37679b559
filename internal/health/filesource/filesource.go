// Package filesource implements health.Source on top of a directory of JSON
// Lines files, one per metric, and uses fsnotify to report changes.
package filesource

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
	"github.com/livinlefevreloca/vitalsync/internal/health"
)

const (
	fileSuffix = ".jsonl"

	// DeniedMarker is a file whose presence makes Authorize return false
	DeniedMarker = "DENIED"

	subscriberBuffer = 16

	// sleepFile holds one line per sleep segment: value is hours asleep and
	// observed_at is when the segment ended
	sleepFile = "sleep"
)

// Config holds file source settings
type Config struct {
	Dir string `toml:"dir"`
}

// DefaultConfig returns default file source settings
func DefaultConfig() Config {
	return Config{Dir: "health-data"}
}

type fileSample struct {
	ID         string    `json:"id"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source"`
}

// Source reads samples from <dir>/<metric_id>.jsonl
type Source struct {
	dir    string
	logger *slog.Logger

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	subscribers map[string][]chan health.ChangeEvent
	background  map[string]bool
	closed      bool
	wg          sync.WaitGroup

	acked atomic.Int64
}

// New creates a file source rooted at dir
func New(dir string, logger *slog.Logger) (*Source, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("filesource: directory must be specified")
	}
	return &Source{
		dir:         dir,
		logger:      logger,
		subscribers: make(map[string][]chan health.ChangeEvent),
		background:  make(map[string]bool),
	}, nil
}

// Authorize grants access when the directory is readable and not revoked
func (s *Source) Authorize(_ context.Context) (bool, error) {
	info, err := os.Stat(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("filesource: %s is not a directory", s.dir)
	}
	if _, err := os.Stat(filepath.Join(s.dir, DeniedMarker)); err == nil {
		return false, nil
	}
	return true, nil
}

// FetchLatest returns the newest sample for metricID
func (s *Source) FetchLatest(ctx context.Context, metricID, unit string) (health.Sample, error) {
	samples, err := s.readSamples(ctx, metricID)
	if err != nil {
		return health.Sample{}, err
	}
	if len(samples) == 0 {
		return health.Sample{}, health.ErrNotFound
	}

	latest := samples[0]
	for _, sample := range samples[1:] {
		if sample.ObservedAt.After(latest.ObservedAt) {
			latest = sample
		}
	}

	if unit != "" && latest.Unit != unit {
		return health.Sample{}, &health.QueryError{
			MetricID: metricID,
			Err:      fmt.Errorf("unit mismatch: stored %q, requested %q", latest.Unit, unit),
		}
	}

	return latest, nil
}

// FetchAggregate aggregates samples inside window
func (s *Source) FetchAggregate(ctx context.Context, metricID string, agg catalog.Aggregation, window health.Window) (float64, error) {
	samples, err := s.readSamples(ctx, metricID)
	if err != nil {
		return 0, err
	}
	return health.Aggregate(samples, agg, window), nil
}

// FetchSeries buckets samples according to bucketing
func (s *Source) FetchSeries(ctx context.Context, metricID, unit string, agg catalog.Aggregation, bucketing health.Bucketing) ([]health.Point, error) {
	samples, err := s.readSamples(ctx, metricID)
	if err != nil {
		return nil, err
	}

	filtered := samples[:0]
	for _, sample := range samples {
		if unit == "" || sample.Unit == unit {
			filtered = append(filtered, sample)
		}
	}

	return health.Series(filtered, agg, bucketing), nil
}

// FetchSleepHours sums the sleep segments that ended inside window
func (s *Source) FetchSleepHours(ctx context.Context, window health.Window) (float64, error) {
	samples, err := s.readSamples(ctx, sleepFile)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, sample := range samples {
		if window.Contains(sample.ObservedAt) {
			total += sample.Value
		}
	}
	return total, nil
}

// EnableBackgroundDelivery records that the metric should wake the process
func (s *Source) EnableBackgroundDelivery(_ context.Context, metricID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.background[metricID] = true
	s.logger.Debug("background delivery enabled", "metric_id", metricID)
	return nil
}

// BackgroundDeliveryEnabled reports whether EnableBackgroundDelivery was called for metricID
func (s *Source) BackgroundDeliveryEnabled(metricID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.background[metricID]
}

// Observe returns a channel of change events for metricID. The channel is
// closed when ctx is done or the source is closed.
func (s *Source) Observe(ctx context.Context, metricID string) (<-chan health.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("filesource: closed")
	}

	if s.watcher == nil {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return nil, err
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		if err := watcher.Add(s.dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", s.dir, err)
		}
		s.watcher = watcher
		s.wg.Add(1)
		go s.dispatch(watcher)
	}

	ch := make(chan health.ChangeEvent, subscriberBuffer)
	s.subscribers[metricID] = append(s.subscribers[metricID], ch)

	go func() {
		<-ctx.Done()
		s.unsubscribe(metricID, ch)
	}()

	return ch, nil
}

// AckCount returns how many change events have been acknowledged
func (s *Source) AckCount() int64 {
	return s.acked.Load()
}

// Append writes a sample to the metric's file, assigning an id if missing
func (s *Source) Append(metricID string, sample health.Sample) error {
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	line, err := json.Marshal(fileSample{
		ID:         sample.ID,
		Value:      sample.Value,
		Unit:       sample.Unit,
		ObservedAt: sample.ObservedAt,
		Source:     sample.SourceName,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(metricID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Close stops the watcher and closes all subscriber channels
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watcher := s.watcher
	s.mu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	for id, subs := range s.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.subscribers, id)
	}
	s.mu.Unlock()

	return err
}

func (s *Source) dispatch(watcher *fsnotify.Watcher) {
	defer s.wg.Done()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, fileSuffix) {
				continue
			}
			s.notify(strings.TrimSuffix(name, fileSuffix))

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", "dir", s.dir, "error", err)
		}
	}
}

// notify fans an event out to subscribers without blocking. A full channel
// already holds an unhandled event for the metric, so dropping is safe.
func (s *Source) notify(metricID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subscribers[metricID] {
		event := health.ChangeEvent{
			MetricID: metricID,
			At:       time.Now(),
			Ack:      s.ackFunc(),
		}
		select {
		case ch <- event:
		default:
			s.logger.Debug("dropping change event, subscriber busy", "metric_id", metricID)
		}
	}
}

func (s *Source) ackFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() { s.acked.Add(1) })
	}
}

func (s *Source) unsubscribe(metricID string, target chan health.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[metricID]
	for i, ch := range subs {
		if ch == target {
			s.subscribers[metricID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (s *Source) path(metricID string) string {
	return filepath.Join(s.dir, metricID+fileSuffix)
}

func (s *Source) readSamples(ctx context.Context, metricID string) ([]health.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(metricID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &health.QueryError{MetricID: metricID, Err: err}
	}
	defer f.Close()

	var samples []health.Sample
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var fs fileSample
		if err := json.Unmarshal([]byte(line), &fs); err != nil {
			return nil, &health.QueryError{
				MetricID: metricID,
				Err:      fmt.Errorf("line %d: %w", lineNo, err),
			}
		}
		samples = append(samples, health.Sample{
			ID:         fs.ID,
			MetricID:   metricID,
			Value:      fs.Value,
			Unit:       fs.Unit,
			ObservedAt: fs.ObservedAt,
			SourceName: fs.Source,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, &health.QueryError{MetricID: metricID, Err: err}
	}

	return samples, nil
}
