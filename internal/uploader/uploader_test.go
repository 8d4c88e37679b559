package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
	"github.com/livinlefevreloca/vitalsync/internal/db"
	"github.com/livinlefevreloca/vitalsync/internal/health"
	"github.com/livinlefevreloca/vitalsync/internal/payload"
	"github.com/livinlefevreloca/vitalsync/internal/telemetry"
	"github.com/livinlefevreloca/vitalsync/internal/testutil"
)

// =============================================================================
// Helpers
// =============================================================================

// endpoint is an httptest server answering with a scripted status sequence
type endpoint struct {
	*httptest.Server
	hits     atomic.Int32
	mu       sync.Mutex
	statuses []int
	bodies   [][]byte
	headers  []http.Header
}

func newEndpoint(t *testing.T, statuses ...int) *endpoint {
	e := &endpoint{statuses: statuses}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(e.hits.Add(1))
		body, _ := io.ReadAll(r.Body)

		e.mu.Lock()
		e.bodies = append(e.bodies, body)
		e.headers = append(e.headers, r.Header.Clone())
		status := http.StatusOK
		if len(e.statuses) > 0 {
			status = e.statuses[min(n, len(e.statuses))-1]
		}
		e.mu.Unlock()

		w.WriteHeader(status)
		if status >= 300 {
			w.Write([]byte("try again later"))
		}
	}))
	t.Cleanup(e.Close)
	return e
}

func (e *endpoint) Bodies() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.bodies...)
}

func (e *endpoint) Headers() []http.Header {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]http.Header(nil), e.headers...)
}

type eventLog struct {
	mu     sync.Mutex
	events []DeliveryEvent
}

func (l *eventLog) sink(ev DeliveryEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) Events() []DeliveryEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]DeliveryEvent(nil), l.events...)
}

func testConfig(url string) Config {
	config := DefaultConfig()
	config.Endpoint = url
	config.Token = "secret-token"
	config.Timeout = time.Second
	config.MaxAttempts = 3
	config.RetryInitial = 10 * time.Millisecond
	config.RetryMax = 20 * time.Millisecond
	config.RatePerSecond = 1000
	config.RateBurst = 100
	return config
}

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate())
	t.Cleanup(func() { database.Close() })
	return database
}

type fixture struct {
	db       *db.DB
	session  *Session
	uploader *Uploader
	events   *eventLog
	metrics  *telemetry.Metrics
	registry *prometheus.Registry
	logger   *testutil.TestLogger
}

func newFixture(t *testing.T, config Config, database *db.DB) *fixture {
	t.Helper()
	if database == nil {
		database = openTestDB(t)
	}
	f := &fixture{
		db:      database,
		events:  &eventLog{},
		logger:  testutil.NewTestLogger(),
	}
	f.registry = prometheus.NewRegistry()
	f.metrics = telemetry.New(f.registry)
	transport := NewHTTPTransport(config.Endpoint, config.Token, config.Timeout)
	session, err := NewSession(config, database, transport, f.logger.Logger(),
		WithEventSink(f.events.sink),
		WithMetrics(f.metrics))
	require.NoError(t, err)
	f.session = session
	f.uploader = New(database, session, f.logger.Logger())
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.Start(context.Background()))
	t.Cleanup(f.session.Stop)
}

func buildPayload(t *testing.T, metricID string) payload.UploadPayload {
	t.Helper()
	desc, ok := catalog.Default().Lookup(metricID)
	require.True(t, ok)
	p, err := payload.Build(desc, health.Sample{
		ID:         uuid.NewString(),
		MetricID:   metricID,
		Unit:       desc.Unit,
		SourceName: "iPhone",
	})
	require.NoError(t, err)
	return p
}

func pendingCount(t *testing.T, database *db.DB) int {
	n, err := database.CountOutbox(db.OutboxPending)
	require.NoError(t, err)
	return n
}

// =============================================================================
// Delivery
// =============================================================================

func TestEnqueue_Delivers(t *testing.T) {
	srv := newEndpoint(t)
	f := newFixture(t, testConfig(srv.URL), nil)
	f.start(t)

	p := buildPayload(t, "step_count")
	require.NoError(t, f.uploader.Enqueue(context.Background(), p))

	testutil.WaitFor(t, func() bool { return len(f.events.Events()) == 1 }, 2*time.Second, "delivery event")

	ev := f.events.Events()[0]
	assert.True(t, ev.Success)
	assert.Equal(t, p.PayloadID.String(), ev.PayloadID)
	assert.Equal(t, "step_count", ev.MetricID)
	assert.Equal(t, 1, ev.Attempt)

	require.Len(t, srv.Bodies(), 1)
	assert.JSONEq(t, string(p.Body), string(srv.Bodies()[0]))
	hdr := srv.Headers()[0]
	assert.Equal(t, "application/json", hdr.Get("Content-Type"))
	assert.Equal(t, "Bearer secret-token", hdr.Get("Authorization"))

	_, err := f.db.GetOutboxItem(p.PayloadID.String())
	assert.True(t, db.IsNotFound(err), "delivered rows are removed")
	assert.Equal(t, 0, pendingCount(t, f.db))
	assert.Equal(t, int64(1), f.session.Stats().Delivered)
}

func TestEnqueue_PersistsBeforeStart(t *testing.T) {
	srv := newEndpoint(t)
	f := newFixture(t, testConfig(srv.URL), nil)

	p := buildPayload(t, "heart_rate")
	require.NoError(t, f.uploader.Enqueue(context.Background(), p))

	item, err := f.db.GetOutboxItem(p.PayloadID.String())
	require.NoError(t, err)
	assert.Equal(t, db.OutboxPending, item.Status)
	assert.Equal(t, 0, item.Attempt)
	assert.Equal(t, int32(0), srv.hits.Load())

	f.start(t)
	testutil.WaitFor(t, func() bool { return pendingCount(t, f.db) == 0 }, 2*time.Second, "delivery")
	assert.Equal(t, int32(1), srv.hits.Load(), "a queued payload is delivered once")
}

func TestEnqueue_DuplicatePayloadRejected(t *testing.T) {
	srv := newEndpoint(t)
	f := newFixture(t, testConfig(srv.URL), nil)

	p := buildPayload(t, "body_mass")
	require.NoError(t, f.uploader.Enqueue(context.Background(), p))

	err := f.uploader.Enqueue(context.Background(), p)
	assert.ErrorIs(t, err, db.ErrDuplicate)
}

func TestSession_RetriesThenSucceeds(t *testing.T) {
	srv := newEndpoint(t, http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusOK)
	f := newFixture(t, testConfig(srv.URL), nil)
	f.start(t)

	p := buildPayload(t, "step_count")
	require.NoError(t, f.uploader.Enqueue(context.Background(), p))

	testutil.WaitFor(t, func() bool { return len(f.events.Events()) == 1 }, 2*time.Second, "delivery event")

	ev := f.events.Events()[0]
	assert.True(t, ev.Success)
	assert.Equal(t, 3, ev.Attempt)
	assert.Equal(t, int32(3), srv.hits.Load())
	assert.Equal(t, int64(2), f.session.Stats().Retried)
	assert.Equal(t, int64(3), f.session.Stats().Attempts)

	n, err := promtestutil.GatherAndCount(f.registry, "vitalsync_upload_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSession_GivesUpAfterMaxAttempts(t *testing.T) {
	srv := newEndpoint(t, http.StatusInternalServerError)
	f := newFixture(t, testConfig(srv.URL), nil)
	f.start(t)

	p := buildPayload(t, "step_count")
	require.NoError(t, f.uploader.Enqueue(context.Background(), p))

	testutil.WaitFor(t, func() bool { return len(f.events.Events()) == 1 }, 2*time.Second, "failure event")

	ev := f.events.Events()[0]
	assert.False(t, ev.Success)
	assert.Equal(t, 3, ev.Attempt)
	var httpErr *HTTPError
	require.True(t, errors.As(ev.Err, &httpErr))
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)

	item, err := f.db.GetOutboxItem(p.PayloadID.String())
	require.NoError(t, err)
	assert.Equal(t, db.OutboxFailed, item.Status)
	assert.Equal(t, 3, item.Attempt)
	assert.Contains(t, item.LastError, "HTTP 500")
	assert.Equal(t, int32(3), srv.hits.Load())
}

func TestSession_ClientErrorIsFinal(t *testing.T) {
	srv := newEndpoint(t, http.StatusBadRequest)
	f := newFixture(t, testConfig(srv.URL), nil)
	f.start(t)

	p := buildPayload(t, "step_count")
	require.NoError(t, f.uploader.Enqueue(context.Background(), p))

	testutil.WaitFor(t, func() bool { return len(f.events.Events()) == 1 }, 2*time.Second, "failure event")

	assert.False(t, f.events.Events()[0].Success)
	assert.Equal(t, int32(1), srv.hits.Load())
	item, err := f.db.GetOutboxItem(p.PayloadID.String())
	require.NoError(t, err)
	assert.Equal(t, db.OutboxFailed, item.Status)
}

func TestSession_ResumesPendingRows(t *testing.T) {
	srv := newEndpoint(t)
	database := openTestDB(t)

	// Left behind by a previous process
	for _, id := range []string{"step_count", "heart_rate"} {
		p := buildPayload(t, id)
		require.NoError(t, database.InsertOutboxItem(&db.OutboxItem{
			PayloadID: p.PayloadID.String(),
			MetricID:  p.MetricID,
			Body:      p.Body,
			Attempt:   1,
		}))
	}

	f := newFixture(t, testConfig(srv.URL), database)
	f.start(t)

	testutil.WaitFor(t, func() bool { return pendingCount(t, database) == 0 }, 2*time.Second, "resume")
	assert.Equal(t, int32(2), srv.hits.Load())
	for _, ev := range f.events.Events() {
		assert.Equal(t, 2, ev.Attempt, "attempts continue from the stored count")
	}
}

func TestSession_StopLeavesRowsPending(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	f := newFixture(t, testConfig(srv.URL), nil)
	require.NoError(t, f.session.Start(context.Background()))

	p := buildPayload(t, "step_count")
	require.NoError(t, f.uploader.Enqueue(context.Background(), p))
	testutil.WaitFor(t, func() bool { return f.session.Stats().Attempts == 1 }, 2*time.Second, "attempt")

	f.session.Stop()

	item, err := f.db.GetOutboxItem(p.PayloadID.String())
	require.NoError(t, err)
	assert.Equal(t, db.OutboxPending, item.Status)
	assert.Empty(t, f.events.Events())
}

func TestSession_SweepRequeuesRowsDroppedByFullQueue(t *testing.T) {
	var hits atomic.Int32
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
			return
		}
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	config := testConfig(srv.URL)
	config.Workers = 1
	config.QueueSize = 1
	config.SendTimeout = 10 * time.Millisecond
	config.SweepInterval = 20 * time.Millisecond
	f := newFixture(t, config, nil)
	f.start(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, f.uploader.Enqueue(context.Background(), buildPayload(t, "step_count")))
	}
	assert.Equal(t, 4, pendingCount(t, f.db), "every payload is persisted even when the queue is full")

	close(block)

	testutil.WaitFor(t, func() bool { return pendingCount(t, f.db) == 0 }, 3*time.Second, "all rows delivered")
	assert.Equal(t, int32(4), hits.Load())
	assert.Equal(t, int64(4), f.session.Stats().Delivered)
}

type panickingTransport struct{}

func (panickingTransport) Deliver(context.Context, []byte) error {
	panic("transport exploded")
}

// errorRecordingStore is an outbox that cannot record delivery errors
type errorRecordingStore struct {
	*db.DB
}

func (errorRecordingStore) RecordOutboxError(string, string) error {
	return errors.New("database is locked")
}

func TestSession_PanicLogsRecordFailure(t *testing.T) {
	database := openTestDB(t)
	require.NoError(t, database.InsertOutboxItem(&db.OutboxItem{
		PayloadID: "p1",
		MetricID:  "step_count",
		Body:      []byte(`{}`),
	}))

	logger := testutil.NewTestLogger()
	session, err := NewSession(testConfig("http://127.0.0.1:1"), errorRecordingStore{database}, panickingTransport{}, logger.Logger())
	require.NoError(t, err)
	require.NoError(t, session.Start(context.Background()))
	defer session.Stop()

	testutil.WaitFor(t, func() bool {
		return logger.HasMessage("ERROR", "failed to record upload error")
	}, 2*time.Second, "record failure logged")
	assert.True(t, logger.HasMessage("ERROR", "upload worker panicked"))
	assert.Equal(t, 1, pendingCount(t, database), "the row stays pending for a later attempt")
}

func TestSession_DoubleStart(t *testing.T) {
	f := newFixture(t, testConfig("http://127.0.0.1:1"), nil)
	f.start(t)
	assert.Error(t, f.session.Start(context.Background()))
}

// =============================================================================
// Transport
// =============================================================================

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network error", errors.New("connection refused"), true},
		{"server error", &HTTPError{StatusCode: 502}, true},
		{"request timeout", &HTTPError{StatusCode: 408}, true},
		{"rate limited", &HTTPError{StatusCode: 429}, true},
		{"bad request", &HTTPError{StatusCode: 400}, false},
		{"unauthorized", &HTTPError{StatusCode: 401}, false},
		{"wrapped client error", errors.Join(errors.New("post"), &HTTPError{StatusCode: 422}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestHTTPTransport_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "unknown type"})
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL, "", time.Second)
	err := transport.Deliver(context.Background(), []byte(`{}`))

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.StatusCode)
	assert.JSONEq(t, `{"error":"unknown type"}`, httpErr.Body)
}

func TestNewSession_InvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.Endpoint = "not a url"
	_, err := NewSession(config, openTestDB(t), NewHTTPTransport("", "", time.Second), testutil.NewTestLogger().Logger())
	assert.Error(t, err)
}
