package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
	"github.com/livinlefevreloca/vitalsync/internal/health"
	"github.com/livinlefevreloca/vitalsync/internal/payload"
	"github.com/livinlefevreloca/vitalsync/internal/run"
	"github.com/livinlefevreloca/vitalsync/internal/testutil"
)

// =============================================================================
// Helpers
// =============================================================================

var testIDs = []string{"step_count", "heart_rate", "body_mass"}

type finishCall struct {
	runID          uuid.UUID
	outcome        run.Outcome
	settledAlready bool
}

type recordingFinisher struct {
	mu    sync.Mutex
	r     *run.SyncRun
	calls []finishCall
}

func (f *recordingFinisher) OnRunFinished(runID uuid.UUID, outcome run.Outcome) {
	settled := false
	select {
	case <-f.r.Settled():
		settled = true
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, finishCall{runID, outcome, settled})
}

func (f *recordingFinisher) Calls() []finishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]finishCall(nil), f.calls...)
}

type sampleLog struct {
	mu      sync.Mutex
	samples map[string]health.Sample
}

func (s *sampleLog) RecordSample(desc catalog.MetricDescriptor, sample health.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[desc.ID] = sample
}

type fixture struct {
	exec     *Executor
	source   *testutil.MockSource
	uploader *testutil.MockUploader
	samples  *sampleLog
	logger   *testutil.TestLogger
}

func newFixture(t *testing.T, config Config, source health.Source, mock *testutil.MockSource, ids []string) *fixture {
	t.Helper()
	cat, err := catalog.New(ids)
	require.NoError(t, err)

	f := &fixture{
		source:   mock,
		uploader: testutil.NewMockUploader(),
		samples:  &sampleLog{samples: make(map[string]health.Sample)},
		logger:   testutil.NewTestLogger(),
	}
	if source == nil {
		source = mock
	}
	f.exec, err = New(config, cat, source, f.uploader, f.samples, f.logger.Logger())
	require.NoError(t, err)
	return f
}

func sampleFor(id string) health.Sample {
	return health.Sample{
		ID:         uuid.NewString(),
		MetricID:   id,
		Value:      42,
		ObservedAt: time.Now(),
		SourceName: "Apple Watch",
	}
}

func executingRun(ids []string) *run.SyncRun {
	r := run.New(ids, time.Now())
	r.Transition(run.StateScheduled, run.StateExecuting, time.Now())
	return r
}

// runAndWait runs the executor synchronously and checks the settle contract
func runAndWait(t *testing.T, exec *Executor, ctx context.Context, r *run.SyncRun) run.Outcome {
	t.Helper()
	fin := &recordingFinisher{r: r}
	exec.Run(ctx, r, fin)

	select {
	case <-r.Settled():
	default:
		t.Fatal("run was not settled")
	}

	calls := fin.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, r.ID, calls[0].runID)
	assert.False(t, calls[0].settledAlready, "OnRunFinished must precede Settle")
	return calls[0].outcome
}

// countingSource tracks how many fetches are in flight
type countingSource struct {
	*testutil.MockSource
	inFlight atomic.Int32
	peak     atomic.Int32
	panicOn  string
}

func (c *countingSource) FetchLatest(ctx context.Context, metricID, unit string) (health.Sample, error) {
	if metricID == c.panicOn {
		panic("store corrupted")
	}
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return c.MockSource.FetchLatest(ctx, metricID, unit)
}

// =============================================================================
// Results
// =============================================================================

func TestRun_AllUploaded(t *testing.T) {
	mock := testutil.NewMockSource()
	for _, id := range testIDs {
		mock.SetLatest(sampleFor(id))
	}
	f := newFixture(t, DefaultConfig(), nil, mock, testIDs)
	r := executingRun(testIDs)

	outcome := runAndWait(t, f.exec, context.Background(), r)

	assert.False(t, outcome.DeadlineExceeded)
	assert.Empty(t, r.Pending())
	for _, id := range testIDs {
		assert.Equal(t, run.StatusUploaded, r.Results()[id].Status, id)
	}

	payloads := f.uploader.Payloads()
	require.Len(t, payloads, 3)
	for _, p := range payloads {
		assert.Contains(t, testIDs, p.MetricID)
		assert.NotEqual(t, uuid.Nil, p.PayloadID)
	}
	assert.Len(t, f.samples.samples, 3)
}

func TestRun_MixedResults(t *testing.T) {
	mock := testutil.NewMockSource()
	mock.SetLatest(sampleFor("step_count"))
	mock.SetFetchError("body_mass", &health.QueryError{MetricID: "body_mass", Err: errors.New("store unavailable")})
	// heart_rate has no sample at all

	f := newFixture(t, DefaultConfig(), nil, mock, testIDs)
	r := executingRun(testIDs)

	outcome := runAndWait(t, f.exec, context.Background(), r)

	assert.False(t, outcome.DeadlineExceeded)
	results := r.Results()
	assert.Equal(t, run.StatusUploaded, results["step_count"].Status)
	assert.Equal(t, run.StatusSkipped, results["heart_rate"].Status)
	assert.Equal(t, run.StatusFailed, results["body_mass"].Status)
	assert.Contains(t, results["body_mass"].Reason, "store unavailable")
	assert.Equal(t, 1, r.FailedCount())

	require.Equal(t, 1, f.uploader.Count())
	assert.Equal(t, "step_count", f.uploader.Payloads()[0].MetricID)
	assert.True(t, f.logger.HasWarning())
}

func TestRun_EnqueueFailure(t *testing.T) {
	mock := testutil.NewMockSource()
	for _, id := range testIDs {
		mock.SetLatest(sampleFor(id))
	}
	f := newFixture(t, DefaultConfig(), nil, mock, testIDs)
	f.uploader.SetError("heart_rate", errors.New("outbox full"))
	r := executingRun(testIDs)

	runAndWait(t, f.exec, context.Background(), r)

	res := r.Results()["heart_rate"]
	assert.Equal(t, run.StatusFailed, res.Status)
	assert.Equal(t, "enqueue: outbox full", res.Reason)
	assert.Equal(t, 2, f.uploader.Count())
}

func TestRun_PanicRecovered(t *testing.T) {
	mock := testutil.NewMockSource()
	for _, id := range testIDs {
		mock.SetLatest(sampleFor(id))
	}
	src := &countingSource{MockSource: mock, panicOn: "heart_rate"}
	f := newFixture(t, DefaultConfig(), src, mock, testIDs)
	r := executingRun(testIDs)

	outcome := runAndWait(t, f.exec, context.Background(), r)

	assert.False(t, outcome.DeadlineExceeded)
	res := r.Results()["heart_rate"]
	assert.Equal(t, run.StatusFailed, res.Status)
	assert.Equal(t, "panic: store corrupted", res.Reason)
	assert.Equal(t, 2, f.uploader.Count())
	assert.True(t, f.logger.HasError())
}

// =============================================================================
// Deadline
// =============================================================================

func TestRun_DeadlineExpiresSlowFetch(t *testing.T) {
	mock := testutil.NewMockSource()
	for _, id := range testIDs {
		mock.SetLatest(sampleFor(id))
	}
	release := mock.Block("heart_rate")
	defer release()

	f := newFixture(t, DefaultConfig(), nil, mock, testIDs)
	r := executingRun(testIDs)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcome := runAndWait(t, f.exec, ctx, r)
	assert.Less(t, time.Since(start), time.Second, "join must not wait for the blocked fetch")

	assert.True(t, outcome.DeadlineExceeded)
	results := r.Results()
	assert.Equal(t, run.StatusUploaded, results["step_count"].Status)
	assert.Equal(t, run.StatusUploaded, results["body_mass"].Status)
	assert.Equal(t, run.Failed("expired"), results["heart_rate"])

	// The late result is discarded and never uploaded
	release()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, run.Failed("expired"), r.Results()["heart_rate"])
	assert.Equal(t, 2, f.uploader.Count())
}

// slowUploader persists every payload after a fixed delay, ignoring ctx like a
// database write that has already started
type slowUploader struct {
	*testutil.MockUploader
	delay time.Duration
}

func (u *slowUploader) Enqueue(ctx context.Context, p payload.UploadPayload) error {
	time.Sleep(u.delay)
	return u.MockUploader.Enqueue(context.Background(), p)
}

func TestRun_DeadlineDuringEnqueueKeepsUploadedResult(t *testing.T) {
	ids := []string{"step_count", "heart_rate"}
	mock := testutil.NewMockSource()
	for _, id := range ids {
		mock.SetLatest(sampleFor(id))
	}
	release := mock.Block("heart_rate")
	defer release()

	cat, err := catalog.New(ids)
	require.NoError(t, err)
	uploader := &slowUploader{MockUploader: testutil.NewMockUploader(), delay: 80 * time.Millisecond}
	exec, err := New(DefaultConfig(), cat, mock, uploader, nil, testutil.NewTestLogger().Logger())
	require.NoError(t, err)

	r := executingRun(ids)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	outcome := runAndWait(t, exec, ctx, r)

	assert.True(t, outcome.DeadlineExceeded)
	results := r.Results()
	assert.Equal(t, run.Uploaded(), results["step_count"], "a persisted payload is reported as uploaded")
	assert.Equal(t, run.Failed("expired"), results["heart_rate"])
	assert.Equal(t, 1, uploader.Count())
	assert.Empty(t, r.Pending())
}

func TestRun_NoFetchAfterContextDone(t *testing.T) {
	mock := testutil.NewMockSource()
	for _, id := range testIDs {
		mock.SetLatest(sampleFor(id))
	}
	f := newFixture(t, DefaultConfig(), nil, mock, testIDs)
	r := executingRun(testIDs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := runAndWait(t, f.exec, ctx, r)

	assert.True(t, outcome.DeadlineExceeded)
	assert.Equal(t, 0, mock.TotalFetchCalls())
	for _, id := range testIDs {
		assert.Equal(t, run.Failed("expired"), r.Results()[id])
	}
	assert.Zero(t, f.uploader.Count())
}

func TestRun_QueuedFetchesNotStartedAfterDeadline(t *testing.T) {
	ids := []string{"step_count", "heart_rate", "body_mass", "height"}
	mock := testutil.NewMockSource()
	for _, id := range ids {
		mock.SetLatest(sampleFor(id))
	}
	release := mock.Block("step_count")
	defer release()

	f := newFixture(t, Config{MaxConcurrency: 1}, nil, mock, ids)
	r := executingRun(ids)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	outcome := runAndWait(t, f.exec, ctx, r)
	assert.True(t, outcome.DeadlineExceeded)

	release()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, mock.TotalFetchCalls(), "only the fetch holding the slot ran")
	assert.Zero(t, f.uploader.Count())
}

// =============================================================================
// Concurrency
// =============================================================================

func TestRun_RespectsMaxConcurrency(t *testing.T) {
	ids := []string{"step_count", "heart_rate", "body_mass", "height", "active_energy", "resting_energy"}
	mock := testutil.NewMockSource()
	for _, id := range ids {
		mock.SetLatest(sampleFor(id))
		mock.SetDelay(id, 30*time.Millisecond)
	}
	src := &countingSource{MockSource: mock}
	f := newFixture(t, Config{MaxConcurrency: 2}, src, mock, ids)
	r := executingRun(ids)

	outcome := runAndWait(t, f.exec, context.Background(), r)

	assert.False(t, outcome.DeadlineExceeded)
	assert.LessOrEqual(t, src.peak.Load(), int32(2))
	assert.Equal(t, 6, f.uploader.Count())
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{MaxConcurrency: 0}, catalog.Default(), testutil.NewMockSource(), testutil.NewMockUploader(), nil, testutil.NewTestLogger().Logger())
	assert.Error(t, err)

	_, err = New(DefaultConfig(), catalog.Default(), nil, testutil.NewMockUploader(), nil, testutil.NewTestLogger().Logger())
	assert.Error(t, err)
}
