package observer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
	"github.com/livinlefevreloca/vitalsync/internal/health"
	"github.com/livinlefevreloca/vitalsync/internal/testutil"
)

// fakeRequester admits the first request and coalesces the rest until reset
type fakeRequester struct {
	mu          sync.Mutex
	source      *testutil.MockSource
	calls       int
	admitted    int
	inFlight    bool
	err         error
	acksAtCalls []int64
}

func (f *fakeRequester) RequestRun(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.acksAtCalls = append(f.acksAtCalls, f.source.Acks())
	if f.err != nil {
		return false, f.err
	}
	if f.inFlight {
		return false, nil
	}
	f.inFlight = true
	f.admitted++
	return true, nil
}

func (f *fakeRequester) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight = false
}

func (f *fakeRequester) counts() (calls, admitted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.admitted
}

var testIDs = []string{"step_count", "heart_rate", "body_mass"}

func setup(t *testing.T) (*Registry, *testutil.MockSource, *fakeRequester, *testutil.TestLogger) {
	t.Helper()
	source := testutil.NewMockSource()
	req := &fakeRequester{source: source}
	logger := testutil.NewTestLogger()
	return NewRegistry(source, req, logger.Logger()), source, req, logger
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(testIDs)
	require.NoError(t, err)
	return cat
}

func TestSubscribe_ObservesEveryMetric(t *testing.T) {
	reg, source, _, _ := setup(t)

	sub, err := reg.Subscribe(context.Background(), testCatalog(t))
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, testIDs, sub.Metrics())

	observed := source.ObservedMetrics()
	sort.Strings(observed)
	want := append([]string(nil), testIDs...)
	sort.Strings(want)
	assert.Equal(t, want, observed)

	for _, id := range testIDs {
		assert.True(t, source.BackgroundEnabled(id), id)
	}
}

func TestSubscribe_AuthorizationDenied(t *testing.T) {
	reg, source, req, _ := setup(t)
	source.SetAuthorized(false, nil)

	sub, err := reg.Subscribe(context.Background(), testCatalog(t))
	assert.ErrorIs(t, err, health.ErrAuthorizationDenied)
	assert.Nil(t, sub)
	assert.Empty(t, source.ObservedMetrics())
	assert.False(t, source.BackgroundEnabled("step_count"))

	calls, _ := req.counts()
	assert.Zero(t, calls)
}

func TestSubscribe_AuthorizationError(t *testing.T) {
	reg, source, _, _ := setup(t)
	source.SetAuthorized(false, errors.New("store locked"))

	_, err := reg.Subscribe(context.Background(), testCatalog(t))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, health.ErrAuthorizationDenied)
}

func TestSubscribe_ObserveFailureClosesOthers(t *testing.T) {
	reg, source, _, _ := setup(t)
	source.SetObserveError(errors.New("unsupported type"))

	_, err := reg.Subscribe(context.Background(), testCatalog(t))
	assert.Error(t, err)
	assert.Empty(t, source.ObservedMetrics())
}

func TestChangeEvents_Coalesce(t *testing.T) {
	reg, source, req, _ := setup(t)

	sub, err := reg.Subscribe(context.Background(), testCatalog(t))
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		require.True(t, source.Emit("heart_rate"))
	}

	testutil.WaitFor(t, func() bool { return source.Acks() == 5 }, time.Second, "acks")

	calls, admitted := req.counts()
	assert.Equal(t, 5, calls)
	assert.Equal(t, 1, admitted, "five changes during one run produce one run")

	st := sub.Stats()
	assert.Equal(t, int64(5), st.Events)
	assert.Equal(t, int64(1), st.Admitted)

	req.finish()
	require.True(t, source.Emit("step_count"))
	testutil.WaitFor(t, func() bool { return source.Acks() == 6 }, time.Second, "ack")
	_, admitted = req.counts()
	assert.Equal(t, 2, admitted)
}

func TestChangeEvents_AckAfterRequest(t *testing.T) {
	reg, source, req, _ := setup(t)

	sub, err := reg.Subscribe(context.Background(), testCatalog(t))
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		require.True(t, source.Emit("body_mass"))
		want := int64(i + 1)
		testutil.WaitFor(t, func() bool { return source.Acks() == want }, time.Second, "ack")
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	// Each request saw only the acks of earlier events
	assert.Equal(t, []int64{0, 1, 2}, req.acksAtCalls)
}

func TestChangeEvents_AckedWhenRequestFails(t *testing.T) {
	reg, source, req, logger := setup(t)
	req.err = errors.New("pipeline disabled")

	sub, err := reg.Subscribe(context.Background(), testCatalog(t))
	require.NoError(t, err)
	defer sub.Close()

	require.True(t, source.Emit("step_count"))
	testutil.WaitFor(t, func() bool { return source.Acks() == 1 }, time.Second, "ack")

	assert.Equal(t, int64(1), sub.Stats().RequestErrors)
	assert.True(t, logger.HasWarning())
}

func TestSubscription_Close(t *testing.T) {
	reg, source, _, _ := setup(t)

	sub, err := reg.Subscribe(context.Background(), testCatalog(t))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sub.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	sub.Close()
	testutil.WaitFor(t, func() bool { return len(source.ObservedMetrics()) == 0 }, time.Second, "observers removed")
	assert.False(t, source.Emit("step_count"))
}
