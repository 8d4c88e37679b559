package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
	"github.com/livinlefevreloca/vitalsync/internal/health"
	"github.com/livinlefevreloca/vitalsync/internal/testutil"
)

var testIDs = []string{"step_count", "heart_rate", "body_mass"}

func setup(t *testing.T) (*Refresher, *Store, *testutil.MockSource) {
	t.Helper()
	cat, err := catalog.New(testIDs)
	require.NoError(t, err)

	source := testutil.NewMockSource()
	store := NewStore(cat)
	ref, err := NewRefresher(DefaultConfig(), cat, source, store, testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	return ref, store, source
}

func TestSleepScore(t *testing.T) {
	tests := []struct {
		hours float64
		want  int
	}{
		{9.5, 95},
		{8, 95},
		{7.99, 85},
		{7, 85},
		{6.5, 70},
		{5, 55},
		{4.9, 40},
		{0, 40},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SleepScore(tt.hours), "hours=%v", tt.hours)
	}
}

func TestStore_InitialState(t *testing.T) {
	_, store, _ := setup(t)

	snap := store.Snapshot()
	assert.True(t, snap.Authorized)
	assert.False(t, snap.SleepKnown)
	require.Len(t, snap.Metrics, 3)
	for i, view := range snap.Metrics {
		assert.Equal(t, testIDs[i], view.Descriptor.ID)
		assert.False(t, view.Available)
	}

	_, ok := store.Metric("height")
	assert.False(t, ok)
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	_, store, _ := setup(t)
	store.setSeries("step_count", []health.Point{{Value: 1}, {Value: 2}})

	snap := store.Snapshot()
	snap.Metrics[0].Series[0].Value = 99

	view, ok := store.Metric("step_count")
	require.True(t, ok)
	assert.Equal(t, 1.0, view.Series[0].Value)
}

func TestStore_RecordSample(t *testing.T) {
	_, store, _ := setup(t)
	cat := catalog.Default()
	at := time.Now().Add(-time.Minute)

	mass, _ := cat.Lookup("body_mass")
	store.RecordSample(mass, health.Sample{Value: 71.5, ObservedAt: at})
	steps, _ := cat.Lookup("step_count")
	store.RecordSample(steps, health.Sample{Value: 120, ObservedAt: at})

	view, _ := store.Metric("body_mass")
	assert.True(t, view.Available)
	assert.Equal(t, 71.5, view.Value)
	assert.True(t, view.ObservedAt.Equal(at))

	// Summed metrics keep the daily total rather than one sample
	view, _ = store.Metric("step_count")
	assert.False(t, view.Available)
	assert.Zero(t, view.Value)
	assert.True(t, view.ObservedAt.Equal(at))
}

func TestRefresh_LoadsValuesAndSeries(t *testing.T) {
	ref, store, source := setup(t)
	observed := time.Now().Add(-time.Hour)

	source.SetAggregate("step_count", 8042)
	source.SetAggregate("heart_rate", 64.5)
	source.SetLatest(health.Sample{ID: "m1", MetricID: "body_mass", Value: 70.2, ObservedAt: observed, SourceName: "Scale"})
	source.SetSeries("step_count", []health.Point{{Value: 7000}, {Value: 8042}})
	source.SetSleepHours(7.2, nil)

	require.NoError(t, ref.Refresh(context.Background()))

	snap := store.Snapshot()
	assert.False(t, snap.RefreshedAt.IsZero())
	assert.True(t, snap.SleepKnown)
	assert.Equal(t, 85, snap.SleepScore)

	byID := make(map[string]MetricView)
	for _, v := range snap.Metrics {
		byID[v.Descriptor.ID] = v
	}
	assert.Equal(t, 8042.0, byID["step_count"].Value)
	assert.Len(t, byID["step_count"].Series, 2)
	assert.Equal(t, 64.5, byID["heart_rate"].Value)
	assert.Equal(t, 70.2, byID["body_mass"].Value)
	assert.True(t, byID["body_mass"].ObservedAt.Equal(observed))
	for _, v := range snap.Metrics {
		assert.True(t, v.Available, v.Descriptor.ID)
	}
}

func TestRefresh_FailureKeepsPreviousValue(t *testing.T) {
	ref, store, source := setup(t)
	source.SetAggregate("step_count", 500)
	require.NoError(t, ref.Refresh(context.Background()))

	source.SetFetchError("step_count", &health.QueryError{MetricID: "step_count", Err: errors.New("locked")})
	source.SetAggregate("step_count", 900)
	require.NoError(t, ref.Refresh(context.Background()))

	view, _ := store.Metric("step_count")
	assert.Equal(t, 500.0, view.Value)
	assert.True(t, view.Available)
}

func TestRefresh_MissingLatestStaysUnavailable(t *testing.T) {
	ref, store, _ := setup(t)
	require.NoError(t, ref.Refresh(context.Background()))

	view, _ := store.Metric("body_mass")
	assert.False(t, view.Available)
}

func TestRefresh_Cancelled(t *testing.T) {
	ref, store, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, ref.Refresh(ctx), context.Canceled)
	assert.True(t, store.Snapshot().RefreshedAt.IsZero())
}

func TestRun_TriggerRefreshes(t *testing.T) {
	ref, store, source := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ref.Run(ctx)
		close(done)
	}()

	testutil.WaitFor(t, func() bool { return !store.Snapshot().RefreshedAt.IsZero() }, time.Second, "initial refresh")

	source.SetAggregate("step_count", 321)
	ref.Trigger()
	testutil.WaitFor(t, func() bool {
		v, _ := store.Metric("step_count")
		return v.Value == 321
	}, time.Second, "triggered refresh")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_SkipsWhileUnauthorized(t *testing.T) {
	ref, store, source := setup(t)
	store.SetAuthorized(false)
	source.SetAggregate("step_count", 42)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ref.Run(ctx)

	ref.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, source.TotalFetchCalls(), "no queries while access is denied")
	assert.True(t, store.Snapshot().RefreshedAt.IsZero())

	store.SetAuthorized(true)
	ref.Trigger()
	testutil.WaitFor(t, func() bool {
		v, _ := store.Metric("step_count")
		return v.Value == 42
	}, time.Second, "refresh after access is granted")
}

func TestNewRefresher_InvalidConfig(t *testing.T) {
	cat := catalog.Default()
	_, err := NewRefresher(Config{}, cat, testutil.NewMockSource(), NewStore(cat), testutil.NewTestLogger().Logger())
	assert.Error(t, err)
}
