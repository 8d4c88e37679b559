package run

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// ============================================================================
// Transitions
// ============================================================================

func TestTransition_CompareAndSet(t *testing.T) {
	r := New([]string{"a"}, t0)
	assert.Equal(t, StateScheduled, r.State())

	assert.False(t, r.Transition(StateExecuting, StateCompleted, t0))
	assert.True(t, r.Transition(StateScheduled, StateExecuting, t0.Add(time.Second)))
	assert.True(t, r.Transition(StateExecuting, StateExpired, t0.Add(2*time.Second)))
	assert.False(t, r.Transition(StateExecuting, StateCompleted, t0.Add(3*time.Second)))

	snap := r.Snapshot()
	assert.Equal(t, StateExpired, snap.State)
	assert.Equal(t, t0.Add(time.Second), snap.StartedAt)
	assert.Equal(t, t0.Add(2*time.Second), snap.FinishedAt)
}

func TestTransition_ExactlyOneTerminalUnderRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		r := New([]string{"a"}, t0)
		require.True(t, r.Transition(StateScheduled, StateExecuting, t0))

		var wg sync.WaitGroup
		wins := make(chan State, 2)
		for _, to := range []State{StateExpired, StateCompleted} {
			wg.Add(1)
			go func(to State) {
				defer wg.Done()
				if r.Transition(StateExecuting, to, t0) {
					wins <- to
				}
			}(to)
		}
		wg.Wait()
		close(wins)

		var got []State
		for s := range wins {
			got = append(got, s)
		}
		require.Len(t, got, 1)
		assert.Equal(t, got[0], r.State())
	}
}

// ============================================================================
// Results
// ============================================================================

func TestRecord_RemovesPendingExactlyOnce(t *testing.T) {
	r := New([]string{"a", "b", "c"}, t0)

	assert.True(t, r.Record("b", Uploaded()))
	assert.False(t, r.Record("b", Failed("again")))
	assert.False(t, r.Record("zzz", Uploaded()))

	assert.Equal(t, []string{"a", "c"}, r.Pending())
	assert.Equal(t, Uploaded(), r.Results()["b"])
}

func TestExpireRemaining(t *testing.T) {
	r := New([]string{"a", "b", "c"}, t0)
	r.Record("a", Uploaded())
	r.Record("c", Skipped("no data"))

	expired := r.ExpireRemaining("expired")
	assert.Equal(t, []string{"b"}, expired)
	assert.Empty(t, r.Pending())

	results := r.Results()
	assert.Equal(t, Uploaded(), results["a"])
	assert.Equal(t, Skipped("no data"), results["c"])
	assert.Equal(t, Failed("expired"), results["b"])
	assert.Equal(t, 1, r.FailedCount())

	// late result is discarded
	assert.False(t, r.Record("b", Uploaded()))
	assert.Equal(t, Failed("expired"), r.Results()["b"])
}

func TestClaim_SurvivesExpiry(t *testing.T) {
	r := New([]string{"a", "b"}, t0)
	require.True(t, r.Claim("a"))
	assert.False(t, r.Claim("a"), "a metric is claimed once")

	expired := r.ExpireRemaining("expired")
	assert.Equal(t, []string{"b"}, expired)
	assert.Equal(t, []string{"a"}, r.Pending(), "claimed metric waits for its result")
	assert.False(t, r.Claim("b"))

	done := make(chan struct{})
	go func() {
		r.AwaitClaims()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AwaitClaims returned while a claim was open")
	case <-time.After(20 * time.Millisecond):
	}

	assert.True(t, r.Record("a", Uploaded()))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitClaims did not return after the claim was recorded")
	}
	assert.Equal(t, Uploaded(), r.Results()["a"])
	assert.Equal(t, Failed("expired"), r.Results()["b"])
}

func TestClaim_NotPending(t *testing.T) {
	r := New([]string{"a"}, t0)
	r.Record("a", Skipped("no data"))
	assert.False(t, r.Claim("a"))
	assert.False(t, r.Claim("zzz"))
	r.AwaitClaims()
}

func TestSettle_Idempotent(t *testing.T) {
	r := New(nil, t0)
	r.Settle()
	r.Settle()

	select {
	case <-r.Settled():
	default:
		t.Fatal("expected settled channel to be closed")
	}
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "executing", StateExecuting.String())
	assert.Equal(t, "expired", StateExpired.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateScheduled.Terminal())
	assert.Equal(t, "skipped", StatusSkipped.String())
}
