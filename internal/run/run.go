// Package run holds the SyncRun record shared by the scheduler and the
// executor. The scheduler is the only writer of the run state; the executor is
// the only writer of pending ids and results. Every mutation goes through the
// run's mutex so expiry and completion cannot lose each other's updates.
package run

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a sync run
type State int

const (
	StateScheduled State = iota
	StateExecuting
	StateCompleted
	StateExpired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateExpired:
		return "expired"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are allowed from s
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateExpired || s == StateFailed
}

// Status is the per-metric outcome inside a run
type Status int

const (
	StatusUploaded Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUploaded:
		return "uploaded"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the recorded outcome for one metric
type Result struct {
	Status Status
	Reason string
}

func Uploaded() Result { return Result{Status: StatusUploaded} }
func Skipped(reason string) Result { return Result{Status: StatusSkipped, Reason: reason} }
func Failed(reason string) Result { return Result{Status: StatusFailed, Reason: reason} }

// TaskRequest is what the scheduler hands to the host's deferred-execution
// facility when a run is admitted.
type TaskRequest struct {
	RunID                uuid.UUID
	Budget               time.Duration
	RequiresConnectivity bool
}

// SyncRun is one execution of the pipeline over every catalog metric
type SyncRun struct {
	ID uuid.UUID

	mu         sync.Mutex
	state      State
	order      []string
	pending    map[string]struct{}
	claimed    map[string]struct{}
	closed     bool
	claimsDone *sync.Cond
	results    map[string]Result
	deadline   time.Time
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time

	settleOnce sync.Once
	settled    chan struct{}
}

// New creates a Scheduled run covering metricIDs
func New(metricIDs []string, now time.Time) *SyncRun {
	r := &SyncRun{
		ID:        uuid.New(),
		state:     StateScheduled,
		order:     append([]string(nil), metricIDs...),
		pending:   make(map[string]struct{}, len(metricIDs)),
		claimed:   make(map[string]struct{}),
		results:   make(map[string]Result, len(metricIDs)),
		createdAt: now,
		settled:   make(chan struct{}),
	}
	r.claimsDone = sync.NewCond(&r.mu)
	for _, id := range metricIDs {
		r.pending[id] = struct{}{}
	}
	return r
}

// Transition moves the run from one state to another if it is currently in
// from. Entering Executing stamps the start time; entering a terminal state
// stamps the finish time.
func (r *SyncRun) Transition(from, to State, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != from {
		return false
	}
	r.state = to
	if to == StateExecuting {
		r.startedAt = now
	}
	if to.Terminal() {
		r.finishedAt = now
	}
	return true
}

// SetDeadline records the absolute deadline computed when execution begins
func (r *SyncRun) SetDeadline(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadline = t
}

// Record stores a metric's result and removes it from the pending set. It
// returns false if the metric is not pending, which discards late results.
func (r *SyncRun) Record(metricID string, res Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[metricID]; !ok {
		return false
	}
	delete(r.pending, metricID)
	r.results[metricID] = res
	if _, ok := r.claimed[metricID]; ok {
		delete(r.claimed, metricID)
		r.claimsDone.Broadcast()
	}
	return true
}

// Claim reserves a pending metric for a side effect that cannot be undone,
// such as persisting its upload. A claimed metric is left alone by
// ExpireRemaining until Record resolves it. Claim fails once the metric has a
// result or the remaining metrics have been expired.
func (r *SyncRun) Claim(metricID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	if _, ok := r.pending[metricID]; !ok {
		return false
	}
	if _, ok := r.claimed[metricID]; ok {
		return false
	}
	r.claimed[metricID] = struct{}{}
	return true
}

// ExpireRemaining marks every still pending, unclaimed metric as failed with
// reason and returns the affected ids in catalog order. No claims succeed
// afterwards.
func (r *SyncRun) ExpireRemaining(reason string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	var expired []string
	for _, id := range r.order {
		if _, ok := r.pending[id]; !ok {
			continue
		}
		if _, ok := r.claimed[id]; ok {
			continue
		}
		delete(r.pending, id)
		r.results[id] = Failed(reason)
		expired = append(expired, id)
	}
	return expired
}

// AwaitClaims blocks until every claimed metric has been recorded
func (r *SyncRun) AwaitClaims() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.claimed) > 0 {
		r.claimsDone.Wait()
	}
}

func (r *SyncRun) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *SyncRun) Deadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadline
}

// Pending returns the ids still awaiting a result, in catalog order
func (r *SyncRun) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked()
}

func (r *SyncRun) pendingLocked() []string {
	out := make([]string, 0, len(r.pending))
	for _, id := range r.order {
		if _, ok := r.pending[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Results returns a copy of the recorded results
func (r *SyncRun) Results() map[string]Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Result, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out
}

// FailedCount returns how many metrics have a Failed result
func (r *SyncRun) FailedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.results {
		if res.Status == StatusFailed {
			n++
		}
	}
	return n
}

// Snapshot is a point-in-time copy of a run, safe to hand to other goroutines
type Snapshot struct {
	ID         uuid.UUID
	State      State
	MetricIDs  []string
	Pending    []string
	Results    map[string]Result
	Deadline   time.Time
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r *SyncRun) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	results := make(map[string]Result, len(r.results))
	for k, v := range r.results {
		results[k] = v
	}
	return Snapshot{
		ID:         r.ID,
		State:      r.state,
		MetricIDs:  append([]string(nil), r.order...),
		Pending:    r.pendingLocked(),
		Results:    results,
		Deadline:   r.deadline,
		CreatedAt:  r.createdAt,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
}

// Settle marks the executor as done with this run. Safe to call more than once.
func (r *SyncRun) Settle() {
	r.settleOnce.Do(func() { close(r.settled) })
}

// Settled is closed once the executor has finished with the run
func (r *SyncRun) Settled() <-chan struct{} {
	return r.settled
}

// Finisher receives the executor's report for a run
type Finisher interface {
	OnRunFinished(runID uuid.UUID, outcome Outcome)
}

// Outcome is what the executor reports when it is done with a run
type Outcome struct {
	// DeadlineExceeded is set when the run context ended before every fetch resolved
	DeadlineExceeded bool
}
