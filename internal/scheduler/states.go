package scheduler

import (
	"context"
	"time"

	"github.com/livinlefevreloca/vitalsync/internal/run"
)

// Phase is the scheduler's view of the current run's lifecycle. Each phase
// only exposes the transitions that are legal from it.
type Phase interface {
	Name() string
}

var phaseNames = []string{"idle", "scheduled", "executing", "completed", "expired", "failed"}

// IdleState - no run scheduled or executing
type IdleState struct{}

func (s *IdleState) Name() string { return "idle" }
func (s *IdleState) ToScheduled(r *run.SyncRun) *ScheduledState {
	return &ScheduledState{run: r}
}

// ScheduledState - submitted to the host, waiting to begin
type ScheduledState struct {
	run *run.SyncRun
}

func (s *ScheduledState) Name() string { return "scheduled" }
func (s *ScheduledState) ToExecuting(now, deadline time.Time, cancel context.CancelFunc) (*ExecutingState, bool) {
	if !s.run.Transition(run.StateScheduled, run.StateExecuting, now) {
		return nil, false
	}
	s.run.SetDeadline(deadline)
	return &ExecutingState{run: s.run, deadline: deadline, cancel: cancel}, true
}
func (s *ScheduledState) ToFailed(now time.Time) (*FailedState, bool) {
	if !s.run.Transition(run.StateScheduled, run.StateFailed, now) {
		return nil, false
	}
	return &FailedState{run: s.run}, true
}

// ExecutingState - the executor owns pending ids and results
type ExecutingState struct {
	run      *run.SyncRun
	deadline time.Time
	cancel   context.CancelFunc
}

func (s *ExecutingState) Name() string { return "executing" }
func (s *ExecutingState) ToCompleted(now time.Time) (*CompletedState, bool) {
	if !s.run.Transition(run.StateExecuting, run.StateCompleted, now) {
		return nil, false
	}
	return &CompletedState{run: s.run}, true
}
func (s *ExecutingState) ToExpired(now time.Time) (*ExpiredState, bool) {
	if !s.run.Transition(run.StateExecuting, run.StateExpired, now) {
		return nil, false
	}
	return &ExpiredState{run: s.run}, true
}
func (s *ExecutingState) ToFailed(now time.Time) (*FailedState, bool) {
	if !s.run.Transition(run.StateExecuting, run.StateFailed, now) {
		return nil, false
	}
	return &FailedState{run: s.run}, true
}

// TerminalState is implemented by the three end states
type TerminalState interface {
	Phase
	Run() *run.SyncRun
	Success() bool
	ToIdle() *IdleState
}

// CompletedState - every metric has a result within the failure threshold
type CompletedState struct {
	run *run.SyncRun
}

func (s *CompletedState) Name() string { return "completed" }
func (s *CompletedState) Run() *run.SyncRun { return s.run }
func (s *CompletedState) Success() bool { return true }
func (s *CompletedState) ToIdle() *IdleState { return &IdleState{} }

// ExpiredState - the deadline passed first
type ExpiredState struct {
	run *run.SyncRun
}

func (s *ExpiredState) Name() string { return "expired" }
func (s *ExpiredState) Run() *run.SyncRun { return s.run }
func (s *ExpiredState) Success() bool { return false }
func (s *ExpiredState) ToIdle() *IdleState { return &IdleState{} }

// FailedState - submit failed, or too many metrics failed
type FailedState struct {
	run *run.SyncRun
}

func (s *FailedState) Name() string { return "failed" }
func (s *FailedState) Run() *run.SyncRun { return s.run }
func (s *FailedState) Success() bool { return false }
func (s *FailedState) ToIdle() *IdleState { return &IdleState{} }
