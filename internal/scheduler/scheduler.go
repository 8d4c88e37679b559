package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/vitalsync/internal/run"
	"github.com/livinlefevreloca/vitalsync/internal/syncer"
	"github.com/livinlefevreloca/vitalsync/internal/telemetry"
)

var (
	// ErrPipelineDisabled is returned while health data authorization is denied
	ErrPipelineDisabled = errors.New("scheduler: pipeline disabled")

	// ErrUnknownRun is returned for callbacks naming a run that is not current
	ErrUnknownRun = errors.New("scheduler: unknown run")
)

// Host is the deferred-execution facility runs are submitted to
type Host interface {
	Submit(ctx context.Context, req run.TaskRequest) error
	Complete(runID uuid.UUID, success bool)
}

// Executor performs the fetch and upload work of a run. It must call
// done.OnRunFinished and then r.Settle exactly once.
type Executor interface {
	Run(ctx context.Context, r *run.SyncRun, done run.Finisher)
}

// Archiver persists terminal runs
type Archiver interface {
	Buffer(rec syncer.RunRecord) error
}

// Option configures optional scheduler collaborators
type Option func(*Scheduler)

// WithClock replaces time.Now for timestamps and deadlines
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMetrics reports admissions and terminal runs to m
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTerminalHook calls fn with the settled snapshot of every terminal run
func WithTerminalHook(fn func(run.Snapshot)) Option {
	return func(s *Scheduler) { s.onTerminal = fn }
}

// Status is a point-in-time view of the scheduler
type Status struct {
	State          string
	Disabled       bool
	DisabledReason string
	Current        *run.Snapshot
	LastRun        *run.Snapshot
	Admitted       int64
	Coalesced      int64
	Completed      int64
	Expired        int64
	Failed         int64
}

// Scheduler owns the single in-flight sync run. Requests arriving while a run
// is scheduled or executing are coalesced into it.
type Scheduler struct {
	config    Config
	metricIDs []string
	host      Host
	executor  Executor
	archive   Archiver
	logger    *slog.Logger

	metrics    *telemetry.Metrics
	onTerminal func(run.Snapshot)
	now        func() time.Time

	// runCtx parents every run context so Shutdown can stop in-flight work
	runCtx    context.Context
	runCancel context.CancelFunc

	mu             sync.Mutex
	phase          Phase
	current        *run.SyncRun
	disabled       bool
	disabledReason string
	lastRun        *run.Snapshot

	admitted  int64
	coalesced int64
	completed int64
	expired   int64
	failed    int64

	archiveWG sync.WaitGroup
}

// NewScheduler creates a scheduler whose runs cover metricIDs
func NewScheduler(config Config, metricIDs []string, host Host, executor Executor, archive Archiver, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if len(metricIDs) == 0 {
		return nil, fmt.Errorf("scheduler needs at least one metric")
	}
	if host == nil || executor == nil || archive == nil {
		return nil, fmt.Errorf("scheduler needs a host, an executor and an archiver")
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		config:    config,
		metricIDs: append([]string(nil), metricIDs...),
		host:      host,
		executor:  executor,
		archive:   archive,
		logger:    logger,
		now:       time.Now,
		runCtx:    runCtx,
		runCancel: runCancel,
		phase:     &IdleState{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.SetSchedulerState(s.phase.Name(), phaseNames)
	return s, nil
}

// RequestRun admits a new run if none is in flight and submits it to the
// host. It returns true when a run was admitted and false when the request
// was coalesced into the current run.
func (s *Scheduler) RequestRun(ctx context.Context) (bool, error) {
	r, err := s.admit()
	if err != nil || r == nil {
		return false, err
	}

	req := run.TaskRequest{
		RunID:                r.ID,
		Budget:               s.config.Budget,
		RequiresConnectivity: s.config.RequiresConnectivity,
	}
	if err := s.host.Submit(ctx, req); err != nil {
		s.logger.Error("failed to submit run to host", "run_id", r.ID, "error", err)
		s.failScheduled(r)
		return false, fmt.Errorf("submit run %s: %w", r.ID, err)
	}

	return true, nil
}

// RunNow admits a run and begins executing it immediately without going
// through the host. The returned run settles once the executor is done.
func (s *Scheduler) RunNow() (*run.SyncRun, error) {
	r, err := s.admit()
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("a sync run is already in flight")
	}
	if err := s.BeginExecution(r.ID, s.config.Budget); err != nil {
		return nil, err
	}
	return r, nil
}

// admit creates and schedules a run, or returns nil if one is in flight
func (s *Scheduler) admit() (*run.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disabled {
		return nil, ErrPipelineDisabled
	}

	idle, ok := s.phase.(*IdleState)
	if !ok {
		s.coalesced++
		s.metrics.RunCoalesced()
		s.logger.Debug("run request coalesced",
			"run_id", s.current.ID,
			"state", s.phase.Name())
		return nil, nil
	}

	r := run.New(s.metricIDs, s.now())
	s.setPhaseLocked(idle.ToScheduled(r))
	s.current = r
	s.admitted++
	s.metrics.RunAdmitted()

	s.logger.Info("run state transition",
		"run_id", r.ID,
		"from", idle.Name(),
		"to", s.phase.Name(),
		"metrics", len(s.metricIDs))
	return r, nil
}

func (s *Scheduler) failScheduled(r *run.SyncRun) {
	s.mu.Lock()
	sched, ok := s.phase.(*ScheduledState)
	if !ok || s.current != r {
		s.mu.Unlock()
		return
	}
	failed, ok := sched.ToFailed(s.now())
	if !ok {
		s.mu.Unlock()
		return
	}
	s.finishLocked(sched, failed)
	s.mu.Unlock()

	// Never handed to the executor, so nothing else will settle it
	r.Settle()
	s.archiveWhenSettled(r)
}

// BeginExecution is called by the host when the deferred task starts. The
// budget is the host's grant capped by the configured budget.
func (s *Scheduler) BeginExecution(runID uuid.UUID, granted time.Duration) error {
	s.mu.Lock()

	if s.current == nil || s.current.ID != runID {
		s.mu.Unlock()
		return fmt.Errorf("begin %s: %w", runID, ErrUnknownRun)
	}
	sched, ok := s.phase.(*ScheduledState)
	if !ok {
		state := s.phase.Name()
		s.mu.Unlock()
		return fmt.Errorf("begin %s: run is %s, not scheduled", runID, state)
	}

	budget := s.config.grantedBudget(granted)
	now := s.now()
	deadline := now.Add(budget)
	ctx, cancel := context.WithTimeout(s.runCtx, budget)

	exec, ok := sched.ToExecuting(now, deadline, cancel)
	if !ok {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("begin %s: run left scheduled state", runID)
	}
	s.setPhaseLocked(exec)
	r := s.current
	s.mu.Unlock()

	s.logger.Info("run state transition",
		"run_id", runID,
		"from", sched.Name(),
		"to", exec.Name(),
		"budget", budget,
		"deadline", deadline)

	go s.executor.Run(ctx, r, s)
	return nil
}

// OnExpire is called by the host when the budget is exhausted. It expires an
// executing run regardless of pending work and reports failure to the host.
// Returns false if nothing was expired.
func (s *Scheduler) OnExpire(runID uuid.UUID) bool {
	s.mu.Lock()

	if s.current == nil || s.current.ID != runID {
		s.mu.Unlock()
		s.logger.Debug("ignoring expiry for stale run", "run_id", runID)
		return false
	}
	exec, ok := s.phase.(*ExecutingState)
	if !ok {
		state := s.phase.Name()
		s.mu.Unlock()
		s.logger.Debug("ignoring expiry", "run_id", runID, "state", state)
		return false
	}
	expired, ok := exec.ToExpired(s.now())
	if !ok {
		s.mu.Unlock()
		return false
	}
	r := s.finishLocked(exec, expired)
	s.mu.Unlock()

	exec.cancel()
	s.host.Complete(runID, false)
	s.archiveWhenSettled(r)
	return true
}

// OnRunFinished is called by the executor once every pending metric has a
// result or the run context ended. Ignored unless the run is executing.
func (s *Scheduler) OnRunFinished(runID uuid.UUID, outcome run.Outcome) {
	s.mu.Lock()

	if s.current == nil || s.current.ID != runID {
		s.mu.Unlock()
		s.logger.Debug("ignoring finish for stale run", "run_id", runID)
		return
	}
	exec, ok := s.phase.(*ExecutingState)
	if !ok {
		state := s.phase.Name()
		s.mu.Unlock()
		s.logger.Debug("ignoring finish", "run_id", runID, "state", state)
		return
	}

	r := s.current
	now := s.now()
	var terminal TerminalState
	switch {
	case outcome.DeadlineExceeded:
		if st, ok := exec.ToExpired(now); ok {
			terminal = st
		}
	case len(r.Pending()) > 0, r.FailedCount() > s.config.FailureThreshold:
		if st, ok := exec.ToFailed(now); ok {
			terminal = st
		}
	default:
		if st, ok := exec.ToCompleted(now); ok {
			terminal = st
		}
	}
	if terminal == nil {
		s.mu.Unlock()
		return
	}
	s.finishLocked(exec, terminal)
	s.mu.Unlock()

	exec.cancel()
	s.host.Complete(runID, terminal.Success())
	s.archiveWhenSettled(r)
}

// finishLocked records the terminal transition and returns to idle
func (s *Scheduler) finishLocked(from Phase, terminal TerminalState) *run.SyncRun {
	r := terminal.Run()
	switch terminal.(type) {
	case *CompletedState:
		s.completed++
	case *ExpiredState:
		s.expired++
	case *FailedState:
		s.failed++
	}

	s.logger.Info("run state transition",
		"run_id", r.ID,
		"from", from.Name(),
		"to", terminal.Name())

	s.setPhaseLocked(terminal.ToIdle())
	s.current = nil
	return r
}

func (s *Scheduler) setPhaseLocked(p Phase) {
	s.phase = p
	s.metrics.SetSchedulerState(p.Name(), phaseNames)
}

// archiveWhenSettled waits for the executor to finish writing results and
// then archives the run. A run that does not settle in time is archived as is.
func (s *Scheduler) archiveWhenSettled(r *run.SyncRun) {
	s.archiveWG.Add(1)
	go func() {
		defer s.archiveWG.Done()

		timer := time.NewTimer(s.config.SettleTimeout)
		defer timer.Stop()
		select {
		case <-r.Settled():
		case <-timer.C:
			s.logger.Warn("run did not settle before archiving", "run_id", r.ID)
		}

		snap := r.Snapshot()
		s.mu.Lock()
		s.lastRun = &snap
		s.mu.Unlock()

		s.metrics.RunFinished(snap.State.String(), snap.StartedAt, snap.FinishedAt)
		for id, res := range snap.Results {
			s.metrics.MetricResult(id, res.Status.String())
		}

		if err := s.archive.Buffer(syncer.RecordFromSnapshot(snap)); err != nil {
			s.logger.Error("failed to archive run", "run_id", r.ID, "error", err)
		}
		if s.onTerminal != nil {
			s.onTerminal(snap)
		}
	}()
}

// Disable stops new runs from being admitted until Enable is called
func (s *Scheduler) Disable(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.disabled {
		s.logger.Warn("sync pipeline disabled", "reason", reason)
	}
	s.disabled = true
	s.disabledReason = reason
}

func (s *Scheduler) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		s.logger.Info("sync pipeline enabled")
	}
	s.disabled = false
	s.disabledReason = ""
}

// Current returns the in-flight run, or nil when idle
func (s *Scheduler) Current() *run.SyncRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Status returns the scheduler state and counters
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:          s.phase.Name(),
		Disabled:       s.disabled,
		DisabledReason: s.disabledReason,
		Admitted:       s.admitted,
		Coalesced:      s.coalesced,
		Completed:      s.completed,
		Expired:        s.expired,
		Failed:         s.failed,
	}
	if s.current != nil {
		snap := s.current.Snapshot()
		st.Current = &snap
	}
	if s.lastRun != nil {
		last := *s.lastRun
		st.LastRun = &last
	}
	return st
}

// Shutdown cancels any in-flight run context and waits for pending archives
func (s *Scheduler) Shutdown() {
	s.runCancel()
	s.archiveWG.Wait()
}
