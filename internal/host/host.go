// Package host provides the in-process deferred-execution facility. It
// accepts one pending task at a time, begins it once its earliest begin time
// and connectivity precondition are met, enforces the granted budget with an
// expiry timer, and reschedules with exponential backoff after failures.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/livinlefevreloca/vitalsync/internal/run"
)

// Handler receives the host's callbacks
type Handler interface {
	BeginExecution(runID uuid.UUID, granted time.Duration) error
	OnExpire(runID uuid.UUID) bool
	RequestRun(ctx context.Context) (bool, error)
}

// Connectivity reports whether the network precondition currently holds
type Connectivity func(ctx context.Context) bool

// DialCheck returns a Connectivity that succeeds when addr accepts a TCP
// connection within timeout. An empty addr always succeeds.
func DialCheck(addr string, timeout time.Duration) Connectivity {
	return func(ctx context.Context) bool {
		if addr == "" {
			return true
		}
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

type pendingTask struct {
	req    run.TaskRequest
	cancel context.CancelFunc
}

type activeTask struct {
	runID  uuid.UUID
	expiry *time.Timer
}

// LocalHost runs submitted tasks in-process
type LocalHost struct {
	config       Config
	connectivity Connectivity
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	handler    Handler
	pending    *pendingTask
	active     *activeTask
	backoff    *backoff.ExponentialBackOff
	retryTimer *time.Timer
	closed     bool
	begun      int
	expired    int
	retries    int
}

// NewLocalHost creates a host. A nil connectivity uses a TCP dial to
// config.DialAddress.
func NewLocalHost(config Config, connectivity Connectivity, logger *slog.Logger) (*LocalHost, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if connectivity == nil {
		connectivity = DialCheck(config.DialAddress, config.DialTimeout)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.RetryInitial
	b.MaxInterval = config.RetryMax
	b.Multiplier = 2
	b.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	return &LocalHost{
		config:       config,
		connectivity: connectivity,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		backoff:      b,
	}, nil
}

// SetHandler binds the component that receives begin, expiry and retry callbacks
func (h *LocalHost) SetHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Submit queues a task. A task already waiting to begin is replaced.
func (h *LocalHost) Submit(ctx context.Context, req run.TaskRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("host is closed")
	}
	if h.handler == nil {
		return fmt.Errorf("host has no handler")
	}

	if h.pending != nil {
		h.logger.Info("replacing pending task",
			"run_id", h.pending.req.RunID,
			"replacement_run_id", req.RunID)
		h.pending.cancel()
	}

	taskCtx, cancel := context.WithCancel(h.ctx)
	task := &pendingTask{req: req, cancel: cancel}
	h.pending = task

	h.logger.Debug("task submitted",
		"run_id", req.RunID,
		"requires_connectivity", req.RequiresConnectivity,
		"earliest_begin", h.config.EarliestBeginDelay)

	h.wg.Add(1)
	go h.await(taskCtx, task)
	return nil
}

// await waits for the begin conditions, then begins the task
func (h *LocalHost) await(ctx context.Context, task *pendingTask) {
	defer h.wg.Done()

	if !sleep(ctx, h.config.EarliestBeginDelay) {
		return
	}

	if task.req.RequiresConnectivity {
		for !h.connectivity(ctx) {
			h.logger.Debug("waiting for connectivity", "run_id", task.req.RunID)
			if !sleep(ctx, h.config.ConnectivityPoll) {
				return
			}
		}
	}

	h.begin(task)
}

func (h *LocalHost) begin(task *pendingTask) {
	runID := task.req.RunID
	grant := h.config.Budget
	if task.req.Budget > 0 && task.req.Budget < grant {
		grant = task.req.Budget
	}

	h.mu.Lock()
	if h.pending != task || h.closed {
		h.mu.Unlock()
		return
	}
	h.pending = nil
	task.cancel()

	handler := h.handler
	active := &activeTask{runID: runID}
	active.expiry = time.AfterFunc(grant, func() { h.expire(active) })
	h.active = active
	h.begun++
	h.mu.Unlock()

	h.logger.Info("beginning task", "run_id", runID, "budget", grant)
	if err := handler.BeginExecution(runID, grant); err != nil {
		h.logger.Warn("handler rejected task", "run_id", runID, "error", err)
		h.mu.Lock()
		if h.active == active {
			active.expiry.Stop()
			h.active = nil
		}
		h.mu.Unlock()
	}
}

func (h *LocalHost) expire(active *activeTask) {
	h.mu.Lock()
	if h.active != active {
		h.mu.Unlock()
		return
	}
	h.expired++
	handler := h.handler
	h.mu.Unlock()

	h.logger.Warn("task budget exhausted", "run_id", active.runID)
	// The handler reports the failure back through Complete
	handler.OnExpire(active.runID)
}

// Complete is called when a task finishes. Failures schedule a new run
// request after an exponential backoff; success resets the backoff.
func (h *LocalHost) Complete(runID uuid.UUID, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active != nil && h.active.runID == runID {
		h.active.expiry.Stop()
		h.active = nil
	}

	if success {
		h.backoff.Reset()
		if h.retryTimer != nil {
			h.retryTimer.Stop()
			h.retryTimer = nil
		}
		h.logger.Debug("task completed", "run_id", runID)
		return
	}

	if h.closed {
		return
	}
	if h.retryTimer != nil {
		h.retryTimer.Stop()
	}
	delay := h.backoff.NextBackOff()
	handler := h.handler
	h.retries++
	h.retryTimer = time.AfterFunc(delay, func() {
		if _, err := handler.RequestRun(h.ctx); err != nil {
			h.logger.Warn("rescheduled run request failed", "error", err)
		}
	})
	h.logger.Info("task failed, rescheduling", "run_id", runID, "retry_in", delay)
}

// Stats is a snapshot of host activity
type Stats struct {
	Pending bool
	Active  bool
	Begun   int
	Expired int
	Retries int
}

func (h *LocalHost) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Pending: h.pending != nil,
		Active:  h.active != nil,
		Begun:   h.begun,
		Expired: h.expired,
		Retries: h.retries,
	}
}

// Close cancels pending tasks and stops all timers
func (h *LocalHost) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	if h.active != nil {
		h.active.expiry.Stop()
		h.active = nil
	}
	if h.retryTimer != nil {
		h.retryTimer.Stop()
	}
	h.pending = nil
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

// sleep waits for d or until ctx is done; it reports whether d elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
