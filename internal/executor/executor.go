package executor

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
	"github.com/livinlefevreloca/vitalsync/internal/health"
	"github.com/livinlefevreloca/vitalsync/internal/payload"
	"github.com/livinlefevreloca/vitalsync/internal/run"
)

// Uploader accepts payloads for delivery. A nil error means the payload was
// handed off, not that it reached the server.
type Uploader interface {
	Enqueue(ctx context.Context, p payload.UploadPayload) error
}

// SampleRecorder receives every sample fetched during a run
type SampleRecorder interface {
	RecordSample(desc catalog.MetricDescriptor, sample health.Sample)
}

// Executor fetches the latest sample of every pending metric in a run and
// enqueues one upload per sample.
type Executor struct {
	config   Config
	catalog  *catalog.Catalog
	source   health.Source
	uploader Uploader
	recorder SampleRecorder
	logger   *slog.Logger
}

// New creates an executor. recorder may be nil.
func New(config Config, cat *catalog.Catalog, source health.Source, uploader Uploader, recorder SampleRecorder, logger *slog.Logger) (*Executor, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid executor config: %w", err)
	}
	if cat == nil || source == nil || uploader == nil {
		return nil, fmt.Errorf("executor requires a catalog, a source and an uploader")
	}

	return &Executor{
		config:   config,
		catalog:  cat,
		source:   source,
		uploader: uploader,
		recorder: recorder,
		logger:   logger,
	}, nil
}

// Run executes r until every fetch resolves or ctx is done, reports the
// outcome to done and then settles r.
func (e *Executor) Run(ctx context.Context, r *run.SyncRun, done run.Finisher) {
	defer r.Settle()

	outcome := e.execute(ctx, r)
	done.OnRunFinished(r.ID, outcome)
}

func (e *Executor) execute(ctx context.Context, r *run.SyncRun) run.Outcome {
	pending := r.Pending()
	e.logger.Info("executing sync run", "run_id", r.ID, "metrics", len(pending))

	finished := make(chan struct{})
	go func() {
		defer close(finished)

		var g errgroup.Group
		g.SetLimit(e.config.MaxConcurrency)
		for _, id := range pending {
			// Go blocks while the limit is reached, so re-check before each start
			if ctx.Err() != nil {
				break
			}
			desc, ok := e.catalog.Lookup(id)
			if !ok {
				r.Record(id, run.Failed("unsupported metric"))
				continue
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				e.fetch(ctx, r, desc)
				return nil
			})
		}
		g.Wait()
	}()

	select {
	case <-finished:
		// Fetches skipped because ctx ended mid-loop are still pending
		if ctx.Err() == nil || len(r.Pending()) == 0 {
			return run.Outcome{}
		}
	case <-ctx.Done():
	}

	expired := r.ExpireRemaining("expired")
	r.AwaitClaims()
	if len(expired) == 0 {
		return run.Outcome{}
	}
	e.logger.Warn("sync run deadline reached",
		"run_id", r.ID,
		"expired_metrics", expired,
		"error", ctx.Err())
	return run.Outcome{DeadlineExceeded: true}
}

func (e *Executor) fetch(ctx context.Context, r *run.SyncRun, desc catalog.MetricDescriptor) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("metric fetch panicked", "run_id", r.ID, "metric_id", desc.ID, "panic", p)
			r.Record(desc.ID, run.Failed(fmt.Sprintf("panic: %v", p)))
		}
	}()

	sample, err := e.source.FetchLatest(ctx, desc.ID, desc.Unit)
	switch {
	case health.IsNotFound(err):
		e.record(r, desc.ID, run.Skipped("no data"))
		return
	case err != nil:
		e.logger.Warn("metric fetch failed", "run_id", r.ID, "metric_id", desc.ID, "error", err)
		e.record(r, desc.ID, run.Failed(err.Error()))
		return
	}

	if sample.MetricID == "" {
		sample.MetricID = desc.ID
	}
	if e.recorder != nil {
		e.recorder.RecordSample(desc, sample)
	}

	p, err := payload.Build(desc, sample)
	if err != nil {
		e.logger.Warn("payload rejected", "run_id", r.ID, "metric_id", desc.ID, "error", err)
		e.record(r, desc.ID, run.Failed(err.Error()))
		return
	}

	// Results arriving after the run expired are not uploaded. Once claimed,
	// the metric's result follows the enqueue even if the deadline passes.
	if !r.Claim(desc.ID) {
		e.logger.Debug("discarding late sample", "run_id", r.ID, "metric_id", desc.ID)
		return
	}

	if err := e.uploader.Enqueue(ctx, p); err != nil {
		e.logger.Warn("enqueue failed", "run_id", r.ID, "metric_id", desc.ID, "error", err)
		e.record(r, desc.ID, run.Failed("enqueue: "+err.Error()))
		return
	}
	e.record(r, desc.ID, run.Uploaded())
}

func (e *Executor) record(r *run.SyncRun, metricID string, res run.Result) {
	if !r.Record(metricID, res) {
		e.logger.Debug("result discarded", "run_id", r.ID, "metric_id", metricID, "status", res.Status.String())
	}
}
