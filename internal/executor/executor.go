// Package executor drains the scheduler's ready set with a bounded
// pool of worker goroutines, consulting the cache adapter before and
// after invoking the build command, and reporting status back into
// the queue. Cache queries, builds and uploads block on subprocess I/O
// here, in the workers; the scheduler itself never awaits while
// holding its mutex.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/models"
)

// Queue is the subset of *scheduler.BuildQueue the executor depends
// on, declared here (consumer side) so tests can substitute a fake
// without importing the scheduler package.
type Queue interface {
	WaitReady(ctx context.Context) error
	DrainReady() []models.BuildJob
	UpdateStatus(drvPath string, status models.BuildStatus, errMsg *string) []models.WorkflowID
}

// CacheAdapter is the narrow view of internal/cacheadapter the
// executor needs: a presence check before building, a best-effort
// push after a successful build.
type CacheAdapter interface {
	DerivationCached(ctx context.Context, outputs []string) (bool, error)
	UploadOutputs(ctx context.Context, outputs []string) error
}

// Builder invokes the external build command for one derivation. The
// passed context carries the per-build timeout deadline; a Builder
// must return ctx.Err() (wrapped or bare) when that deadline expires
// so the executor can distinguish TimedOut from Failed.
type Builder interface {
	Build(ctx context.Context, derivation models.Derivation) error
}

// OutputQuerier is optionally implemented by builders that can report
// the live output paths of a derivation after a successful build. The
// executor falls back to it when a derivation declared no outputs at
// evaluation time, so the upload still has paths to push.
type OutputQuerier interface {
	QueryOutputs(ctx context.Context, drvPath string) ([]string, error)
}

// History is the subset of internal/history.Store the executor writes
// to. A nil History is valid (history writes are best-effort);
// the executor just skips them.
type History interface {
	UpsertBuildStart(ctx context.Context, drv models.Derivation, startedAt time.Time) error
	LinkWorkflow(ctx context.Context, drvPath string, workflowID models.WorkflowID) error
	FinishBuild(ctx context.Context, drvPath string, status models.BuildStatus, errText string, finishedAt time.Time) error
}

// CompletionHandler is invoked with the workflows a status update
// completed, letting the app layer advance workflow rows in the
// history store and notify the SCM without the executor importing
// either package.
type CompletionHandler func(workflowIDs []models.WorkflowID)

// Config bounds the executor's concurrency and per-build patience.
type Config struct {
	MaxConcurrentBuilds int64
	BuildTimeout        time.Duration
}

// BuildExecutor is the bounded worker pool that drives builds.
type BuildExecutor struct {
	queue   Queue
	cache   CacheAdapter
	builder Builder
	history History
	onDone  CompletionHandler
	sem     *semaphore.Weighted
	clock   clock.Clock
	cfg     Config
	log     logger.Log
}

// Option customizes a BuildExecutor at construction time.
type Option func(*BuildExecutor)

// WithClock overrides the executor's clock (used for history
// timestamps), primarily for deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(e *BuildExecutor) { e.clock = c }
}

// WithCompletionHandler registers a callback fired with the workflows
// a status update completed.
func WithCompletionHandler(h CompletionHandler) Option {
	return func(e *BuildExecutor) { e.onDone = h }
}

// New builds a BuildExecutor. history may be nil.
func New(queue Queue, cache CacheAdapter, builder Builder, history History, cfg Config, log logger.Log, opts ...Option) *BuildExecutor {
	if log == nil {
		log = logger.NewNoOp()
	}
	if cfg.MaxConcurrentBuilds <= 0 {
		cfg.MaxConcurrentBuilds = 1
	}
	e := &BuildExecutor{
		queue:   queue,
		cache:   cache,
		builder: builder,
		history: history,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentBuilds),
		clock:   clock.New(),
		cfg:     cfg,
		log:     log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives the main loop: refill a local FIFO from the ready set
// whenever it empties, skip jobs already canceled by a race with a
// cancellation cascade, acquire a worker slot, and launch a detached
// worker. It returns when ctx is canceled.
func (e *BuildExecutor) Run(ctx context.Context) error {
	var localQueue []models.BuildJob
	for {
		if len(localQueue) == 0 {
			if err := e.queue.WaitReady(ctx); err != nil {
				return err
			}
			localQueue = e.queue.DrainReady()
			continue
		}

		job := localQueue[0]
		localQueue = localQueue[1:]

		// The drain may race with a cancellation cascade: a job handed
		// out here can already be terminal-err by the time we look at
		// it. Re-check rather than dispatch a dead job.
		if job.Status.Err() {
			continue
		}

		if err := e.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go e.runWorker(ctx, job)
	}
}

func (e *BuildExecutor) runWorker(ctx context.Context, job models.BuildJob) {
	defer e.sem.Release(1)

	drv := job.Derivation
	cached, err := e.cache.DerivationCached(ctx, drv.Outputs)
	if err != nil {
		e.log.WithField("drv_path", drv.DrvPath).Warnf("cache lookup error, treating as miss: %v", err)
		cached = false
	}
	if cached {
		e.complete(e.queue.UpdateStatus(drv.DrvPath, models.BuildStatusCached, nil))
		return
	}

	e.complete(e.queue.UpdateStatus(drv.DrvPath, models.BuildStatusRunning, nil))
	started := e.clock.Now()
	if e.history != nil {
		if err := e.history.UpsertBuildStart(ctx, drv, started); err != nil {
			e.log.WithField("drv_path", drv.DrvPath).Warnf("history start write failed: %v", err)
		}
		for _, w := range job.RequestedByWorkflows() {
			if err := e.history.LinkWorkflow(ctx, drv.DrvPath, w); err != nil {
				e.log.WithField("drv_path", drv.DrvPath).Warnf("history workflow link failed: %v", err)
			}
		}
	}

	buildCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.BuildTimeout > 0 {
		buildCtx, cancel = context.WithTimeout(ctx, e.cfg.BuildTimeout)
		defer cancel()
	}
	buildErr := e.builder.Build(buildCtx, drv)
	finished := e.clock.Now()

	switch {
	case buildErr == nil:
		outputs := drv.Outputs
		if len(outputs) == 0 {
			if querier, ok := e.builder.(OutputQuerier); ok {
				live, err := querier.QueryOutputs(ctx, drv.DrvPath)
				if err != nil {
					e.log.WithField("drv_path", drv.DrvPath).Warnf("live output query failed, skipping upload: %v", err)
				}
				outputs = live
			}
		}
		if err := e.cache.UploadOutputs(ctx, outputs); err != nil {
			e.log.WithField("drv_path", drv.DrvPath).Warnf("cache upload failed: %v", err)
		}
		e.complete(e.queue.UpdateStatus(drv.DrvPath, models.BuildStatusSuccess, nil))
		e.recordFinish(ctx, drv.DrvPath, models.BuildStatusSuccess, "", finished)

	case errors.Is(buildCtx.Err(), context.DeadlineExceeded):
		msg := "build exceeded build_timeout_secs"
		e.complete(e.queue.UpdateStatus(drv.DrvPath, models.BuildStatusTimedOut, &msg))
		e.recordFinish(ctx, drv.DrvPath, models.BuildStatusTimedOut, msg, finished)

	default:
		msg := buildErr.Error()
		e.complete(e.queue.UpdateStatus(drv.DrvPath, models.BuildStatusFailed, &msg))
		e.recordFinish(ctx, drv.DrvPath, models.BuildStatusFailed, msg, finished)
	}
}

func (e *BuildExecutor) recordFinish(ctx context.Context, drvPath string, status models.BuildStatus, errText string, finishedAt time.Time) {
	if e.history == nil {
		return
	}
	if err := e.history.FinishBuild(ctx, drvPath, status, errText, finishedAt); err != nil {
		e.log.WithField("drv_path", drvPath).Warnf("history finish write failed: %v", err)
	}
}

func (e *BuildExecutor) complete(workflowIDs []models.WorkflowID) {
	if len(workflowIDs) == 0 || e.onDone == nil {
		return
	}
	e.onDone(workflowIDs)
}
