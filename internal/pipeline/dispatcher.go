// Package pipeline dispatches export jobs through per-pipeline logs.
//
// # Overview
//
// Every (source collection, target) pair owns one durable log. Jobs are
// appended to the log of their pipeline and a dedicated loop consumes it:
//   - entries of one pipeline run strictly one at a time, in log order
//   - different pipelines run concurrently and independently
//   - an entry is acknowledged once its job reaches a terminal status
//
// Tasks are rebuilt from the persisted job document, so a dispatcher
// process can run jobs registered by any other process.
//
// # Basic Usage
//
//	d := pipeline.NewDispatcher(store, log, factory, engine, pipeline.DefaultConfig(), logger)
//	go d.Run(ctx)
//	err := d.Enqueue(ctx, job)
package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/broker"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/models"
	"github.com/ajitpratap0/quasar/pkg/observability"
	"github.com/ajitpratap0/quasar/pkg/retry"
)

// Jobs is the part of the job store the dispatcher needs
type Jobs interface {
	Get(ctx context.Context, transaction string) (*models.Export, error)
	MarkSuccess(ctx context.Context, job *models.Export) error
	MarkError(ctx context.Context, job *models.Export, cause error) error
	PendingPipelines(ctx context.Context) ([]models.Pipeline, error)
}

// TaskFactory rebuilds the unit of work of a job
type TaskFactory interface {
	Task(job *models.Export) retry.Task
}

// Config contains dispatcher timing
type Config struct {
	// DiscoveryInterval is how often pipelines with pending jobs are looked up
	DiscoveryInterval time.Duration
	// PollInterval is the pause after a failed loop iteration
	PollInterval time.Duration
	// FinishTimeout bounds status updates and acknowledgements, which run
	// even while shutting down
	FinishTimeout time.Duration
}

// DefaultConfig returns the default dispatcher timing
func DefaultConfig() Config {
	return Config{
		DiscoveryInterval: 10 * time.Second,
		PollInterval:      time.Second,
		FinishTimeout:     30 * time.Second,
	}
}

// Dispatcher owns the pipeline loops
type Dispatcher struct {
	jobs   Jobs
	log    broker.Log
	tasks  TaskFactory
	engine *retry.Engine
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	loops   map[models.PipelineKey]bool // true once the loop is started
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher
func NewDispatcher(jobs Jobs, log broker.Log, tasks TaskFactory, engine *retry.Engine, config Config, logger *zap.Logger) *Dispatcher {
	defaults := DefaultConfig()
	if config.DiscoveryInterval <= 0 {
		config.DiscoveryInterval = defaults.DiscoveryInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.FinishTimeout <= 0 {
		config.FinishTimeout = defaults.FinishTimeout
	}

	return &Dispatcher{
		jobs:   jobs,
		log:    log,
		tasks:  tasks,
		engine: engine,
		config: config,
		logger: logger.With(zap.String("component", "dispatcher")),
		loops:  make(map[models.PipelineKey]bool),
	}
}

// Enqueue appends a reference to job on its pipeline log and follows the
// pipeline
func (d *Dispatcher) Enqueue(ctx context.Context, job *models.Export) error {
	key := job.PipelineKey()

	if err := d.log.Ensure(ctx, key); err != nil {
		return err
	}
	entry, err := d.log.Append(ctx, key, job.Transaction)
	if err != nil {
		return err
	}

	d.logger.Debug("export enqueued",
		zap.String("pipeline", key.String()),
		zap.String("transaction", job.Transaction),
		zap.String("entry", entry.ID))

	d.Follow(key)
	return nil
}

// Follow makes sure a loop consumes key. Keys followed before Run are
// started when Run begins.
func (d *Dispatcher) Follow(key models.PipelineKey) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loops[key] {
		return
	}
	if !d.running {
		d.loops[key] = false
		return
	}
	d.start(key)
}

// start requires d.mu
func (d *Dispatcher) start(key models.PipelineKey) {
	d.loops[key] = true
	d.wg.Add(1)
	go d.loop(d.runCtx, key)
}

// Discover follows every pipeline that has pending jobs
func (d *Dispatcher) Discover(ctx context.Context) error {
	pipelines, err := d.jobs.PendingPipelines(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover pipelines: %w", err)
	}
	for _, p := range pipelines {
		d.Follow(p.Key())
	}
	return nil
}

// Run starts the loops and discovers pipelines periodically until ctx is
// done, then waits for the loops to stop. A job attempt in flight when
// ctx is cancelled is allowed to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return stderrors.New("dispatcher is already running")
	}
	d.running = true
	d.runCtx = ctx
	for key, started := range d.loops {
		if !started {
			d.start(key)
		}
	}
	d.mu.Unlock()

	d.logger.Info("dispatcher started",
		zap.Duration("discovery_interval", d.config.DiscoveryInterval))

	ticker := time.NewTicker(d.config.DiscoveryInterval)
	defer ticker.Stop()

	for {
		if err := d.Discover(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("pipeline discovery failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// loop processes the entries of key one at a time. Failed iterations are
// logged and retried after PollInterval; only ctx ends the loop.
func (d *Dispatcher) loop(ctx context.Context, key models.PipelineKey) {
	defer d.wg.Done()

	metrics.ActivePipelines.Inc()
	defer metrics.ActivePipelines.Dec()

	ctx = logger.WithPipeline(ctx, key.String())
	log := d.logger.With(zap.String("pipeline", key.String()))
	log.Info("following pipeline")

	var (
		ready   bool
		current *claim
	)
	for ctx.Err() == nil {
		err := d.iterate(ctx, key, &ready, &current, log)
		if err == nil {
			continue
		}
		if ctx.Err() != nil || stderrors.Is(err, broker.ErrClosed) {
			break
		}

		metrics.LoopFailures.Inc()
		log.Error("pipeline iteration failed", zap.Error(err))

		select {
		case <-ctx.Done():
		case <-time.After(d.config.PollInterval):
		}
	}

	log.Info("pipeline loop stopped")
}

// claim is the entry a loop works on. Once the export has run its outcome
// is kept, so a failed status write or ack is retried without running the
// export again.
type claim struct {
	entry    broker.Entry
	job      *models.Export
	ran      bool
	outcome  error
	started  time.Time
	recorded bool
}

// iterate claims an entry unless one is still unfinished and processes it
func (d *Dispatcher) iterate(ctx context.Context, key models.PipelineKey, ready *bool, current **claim, log *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline iteration panicked: %v", r)
			log.Error("recovered from panic", zap.ByteString("stack", debug.Stack()))
		}
	}()

	if !*ready {
		if err := d.log.Ensure(ctx, key); err != nil {
			return err
		}
		*ready = true
	}

	if *current == nil {
		entry, err := d.log.Claim(ctx, key)
		if err != nil {
			return err
		}
		*current = &claim{entry: entry}
	}

	done, err := d.process(ctx, key, *current, log)
	if done {
		*current = nil
	}
	return err
}

// process runs the job referenced by c.entry, records its outcome and
// acknowledges the entry. It reports whether the entry was acknowledged;
// an entry left unacknowledged without error belongs to a job interrupted
// by shutdown and will be delivered again.
func (d *Dispatcher) process(ctx context.Context, key models.PipelineKey, c *claim, log *zap.Logger) (bool, error) {
	log = log.With(zap.String("entry", c.entry.ID), zap.String("transaction", c.entry.Transaction))
	ctx = logger.WithTransaction(ctx, c.entry.Transaction)

	if !c.ran {
		job, err := d.jobs.Get(ctx, c.entry.Transaction)
		switch {
		case errors.IsNotFound(err):
			log.Warn("no export found for entry, skipping")
			return d.ack(ctx, key, c.entry)
		case err != nil:
			return false, err
		case job.Status.IsTerminal():
			log.Info("export already finished, skipping", zap.String("status", string(job.Status)))
			return d.ack(ctx, key, c.entry)
		}

		log.Info("export started", zap.Int("attempts", job.Settings.Attempts))
		start := time.Now()

		spanCtx, span := observability.StartSpan(ctx, "export.job",
			attribute.String("transaction", job.Transaction),
			attribute.String("pipeline", key.String()))
		runErr := d.execute(spanCtx, job)
		span.End(runErr)

		var interrupted *retry.InterruptedError
		if stderrors.As(runErr, &interrupted) {
			log.Warn("export interrupted, leaving entry for redelivery",
				zap.Int("attempts_made", len(interrupted.Errors)))
			return false, nil
		}

		c.job, c.ran, c.outcome, c.started = job, true, runErr, start
		if runErr == nil {
			log.Info("export finished successfully", zap.Duration("duration", time.Since(start)))
		} else {
			log.Error("export failed", zap.Error(runErr), zap.Duration("duration", time.Since(start)))
		}
	}

	if !c.recorded {
		if err := d.record(ctx, c); err != nil {
			return false, err
		}
		c.recorded = true
		metrics.JobDuration.WithLabelValues(string(c.job.Status)).Observe(time.Since(c.started).Seconds())
	}

	return d.ack(ctx, key, c.entry)
}

// record stores the outcome of c on its job document
func (d *Dispatcher) record(ctx context.Context, c *claim) error {
	finishCtx, cancel := d.finishContext(ctx)
	defer cancel()

	if c.outcome == nil {
		return d.jobs.MarkSuccess(finishCtx, c.job)
	}
	return d.jobs.MarkError(finishCtx, c.job, c.outcome)
}

// execute runs job through the engine; a panicking task fails the job
func (d *Dispatcher) execute(ctx context.Context, job *models.Export) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrorTypeInternal, "export task panicked: %v", r)
		}
	}()
	return d.engine.Run(ctx, d.tasks.Task(job))
}

func (d *Dispatcher) ack(ctx context.Context, key models.PipelineKey, entry broker.Entry) (bool, error) {
	ackCtx, cancel := d.finishContext(ctx)
	defer cancel()

	if err := d.log.Ack(ackCtx, key, entry); err != nil {
		return false, fmt.Errorf("failed to acknowledge entry %s: %w", entry.ID, err)
	}
	return true, nil
}

func (d *Dispatcher) finishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.config.FinishTimeout)
}
