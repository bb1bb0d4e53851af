// Package worker implements the export task run for every job: read the
// job's window from the source collection, stage the rows in a fresh
// warehouse table, merge them into the main table and drop the staging
// table whatever happened.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/internal/store"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/models"
	"github.com/ajitpratap0/quasar/pkg/observability"
	"github.com/ajitpratap0/quasar/pkg/retry"
	"github.com/ajitpratap0/quasar/pkg/rowcodec"
	"github.com/ajitpratap0/quasar/pkg/source"
	"github.com/ajitpratap0/quasar/pkg/warehouse"
)

// Config tunes export tasks
type Config struct {
	// DatasetPrefix is prepended to the source database to name the dataset
	DatasetPrefix string
	// AttemptTimeout bounds one attempt; zero means unbounded
	AttemptTimeout time.Duration
	// CleanupTimeout bounds the staging table deletion
	CleanupTimeout time.Duration
}

// Factory builds export tasks from persisted jobs
type Factory struct {
	profiles   store.Profiles
	sources    source.Opener
	warehouses warehouse.Opener
	config     Config
	now        func() time.Time
	logger     *zap.Logger
}

// NewFactory creates a task factory
func NewFactory(profiles store.Profiles, sources source.Opener, warehouses warehouse.Opener, config Config, logger *zap.Logger) *Factory {
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = time.Minute
	}
	return &Factory{
		profiles:   profiles,
		sources:    sources,
		warehouses: warehouses,
		config:     config,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "export_worker")),
	}
}

// New returns the task exporting job. The task only depends on the job
// document, so any process can rebuild it.
func (f *Factory) New(job *models.Export) *ExportTask {
	return &ExportTask{
		factory: f,
		job:     job.Clone(),
		logger: f.logger.With(
			zap.String("transaction", job.Transaction),
			zap.String("source", job.Source.String()),
			zap.String("target", job.Target.Name)),
	}
}

// ExportTask exports one job; it implements retry.Task
type ExportTask struct {
	factory *Factory
	job     *models.Export
	logger  *zap.Logger
}

// Name implements retry.Task
func (t *ExportTask) Name() string {
	return fmt.Sprintf("export %s", t.job.Transaction)
}

// Attempts implements retry.Task
func (t *ExportTask) Attempts() int {
	return t.job.Settings.Attempts
}

// Job returns the exported job
func (t *ExportTask) Job() *models.Export {
	return t.job
}

// Perform implements retry.Task
func (t *ExportTask) Perform(ctx context.Context, attempt int, previous error) (err error) {
	ctx = logger.WithTransaction(ctx, t.job.Transaction)
	if timeout := t.factory.config.AttemptTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := observability.StartSpan(ctx, "export.attempt",
		attribute.String("transaction", t.job.Transaction),
		attribute.Int("attempt", attempt))
	defer func() { span.End(err) }()

	log := t.logger.With(zap.Int("attempt", attempt))
	if previous != nil {
		log.Info("retrying export", zap.NamedError("previous", previous))
	}

	sourceProfile, err := t.factory.profiles.Source(ctx, t.job.Source.Name)
	if err != nil {
		return fmt.Errorf("failed to resolve source %q: %w", t.job.Source.Name, err)
	}
	targetProfile, err := t.factory.profiles.Target(ctx, t.job.Target.Name)
	if err != nil {
		return fmt.Errorf("failed to resolve target %q: %w", t.job.Target.Name, err)
	}

	reader, err := t.factory.sources.Open(ctx, sourceProfile, t.job.Source)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := reader.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.Warn("failed to close source reader", zap.Error(cerr))
		}
	}()

	client, err := t.factory.warehouses.Open(ctx, targetProfile)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			log.Warn("failed to close warehouse client", zap.Error(cerr))
		}
	}()

	main := warehouse.MainTable(client.Project(), t.factory.config.DatasetPrefix, t.job.Source)
	staging := main.Staging()
	log = log.With(zap.String("main", main.String()), zap.String("staging", staging.String()))

	if err := client.EnsureTable(ctx, main); err != nil {
		return err
	}

	defer t.dropStaging(ctx, client, staging, log)
	if err := client.EnsureTable(ctx, staging); err != nil {
		return err
	}

	stamps := t.job.Settings.Stamps
	window := t.job.Window

	total, err := reader.Count(ctx, stamps, window)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to count source documents")
	}
	log.Info("exporting documents",
		zap.Int64("count", total),
		zap.Time("begin", window.Begin),
		zap.Time("end", window.End))

	staged, err := t.stage(ctx, reader, client, staging)
	if err != nil {
		return err
	}
	span.SetAttribute("rows", staged)

	timer := metrics.NewTimer("merge")
	inserted, err := client.Merge(ctx, main, staging)
	metrics.MergeDuration.Observe(timer.Stop().Seconds())
	if err != nil {
		return err
	}
	metrics.MergedRows.Add(float64(inserted))
	span.SetAttribute("merged", inserted)

	log.Info("export attempt finished",
		zap.Int("staged", staged),
		zap.Int64("merged", inserted))
	return nil
}

// stage streams the window into the staging table in batches of
// stamps.limit rows and returns the number of rows written
func (t *ExportTask) stage(ctx context.Context, reader source.Reader, client warehouse.Warehouse, staging warehouse.TableRef) (int, error) {
	stamps := t.job.Settings.Stamps
	limit := max(stamps.Limit, 1)
	captureTime := t.factory.now().UTC()

	batch := make([]models.Row, 0, limit)
	written := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := client.Insert(ctx, staging, batch); err != nil {
			return err
		}
		written += len(batch)
		batch = batch[:0]
		return nil
	}

	err := reader.Each(ctx, stamps, t.job.Window, func(doc bson.M) error {
		row, err := rowcodec.Encode(doc, stamps, captureTime)
		if err != nil {
			return err
		}
		batch = append(batch, row)
		if len(batch) >= limit {
			return flush()
		}
		return nil
	})
	if err != nil {
		return written, err
	}
	return written, flush()
}

// dropStaging deletes the staging table. Failures are logged and counted
// but never returned.
func (t *ExportTask) dropStaging(ctx context.Context, client warehouse.Warehouse, staging warehouse.TableRef, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.factory.config.CleanupTimeout)
	defer cancel()

	if err := client.DeleteTable(ctx, staging); err != nil {
		metrics.StagingCleanupFailures.Inc()
		log.Error("failed to delete staging table", zap.Error(err))
		return
	}
	log.Debug("staging table deleted")
}

// Task returns the export task of job as a retry.Task
func (f *Factory) Task(job *models.Export) retry.Task {
	return f.New(job)
}
