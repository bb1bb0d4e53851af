// Package store registers export jobs and records their outcome.
//
// Registration validates the job description, fills unset settings from
// the configured defaults, and captures the window that starts where the
// last successful job of the same pipeline ended.
package store

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/models"
	"github.com/ajitpratap0/quasar/pkg/retry"
)

// Defaults fills settings omitted at registration
type Defaults struct {
	Attempts int
	Stamps   models.Stamps
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces the registration clock
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the store logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is the export job store
type Store struct {
	repo     Repository
	profiles Profiles
	defaults Defaults
	now      func() time.Time
	logger   *zap.Logger
}

// New creates a store
func New(repo Repository, profiles Profiles, defaults Defaults, opts ...Option) *Store {
	s := &Store{
		repo:     repo,
		profiles: profiles,
		defaults: defaults,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "store"))
	return s
}

// Register validates input and persists it as a pending job. The
// transaction is taken from ctx when one is set, otherwise generated.
func (s *Store) Register(ctx context.Context, input *models.ExportInput) (*models.Export, error) {
	if err := s.Validate(ctx, input); err != nil {
		return nil, err
	}

	transaction, ok := logger.TransactionFromContext(ctx)
	if !ok {
		transaction = uuid.NewString()
	}

	job := &models.Export{
		Transaction: transaction,
		Source:      input.Source,
		Target:      input.Target,
		Settings:    s.settings(input.Settings),
		Status:      models.StatusPending,
	}

	begin, err := s.LastSuccessfulWindowEnd(ctx, job.Pipeline())
	if err != nil {
		return nil, err
	}
	job.Window = models.Window{
		Begin: begin,
		End:   s.now().UTC().Truncate(time.Millisecond),
	}

	if err := s.repo.Save(ctx, job); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to save export").
			WithDetail("transaction", transaction)
	}

	metrics.JobsRegistered.WithLabelValues(job.Target.Name).Inc()
	s.logger.Info("export registered",
		zap.String("transaction", transaction),
		zap.String("source", job.Source.String()),
		zap.String("target", job.Target.Name),
		zap.Time("begin", job.Window.Begin),
		zap.Time("end", job.Window.End))

	return job, nil
}

// Validate checks input without persisting anything. Every failure is a
// validation error naming the offending field.
func (s *Store) Validate(ctx context.Context, input *models.ExportInput) error {
	if input == nil {
		return invalid("export is empty")
	}

	if input.Source == (models.ExportSource{}) {
		return invalid("export.source is empty")
	}
	if isBlank(input.Source.Name) {
		return invalid("export.source.name is empty")
	}
	if err := s.exists("export.source.name", func() error {
		_, err := s.profiles.Source(ctx, input.Source.Name)
		return err
	}); err != nil {
		return err
	}
	if isBlank(input.Source.Database) {
		return invalid("export.source.database is empty")
	}
	if isBlank(input.Source.Collection) {
		return invalid("export.source.collection is empty")
	}

	if isBlank(input.Target.Name) {
		return invalid("export.target.name is empty")
	}
	if err := s.exists("export.target.name", func() error {
		_, err := s.profiles.Target(ctx, input.Target.Name)
		return err
	}); err != nil {
		return err
	}

	settings := input.Settings
	if settings == nil {
		return nil
	}
	if settings.Attempts != nil && *settings.Attempts < 0 {
		return invalid("export.settings.attempts is invalid")
	}
	if stamps := settings.Stamps; stamps != nil {
		fields := []struct {
			name  string
			value *string
		}{
			{"export.settings.stamps.id", stamps.ID},
			{"export.settings.stamps.insert", stamps.Insert},
			{"export.settings.stamps.update", stamps.Update},
		}
		for _, field := range fields {
			if field.value != nil && isBlank(*field.value) {
				return invalid(field.name + " is invalid")
			}
		}
		if stamps.Limit != nil && *stamps.Limit < 1 {
			return invalid("export.settings.stamps.limit is invalid")
		}
	}
	return nil
}

// exists turns a not-found lookup into a validation error
func (s *Store) exists(field string, lookup func() error) error {
	err := lookup()
	if err == nil {
		return nil
	}
	if errors.IsNotFound(err) {
		return invalid(field + " is invalid or does not exist")
	}
	return errors.Wrap(err, errors.ErrorTypeInternal, "failed to resolve "+field)
}

func (s *Store) settings(input *models.SettingsInput) models.Settings {
	settings := models.Settings{
		Attempts: s.defaults.Attempts,
		Stamps:   s.defaults.Stamps,
	}
	if input == nil {
		return settings
	}
	if input.Attempts != nil {
		settings.Attempts = *input.Attempts
	}
	if stamps := input.Stamps; stamps != nil {
		if stamps.ID != nil {
			settings.Stamps.ID = *stamps.ID
		}
		if stamps.Insert != nil {
			settings.Stamps.Insert = *stamps.Insert
		}
		if stamps.Update != nil {
			settings.Stamps.Update = *stamps.Update
		}
		if stamps.Limit != nil {
			settings.Stamps.Limit = *stamps.Limit
		}
	}
	return settings
}

// LastSuccessfulWindowEnd returns where the next window of pipeline begins
func (s *Store) LastSuccessfulWindowEnd(ctx context.Context, pipeline models.Pipeline) (time.Time, error) {
	end, ok, err := s.repo.LatestSuccessfulEnd(ctx, pipeline)
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read last successful window")
	}
	if !ok {
		return models.Epoch, nil
	}
	return end.UTC(), nil
}

// MarkSuccess records the successful completion of job
func (s *Store) MarkSuccess(ctx context.Context, job *models.Export) error {
	job.Status = models.StatusSuccess
	job.Error = nil
	return s.finish(ctx, job)
}

// MarkError records the terminal failure of job. The message is the
// aggregate error and the cause its primary underlying error.
func (s *Store) MarkError(ctx context.Context, job *models.Export, cause error) error {
	job.Status = models.StatusError
	job.Error = describe(cause)
	return s.finish(ctx, job)
}

func (s *Store) finish(ctx context.Context, job *models.Export) error {
	if err := s.repo.Save(ctx, job); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to update export status").
			WithDetail("transaction", job.Transaction).
			WithDetail("status", string(job.Status))
	}
	metrics.JobsFinished.WithLabelValues(string(job.Status)).Inc()
	return nil
}

func describe(err error) *models.ExportError {
	if err == nil {
		return &models.ExportError{Message: "export failed"}
	}

	described := &models.ExportError{Message: err.Error()}

	var failed *retry.TaskFailedError
	if stderrors.As(err, &failed) {
		if last := failed.Last(); last != nil {
			described.Cause = last.Error()
		}
		return described
	}
	if inner := stderrors.Unwrap(err); inner != nil {
		described.Cause = inner.Error()
	}
	return described
}

// Get returns the job registered under transaction
func (s *Store) Get(ctx context.Context, transaction string) (*models.Export, error) {
	return s.repo.Get(ctx, transaction)
}

// List calls fn for every job matching filter
func (s *Store) List(ctx context.Context, filter Filter, fn func(job *models.Export) error) error {
	return s.repo.Find(ctx, filter, fn)
}

// PendingPipelines lists pipelines with pending jobs
func (s *Store) PendingPipelines(ctx context.Context) ([]models.Pipeline, error) {
	return s.repo.PendingPipelines(ctx)
}

// Profiles returns the profile resolver used for validation
func (s *Store) Profiles() Profiles {
	return s.profiles
}

func invalid(message string) error {
	return errors.New(errors.ErrorTypeValidation, message)
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
