// Package exporter is the entry point used by the command line: register
// export jobs and list them.
package exporter

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/internal/store"
	"github.com/ajitpratap0/quasar/pkg/errors"
	jsonpool "github.com/ajitpratap0/quasar/pkg/json"
	"github.com/ajitpratap0/quasar/pkg/models"
)

// Enqueuer dispatches registered jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Export) error
}

// Service registers and lists export jobs
type Service struct {
	store      *store.Store
	dispatcher Enqueuer
	logger     *zap.Logger
}

// NewService creates a service
func NewService(s *store.Store, dispatcher Enqueuer, logger *zap.Logger) *Service {
	return &Service{
		store:      s,
		dispatcher: dispatcher,
		logger:     logger.With(zap.String("component", "exporter")),
	}
}

// Register persists input as a pending job, dispatches it and returns its
// transaction. A job that cannot be dispatched is marked failed so its
// window is captured again by the next registration.
func (s *Service) Register(ctx context.Context, input *models.ExportInput) (string, error) {
	job, err := s.store.Register(ctx, input)
	if err != nil {
		return "", err
	}

	if err := s.dispatcher.Enqueue(ctx, job); err != nil {
		if markErr := s.store.MarkError(context.WithoutCancel(ctx), job, err); markErr != nil {
			s.logger.Error("failed to record dispatch failure",
				zap.String("transaction", job.Transaction),
				zap.Error(markErr))
		}
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "failed to dispatch export").
			WithDetail("transaction", job.Transaction)
	}

	return job.Transaction, nil
}

// RegisterJSON decodes a job description from r and registers it
func (s *Service) RegisterJSON(ctx context.Context, r io.Reader) (string, error) {
	var input models.ExportInput
	if err := jsonpool.NewDecoder(r).Decode(&input); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "export is not valid JSON")
	}
	return s.Register(ctx, &input)
}

// List writes the jobs matching filter to w as
// {"results":[...],"metadata":{"count":N}} and returns the count
func (s *Service) List(ctx context.Context, filter store.Filter, w io.Writer) (int, error) {
	if _, err := io.WriteString(w, `{"results":`); err != nil {
		return 0, err
	}

	enc := jsonpool.NewStreamingEncoder(w)
	err := s.store.List(ctx, filter, func(job *models.Export) error {
		return enc.Encode(job)
	})
	if err != nil {
		return enc.Count(), fmt.Errorf("failed to list exports: %w", err)
	}
	if err := enc.Close(); err != nil {
		return enc.Count(), err
	}

	if _, err := fmt.Fprintf(w, `,"metadata":{"count":%d}}`+"\n", enc.Count()); err != nil {
		return enc.Count(), err
	}
	return enc.Count(), nil
}
