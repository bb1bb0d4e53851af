package store

import (
	"context"
	"time"

	"github.com/ajitpratap0/quasar/pkg/models"
)

// Collection names in the metadata database
const (
	ExportsCollection = "exports"
	SourcesCollection = "sources"
	TargetsCollection = "targets"
)

// Filter selects job documents; empty fields match anything
type Filter struct {
	Transaction string        `json:"transaction,omitempty"`
	Status      models.Status `json:"status,omitempty"`
	Source      string        `json:"source,omitempty"`
	Database    string        `json:"database,omitempty"`
	Collection  string        `json:"collection,omitempty"`
	Target      string        `json:"target,omitempty"`
}

// Match reports whether job satisfies the filter
func (f Filter) Match(job *models.Export) bool {
	checks := []struct{ want, got string }{
		{f.Transaction, job.Transaction},
		{string(f.Status), string(job.Status)},
		{f.Source, job.Source.Name},
		{f.Database, job.Source.Database},
		{f.Collection, job.Source.Collection},
		{f.Target, job.Target.Name},
	}
	for _, c := range checks {
		if c.want != "" && c.want != c.got {
			return false
		}
	}
	return true
}

// Repository persists export job documents. A job's identity is its
// transaction together with its source and target.
type Repository interface {
	// Save inserts job or replaces the document with the same identity
	Save(ctx context.Context, job *models.Export) error
	// Get returns the job registered under transaction
	Get(ctx context.Context, transaction string) (*models.Export, error)
	// LatestSuccessfulEnd returns the greatest window end among successful
	// jobs of pipeline; ok is false when there is none
	LatestSuccessfulEnd(ctx context.Context, pipeline models.Pipeline) (end time.Time, ok bool, err error)
	// PendingPipelines lists the pipelines having at least one pending job
	PendingPipelines(ctx context.Context) ([]models.Pipeline, error)
	// Find calls fn for every job matching filter, oldest window first
	Find(ctx context.Context, filter Filter, fn func(job *models.Export) error) error
}

// Profiles resolves logical source and target names
type Profiles interface {
	Source(ctx context.Context, name string) (models.SourceProfile, error)
	Target(ctx context.Context, name string) (models.TargetProfile, error)
}
