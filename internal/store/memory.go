package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/models"
)

// Memory is an in-process Repository and Profiles
type Memory struct {
	mu      sync.Mutex
	jobs    []*models.Export
	sources map[string]models.SourceProfile
	targets map[string]models.TargetProfile

	// SaveErr, when set, is consulted before every Save
	SaveErr func(job *models.Export) error
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{
		sources: make(map[string]models.SourceProfile),
		targets: make(map[string]models.TargetProfile),
	}
}

// PutSource registers a source profile
func (m *Memory) PutSource(profile models.SourceProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[profile.Name] = profile
}

// PutTarget registers a target profile
func (m *Memory) PutTarget(profile models.TargetProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[profile.Name] = profile
}

func sameIdentity(a, b *models.Export) bool {
	return a.Transaction == b.Transaction && a.Source == b.Source && a.Target == b.Target
}

// Save implements Repository
func (m *Memory) Save(_ context.Context, job *models.Export) error {
	if m.SaveErr != nil {
		if err := m.SaveErr(job); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := job.Clone()
	for i, existing := range m.jobs {
		if sameIdentity(existing, job) {
			m.jobs[i] = stored
			return nil
		}
	}
	m.jobs = append(m.jobs, stored)
	return nil
}

// Get implements Repository
func (m *Memory) Get(_ context.Context, transaction string) (*models.Export, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if job.Transaction == transaction {
			return job.Clone(), nil
		}
	}
	return nil, errors.New(errors.ErrorTypeNotFound, "export not found").
		WithDetail("transaction", transaction)
}

// LatestSuccessfulEnd implements Repository
func (m *Memory) LatestSuccessfulEnd(_ context.Context, pipeline models.Pipeline) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		latest time.Time
		found  bool
	)
	for _, job := range m.jobs {
		if job.Status != models.StatusSuccess || job.Pipeline() != pipeline {
			continue
		}
		if !found || job.Window.End.After(latest) {
			latest = job.Window.End
			found = true
		}
	}
	return latest, found, nil
}

// PendingPipelines implements Repository
func (m *Memory) PendingPipelines(_ context.Context) ([]models.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[models.Pipeline]bool)
	var pipelines []models.Pipeline
	for _, job := range m.jobs {
		pipeline := job.Pipeline()
		if job.Status != models.StatusPending || seen[pipeline] {
			continue
		}
		seen[pipeline] = true
		pipelines = append(pipelines, pipeline)
	}
	return pipelines, nil
}

// Find implements Repository
func (m *Memory) Find(ctx context.Context, filter Filter, fn func(job *models.Export) error) error {
	m.mu.Lock()
	var matched []*models.Export
	for _, job := range m.jobs {
		if filter.Match(job) {
			matched = append(matched, job.Clone())
		}
	}
	m.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Window.End.Before(matched[j].Window.End)
	})

	for _, job := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
	}
	return nil
}

// Source implements Profiles
func (m *Memory) Source(_ context.Context, name string) (models.SourceProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.sources[name]
	if !ok {
		return models.SourceProfile{}, errors.Newf(errors.ErrorTypeNotFound, "sources profile %q not found", name)
	}
	return profile, nil
}

// Target implements Profiles
func (m *Memory) Target(_ context.Context, name string) (models.TargetProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.targets[name]
	if !ok {
		return models.TargetProfile{}, errors.Newf(errors.ErrorTypeNotFound, "targets profile %q not found", name)
	}
	return profile, nil
}
