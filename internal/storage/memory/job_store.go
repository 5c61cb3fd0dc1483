// Package memory provides in-process job and blob stores for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
)

var errJobExists = errors.New("job already exists")

// JobStore keeps job records in a map.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.Job)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, errJobExists)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJob replaces the stored record for job.ID.
func (s *JobStore) UpdateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("update job %s: %w", job.ID, crawler.ErrNotFound)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, crawler.ErrNotFound)
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs in any of statuses (all jobs when none are given),
// oldest first.
func (s *JobStore) ListJobs(_ context.Context, statuses ...crawler.JobStatus) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if len(statuses) > 0 && !slices.Contains(statuses, job.Status) {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// cloneJob copies the slices and pointers of a job so callers cannot mutate
// stored state.
func cloneJob(job crawler.Job) crawler.Job {
	job.Scope.Domains = slices.Clone(job.Scope.Domains)
	job.Scope.Seeds = slices.Clone(job.Scope.Seeds)
	if job.Scope.Region != nil {
		r := *job.Scope.Region
		job.Scope.Region = &r
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		job.StartedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		job.FinishedAt = &t
	}
	return job
}
