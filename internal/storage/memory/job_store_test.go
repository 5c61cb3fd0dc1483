package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewJobStore()
	job := crawler.Job{
		ID:        "job-1",
		Status:    crawler.JobStatusPending,
		Scope:     crawler.Scope{Domains: []crawler.Domain{crawler.DomainCOM}, Seeds: []string{"https://example.com"}},
		CreatedAt: time.Unix(10, 0),
	}
	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job))

	job.Status = crawler.JobStatusInProgress
	started := time.Unix(11, 0)
	job.StartedAt = &started
	require.NoError(t, store.UpdateJob(ctx, job))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusInProgress, got.Status)
	require.Equal(t, started, *got.StartedAt)

	got.Scope.Seeds[0] = "mutated"
	again, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "https://example.com", again.Scope.Seeds[0])
}

func TestJobStoreNotFound(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	_, err := store.GetJob(context.Background(), "missing")
	require.True(t, errors.Is(err, crawler.ErrNotFound))
	err = store.UpdateJob(context.Background(), crawler.Job{ID: "missing"})
	require.True(t, errors.Is(err, crawler.ErrNotFound))
}

func TestJobStoreListJobsFiltersByStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewJobStore()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "b", Status: crawler.JobStatusInProgress, CreatedAt: time.Unix(2, 0)}))
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "a", Status: crawler.JobStatusPending, CreatedAt: time.Unix(1, 0)}))
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "c", Status: crawler.JobStatusCompleted, CreatedAt: time.Unix(3, 0)}))

	active, err := store.ListJobs(ctx, crawler.JobStatusPending, crawler.JobStatusInProgress)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "a", active[0].ID)
	require.Equal(t, "b", active[1].ID)

	all, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
}
