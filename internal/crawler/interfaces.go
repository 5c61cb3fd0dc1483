package crawler

import (
	"context"
	"io"
	"time"
)

// JobStore persists job records so status survives restarts.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, statuses ...JobStatus) ([]Job, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes job events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Frontier is the view fetch workers have of the URL frontier.
type Frontier interface {
	Dequeue(budget int) (FrontierEntry, bool)
	Ready() <-chan struct{}
}

// LinkSink accepts discovered links; the processor's view of the frontier.
type LinkSink interface {
	Enqueue(entry FrontierEntry) error
}

// ResultQueue carries fetch results from workers to processors.
type ResultQueue interface {
	Enqueue(ctx context.Context, result FetchResult) error
	Dequeue(ctx context.Context) (FetchResult, error)
}

// Indexer accepts documents for the search index.
type Indexer interface {
	Index(doc Document) (bool, error)
}

// ScopeResolver looks up the crawl scope of a running job.
type ScopeResolver interface {
	JobScope(jobID string) (Scope, bool)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
