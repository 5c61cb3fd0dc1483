// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no transition may leave the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next keeps the status sequence
// a subsequence of pending -> in_progress -> {completed | failed}.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusInProgress || next == JobStatusFailed
	case JobStatusInProgress:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// ParseJobStatus converts a stored value back into a JobStatus.
func ParseJobStatus(raw string) (JobStatus, error) {
	switch s := JobStatus(raw); s {
	case JobStatusPending, JobStatusInProgress, JobStatusCompleted, JobStatusFailed:
		return s, nil
	default:
		return "", errUnknownValue("job status", raw)
	}
}

// FailureReason explains why a job ended in the failed state.
type FailureReason string

// Failure reasons recorded on failed jobs.
const (
	ReasonNone            FailureReason = ""
	ReasonSystemicFailure FailureReason = "systemic_failure"
	ReasonCanceled        FailureReason = "canceled"
	ReasonPoolStalled     FailureReason = "pool_stalled"
	ReasonInterrupted     FailureReason = "interrupted"
)

// Job is the orchestrator's record of a crawl request.
type Job struct {
	ID                string        `json:"id"`
	Status            JobStatus     `json:"status"`
	Scope             Scope         `json:"scope"`
	CallerID          string        `json:"caller_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	FinishedAt        *time.Time    `json:"finished_at,omitempty"`
	FrontierRemaining int           `json:"frontier_remaining"`
	InFlight          int           `json:"in_flight"`
	Attempted         int           `json:"attempted"`
	PagesIndexed      int           `json:"pages_indexed"`
	FailureCount      int           `json:"failure_count"`
	Reason            FailureReason `json:"reason,omitempty"`
	ErrorText         string        `json:"error_text,omitempty"`
}

// FrontierEntry is a URL waiting in the frontier on behalf of a job.
type FrontierEntry struct {
	URL        string
	Domain     string
	Priority   int
	Depth      int
	JobID      string
	EnqueuedAt time.Time
}

// FetchStatus marks whether a fetch produced a body.
type FetchStatus string

// Fetch status values.
const (
	FetchOK    FetchStatus = "ok"
	FetchError FetchStatus = "error"
)

// ErrorKind classifies a failed fetch or parse.
type ErrorKind string

// Error kinds counted against a job's failure budget.
const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindNetwork    ErrorKind = "network"
	ErrorKindHTTPStatus ErrorKind = "http_status"
	ErrorKindParse      ErrorKind = "parse"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID string
	URL   string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL             string
	StatusCode      int
	ContentType     string
	ContentLanguage string
	Body            []byte
	Duration        time.Duration
}

// FetchResult travels from a fetch worker to the document processor.
type FetchResult struct {
	Entry           FrontierEntry
	Status          FetchStatus
	StatusCode      int
	ContentType     string
	ContentLanguage string
	Body            []byte
	ErrorKind       ErrorKind
	Err             error
	FetchedAt       time.Time
	Duration        time.Duration
}

// IndexedPage is the searchable record for one URL.
type IndexedPage struct {
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Snippet      string    `json:"snippet"`
	ThumbnailURL string    `json:"thumbnail,omitempty"`
	Region       string    `json:"region,omitempty"`
	ContentHash  string    `json:"content_hash,omitempty"`
	BlobURI      string    `json:"blob_uri,omitempty"`
	IndexedAt    time.Time `json:"indexed_at"`
	SourceJobID  string    `json:"source_job_id"`
}

// Document pairs a page with the weighted term frequencies derived from it.
type Document struct {
	Page  IndexedPage
	Terms map[string]float64
}

// ScoredPage is a lookup hit.
type ScoredPage struct {
	Page  IndexedPage
	Score float64
}

// ProcessOutcome summarizes what the document processor did with a result.
type ProcessOutcome struct {
	JobID         string
	URL           string
	Status        FetchStatus
	ErrorKind     ErrorKind
	Indexed       bool
	LinksFound    int
	LinksEnqueued int
}

// Signal is sent to the orchestrator for every processed fetch result. Entry
// still holds its frontier lease; the orchestrator acknowledges it when it
// consumes the signal.
type Signal struct {
	Entry   FrontierEntry
	Outcome ProcessOutcome
	At      time.Time
}

// JobEvent is published when a job reaches a terminal state.
type JobEvent struct {
	JobID        string        `json:"job_id"`
	Status       JobStatus     `json:"status"`
	Reason       FailureReason `json:"reason,omitempty"`
	PagesIndexed int           `json:"pages_indexed"`
	FailureCount int           `json:"failure_count"`
	Attempted    int           `json:"attempted"`
	FinishedAt   time.Time     `json:"finished_at"`
}
