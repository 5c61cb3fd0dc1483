// Package worker implements the fetch loop run by each member of the pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
	"github.com/JakeFAU/crawlsearch/internal/metrics"
	"github.com/JakeFAU/crawlsearch/internal/telemetry"
)

// Defaults applied by New when Config leaves a field zero.
const (
	DefaultFetchTimeout     = 10 * time.Second
	DefaultIdleBackoff      = 200 * time.Millisecond
	DefaultFailureThreshold = 5
)

// Config controls Worker behavior.
type Config struct {
	FetchTimeout     time.Duration
	IdleBackoff      time.Duration
	DequeueBudget    int
	FailureThreshold int
}

// Observer receives progress and health notifications from workers.
type Observer interface {
	FetchCompleted()
	Degraded(workerID int, degraded bool)
}

// Worker pulls entries from the frontier, fetches them and hands the result to
// the processing queue. Fetch failures become error results; they never stop
// the loop.
type Worker struct {
	id       int
	frontier crawler.Frontier
	fetcher  crawler.Fetcher
	results  crawler.ResultQueue
	clock    crawler.Clock
	observer Observer
	cfg      Config
	logger   *zap.Logger

	consecutiveFailures int
	degraded            bool
}

// New constructs a Worker. observer may be nil.
func New(
	id int,
	frontier crawler.Frontier,
	fetcher crawler.Fetcher,
	results crawler.ResultQueue,
	clock crawler.Clock,
	observer Observer,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = DefaultIdleBackoff
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		frontier: frontier,
		fetcher:  fetcher,
		results:  results,
		clock:    clock,
		observer: observer,
		cfg:      cfg,
		logger:   logger.With(zap.Int("worker_id", id)),
	}
}

// Run blocks, fetching frontier entries until the context finishes or the
// processing queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		ready := w.frontier.Ready()
		worked, err := w.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if worked {
			continue
		}
		timer := time.NewTimer(w.cfg.IdleBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-ready:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Step performs at most one dequeue-fetch-hand-off cycle. It reports false when
// the frontier had nothing eligible.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	entry, ok := w.frontier.Dequeue(w.cfg.DequeueBudget)
	if !ok {
		return false, nil
	}

	result := w.fetch(ctx, entry)
	w.track(result)
	if w.observer != nil {
		w.observer.FetchCompleted()
	}

	if err := w.results.Enqueue(ctx, result); err != nil {
		w.logger.Warn("result hand-off failed",
			zap.String("job_id", entry.JobID),
			zap.String("url", entry.URL),
			zap.Error(err),
		)
		return true, fmt.Errorf("hand off result: %w", err)
	}
	return true, nil
}

func (w *Worker) fetch(ctx context.Context, entry crawler.FrontierEntry) crawler.FetchResult {
	ctx, span := telemetry.Tracer().Start(ctx, "worker.fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("crawl.job_id", entry.JobID),
		attribute.String("crawl.url", entry.URL),
	)

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	metrics.IncActiveWorkers()
	start := time.Now()
	resp, err := w.fetcher.Fetch(fetchCtx, crawler.FetchRequest{JobID: entry.JobID, URL: entry.URL})
	elapsed := time.Since(start)
	metrics.DecActiveWorkers()

	if err == nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		err = &crawler.HTTPStatusError{StatusCode: resp.StatusCode}
	}

	result := crawler.FetchResult{
		Entry:           entry,
		StatusCode:      resp.StatusCode,
		ContentType:     resp.ContentType,
		ContentLanguage: resp.ContentLanguage,
		FetchedAt:       w.clock.Now(),
		Duration:        elapsed,
	}
	if err != nil {
		if fetchCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("fetch exceeded %s: %w", w.cfg.FetchTimeout, err)
		}
		result.Status = crawler.FetchError
		result.ErrorKind = Classify(err)
		result.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, string(result.ErrorKind))
		metrics.ObserveFetch(entry.URL, string(result.ErrorKind), 0, elapsed)
		w.logger.Debug("fetch failed",
			zap.String("job_id", entry.JobID),
			zap.String("url", entry.URL),
			zap.String("kind", string(result.ErrorKind)),
			zap.Error(err),
		)
		return result
	}

	result.Status = crawler.FetchOK
	result.Body = resp.Body
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	metrics.ObserveFetch(entry.URL, string(crawler.FetchOK), len(resp.Body), elapsed)
	return result
}

func (w *Worker) track(result crawler.FetchResult) {
	if result.Status == crawler.FetchOK {
		w.consecutiveFailures = 0
		if w.degraded {
			w.degraded = false
			metrics.SetWorkerDegraded(false)
			w.logger.Info("worker recovered")
			if w.observer != nil {
				w.observer.Degraded(w.id, false)
			}
		}
		return
	}
	w.consecutiveFailures++
	if !w.degraded && w.consecutiveFailures >= w.cfg.FailureThreshold {
		w.degraded = true
		metrics.SetWorkerDegraded(true)
		w.logger.Warn("worker degraded", zap.Int("consecutive_failures", w.consecutiveFailures))
		if w.observer != nil {
			w.observer.Degraded(w.id, true)
		}
	}
}

// Classify maps a fetch error onto the error kinds counted by the orchestrator.
func Classify(err error) crawler.ErrorKind {
	if err == nil {
		return crawler.ErrorKindNone
	}
	var statusErr *crawler.HTTPStatusError
	if errors.As(err, &statusErr) {
		return crawler.ErrorKindHTTPStatus
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return crawler.ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return crawler.ErrorKindTimeout
	}
	return crawler.ErrorKindNetwork
}
