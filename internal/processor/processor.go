// Package processor turns fetch results into index documents and new frontier
// entries, then reports each resolved lease to the orchestrator.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
	"github.com/JakeFAU/crawlsearch/internal/metrics"
	"github.com/JakeFAU/crawlsearch/internal/telemetry"
	"github.com/JakeFAU/crawlsearch/internal/text"
)

// Defaults applied by New.
const (
	DefaultWorkers       = 2
	DefaultSnippetLength = 200
	archiveContentType   = "text/html; charset=utf-8"
)

// Outcome labels recorded in metrics.
const (
	outcomeIndexed    = "indexed"
	outcomeStale      = "stale"
	outcomeFetchError = "fetch_error"
	outcomeParseError = "parse_error"
)

// Config controls the processor.
type Config struct {
	Workers       int
	SnippetLength int
	// ArchivePrefix is the blob path prefix for raw bodies.
	ArchivePrefix string
}

// Deps are the collaborators of a Processor. Blobs and Hasher may be nil, which
// disables the raw archive and content hashes respectively.
type Deps struct {
	Results  crawler.ResultQueue
	Links    crawler.LinkSink
	Scopes   crawler.ScopeResolver
	Index    crawler.Indexer
	Analyzer text.Analyzer
	Blobs    crawler.BlobStore
	Hasher   crawler.Hasher
	Clock    crawler.Clock
	Signals  chan<- crawler.Signal
}

// Processor parses fetched pages, indexes them and expands the crawl.
type Processor struct {
	deps      Deps
	cfg       Config
	extractor *extractor
	logger    *zap.Logger
}

// New constructs a Processor.
func New(deps Deps, cfg Config, logger *zap.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.SnippetLength <= 0 {
		cfg.SnippetLength = DefaultSnippetLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		deps:      deps,
		cfg:       cfg,
		extractor: newExtractor(cfg.SnippetLength),
		logger:    logger,
	}
}

// Run consumes the result queue with Config.Workers goroutines until the
// context ends or the queue is closed. Every consumed result is reported as a
// signal carrying its still-leased frontier entry.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			return p.loop(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("processor: %w", err)
	}
	return nil
}

func (p *Processor) loop(ctx context.Context) error {
	for {
		result, err := p.deps.Results.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Info("result queue closed", zap.Error(err))
			return nil
		}
		outcome := p.Process(ctx, result)

		select {
		case p.deps.Signals <- crawler.Signal{Entry: result.Entry, Outcome: outcome, At: p.deps.Clock.Now()}:
		case <-ctx.Done():
			return nil
		}
	}
}

// Process handles one fetch result. It never fails; problems are reported in
// the outcome.
func (p *Processor) Process(ctx context.Context, result crawler.FetchResult) crawler.ProcessOutcome {
	ctx, span := telemetry.Tracer().Start(ctx, "processor.process")
	defer span.End()

	entry := result.Entry
	span.SetAttributes(attribute.String("crawl.job_id", entry.JobID), attribute.String("crawl.url", entry.URL))
	outcome := crawler.ProcessOutcome{
		JobID:     entry.JobID,
		URL:       entry.URL,
		Status:    result.Status,
		ErrorKind: result.ErrorKind,
	}

	if result.Status != crawler.FetchOK {
		if outcome.ErrorKind == crawler.ErrorKindNone {
			outcome.ErrorKind = crawler.ErrorKindNetwork
		}
		outcome.Status = crawler.FetchError
		metrics.ObserveProcessed(outcomeFetchError)
		return outcome
	}

	if !isHTML(result.ContentType) {
		return p.parseFailure(outcome, fmt.Errorf("unsupported content type %q", result.ContentType))
	}
	parsed, err := p.extractor.extract(result.Body, entry.URL, result.ContentLanguage)
	if err != nil {
		return p.parseFailure(outcome, err)
	}

	scope, active := p.deps.Scopes.JobScope(entry.JobID)
	switch {
	case !active:
	case !scope.AllowsPageRegion(parsed.Region):
		outcome.LinksFound = len(parsed.Links)
		p.logger.Debug("page region outside job scope, links not followed",
			zap.String("job_id", entry.JobID),
			zap.String("url", entry.URL),
			zap.String("region", parsed.Region),
		)
	default:
		outcome.LinksFound, outcome.LinksEnqueued = p.expand(entry, scope, parsed.Links)
	}

	indexedPage := crawler.IndexedPage{
		URL:          entry.URL,
		Title:        parsed.Title,
		Snippet:      parsed.Snippet,
		ThumbnailURL: parsed.Thumbnail,
		Region:       parsed.Region,
		IndexedAt:    result.FetchedAt,
		SourceJobID:  entry.JobID,
	}
	if indexedPage.IndexedAt.IsZero() {
		indexedPage.IndexedAt = p.deps.Clock.Now()
	}
	if p.deps.Hasher != nil {
		if hash, err := p.deps.Hasher.Hash(result.Body); err == nil {
			indexedPage.ContentHash = hash
			indexedPage.BlobURI = p.archive(ctx, entry.JobID, hash, result.Body)
		}
	}

	indexed, err := p.deps.Index.Index(crawler.Document{
		Page:  indexedPage,
		Terms: p.deps.Analyzer.Frequencies(parsed.Title, parsed.Text),
	})
	if err != nil {
		return p.parseFailure(outcome, fmt.Errorf("index page: %w", err))
	}
	outcome.Indexed = indexed
	if indexed {
		metrics.ObserveProcessed(outcomeIndexed)
	} else {
		metrics.ObserveProcessed(outcomeStale)
	}
	p.logger.Debug("page processed",
		zap.String("job_id", entry.JobID),
		zap.String("url", entry.URL),
		zap.Bool("indexed", indexed),
		zap.Int("links_found", outcome.LinksFound),
		zap.Int("links_enqueued", outcome.LinksEnqueued),
	)
	return outcome
}

func (p *Processor) parseFailure(outcome crawler.ProcessOutcome, err error) crawler.ProcessOutcome {
	outcome.Status = crawler.FetchError
	outcome.ErrorKind = crawler.ErrorKindParse
	metrics.ObserveProcessed(outcomeParseError)
	p.logger.Debug("page not indexed",
		zap.String("job_id", outcome.JobID),
		zap.String("url", outcome.URL),
		zap.Error(err),
	)
	return outcome
}

// expand enqueues in-scope links one level deeper than the parent.
func (p *Processor) expand(parent crawler.FrontierEntry, scope crawler.Scope, links []string) (found, enqueued int) {
	found = len(links)
	depth := parent.Depth + 1
	if depth > scope.MaxDepth {
		return found, 0
	}
	for _, link := range links {
		if !scope.AllowsURL(link) {
			continue
		}
		err := p.deps.Links.Enqueue(crawler.FrontierEntry{
			URL:      link,
			Priority: parent.Priority - 1,
			Depth:    depth,
			JobID:    parent.JobID,
		})
		switch {
		case err == nil:
			enqueued++
		case errors.Is(err, crawler.ErrJobClosed), errors.Is(err, crawler.ErrBudgetExhausted):
			return found, enqueued
		case crawler.IsRejection(err):
		default:
			p.logger.Debug("link rejected", zap.String("url", link), zap.Error(err))
		}
	}
	return found, enqueued
}

// archive stores the raw body and returns its URI. Failures are logged and
// yield an empty URI.
func (p *Processor) archive(ctx context.Context, jobID, hash string, body []byte) string {
	if p.deps.Blobs == nil {
		return ""
	}
	uri, err := p.deps.Blobs.PutObject(ctx, p.blobPath(jobID, hash), archiveContentType, bytes.NewReader(body))
	if err != nil {
		p.logger.Warn("archive raw page failed", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	return uri
}

func (p *Processor) blobPath(jobID, hash string) string {
	prefix := strings.Trim(p.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}
