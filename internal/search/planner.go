// Package search turns user queries into ranked, cursor-paginated result pages.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
	"github.com/JakeFAU/crawlsearch/internal/index"
	"github.com/JakeFAU/crawlsearch/internal/metrics"
	"github.com/JakeFAU/crawlsearch/internal/telemetry"
	"github.com/JakeFAU/crawlsearch/internal/text"
)

// Query and page size bounds.
const (
	MaxQueryRunes       = 500
	DefaultPageSize     = 50
	DefaultMaxPageSize  = 100
	minPageSize         = 1
	fingerprintFormat   = "%016x"
	termSeparator       = "\x00"
	outcomeOK           = "ok"
	outcomeInvalid      = "invalid"
	outcomeInvalidToken = "invalid_token"
)

// Index is the read side of the search index.
type Index interface {
	Lookup(terms []string, after *index.Cursor, limit int) ([]crawler.ScoredPage, bool)
}

// Config holds page size defaults.
type Config struct {
	DefaultPageSize int
	MaxPageSize     int
}

// Result is one search hit as returned to callers.
type Result struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	Score     float64 `json:"score"`
}

// Page is one window of results. NextPageToken is empty on the last page.
type Page struct {
	Items         []Result `json:"items"`
	NextPageToken string   `json:"next_page_token,omitempty"`
}

// Planner executes searches against an Index.
type Planner struct {
	index    Index
	analyzer text.Analyzer
	cfg      Config
	logger   *zap.Logger
}

// NewPlanner wires a Planner. The analyzer must match the one used to index pages.
func NewPlanner(ix Index, analyzer text.Analyzer, cfg Config, logger *zap.Logger) *Planner {
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = DefaultMaxPageSize
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = DefaultPageSize
	}
	if cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = cfg.MaxPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{index: ix, analyzer: analyzer, cfg: cfg, logger: logger}
}

// Search returns the page of results for query that follows pageToken. An
// empty token starts at the first result. pageSize zero selects the default;
// other values are clamped to [1, MaxPageSize].
func (p *Planner) Search(ctx context.Context, query, pageToken string, pageSize int) (Page, error) {
	start := time.Now()
	_, span := telemetry.Tracer().Start(ctx, "search.Search")
	defer span.End()

	page, err := p.search(query, pageToken, pageSize)
	outcome := outcomeOK
	switch {
	case errors.Is(err, crawler.ErrInvalidPageToken):
		outcome = outcomeInvalidToken
	case err != nil:
		outcome = outcomeInvalid
	}
	span.SetAttributes(
		attribute.String("search.outcome", outcome),
		attribute.Int("search.results", len(page.Items)),
	)
	metrics.ObserveSearch(outcome, time.Since(start))
	if err != nil {
		p.logger.Debug("search rejected", zap.String("outcome", outcome), zap.Error(err))
	}
	return page, err
}

func (p *Planner) search(query, pageToken string, pageSize int) (Page, error) {
	query = strings.TrimSpace(query)
	n := utf8.RuneCountInString(query)
	if n == 0 || n > MaxQueryRunes {
		return Page{Items: []Result{}}, fmt.Errorf("%w: query must be 1 to %d characters", crawler.ErrInvalidQuery, MaxQueryRunes)
	}

	terms := p.analyzer.QueryTerms(query)
	fp := fingerprint(terms)

	var after *index.Cursor
	if pageToken != "" {
		c, err := decodeToken(pageToken)
		if err != nil {
			return Page{Items: []Result{}}, err
		}
		if c.Fingerprint != fp {
			return Page{Items: []Result{}}, fmt.Errorf("%w: token belongs to a different query", crawler.ErrInvalidPageToken)
		}
		after = &index.Cursor{Score: c.Score, URL: c.URL}
	}

	size := p.clampPageSize(pageSize)
	hits, more := p.index.Lookup(terms, after, size)

	out := Page{Items: make([]Result, 0, len(hits))}
	for _, h := range hits {
		out.Items = append(out.Items, Result{
			URL:       h.Page.URL,
			Title:     h.Page.Title,
			Snippet:   h.Page.Snippet,
			Thumbnail: h.Page.ThumbnailURL,
			Score:     h.Score,
		})
	}
	if more && len(hits) > 0 {
		last := hits[len(hits)-1]
		token, err := encodeToken(cursor{Score: last.Score, URL: last.Page.URL, Fingerprint: fp})
		if err != nil {
			return Page{}, err
		}
		out.NextPageToken = token
	}
	return out, nil
}

func (p *Planner) clampPageSize(size int) int {
	switch {
	case size == 0:
		return p.cfg.DefaultPageSize
	case size < minPageSize:
		return minPageSize
	case size > p.cfg.MaxPageSize:
		return p.cfg.MaxPageSize
	default:
		return size
	}
}

func fingerprint(terms []string) string {
	return fmt.Sprintf(fingerprintFormat, xxhash.Sum64String(strings.Join(terms, termSeparator)))
}
