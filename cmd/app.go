package cmd

import (
	"context"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
	"github.com/JakeFAU/crawlsearch/internal/search"
	"github.com/JakeFAU/crawlsearch/internal/server"
)

// Crawls submits and observes crawl jobs.
type Crawls interface {
	SubmitCrawl(ctx context.Context, callerID string, params crawler.CrawlParams) (string, error)
	GetStatus(ctx context.Context, jobID string) (crawler.Job, error)
	Cancel(ctx context.Context, jobID string) error
}

// Searcher answers queries against the index.
type Searcher interface {
	Search(ctx context.Context, query, pageToken string, pageSize int) (search.Page, error)
}

type appAdapter struct {
	*server.App
}

func (a appAdapter) Crawls() Crawls {
	return a.Orchestrator()
}

func (a appAdapter) Searcher() Searcher {
	return a.Planner()
}
