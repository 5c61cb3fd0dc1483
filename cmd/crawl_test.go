package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsearch/internal/config"
	"github.com/JakeFAU/crawlsearch/internal/crawler"
	"github.com/JakeFAU/crawlsearch/internal/search"
)

type fakeCrawls struct {
	mu        sync.Mutex
	params    crawler.CrawlParams
	polls     int
	doneAfter int
	canceled  bool
}

func (f *fakeCrawls) SubmitCrawl(_ context.Context, _ string, params crawler.CrawlParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = params
	return "job-1", nil
}

func (f *fakeCrawls) GetStatus(_ context.Context, jobID string) (crawler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	job := crawler.Job{ID: jobID, Status: crawler.JobStatusInProgress}
	if f.canceled {
		job.Status = crawler.JobStatusFailed
		job.Reason = crawler.ReasonCanceled
	} else if f.polls > f.doneAfter {
		job.Status = crawler.JobStatusCompleted
		job.PagesIndexed = 3
	}
	return job, nil
}

func (f *fakeCrawls) Cancel(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = true
	return nil
}

type fakeSearcher struct {
	query string
}

func (f *fakeSearcher) Search(_ context.Context, query, _ string, _ int) (search.Page, error) {
	f.query = query
	return search.Page{Items: []search.Result{{URL: "https://example.com/", Title: "Example"}}}, nil
}

type fakeApp struct {
	crawls   *fakeCrawls
	searcher *fakeSearcher
	closed   bool
}

func (a *fakeApp) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (a *fakeApp) RunPipeline(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (a *fakeApp) Close(context.Context) { a.closed = true }
func (a *fakeApp) Crawls() Crawls       { return a.crawls }
func (a *fakeApp) Searcher() Searcher   { return a.searcher }

func withFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = orig })
}

func TestCrawlCommandPrintsFinalJobAndSearch(t *testing.T) {
	app := &fakeApp{crawls: &fakeCrawls{doneAfter: 1}, searcher: &fakeSearcher{}}
	withFakeApp(t, app)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"crawl", "--seed", "https://example.com/", "--domain", "COM", "--max-pages", "5", "--query", "example"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var got crawlOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, crawler.JobStatusCompleted, got.Job.Status)
	require.Equal(t, 3, got.Job.PagesIndexed)
	require.NotNil(t, got.Search)
	require.Len(t, got.Search.Items, 1)

	require.Equal(t, []crawler.Domain{crawler.DomainCOM}, app.crawls.params.Domains)
	require.Equal(t, []string{"https://example.com/"}, app.crawls.params.Seeds)
	require.Equal(t, 5, app.crawls.params.MaxPages)
	require.Equal(t, "example", app.searcher.query)
	require.True(t, app.closed)
}

func TestCrawlCommandCancelsAfterTimeout(t *testing.T) {
	app := &fakeApp{crawls: &fakeCrawls{doneAfter: 1 << 30}, searcher: &fakeSearcher{}}
	withFakeApp(t, app)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"crawl", "--seed", "https://example.com/", "--timeout", "10ms"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var got crawlOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, crawler.JobStatusFailed, got.Job.Status)
	require.Equal(t, crawler.ReasonCanceled, got.Job.Reason)
	require.Nil(t, got.Search)
}

func TestCrawlOptionsRejectUnknownDomain(t *testing.T) {
	t.Parallel()

	opts := &crawlOptions{domains: []string{"io"}}
	_, err := opts.params()
	require.Error(t, err)
}

func TestCrawlOptionsRegion(t *testing.T) {
	t.Parallel()

	opts := &crawlOptions{country: "us", timeout: time.Second}
	params, err := opts.params()
	require.NoError(t, err)
	require.NotNil(t, params.Region)
	require.Equal(t, "us", params.Region.Country)
}
