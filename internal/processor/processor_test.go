package processor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
	"github.com/JakeFAU/crawlsearch/internal/index"
	"github.com/JakeFAU/crawlsearch/internal/queue/memory"
	"github.com/JakeFAU/crawlsearch/internal/text"
)

const samplePage = `<!doctype html>
<html lang="en-US">
<head>
  <title> Example &amp; Title </title>
  <meta name="description" content="A <b>short</b> description of the page.">
  <meta property="og:image" content="/img/cover.png">
</head>
<body>
  <script>var ignored = "scripted";</script>
  <h1>Heading</h1>
  <p>Body text about crawlers.</p>
  <a href="/2">next</a>
  <a href="https://example.com/2#dup">same page</a>
  <a href="https://other.org/x">off scope</a>
  <a href="/private" rel="nofollow">skip</a>
  <a href="#top">anchor</a>
  <a href="mailto:me@example.com">mail</a>
</body>
</html>`

type fakeLinks struct {
	mu       sync.Mutex
	enqueued []crawler.FrontierEntry
	err      error
}

func (f *fakeLinks) Enqueue(entry crawler.FrontierEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, entry)
	return nil
}

type fakeScopes map[string]crawler.Scope

func (f fakeScopes) JobScope(jobID string) (crawler.Scope, bool) {
	s, ok := f[jobID]
	return s, ok
}

type fakeBlobs struct {
	paths []string
	err   error
}

func (f *fakeBlobs) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	f.paths = append(f.paths, path)
	return "mem://" + path, nil
}

type fakeHasher struct{}

func (fakeHasher) Hash([]byte) (string, error) { return "abc123", nil }

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fixture struct {
	proc  *Processor
	links *fakeLinks
	blobs *fakeBlobs
	index *index.Index
}

func newFixture(scopes fakeScopes) *fixture {
	f := &fixture{links: &fakeLinks{}, blobs: &fakeBlobs{}, index: index.New(index.Config{Shards: 2})}
	f.proc = New(Deps{
		Links:    f.links,
		Scopes:   scopes,
		Index:    f.index,
		Analyzer: text.NewAnalyzer(true, 0),
		Blobs:    f.blobs,
		Hasher:   fakeHasher{},
		Clock:    fakeClock{now: time.Unix(500, 0)},
	}, Config{ArchivePrefix: "raw", SnippetLength: 200}, zap.NewNop())
	return f
}

func okResult(jobID, url, body string, depth int) crawler.FetchResult {
	return crawler.FetchResult{
		Entry:       crawler.FrontierEntry{URL: url, JobID: jobID, Depth: depth, Priority: 100},
		Status:      crawler.FetchOK,
		StatusCode:  200,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(body),
		FetchedAt:   time.Unix(400, 0),
	}
}

func comScope() fakeScopes {
	return fakeScopes{"job-1": {Domains: []crawler.Domain{crawler.DomainCOM}, MaxDepth: 2}}
}

func TestProcessIndexesAndExpands(t *testing.T) {
	t.Parallel()

	f := newFixture(comScope())
	outcome := f.proc.Process(context.Background(), okResult("job-1", "https://example.com/1", samplePage, 0))

	require.True(t, outcome.Indexed)
	require.Equal(t, crawler.FetchOK, outcome.Status)
	require.Equal(t, 2, outcome.LinksFound)
	require.Equal(t, 1, outcome.LinksEnqueued)

	require.Len(t, f.links.enqueued, 1)
	child := f.links.enqueued[0]
	require.Equal(t, "https://example.com/2", child.URL)
	require.Equal(t, 99, child.Priority)
	require.Equal(t, 1, child.Depth)
	require.Equal(t, "job-1", child.JobID)

	page, ok := f.index.Get("https://example.com/1")
	require.True(t, ok)
	require.Equal(t, "Example & Title", page.Title)
	require.Equal(t, "A short description of the page.", page.Snippet)
	require.Equal(t, "https://example.com/img/cover.png", page.ThumbnailURL)
	require.Equal(t, "us", page.Region)
	require.Equal(t, "abc123", page.ContentHash)
	require.Equal(t, "mem://raw/job-1/abc123.html", page.BlobURI)
	require.Equal(t, time.Unix(400, 0), page.IndexedAt)
	require.Equal(t, "job-1", page.SourceJobID)

	hits, _ := f.index.Lookup([]string{"crawler"}, nil, 10)
	require.Len(t, hits, 1)
	hits, _ = f.index.Lookup([]string{"script"}, nil, 10)
	require.Empty(t, hits)
}

func TestProcessFetchErrorDoesNotIndex(t *testing.T) {
	t.Parallel()

	f := newFixture(comScope())
	outcome := f.proc.Process(context.Background(), crawler.FetchResult{
		Entry:     crawler.FrontierEntry{URL: "https://example.com/down", JobID: "job-1"},
		Status:    crawler.FetchError,
		ErrorKind: crawler.ErrorKindTimeout,
		Err:       context.DeadlineExceeded,
	})
	require.Equal(t, crawler.FetchError, outcome.Status)
	require.Equal(t, crawler.ErrorKindTimeout, outcome.ErrorKind)
	require.False(t, outcome.Indexed)
	require.Zero(t, f.index.Len())
	require.Empty(t, f.links.enqueued)
}

func TestProcessRejectsNonHTML(t *testing.T) {
	t.Parallel()

	f := newFixture(comScope())
	result := okResult("job-1", "https://example.com/file.pdf", "%PDF-1.4", 0)
	result.ContentType = "application/pdf"
	outcome := f.proc.Process(context.Background(), result)
	require.Equal(t, crawler.ErrorKindParse, outcome.ErrorKind)
	require.Equal(t, crawler.FetchError, outcome.Status)
	require.Zero(t, f.index.Len())
}

func TestProcessStopsAtDepthLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(comScope())
	outcome := f.proc.Process(context.Background(), okResult("job-1", "https://example.com/deep", samplePage, 2))
	require.True(t, outcome.Indexed)
	require.Zero(t, outcome.LinksEnqueued)
	require.Empty(t, f.links.enqueued)
}

func TestProcessUnknownJobIndexesWithoutExpanding(t *testing.T) {
	t.Parallel()

	f := newFixture(fakeScopes{})
	outcome := f.proc.Process(context.Background(), okResult("gone", "https://example.com/1", samplePage, 0))
	require.True(t, outcome.Indexed)
	require.Empty(t, f.links.enqueued)
}

func TestProcessArchiveFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(comScope())
	f.blobs.err = errors.New("bucket unavailable")
	outcome := f.proc.Process(context.Background(), okResult("job-1", "https://example.com/1", samplePage, 0))
	require.True(t, outcome.Indexed)
	page, _ := f.index.Get("https://example.com/1")
	require.Empty(t, page.BlobURI)
	require.Equal(t, "abc123", page.ContentHash)
}

func TestProcessStopsExpandingWhenJobClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(fakeScopes{"job-1": {MaxDepth: 2}})
	f.links.err = crawler.ErrJobClosed
	outcome := f.proc.Process(context.Background(), okResult("job-1", "https://example.com/1", samplePage, 0))
	require.True(t, outcome.Indexed)
	require.Zero(t, outcome.LinksEnqueued)
}

func TestProcessDoesNotFollowLinksFromOtherRegion(t *testing.T) {
	t.Parallel()

	f := newFixture(fakeScopes{"job-1": {
		Domains:  []crawler.Domain{crawler.DomainCOM},
		Region:   &crawler.Region{Country: "FR"},
		MaxDepth: 2,
	}})
	outcome := f.proc.Process(context.Background(), okResult("job-1", "https://example.com/1", samplePage, 0))

	require.True(t, outcome.Indexed, "the page itself is still searchable")
	require.Equal(t, 2, outcome.LinksFound)
	require.Zero(t, outcome.LinksEnqueued)
	require.Empty(t, f.links.enqueued)
}

func TestProcessFollowsLinksFromMatchingRegion(t *testing.T) {
	t.Parallel()

	f := newFixture(fakeScopes{"job-1": {
		Domains:  []crawler.Domain{crawler.DomainCOM},
		Region:   &crawler.Region{Country: "us"},
		MaxDepth: 2,
	}})
	outcome := f.proc.Process(context.Background(), okResult("job-1", "https://example.com/1", samplePage, 0))
	require.Equal(t, 1, outcome.LinksEnqueued)
}

func TestRunSignalsCarryLeasedEntry(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memory.NewQueue(4)
	signals := make(chan crawler.Signal)
	proc := New(Deps{
		Results:  queue,
		Links:    &fakeLinks{},
		Scopes:   comScope(),
		Index:    index.New(index.Config{}),
		Analyzer: text.NewAnalyzer(false, 0),
		Clock:    fakeClock{now: time.Unix(1, 0)},
		Signals:  signals,
	}, Config{Workers: 2}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx) }()

	require.NoError(t, queue.Enqueue(ctx, okResult("job-1", "https://example.com/1", samplePage, 0)))
	require.NoError(t, queue.Enqueue(ctx, crawler.FetchResult{
		Entry:     crawler.FrontierEntry{URL: "https://example.com/x", JobID: "job-1"},
		Status:    crawler.FetchError,
		ErrorKind: crawler.ErrorKindNetwork,
	}))

	urls := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case sig := <-signals:
			require.Equal(t, "job-1", sig.Entry.JobID)
			require.Equal(t, sig.Outcome.URL, sig.Entry.URL)
			require.Equal(t, time.Unix(1, 0), sig.At)
			urls[sig.Entry.URL] = true
		case <-time.After(time.Second):
			t.Fatal("no signal received")
		}
	}
	require.Equal(t, map[string]bool{"https://example.com/1": true, "https://example.com/x": true}, urls)

	queue.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop after queue close")
	}
}
