package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
	"github.com/JakeFAU/crawlsearch/internal/frontier"
	pubmemory "github.com/JakeFAU/crawlsearch/internal/publisher/memory"
	"github.com/JakeFAU/crawlsearch/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

type fakeFrontier struct {
	mu       sync.Mutex
	limits   map[string]frontier.Limits
	enqueued []crawler.FrontierEntry
	queued   map[string]int
	inflight map[string]int
	closed   map[string]bool
	reject   error
}

func newFakeFrontier() *fakeFrontier {
	return &fakeFrontier{
		limits:   make(map[string]frontier.Limits),
		queued:   make(map[string]int),
		inflight: make(map[string]int),
		closed:   make(map[string]bool),
	}
}

func (f *fakeFrontier) Open(jobID string, limits frontier.Limits) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits[jobID] = limits
}

func (f *fakeFrontier) Enqueue(entry crawler.FrontierEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return f.reject
	}
	f.enqueued = append(f.enqueued, entry)
	f.queued[entry.JobID]++
	return nil
}

func (f *fakeFrontier) Ack(entry crawler.FrontierEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight[entry.JobID] > 0 {
		f.inflight[entry.JobID]--
	}
}

func (f *fakeFrontier) Pending(jobID string) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued[jobID], f.inflight[jobID]
}

func (f *fakeFrontier) Close(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[jobID] = true
	n := f.queued[jobID]
	f.queued[jobID] = 0
	return n
}

func (f *fakeFrontier) set(jobID string, queued, inflight int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[jobID] = queued
	f.inflight[jobID] = inflight
}

// recordingStore remembers every status written for each job.
type recordingStore struct {
	*memory.JobStore
	mu      sync.Mutex
	history map[string][]crawler.JobStatus
}

func newRecordingStore() *recordingStore {
	return &recordingStore{JobStore: memory.NewJobStore(), history: make(map[string][]crawler.JobStatus)}
}

func (s *recordingStore) CreateJob(ctx context.Context, job crawler.Job) error {
	s.mu.Lock()
	s.history[job.ID] = append(s.history[job.ID], job.Status)
	s.mu.Unlock()
	return s.JobStore.CreateJob(ctx, job)
}

func (s *recordingStore) UpdateJob(ctx context.Context, job crawler.Job) error {
	s.mu.Lock()
	s.history[job.ID] = append(s.history[job.ID], job.Status)
	s.mu.Unlock()
	return s.JobStore.UpdateJob(ctx, job)
}

func (s *recordingStore) statuses(jobID string) []crawler.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.JobStatus(nil), s.history[jobID]...)
}

type harness struct {
	orch     *Orchestrator
	frontier *fakeFrontier
	store    *recordingStore
	pub      *pubmemory.Publisher
}

func newHarness(cfg Config) *harness {
	h := &harness{
		frontier: newFakeFrontier(),
		store:    newRecordingStore(),
		pub:      pubmemory.New(),
	}
	h.orch = New(Deps{
		Store:     h.store,
		Frontier:  h.frontier,
		Publisher: h.pub,
		Clock:     &fakeClock{now: time.Unix(1_700_000_000, 0)},
		IDs:       &seqIDs{},
	}, cfg, zap.NewNop())
	return h
}

func (h *harness) submit(t *testing.T, seeds ...string) string {
	t.Helper()
	id, err := h.orch.SubmitCrawl(context.Background(), "caller-1", crawler.CrawlParams{
		Domains: []crawler.Domain{crawler.DomainCOM},
		Seeds:   seeds,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) status(t *testing.T, jobID string) crawler.Job {
	t.Helper()
	job, err := h.orch.GetStatus(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func signal(jobID string, indexed bool, kind crawler.ErrorKind) crawler.Signal {
	out := crawler.ProcessOutcome{JobID: jobID, Status: crawler.FetchOK, Indexed: indexed, ErrorKind: kind}
	if kind == crawler.ErrorKindTimeout || kind == crawler.ErrorKindNetwork || kind == crawler.ErrorKindHTTPStatus {
		out.Status = crawler.FetchError
	}
	return crawler.Signal{Entry: crawler.FrontierEntry{JobID: jobID}, Outcome: out}
}

func TestSubmitCrawlSeedsFrontier(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	id := h.submit(t, "https://Example.com/a/", "https://example.com/a")

	job := h.status(t, id)
	require.Equal(t, crawler.JobStatusInProgress, job.Status)
	require.Equal(t, "caller-1", job.CallerID)
	require.Equal(t, []string{"https://example.com/a"}, job.Scope.Seeds)
	require.Equal(t, DefaultMaxDepth, job.Scope.MaxDepth)
	require.Equal(t, DefaultMaxPages, job.Scope.MaxPages)
	require.NotNil(t, job.StartedAt)
	require.Equal(t, 1, job.FrontierRemaining)

	require.Equal(t, DefaultMaxPages, h.frontier.limits[id].MaxAdmitted)
	require.Len(t, h.frontier.enqueued, 1)
	require.Equal(t, DefaultSeedPriority, h.frontier.enqueued[0].Priority)
	require.Zero(t, h.frontier.enqueued[0].Depth)
	require.Equal(t, []crawler.JobStatus{crawler.JobStatusPending, crawler.JobStatusInProgress}, h.store.statuses(id))

	scope, ok := h.orch.JobScope(id)
	require.True(t, ok)
	require.True(t, scope.AllowsHost("example.com"))
	require.Equal(t, 1, h.orch.Active())
}

func TestSubmitCrawlInvalidScope(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	cases := map[string]crawler.CrawlParams{
		"city without country": {Region: &crawler.Region{City: "Paris"}, Seeds: []string{"https://example.com"}},
		"seed outside domains": {Domains: []crawler.Domain{crawler.DomainCOM}, Seeds: []string{"https://example.org"}},
		"seed not a url":       {Seeds: []string{"mailto:someone@example.com"}},
		"no seeds available":   {Domains: []crawler.Domain{crawler.DomainNET}},
		"negative budget":      {Seeds: []string{"https://example.com"}, MaxPages: -1},
	}
	for name, params := range cases {
		_, err := h.orch.SubmitCrawl(context.Background(), "", params)
		require.True(t, errors.Is(err, crawler.ErrInvalidScope), name)
	}
	jobs, err := h.store.ListJobs(context.Background())
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestSubmitCrawlUsesDefaultSeeds(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{DefaultSeeds: map[crawler.Domain][]string{
		crawler.DomainCOM: {"https://news.example.com", "https://shop.example.de"},
		crawler.DomainORG: {"https://example.org"},
	}})
	id, err := h.orch.SubmitCrawl(context.Background(), "", crawler.CrawlParams{
		Domains: []crawler.Domain{crawler.DomainCOM},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"https://news.example.com"}, h.status(t, id).Scope.Seeds)
}

func TestSubmitCrawlAllSeedsRejectedCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.frontier.reject = crawler.ErrFrontierFull
	id := h.submit(t, "https://example.com")

	job := h.status(t, id)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Len(t, h.pub.OnTopic(DefaultEventTopic), 1)
}

func TestQuiescenceCompletesJob(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	id := h.submit(t, "https://example.com")

	h.frontier.set(id, 1, 0)
	h.orch.handleSignal(context.Background(), signal(id, true, crawler.ErrorKindNone))
	require.Equal(t, crawler.JobStatusInProgress, h.status(t, id).Status)

	h.frontier.set(id, 0, 0)
	h.orch.handleSignal(context.Background(), signal(id, true, crawler.ErrorKindNone))

	job := h.status(t, id)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 2, job.PagesIndexed)
	require.Equal(t, 2, job.Attempted)
	require.NotNil(t, job.FinishedAt)
	require.True(t, h.frontier.closed[id])

	events := h.pub.OnTopic(DefaultEventTopic)
	require.Len(t, events, 1)
	ev, ok := events[0].(crawler.JobEvent)
	require.True(t, ok)
	require.Equal(t, crawler.JobStatusCompleted, ev.Status)
	require.Equal(t, 2, ev.PagesIndexed)

	_, active := h.orch.JobScope(id)
	require.False(t, active)
}

func TestQuiescenceBelowFailureThresholdCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	id := h.submit(t, "https://example.com")
	h.frontier.set(id, 0, 1)
	h.orch.handleSignal(context.Background(), signal(id, false, crawler.ErrorKindTimeout))

	job := h.status(t, id)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, crawler.ReasonNone, job.Reason)
	require.Zero(t, job.PagesIndexed)
	require.Equal(t, 1, job.FailureCount)
}

func TestLeasesStayOpenUntilSignalsAreRead(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	id := h.submit(t, "https://example.com/1", "https://example.com/2")
	// Both pages were processed; their leases are resolved only when Run
	// reads the signals.
	h.frontier.set(id, 0, 2)

	signals := make(chan crawler.Signal, 2)
	signals <- signal(id, true, crawler.ErrorKindNone)
	signals <- signal(id, true, crawler.ErrorKindNone)
	close(signals)
	h.orch.deps.Signals = signals
	require.NoError(t, h.orch.Run(context.Background()))

	job := h.status(t, id)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 2, job.Attempted)
	require.Equal(t, 2, job.PagesIndexed)

	events := h.pub.OnTopic(DefaultEventTopic)
	require.Len(t, events, 1)
	require.Equal(t, 2, events[0].(crawler.JobEvent).PagesIndexed)
}

func TestSystemicFailureCountsEveryBufferedSignal(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	seeds := make([]string, 12)
	for i := range seeds {
		seeds[i] = fmt.Sprintf("https://example.com/%d", i)
	}
	id := h.submit(t, seeds...)
	h.frontier.set(id, 0, len(seeds))

	signals := make(chan crawler.Signal, len(seeds))
	signals <- signal(id, true, crawler.ErrorKindNone)
	for i := 1; i < len(seeds); i++ {
		signals <- signal(id, false, crawler.ErrorKindNetwork)
	}
	close(signals)
	h.orch.deps.Signals = signals
	require.NoError(t, h.orch.Run(context.Background()))

	job := h.status(t, id)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, crawler.ReasonSystemicFailure, job.Reason)
	require.Equal(t, DefaultMinSample, job.Attempted)
	require.Equal(t, DefaultMinSample-1, job.FailureCount)

	_, inflight := h.frontier.Pending(id)
	require.Zero(t, inflight, "late signals still release their leases")
}

func TestFinishedJobsLeaveMemory(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	id := h.submit(t, "https://example.com")
	h.frontier.set(id, 0, 1)
	h.orch.handleSignal(context.Background(), signal(id, true, crawler.ErrorKindNone))

	h.orch.mu.Lock()
	_, live := h.orch.jobs[id]
	h.orch.mu.Unlock()
	require.False(t, live)
	require.Equal(t, crawler.JobStatusCompleted, h.status(t, id).Status)

	err := h.orch.Cancel(context.Background(), id)
	require.True(t, errors.Is(err, crawler.ErrTerminal))
}

func TestSystemicFailureNeedsMinimumSample(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	id := h.submit(t, "https://example.com")
	h.frontier.set(id, 50, 2)

	for i := 0; i < DefaultMinSample-1; i++ {
		h.orch.handleSignal(context.Background(), signal(id, false, crawler.ErrorKindNetwork))
	}
	require.Equal(t, crawler.JobStatusInProgress, h.status(t, id).Status)

	h.orch.handleSignal(context.Background(), signal(id, false, crawler.ErrorKindHTTPStatus))
	job := h.status(t, id)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, crawler.ReasonSystemicFailure, job.Reason)
	require.Equal(t, DefaultMinSample, job.FailureCount)
	require.True(t, h.frontier.closed[id])
	require.Zero(t, job.FrontierRemaining)
}

func TestSystemicFailureThresholdIsInclusive(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	id := h.submit(t, "https://example.com")
	h.frontier.set(id, 50, 0)

	for i := 0; i < 5; i++ {
		h.orch.handleSignal(context.Background(), signal(id, true, crawler.ErrorKindNone))
	}
	for i := 0; i < 4; i++ {
		h.orch.handleSignal(context.Background(), signal(id, false, crawler.ErrorKindParse))
	}
	require.Equal(t, crawler.JobStatusInProgress, h.status(t, id).Status)

	h.orch.handleSignal(context.Background(), signal(id, false, crawler.ErrorKindParse))
	require.Equal(t, crawler.ReasonSystemicFailure, h.status(t, id).Reason)
}

func TestSignalsAfterTerminalAreIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	id := h.submit(t, "https://example.com")
	h.frontier.set(id, 0, 0)
	h.orch.handleSignal(context.Background(), signal(id, true, crawler.ErrorKindNone))
	before := h.status(t, id)

	h.orch.handleSignal(context.Background(), signal(id, false, crawler.ErrorKindTimeout))
	after := h.status(t, id)
	require.Equal(t, before, after)
	require.Equal(t,
		[]crawler.JobStatus{crawler.JobStatusPending, crawler.JobStatusInProgress, crawler.JobStatusCompleted},
		h.store.statuses(id))
}

func TestCancelDrainsInFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	id := h.submit(t, "https://example.com")
	h.frontier.set(id, 3, 1)

	require.NoError(t, h.orch.Cancel(context.Background(), id))
	job := h.status(t, id)
	require.Equal(t, crawler.JobStatusInProgress, job.Status)
	require.Zero(t, job.FrontierRemaining)
	require.True(t, h.frontier.closed[id])

	h.frontier.set(id, 0, 0)
	h.orch.handleSignal(context.Background(), signal(id, true, crawler.ErrorKindNone))
	job = h.status(t, id)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, crawler.ReasonCanceled, job.Reason)
	require.Equal(t, 1, job.PagesIndexed)

	err := h.orch.Cancel(context.Background(), id)
	require.True(t, errors.Is(err, crawler.ErrTerminal))
}

func TestCancelIdleJobFinishesImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	id := h.submit(t, "https://example.com")
	h.frontier.set(id, 2, 0)

	require.NoError(t, h.orch.Cancel(context.Background(), id))
	require.Equal(t, crawler.ReasonCanceled, h.status(t, id).Reason)
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	err := h.orch.Cancel(context.Background(), "missing")
	require.True(t, errors.Is(err, crawler.ErrNotFound))
}

func TestGetStatusFallsBackToStore(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	finished := time.Unix(5, 0)
	require.NoError(t, h.store.CreateJob(context.Background(), crawler.Job{
		ID:         "old",
		Status:     crawler.JobStatusCompleted,
		FinishedAt: &finished,
	}))

	job := h.status(t, "old")
	require.Equal(t, crawler.JobStatusCompleted, job.Status)

	_, err := h.orch.GetStatus(context.Background(), "nope")
	require.True(t, errors.Is(err, crawler.ErrNotFound))

	err = h.orch.Cancel(context.Background(), "old")
	require.True(t, errors.Is(err, crawler.ErrTerminal))
}

func TestRecoverFailsInterruptedJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	ctx := context.Background()
	require.NoError(t, h.store.CreateJob(ctx, crawler.Job{ID: "stale-1", Status: crawler.JobStatusInProgress}))
	require.NoError(t, h.store.CreateJob(ctx, crawler.Job{ID: "stale-2", Status: crawler.JobStatusPending}))
	require.NoError(t, h.store.CreateJob(ctx, crawler.Job{ID: "done", Status: crawler.JobStatusCompleted}))

	n, err := h.orch.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, id := range []string{"stale-1", "stale-2"} {
		job := h.status(t, id)
		require.Equal(t, crawler.JobStatusFailed, job.Status)
		require.Equal(t, crawler.ReasonInterrupted, job.Reason)
	}
	require.Equal(t, crawler.JobStatusCompleted, h.status(t, "done").Status)
	require.Len(t, h.pub.OnTopic(DefaultEventTopic), 2)
}

func TestFailActive(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	a := h.submit(t, "https://a.example.com")
	b := h.submit(t, "https://b.example.com")
	h.frontier.set(a, 0, 0)
	h.orch.handleSignal(context.Background(), signal(a, true, crawler.ErrorKindNone))

	n := h.orch.FailActive(context.Background(), crawler.ReasonPoolStalled, crawler.ErrPoolStalled)
	require.Equal(t, 1, n)

	require.Equal(t, crawler.JobStatusCompleted, h.status(t, a).Status)
	job := h.status(t, b)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, crawler.ReasonPoolStalled, job.Reason)
	require.Equal(t, crawler.ErrPoolStalled.Error(), job.ErrorText)
	require.Zero(t, h.orch.Active())
}

func TestRunStopsWhenSignalsClose(t *testing.T) {
	t.Parallel()

	signals := make(chan crawler.Signal, 1)
	h := newHarness(Config{})
	h.orch.deps.Signals = signals
	id := h.submit(t, "https://example.com")
	h.frontier.set(id, 0, 0)

	signals <- signal(id, true, crawler.ErrorKindNone)
	close(signals)
	require.NoError(t, h.orch.Run(context.Background()))
	require.Equal(t, crawler.JobStatusCompleted, h.status(t, id).Status)
}
