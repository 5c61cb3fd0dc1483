// Package orchestrator owns the crawl job lifecycle: it validates and seeds new
// jobs, follows processing signals, and decides when a job is finished.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
	"github.com/JakeFAU/crawlsearch/internal/frontier"
	"github.com/JakeFAU/crawlsearch/internal/metrics"
	"github.com/JakeFAU/crawlsearch/internal/telemetry"
)

// Defaults applied by New.
const (
	DefaultFailureFraction = 0.5
	DefaultMinSample       = 10
	DefaultMaxDepth        = 2
	DefaultMaxPages        = 200
	DefaultSeedPriority    = 100
	DefaultEventTopic      = "crawl-jobs"
)

// Config tunes job admission and termination.
type Config struct {
	// FailureFraction and MinSample define systemic failure: once MinSample
	// pages were attempted, a failure ratio at or above FailureFraction fails
	// the job.
	FailureFraction float64
	MinSample       int
	MaxDepthDefault int
	MaxPagesDefault int
	// MaxOutstanding is the per-job queued-entry cap handed to the frontier.
	MaxOutstanding int
	SeedPriority   int
	// DefaultSeeds are used when a submission has no explicit seeds.
	DefaultSeeds map[crawler.Domain][]string
	EventTopic   string
}

// Frontier is the orchestrator's view of the URL frontier.
type Frontier interface {
	Open(jobID string, limits frontier.Limits)
	Enqueue(entry crawler.FrontierEntry) error
	Ack(entry crawler.FrontierEntry)
	Pending(jobID string) (queued, inflight int)
	Close(jobID string) int
}

// Deps are the collaborators of an Orchestrator. Publisher may be nil.
type Deps struct {
	Store     crawler.JobStore
	Frontier  Frontier
	Publisher crawler.Publisher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Signals   <-chan crawler.Signal
}

type jobState struct {
	job             crawler.Job
	cancelRequested bool
}

// Orchestrator is safe for concurrent use. All job transitions happen under
// one mutex, so a job's status sequence is always a prefix of
// pending -> in_progress -> completed|failed. Finished jobs are dropped from
// memory once their final record is stored and are then served by the store.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]*jobState
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.FailureFraction <= 0 {
		cfg.FailureFraction = DefaultFailureFraction
	}
	if cfg.MinSample <= 0 {
		cfg.MinSample = DefaultMinSample
	}
	if cfg.MaxDepthDefault <= 0 {
		cfg.MaxDepthDefault = DefaultMaxDepth
	}
	if cfg.MaxPagesDefault <= 0 {
		cfg.MaxPagesDefault = DefaultMaxPages
	}
	if cfg.SeedPriority == 0 {
		cfg.SeedPriority = DefaultSeedPriority
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = DefaultEventTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*jobState),
	}
}

// SubmitCrawl validates params, persists a new job, seeds the frontier and
// returns the job ID without waiting for the crawl. Invalid parameters yield
// crawler.ErrInvalidScope and no job is created.
func (o *Orchestrator) SubmitCrawl(ctx context.Context, callerID string, params crawler.CrawlParams) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.SubmitCrawl")
	defer span.End()

	if err := params.Validate(); err != nil {
		return "", err
	}
	scope, err := o.resolveScope(params)
	if err != nil {
		return "", err
	}
	jobID, err := o.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", jobID), attribute.Int("job.seeds", len(scope.Seeds)))

	now := o.deps.Clock.Now()
	job := crawler.Job{
		ID:        jobID,
		Status:    crawler.JobStatusPending,
		Scope:     scope,
		CallerID:  callerID,
		CreatedAt: now,
	}

	o.mu.Lock()
	if err := o.deps.Store.CreateJob(ctx, job); err != nil {
		o.mu.Unlock()
		return "", fmt.Errorf("create job: %w", err)
	}
	st := &jobState{job: job}
	o.jobs[jobID] = st
	metrics.ObserveJob(string(crawler.JobStatusPending))
	o.logger.Info("Crawl job created",
		zap.String("job_id", jobID),
		zap.String("caller_id", callerID),
		zap.Int("seeds", len(scope.Seeds)),
		zap.Int("max_depth", scope.MaxDepth),
		zap.Int("max_pages", scope.MaxPages),
	)

	o.deps.Frontier.Open(jobID, frontier.Limits{
		MaxOutstanding: o.cfg.MaxOutstanding,
		MaxAdmitted:    scope.MaxPages,
	})
	for _, seed := range scope.Seeds {
		err := o.deps.Frontier.Enqueue(crawler.FrontierEntry{
			URL:        seed,
			Priority:   o.cfg.SeedPriority,
			JobID:      jobID,
			EnqueuedAt: now,
		})
		if err != nil {
			o.logger.Warn("Seed rejected", zap.String("job_id", jobID), zap.String("url", seed), zap.Error(err))
		}
	}

	var events []crawler.JobEvent
	events = o.transitionLocked(ctx, st, crawler.JobStatusInProgress, crawler.ReasonNone, "", events)
	events = o.checkQuiescenceLocked(ctx, st, events)
	o.mu.Unlock()

	o.publish(ctx, events)
	return jobID, nil
}

// Run consumes processing signals until ctx is done or the channel closes.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-o.deps.Signals:
			if !ok {
				return nil
			}
			o.handleSignal(ctx, sig)
		}
	}
}

// handleSignal resolves the signal's frontier lease and counts its outcome in
// one critical section, so a job cannot look drained while processed results
// are still unread.
func (o *Orchestrator) handleSignal(ctx context.Context, sig crawler.Signal) {
	out := sig.Outcome
	o.mu.Lock()
	if sig.Entry.JobID != "" {
		o.deps.Frontier.Ack(sig.Entry)
	}
	st, ok := o.jobs[out.JobID]
	if !ok || st.job.Status != crawler.JobStatusInProgress {
		o.mu.Unlock()
		return
	}
	st.job.Attempted++
	if out.Status == crawler.FetchError || out.ErrorKind != crawler.ErrorKindNone {
		st.job.FailureCount++
	}
	if out.Indexed {
		st.job.PagesIndexed++
	}

	var events []crawler.JobEvent
	if o.systemicFailure(st.job) {
		o.deps.Frontier.Close(st.job.ID)
		o.refreshPendingLocked(st)
		events = o.transitionLocked(ctx, st, crawler.JobStatusFailed, crawler.ReasonSystemicFailure,
			fmt.Sprintf("%d of %d attempted pages failed", st.job.FailureCount, st.job.Attempted), events)
	} else {
		events = o.checkQuiescenceLocked(ctx, st, events)
	}
	o.mu.Unlock()

	o.publish(ctx, events)
}

func (o *Orchestrator) systemicFailure(job crawler.Job) bool {
	if job.Attempted < o.cfg.MinSample {
		return false
	}
	return float64(job.FailureCount)/float64(job.Attempted) >= o.cfg.FailureFraction
}

// checkQuiescenceLocked finishes an in-progress job once nothing is queued or
// in flight for it.
func (o *Orchestrator) checkQuiescenceLocked(ctx context.Context, st *jobState, events []crawler.JobEvent) []crawler.JobEvent {
	o.refreshPendingLocked(st)
	if st.job.Status != crawler.JobStatusInProgress || st.job.FrontierRemaining > 0 || st.job.InFlight > 0 {
		return events
	}
	if st.cancelRequested {
		return o.transitionLocked(ctx, st, crawler.JobStatusFailed, crawler.ReasonCanceled, "canceled by caller", events)
	}
	return o.transitionLocked(ctx, st, crawler.JobStatusCompleted, crawler.ReasonNone, "", events)
}

func (o *Orchestrator) refreshPendingLocked(st *jobState) {
	st.job.FrontierRemaining, st.job.InFlight = o.deps.Frontier.Pending(st.job.ID)
}

// transitionLocked applies a status change, persists it and appends the event
// to publish when the new status is terminal.
func (o *Orchestrator) transitionLocked(
	ctx context.Context,
	st *jobState,
	next crawler.JobStatus,
	reason crawler.FailureReason,
	errText string,
	events []crawler.JobEvent,
) []crawler.JobEvent {
	prev := st.job.Status
	if !prev.CanTransition(next) {
		o.logger.Warn("Ignoring invalid job transition",
			zap.String("job_id", st.job.ID),
			zap.String("from", string(prev)),
			zap.String("to", string(next)),
		)
		return events
	}
	now := o.deps.Clock.Now()
	st.job.Status = next
	switch {
	case next == crawler.JobStatusInProgress:
		st.job.StartedAt = &now
	case next.Terminal():
		st.job.FinishedAt = &now
		st.job.Reason = reason
		st.job.ErrorText = errText
		o.deps.Frontier.Close(st.job.ID)
	}

	if err := o.deps.Store.UpdateJob(ctx, st.job); err != nil {
		o.logger.Error("Failed to persist job transition",
			zap.String("job_id", st.job.ID),
			zap.String("status", string(next)),
			zap.Error(err),
		)
	} else if next.Terminal() {
		delete(o.jobs, st.job.ID)
	}
	metrics.ObserveJob(string(next))

	fields := []zap.Field{
		zap.String("job_id", st.job.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.Int("attempted", st.job.Attempted),
		zap.Int("pages_indexed", st.job.PagesIndexed),
		zap.Int("failures", st.job.FailureCount),
	}
	if reason != crawler.ReasonNone {
		fields = append(fields, zap.String("reason", string(reason)))
	}
	o.logger.Info("Job status changed", fields...)

	if !next.Terminal() {
		return events
	}
	return append(events, eventFor(st.job))
}

func eventFor(job crawler.Job) crawler.JobEvent {
	ev := crawler.JobEvent{
		JobID:        job.ID,
		Status:       job.Status,
		Reason:       job.Reason,
		PagesIndexed: job.PagesIndexed,
		FailureCount: job.FailureCount,
		Attempted:    job.Attempted,
	}
	if job.FinishedAt != nil {
		ev.FinishedAt = *job.FinishedAt
	}
	return ev
}

func (o *Orchestrator) publish(ctx context.Context, events []crawler.JobEvent) {
	if o.deps.Publisher == nil {
		return
	}
	for _, ev := range events {
		id, err := o.deps.Publisher.Publish(ctx, o.cfg.EventTopic, ev)
		if err != nil {
			o.logger.Error("Failed to publish job event", zap.String("job_id", ev.JobID), zap.Error(err))
			continue
		}
		o.logger.Debug("Published job event", zap.String("job_id", ev.JobID), zap.String("message_id", id))
	}
}

// GetStatus returns the current record of a job. Live jobs are answered from
// memory, anything else from the job store.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (crawler.Job, error) {
	o.mu.Lock()
	st, ok := o.jobs[jobID]
	if ok {
		job := copyJob(st.job)
		o.mu.Unlock()
		return job, nil
	}
	o.mu.Unlock()

	job, err := o.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
		}
		return crawler.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return job, nil
}

// Cancel stops seeding a job. Queued URLs are dropped, in-flight fetches drain,
// and the job then ends FAILED(canceled). Finished jobs yield
// crawler.ErrTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	o.mu.Lock()
	st, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		job, err := o.GetStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return fmt.Errorf("cancel %s: %w", jobID, crawler.ErrTerminal)
		}
		// Non-terminal jobs this process does not own are left to Recover.
		return fmt.Errorf("cancel %s: %w", jobID, crawler.ErrNotFound)
	}
	if st.job.Status.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", jobID, crawler.ErrTerminal)
	}
	st.cancelRequested = true
	dropped := o.deps.Frontier.Close(jobID)
	o.logger.Info("Job cancel requested", zap.String("job_id", jobID), zap.Int("dropped", dropped))
	events := o.checkQuiescenceLocked(ctx, st, nil)
	o.mu.Unlock()

	o.publish(ctx, events)
	return nil
}

// FailActive fails every unfinished job with reason. The fetch pool watchdog
// calls it when the pool stops making progress.
func (o *Orchestrator) FailActive(ctx context.Context, reason crawler.FailureReason, cause error) int {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	o.mu.Lock()
	var events []crawler.JobEvent
	for _, st := range o.jobs {
		if st.job.Status.Terminal() {
			continue
		}
		o.refreshPendingLocked(st)
		events = o.transitionLocked(ctx, st, crawler.JobStatusFailed, reason, errText, events)
	}
	o.mu.Unlock()

	o.publish(ctx, events)
	return len(events)
}

// Recover fails jobs a previous process left unfinished in the store. Their
// frontier state did not survive the restart.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	stale, err := o.deps.Store.ListJobs(ctx, crawler.JobStatusPending, crawler.JobStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}

	o.mu.Lock()
	var events []crawler.JobEvent
	for _, job := range stale {
		if _, live := o.jobs[job.ID]; live {
			continue
		}
		st := &jobState{job: job}
		events = o.transitionLocked(ctx, st, crawler.JobStatusFailed, crawler.ReasonInterrupted, "service restarted", events)
	}
	o.mu.Unlock()

	if len(events) > 0 {
		o.logger.Warn("Failed jobs interrupted by restart", zap.Int("count", len(events)))
	}
	o.publish(ctx, events)
	return len(events), nil
}

// JobScope implements crawler.ScopeResolver for unfinished jobs.
func (o *Orchestrator) JobScope(jobID string) (crawler.Scope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.jobs[jobID]
	if !ok || st.job.Status.Terminal() {
		return crawler.Scope{}, false
	}
	return st.job.Scope, true
}

// Active returns the number of unfinished jobs owned by this process.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, st := range o.jobs {
		if !st.job.Status.Terminal() {
			n++
		}
	}
	return n
}

// resolveScope fills defaults and seeds. Explicit seeds must be valid
// absolute URLs inside the scope.
func (o *Orchestrator) resolveScope(params crawler.CrawlParams) (crawler.Scope, error) {
	scope := crawler.Scope{
		Domains:  crawler.NormalizeDomains(params.Domains),
		MaxDepth: params.MaxDepth,
		MaxPages: params.MaxPages,
	}
	if params.Region != nil && !params.Region.IsZero() {
		r := *params.Region
		scope.Region = &r
	}
	if scope.MaxDepth == 0 {
		scope.MaxDepth = o.cfg.MaxDepthDefault
	}
	if scope.MaxPages == 0 {
		scope.MaxPages = o.cfg.MaxPagesDefault
	}

	if len(params.Seeds) > 0 {
		for _, raw := range params.Seeds {
			seed, err := crawler.NormalizeURL(raw)
			if err != nil {
				return crawler.Scope{}, fmt.Errorf("%w: seed %q: %v", crawler.ErrInvalidScope, raw, err)
			}
			if !scope.AllowsURL(seed) {
				return crawler.Scope{}, fmt.Errorf("%w: seed %q is outside the requested domains or region", crawler.ErrInvalidScope, raw)
			}
			if !slices.Contains(scope.Seeds, seed) {
				scope.Seeds = append(scope.Seeds, seed)
			}
		}
		return scope, nil
	}

	for _, d := range o.seedDomains(scope) {
		for _, raw := range o.cfg.DefaultSeeds[d] {
			seed, err := crawler.NormalizeURL(raw)
			if err != nil || !scope.AllowsURL(seed) || slices.Contains(scope.Seeds, seed) {
				continue
			}
			scope.Seeds = append(scope.Seeds, seed)
		}
	}
	if len(scope.Seeds) == 0 {
		return crawler.Scope{}, fmt.Errorf("%w: no seeds given and none configured for the requested scope", crawler.ErrInvalidScope)
	}
	return scope, nil
}

func (o *Orchestrator) seedDomains(scope crawler.Scope) []crawler.Domain {
	if !scope.Unrestricted() {
		return scope.Domains
	}
	domains := make([]crawler.Domain, 0, len(o.cfg.DefaultSeeds))
	for d := range o.cfg.DefaultSeeds {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	return domains
}

func copyJob(job crawler.Job) crawler.Job {
	job.Scope.Domains = slices.Clone(job.Scope.Domains)
	job.Scope.Seeds = slices.Clone(job.Scope.Seeds)
	if job.Scope.Region != nil {
		r := *job.Scope.Region
		job.Scope.Region = &r
	}
	return job
}
