// Package frontier implements the per-job deduplicated, per-domain polite URL
// frontier that feeds the fetch workers.
package frontier

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
	"github.com/JakeFAU/crawlsearch/internal/metrics"
)

const (
	defaultMinInterval    = time.Second
	defaultMaxOutstanding = 1000
	// retiredJobsKept bounds how many drained job IDs are remembered so that
	// late links for them are still refused.
	retiredJobsKept = 4096
)

// Config holds frontier-wide defaults.
type Config struct {
	// MinInterval is the minimum gap between two dequeues of the same domain.
	// Zero selects the one second default; negative disables politeness.
	MinInterval time.Duration
	// MaxOutstanding caps queued entries per job unless Open overrides it.
	MaxOutstanding int
	// MaxAdmitted caps the total URLs a job may ever enqueue. Zero is unlimited.
	MaxAdmitted int
}

// Limits are per-job caps registered through Open.
type Limits struct {
	MaxOutstanding int
	MaxAdmitted    int
}

// Frontier is safe for concurrent use.
type Frontier struct {
	cfg   Config
	clock crawler.Clock

	mu         sync.Mutex
	partitions map[string]*partition
	order      []string
	cursor     int
	limiters   map[string]*rate.Limiter
	jobs       map[string]*jobState
	retired    map[string]struct{}
	retiredIDs []string
	retiredCap int
	queued     int
	seq        uint64
	ready      chan struct{}
}

type jobState struct {
	limits   Limits
	seen     map[string]struct{}
	queued   int
	inflight int
	admitted int
	closed   bool
}

type partition struct {
	domain string
	items  entryHeap
}

// New constructs an empty Frontier.
func New(cfg Config, clock crawler.Clock) *Frontier {
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = defaultMaxOutstanding
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = defaultMinInterval
	}
	return &Frontier{
		cfg:        cfg,
		clock:      clock,
		partitions: make(map[string]*partition),
		limiters:   make(map[string]*rate.Limiter),
		jobs:       make(map[string]*jobState),
		retired:    make(map[string]struct{}),
		retiredCap: retiredJobsKept,
		ready:      make(chan struct{}),
	}
}

// Open registers limits for a job. Calling it for a known job updates its
// limits; retired jobs stay closed.
func (f *Frontier) Open(jobID string, limits Limits) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, gone := f.retired[jobID]; gone {
		return
	}
	js := f.jobLocked(jobID)
	js.limits = f.normalizeLimits(limits)
}

// Enqueue admits a URL for a job. The URL is normalized before deduplication.
// Rejections are crawler.ErrDuplicate, ErrFrontierFull, ErrBudgetExhausted and
// ErrJobClosed.
func (f *Frontier) Enqueue(entry crawler.FrontierEntry) error {
	normalized, err := crawler.NormalizeURL(entry.URL)
	if err != nil {
		return fmt.Errorf("enqueue %q: %w", entry.URL, err)
	}
	entry.URL = normalized
	if entry.Domain == "" {
		host, err := crawler.HostOf(normalized)
		if err != nil {
			return fmt.Errorf("enqueue %q: %w", entry.URL, err)
		}
		entry.Domain = host
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, gone := f.retired[entry.JobID]; gone {
		metrics.ObserveFrontierRejection(crawler.RejectionReason(crawler.ErrJobClosed))
		return crawler.ErrJobClosed
	}
	js := f.jobLocked(entry.JobID)
	if err := f.admitLocked(js, entry.URL); err != nil {
		metrics.ObserveFrontierRejection(crawler.RejectionReason(err))
		return err
	}
	js.seen[entry.URL] = struct{}{}
	js.admitted++
	js.queued++
	f.queued++

	entry.EnqueuedAt = f.clock.Now()
	f.seq++
	p, ok := f.partitions[entry.Domain]
	if !ok {
		p = &partition{domain: entry.Domain}
		f.partitions[entry.Domain] = p
		f.order = append(f.order, entry.Domain)
	}
	heap.Push(&p.items, &item{entry: entry, seq: f.seq})
	metrics.SetFrontierDepth(f.queued)

	close(f.ready)
	f.ready = make(chan struct{})
	return nil
}

func (f *Frontier) admitLocked(js *jobState, url string) error {
	if js.closed {
		return crawler.ErrJobClosed
	}
	if _, dup := js.seen[url]; dup {
		return crawler.ErrDuplicate
	}
	if js.queued >= js.limits.MaxOutstanding {
		return crawler.ErrFrontierFull
	}
	if js.limits.MaxAdmitted > 0 && js.admitted >= js.limits.MaxAdmitted {
		return crawler.ErrBudgetExhausted
	}
	return nil
}

// Dequeue returns the next entry whose domain is past its politeness interval.
// Partitions are visited round-robin; budget caps how many non-empty partitions
// are inspected in one call (zero inspects all). A partition that is not yet
// allowed is skipped rather than waited on. The returned entry stays in flight
// until Ack.
func (f *Frontier) Dequeue(budget int) (crawler.FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	n := len(f.order)
	inspected := 0
	for i := 0; i < n; i++ {
		idx := (f.cursor + i) % n
		p := f.partitions[f.order[idx]]
		if p.items.Len() == 0 {
			continue
		}
		inspected++
		if f.limiterLocked(p.domain).AllowN(now, 1) {
			it := heap.Pop(&p.items).(*item)
			f.cursor = idx + 1
			if p.items.Len() == 0 {
				f.dropPartitionLocked(idx)
			}
			f.queued--
			if js, ok := f.jobs[it.entry.JobID]; ok {
				js.queued--
				js.inflight++
			}
			metrics.SetFrontierDepth(f.queued)
			return it.entry, true
		}
		if budget > 0 && inspected >= budget {
			break
		}
	}
	return crawler.FrontierEntry{}, false
}

// Ack resolves the lease taken by Dequeue. The last Ack of a closed job
// releases its state.
func (f *Frontier) Ack(entry crawler.FrontierEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	js, ok := f.jobs[entry.JobID]
	if !ok || js.inflight == 0 {
		return
	}
	js.inflight--
	f.retireIfDrainedLocked(entry.JobID, js)
}

// Pending returns the queued and in-flight counts for a job as one snapshot.
func (f *Frontier) Pending(jobID string) (queued, inflight int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	js, ok := f.jobs[jobID]
	if !ok {
		return 0, 0
	}
	return js.queued, js.inflight
}

// Close stops a job from admitting URLs and drops its queued entries. In-flight
// entries are unaffected and still need Ack; once none remain the job's state
// is released. It returns the number dropped.
func (f *Frontier) Close(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, gone := f.retired[jobID]; gone {
		return 0
	}
	js := f.jobLocked(jobID)
	js.closed = true
	js.seen = nil
	if js.queued == 0 {
		f.retireIfDrainedLocked(jobID, js)
		return 0
	}

	dropped := 0
	for i := len(f.order) - 1; i >= 0; i-- {
		p := f.partitions[f.order[i]]
		kept := p.items[:0]
		for _, it := range p.items {
			if it.entry.JobID == jobID {
				dropped++
				continue
			}
			kept = append(kept, it)
		}
		p.items = kept
		heap.Init(&p.items)
		if p.items.Len() == 0 {
			f.dropPartitionLocked(i)
		}
	}
	js.queued = 0
	f.queued -= dropped
	metrics.SetFrontierDepth(f.queued)
	f.retireIfDrainedLocked(jobID, js)
	return dropped
}

// retireIfDrainedLocked forgets a closed job with no queued or leased entries,
// remembering only its ID in a bounded list.
func (f *Frontier) retireIfDrainedLocked(jobID string, js *jobState) {
	if !js.closed || js.queued > 0 || js.inflight > 0 {
		return
	}
	delete(f.jobs, jobID)
	f.retired[jobID] = struct{}{}
	f.retiredIDs = append(f.retiredIDs, jobID)
	if len(f.retiredIDs) > f.retiredCap {
		delete(f.retired, f.retiredIDs[0])
		f.retiredIDs = f.retiredIDs[1:]
	}
}

// Len returns the number of queued entries across all jobs.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued
}

// InFlight returns the number of leased entries across all jobs.
func (f *Frontier) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, js := range f.jobs {
		total += js.inflight
	}
	return total
}

// Ready returns a channel closed on the next successful Enqueue.
func (f *Frontier) Ready() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *Frontier) jobLocked(jobID string) *jobState {
	js, ok := f.jobs[jobID]
	if !ok {
		js = &jobState{
			limits: f.normalizeLimits(Limits{}),
			seen:   make(map[string]struct{}),
		}
		f.jobs[jobID] = js
	}
	return js
}

func (f *Frontier) normalizeLimits(l Limits) Limits {
	if l.MaxOutstanding <= 0 {
		l.MaxOutstanding = f.cfg.MaxOutstanding
	}
	if l.MaxAdmitted <= 0 {
		l.MaxAdmitted = f.cfg.MaxAdmitted
	}
	return l
}

func (f *Frontier) limiterLocked(domain string) *rate.Limiter {
	lim, ok := f.limiters[domain]
	if !ok {
		every := rate.Inf
		if f.cfg.MinInterval > 0 {
			every = rate.Every(f.cfg.MinInterval)
		}
		lim = rate.NewLimiter(every, 1)
		f.limiters[domain] = lim
	}
	return lim
}

func (f *Frontier) dropPartitionLocked(idx int) {
	domain := f.order[idx]
	delete(f.partitions, domain)
	f.order = append(f.order[:idx], f.order[idx+1:]...)
	if len(f.order) == 0 {
		f.cursor = 0
		return
	}
	if f.cursor > idx {
		f.cursor--
	}
	f.cursor %= len(f.order)
}
