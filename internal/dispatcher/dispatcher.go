// Package dispatcher runs the fetch worker pool and watches it for stalls.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
	"github.com/JakeFAU/crawlsearch/internal/worker"
)

// Defaults applied by New.
const (
	DefaultWorkers          = 8
	DefaultWatchdogInterval = 2 * time.Minute
)

// Backlog reports outstanding frontier work; the watchdog only fires while
// some exists.
type Backlog interface {
	Len() int
	InFlight() int
}

// Source is the frontier as seen by the pool.
type Source interface {
	crawler.Frontier
	Backlog
}

// StallHook is invoked once when the watchdog declares the pool stalled.
type StallHook func(ctx context.Context, err error)

// Config controls the pool.
type Config struct {
	Workers          int
	WatchdogInterval time.Duration
	Worker           worker.Config
}

// Health is a snapshot of pool health.
type Health struct {
	Workers  int  `json:"workers"`
	Degraded int  `json:"degraded"`
	Stalled  bool `json:"stalled"`
}

// Healthy reports whether the pool is fit to take new work.
func (h Health) Healthy() bool {
	return !h.Stalled && h.Degraded < h.Workers
}

// Pool fans frontier work out to N workers.
type Pool struct {
	cfg     Config
	backlog Backlog
	workers []*worker.Worker
	onStall StallHook
	logger  *zap.Logger

	completed atomic.Uint64
	stalled   atomic.Bool

	mu       sync.Mutex
	degraded map[int]bool
}

// New creates a Pool. onStall may be nil.
func New(
	cfg Config,
	source Source,
	fetcher crawler.Fetcher,
	results crawler.ResultQueue,
	clock crawler.Clock,
	onStall StallHook,
	logger *zap.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:      cfg,
		backlog:  source,
		onStall:  onStall,
		logger:   logger,
		degraded: make(map[int]bool),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.workers = append(p.workers, worker.New(i, source, fetcher, results, clock, p, cfg.Worker, logger))
	}
	return p
}

// Run starts all workers and the watchdog and blocks until the context
// finishes or the watchdog detects a stall, in which case it returns
// crawler.ErrPoolStalled.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	g.Go(func() error {
		return p.watch(gctx)
	})
	p.logger.Info("fetch pool started", zap.Int("workers", len(p.workers)))
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fetch pool: %w", err)
	}
	return nil
}

func (p *Pool) watch(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WatchdogInterval)
	defer ticker.Stop()

	last := p.completed.Load()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		current := p.completed.Load()
		pending := p.backlog.Len() + p.backlog.InFlight()
		if current == last && pending > 0 {
			p.stalled.Store(true)
			p.logger.Error("fetch pool stalled",
				zap.Duration("interval", p.cfg.WatchdogInterval),
				zap.Int("pending", pending),
			)
			if p.onStall != nil {
				p.onStall(context.WithoutCancel(ctx), crawler.ErrPoolStalled)
			}
			return crawler.ErrPoolStalled
		}
		last = current
	}
}

// FetchCompleted records worker progress for the watchdog.
func (p *Pool) FetchCompleted() {
	p.completed.Add(1)
}

// Degraded records a worker's health transition.
func (p *Pool) Degraded(workerID int, degraded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if degraded {
		p.degraded[workerID] = true
		if len(p.degraded) == len(p.workers) {
			p.logger.Warn("all fetch workers degraded")
		}
		return
	}
	delete(p.degraded, workerID)
}

// Health returns the current pool health.
func (p *Pool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Health{
		Workers:  len(p.workers),
		Degraded: len(p.degraded),
		Stalled:  p.stalled.Load(),
	}
}
