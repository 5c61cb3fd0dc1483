package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
	"github.com/JakeFAU/crawlsearch/internal/search"
)

const statusPollInterval = 250 * time.Millisecond

type crawlOptions struct {
	seeds    []string
	domains  []string
	country  string
	maxDepth int
	maxPages int
	query    string
	size     int
	timeout  time.Duration
}

// crawlOutput is what the crawl command prints.
type crawlOutput struct {
	Job    crawler.Job  `json:"job"`
	Search *search.Page `json:"search,omitempty"`
}

// newCrawlCmd creates the 'crawl' subcommand, which runs a single job to
// completion in-process and optionally searches what it indexed.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl job and prints its final status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&opts.seeds, "seed", nil, "seed URL (repeatable)")
	flags.StringSliceVar(&opts.domains, "domain", nil, "top-level domain to stay within: com, net or org (repeatable)")
	flags.StringVar(&opts.country, "country", "", "ISO country code the crawl is restricted to")
	flags.IntVar(&opts.maxDepth, "max-depth", 0, "link depth limit (0 uses the configured default)")
	flags.IntVar(&opts.maxPages, "max-pages", 0, "page budget (0 uses the configured default)")
	flags.StringVar(&opts.query, "query", "", "search the index once the crawl finishes")
	flags.IntVar(&opts.size, "size", 0, "search page size")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "cancel the job after this long")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts *crawlOptions) error {
	cfg, logger, err := fromContext(cmd.Context())
	if err != nil {
		return err
	}
	params, err := opts.params()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	pipelineCtx, cancelPipeline := context.WithCancel(ctx)
	pipelineErr := make(chan error, 1)
	go func() { pipelineErr <- app.RunPipeline(pipelineCtx) }()
	defer func() {
		cancelPipeline()
		if err := <-pipelineErr; err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("pipeline stopped with error", zap.Error(err))
		}
	}()

	crawls := app.Crawls()
	jobID, err := crawls.SubmitCrawl(ctx, "", params)
	if err != nil {
		return fmt.Errorf("submit crawl: %w", err)
	}
	logger.Info("crawl submitted", zap.String("job_id", jobID))

	job, err := waitForJob(ctx, crawls, jobID, opts.timeout)
	if err != nil {
		return err
	}

	out := crawlOutput{Job: job}
	if opts.query != "" {
		page, err := app.Searcher().Search(ctx, opts.query, "", opts.size)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		out.Search = &page
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func (o *crawlOptions) params() (crawler.CrawlParams, error) {
	params := crawler.CrawlParams{
		Seeds:    o.seeds,
		MaxDepth: o.maxDepth,
		MaxPages: o.maxPages,
	}
	for _, raw := range o.domains {
		d, err := crawler.ParseDomain(raw)
		if err != nil {
			return crawler.CrawlParams{}, fmt.Errorf("--domain: %w", err)
		}
		params.Domains = append(params.Domains, d)
	}
	if o.country != "" {
		params.Region = &crawler.Region{Country: o.country}
	}
	return params, nil
}

// waitForJob polls until the job is terminal. Once the timeout passes the job
// is canceled and polling continues while it drains.
func waitForJob(ctx context.Context, crawls Crawls, jobID string, timeout time.Duration) (crawler.Job, error) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		job, err := crawls.GetStatus(ctx, jobID)
		if err != nil {
			return crawler.Job{}, fmt.Errorf("get status: %w", err)
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			if err := crawls.Cancel(context.WithoutCancel(ctx), jobID); err != nil && !errors.Is(err, crawler.ErrTerminal) {
				return job, fmt.Errorf("cancel crawl: %w", err)
			}
			return job, fmt.Errorf("crawl interrupted: %w", ctx.Err())
		case <-deadline:
			deadline = nil
			if err := crawls.Cancel(ctx, jobID); err != nil && !errors.Is(err, crawler.ErrTerminal) {
				return job, fmt.Errorf("cancel crawl: %w", err)
			}
		case <-ticker.C:
		}
	}
}
