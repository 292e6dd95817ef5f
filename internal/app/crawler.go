package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sogou_spider/internal/db"
	"sogou_spider/internal/logger"
	"sogou_spider/internal/models"
	"sogou_spider/internal/search"
	"sogou_spider/internal/transport"
	urlqueue "sogou_spider/internal/url_queue"
)

// ErrHalted is the halt cause for an external stop request.
var ErrHalted = errors.New("crawl stopped")

type Searcher interface {
	Search(ctx context.Context, keyword string, page int) (search.Page, error)
}

type Resolver interface {
	Resolve(ctx context.Context, rec models.ArticleRecord, fetchContent bool) (models.ArticleRecord, error)
}

type Options struct {
	Workers            int
	KeywordConcurrency int
	FetchContent       bool
	// PageDelay is the mean pause between two result pages of one keyword.
	PageDelay time.Duration
}

// Crawler drives keywords through search, dedup, resolution and storage.
type Crawler struct {
	searcher Searcher
	resolver Resolver
	store    db.Store
	opts     Options
}

func NewCrawler(searcher Searcher, resolver Resolver, store db.Store, opts Options) *Crawler {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.KeywordConcurrency < 1 {
		opts.KeywordConcurrency = 1
	}
	return &Crawler{
		searcher: searcher,
		resolver: resolver,
		store:    store,
		opts:     opts,
	}
}

type job struct {
	rec      models.ArticleRecord
	progress *keywordProgress
}

type keywordProgress struct {
	mu       sync.Mutex
	report   models.KeywordReport
	inflight sync.WaitGroup
}

func (p *keywordProgress) update(fn func(r *models.KeywordReport)) {
	p.mu.Lock()
	fn(&p.report)
	p.mu.Unlock()
}

func (p *keywordProgress) snapshot() models.KeywordReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.report
}

// Run crawls every task and returns the run report. When the run halts on an
// authentication failure the report is returned together with an error
// wrapping transport.ErrAuthRequired.
func (c *Crawler) Run(ctx context.Context, tasks []models.KeywordTask) (*models.RunReport, error) {
	report := &models.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	l := logger.WithComponent("crawler").With().Str("run_id", report.RunID).Logger()
	l.Info().Int("keywords", len(tasks)).Int("workers", c.opts.Workers).Bool("fetch_content", c.opts.FetchContent).Msg("crawl started")

	haltCtx, halt := context.WithCancelCause(ctx)
	defer halt(nil)

	progress := make([]*keywordProgress, len(tasks))
	for i, task := range tasks {
		progress[i] = &keywordProgress{report: models.KeywordReport{Keyword: task.Keyword, State: models.StatePending}}
	}

	seen := urlqueue.NewSeen()
	jobs := make(chan job, c.opts.Workers*2)

	var workers sync.WaitGroup
	for i := 0; i < c.opts.Workers; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			c.worker(haltCtx, halt, l.With().Int("worker", id).Logger(), jobs)
		}(i)
	}

	var g errgroup.Group
	g.SetLimit(c.opts.KeywordConcurrency)
	for i, task := range tasks {
		if haltCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			c.crawlKeyword(haltCtx, halt, l, task, progress[i], seen, jobs)
			return nil
		})
	}
	_ = g.Wait()
	close(jobs)
	workers.Wait()

	report.FinishedAt = time.Now()
	for _, p := range progress {
		report.Keywords = append(report.Keywords, p.snapshot())
	}

	var err error
	if haltCtx.Err() != nil {
		cause := context.Cause(haltCtx)
		if ctx.Err() != nil {
			cause = fmt.Errorf("%w: %w", ErrHalted, context.Cause(ctx))
		}
		report.Halted = true
		report.HaltReason = cause.Error()
		if errors.Is(cause, transport.ErrAuthRequired) {
			err = cause
		}
	}

	totals := report.Totals()
	l.Info().
		Int("found", totals.Found).
		Int("skipped", totals.Skipped).
		Int("resolved", totals.Resolved).
		Int("content_fetched", totals.ContentFetched).
		Int("failed", totals.Failed).
		Bool("halted", report.Halted).
		Str("halt_reason", report.HaltReason).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("crawl finished")
	return report, err
}

func (c *Crawler) crawlKeyword(
	ctx context.Context,
	halt context.CancelCauseFunc,
	l zerolog.Logger,
	task models.KeywordTask,
	p *keywordProgress,
	seen *urlqueue.Seen,
	jobs chan<- job,
) {
	if ctx.Err() != nil {
		// halted before this keyword got a slot; it stays PENDING
		return
	}
	l = l.With().Str("keyword", task.Keyword).Logger()
	p.update(func(r *models.KeywordReport) { r.State = models.StateSearching })

	for page := 1; task.TargetPages <= 0 || page <= task.TargetPages; page++ {
		if ctx.Err() != nil {
			break
		}
		if page > 1 && c.opts.PageDelay > 0 {
			if err := pause(ctx, jitter(c.opts.PageDelay)); err != nil {
				break
			}
		}

		result, err := c.searcher.Search(ctx, task.Keyword, page)
		if err != nil {
			if transport.IsFatal(err) {
				halt(err)
				l.Error().Err(err).Int("page", page).Msg("authentication required, halting crawl")
			} else if ctx.Err() == nil {
				l.Warn().Err(err).Int("page", page).Msg("search failed, stopping pagination")
			}
			p.update(func(r *models.KeywordReport) { r.LastError = err.Error() })
			break
		}

		p.update(func(r *models.KeywordReport) {
			r.Pages++
			r.Found += len(result.Records)
			r.State = models.StateResolving
		})

		for _, rec := range result.Records {
			if !c.dispatch(ctx, l, rec, p, seen, jobs) {
				break
			}
		}

		if !result.HasMore {
			break
		}
	}

	p.inflight.Wait()

	p.update(func(r *models.KeywordReport) {
		if ctx.Err() == nil {
			r.State = models.StateDone
			return
		}
		// the keyword was cut short by the global halt
		r.State = models.StateFailed
		if r.LastError == "" {
			r.LastError = context.Cause(ctx).Error()
		}
	})
	final := p.snapshot()
	l.Info().
		Str("state", string(final.State)).
		Int("pages", final.Pages).
		Int("found", final.Found).
		Int("skipped", final.Skipped).
		Int("resolved", final.Resolved).
		Int("failed", final.Failed).
		Msg("keyword finished")
}

// dispatch filters one candidate and queues it for resolution. It reports
// false once the crawl is halting.
func (c *Crawler) dispatch(
	ctx context.Context,
	l zerolog.Logger,
	rec models.ArticleRecord,
	p *keywordProgress,
	seen *urlqueue.Seen,
	jobs chan<- job,
) bool {
	if !seen.Add(rec.PortalURL, rec.Keyword) {
		p.update(func(r *models.KeywordReport) { r.Skipped++ })
		return true
	}

	stored, err := c.store.Find(ctx, rec.PortalURL, rec.Keyword)
	if err != nil {
		l.Warn().Err(err).Str("portal_url", rec.PortalURL).Msg("dedup lookup failed, resolving anyway")
	}
	if stored != nil {
		if stored.Complete(c.opts.FetchContent) {
			p.update(func(r *models.KeywordReport) { r.Skipped++ })
			return true
		}
		// keep what a previous run already established
		rec.Resolved = stored.Resolved
		rec.ContentFetched = stored.ContentFetched
		if rec.CanonicalURL == "" {
			rec.CanonicalURL = stored.CanonicalURL
		}
	}

	p.inflight.Add(1)
	select {
	case jobs <- job{rec: rec, progress: p}:
		return true
	case <-ctx.Done():
		p.inflight.Done()
		return false
	}
}

func (c *Crawler) worker(ctx context.Context, halt context.CancelCauseFunc, l zerolog.Logger, jobs <-chan job) {
	for j := range jobs {
		if ctx.Err() != nil {
			// halting: drain without new outbound requests
			j.progress.inflight.Done()
			continue
		}
		c.process(ctx, halt, l, j)
		j.progress.inflight.Done()
	}
}

func (c *Crawler) process(ctx context.Context, halt context.CancelCauseFunc, l zerolog.Logger, j job) {
	l = l.With().Str("keyword", j.rec.Keyword).Str("portal_url", j.rec.PortalURL).Logger()

	// an item that started is finished even if the crawl halts meanwhile
	workCtx := context.WithoutCancel(ctx)

	rec, resolveErr := c.resolver.Resolve(workCtx, j.rec, c.opts.FetchContent)
	if transport.IsFatal(resolveErr) {
		halt(resolveErr)
		l.Error().Err(resolveErr).Msg("authentication required, halting crawl")
	} else if resolveErr != nil {
		l.Warn().Err(resolveErr).Msg("resolution incomplete")
	}

	if _, err := c.store.Upsert(workCtx, &rec); err != nil {
		l.Error().Err(err).Msg("failed to store article")
		j.progress.update(func(r *models.KeywordReport) {
			r.Failed++
			r.LastError = err.Error()
		})
		return
	}

	j.progress.update(func(r *models.KeywordReport) {
		if rec.Resolved && !j.rec.Resolved {
			r.Resolved++
		}
		if rec.ContentFetched && !j.rec.ContentFetched {
			r.ContentFetched++
		}
		if resolveErr != nil {
			r.Failed++
			r.LastError = resolveErr.Error()
		}
	})
	l.Debug().Bool("resolved", rec.Resolved).Bool("content_fetched", rec.ContentFetched).Msg("article stored")
}

func jitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(d)
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
