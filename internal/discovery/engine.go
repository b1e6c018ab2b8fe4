// Package discovery finds job postings on search pages, records them, and
// asks the evaluator whether each one suits the candidate.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbusbee505/JobFinder/internal/evaluate"
	"github.com/mbusbee505/JobFinder/internal/job"
	"github.com/mbusbee505/JobFinder/internal/prefs"
	"github.com/mbusbee505/JobFinder/internal/scan"
)

// Store is the subset of the job store the engine writes to.
type Store interface {
	CountDiscovered(ctx context.Context) (int, error)
	InsertStub(ctx context.Context, stub job.Stub) (bool, error)
	NeedsProcessing(ctx context.Context, jobID int64) (bool, error)
	UpdateDetails(ctx context.Context, jobID int64, title, description string) error
	MarkAnalyzed(ctx context.Context, jobID int64) error
	Approve(ctx context.Context, jobID int64, reason string) (bool, error)
}

// PreferencesSource supplies the search preferences for each run.
type PreferencesSource interface {
	Current() prefs.Preferences
}

// Options configures an Engine.
type Options struct {
	BaseURL        string
	UserAgent      string
	RequestRate    float64
	Burst          int
	Workers        int
	RequestTimeout time.Duration
}

// Engine implements scan.Engine.
type Engine struct {
	store   Store
	eval    evaluate.Evaluator
	prefs   PreferencesSource
	fetch   *fetcher
	baseURL string
	workers int
	logger  *slog.Logger
}

// New creates a discovery engine.
func New(store Store, eval evaluate.Evaluator, p PreferencesSource, opts Options, logger *slog.Logger) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RequestRate <= 0 {
		opts.RequestRate = 1
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	return &Engine{
		store:   store,
		eval:    eval,
		prefs:   p,
		fetch:   newFetcher(opts.RequestTimeout, opts.RequestRate, opts.Burst, opts.UserAgent),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		workers: opts.Workers,
		logger:  logger.With(slog.String("component", "discovery")),
	}
}

// Run scans every search built from the current preferences. On
// cancellation it returns the partial result together with ctx.Err().
func (e *Engine) Run(ctx context.Context, progress scan.ProgressFunc) (scan.Result, error) {
	p := e.prefs.Current()
	searches := BuildSearches(e.baseURL, p.Keywords, p.Locations)

	startCount, err := e.store.CountDiscovered(ctx)
	if err != nil {
		return scan.Result{}, fmt.Errorf("counting discovered jobs: %w", err)
	}

	var res scan.Result
	var inserted int
	report := func(done int) {
		if progress != nil {
			progress(scan.Progress{
				SearchesDone:  done,
				SearchesTotal: len(searches),
				LinksExamined: res.LinksExamined,
				NewJobs:       inserted,
			})
		}
	}

	e.logger.Info("discovery started",
		slog.Int("searches", len(searches)),
		slog.Int("known_jobs", startCount))

	for i, s := range searches {
		if err := ctx.Err(); err != nil {
			return e.finalize(ctx, startCount, res), err
		}

		n, links, err := e.runSearch(ctx, s, p)
		inserted += n
		res.LinksExamined += links
		if err != nil {
			if ctx.Err() != nil {
				return e.finalize(ctx, startCount, res), ctx.Err()
			}
			return e.finalize(ctx, startCount, res), err
		}
		report(i + 1)
	}

	res = e.finalize(ctx, startCount, res)
	e.logger.Info("discovery finished",
		slog.Int("new_jobs", res.NewJobs),
		slog.Int("links_examined", res.LinksExamined))
	return res, nil
}

// finalize fills NewJobs from the store so the figure is correct even when
// the run was interrupted.
func (e *Engine) finalize(ctx context.Context, startCount int, res scan.Result) scan.Result {
	end, err := e.store.CountDiscovered(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Warn("counting discovered jobs at end of scan", slog.Any("error", err))
		return res
	}
	res.NewJobs = max(end-startCount, 0)
	return res
}

// runSearch records the links on one search page and processes those that
// need work. Only store failures and cancellation are returned as errors.
func (e *Engine) runSearch(ctx context.Context, s Search, p prefs.Preferences) (inserted, examined int, err error) {
	log := e.logger.With(slog.String("keyword", s.Keyword), slog.String("location", s.Location))

	doc, err := e.fetch.page(ctx, s.URL)
	if err != nil {
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		log.Warn("fetching search page", slog.Any("error", err))
		return 0, 0, nil
	}

	links := ExtractJobLinks(doc, e.baseURL)
	log.Debug("search page parsed", slog.Int("links", len(links)))

	var pending []Link
	for _, l := range links {
		if err := ctx.Err(); err != nil {
			return inserted, examined, err
		}
		examined++

		isNew, err := e.store.InsertStub(ctx, job.Stub{
			JobID:    l.ID,
			URL:      l.URL,
			Location: s.Location,
			Keyword:  s.Keyword,
		})
		if err != nil {
			return inserted, examined, err
		}
		if isNew {
			inserted++
			pending = append(pending, l)
			continue
		}

		unfinished, err := e.store.NeedsProcessing(ctx, l.ID)
		if err != nil {
			return inserted, examined, err
		}
		if unfinished {
			pending = append(pending, l)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	var approved atomic.Int32
	for _, l := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := e.processJob(gctx, l, p)
			if ok {
				approved.Add(1)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return inserted, examined, ctx.Err()
		}
		return inserted, examined, err
	}

	if n := approved.Load(); n > 0 {
		log.Info("jobs approved", slog.Int("count", int(n)))
	}
	return inserted, examined, nil
}

// processJob fetches, filters, and evaluates one posting. It reports whether
// the job was approved. Fetch and evaluation failures are logged and leave
// the job unanalyzed for a later scan.
func (e *Engine) processJob(ctx context.Context, l Link, p prefs.Preferences) (bool, error) {
	log := e.logger.With(slog.Int64("job_id", l.ID))

	doc, err := e.fetch.page(ctx, l.URL)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Warn("fetching job page", slog.Any("error", err))
		return false, nil
	}

	title := ExtractTitle(doc)
	if kw, ok := evaluate.MatchesExclusion(title, p.ExclusionKeywords); ok {
		log.Debug("job excluded by title", slog.String("title", title), slog.String("keyword", kw))
		if err := e.store.UpdateDetails(ctx, l.ID, title, ""); err != nil {
			return false, err
		}
		return false, e.store.MarkAnalyzed(ctx, l.ID)
	}

	description := ExtractDescription(doc)
	if description == "" {
		description, title = e.guestPosting(ctx, l.ID, title)
	}

	if err := e.store.UpdateDetails(ctx, l.ID, title, description); err != nil {
		return false, err
	}
	if description == "" {
		log.Warn("job description not found")
		return false, nil
	}

	verdict, err := e.eval.Evaluate(ctx, evaluate.Request{
		Description: description,
		Resume:      p.Resume,
		Criteria:    p.Criteria,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if errors.Is(err, evaluate.ErrNotConfigured) {
			log.Debug("evaluator not configured, leaving job unanalyzed")
		} else {
			log.Warn("evaluating job", slog.Any("error", err))
		}
		return false, nil
	}

	approved := false
	if verdict.Eligible {
		if approved, err = e.store.Approve(ctx, l.ID, verdict.Reasoning); err != nil {
			return false, err
		}
	}
	if err := e.store.MarkAnalyzed(ctx, l.ID); err != nil {
		return false, err
	}
	return approved, nil
}

// guestPosting fetches the public posting fragment used when the full page
// hides the description. It returns the description and the title, keeping
// title when the fragment has none.
func (e *Engine) guestPosting(ctx context.Context, id int64, title string) (string, string) {
	u := e.baseURL + "/jobs-guest/jobs/api/jobPosting/" + strconv.FormatInt(id, 10)
	doc, err := e.fetch.page(ctx, u)
	if err != nil {
		e.logger.Debug("fetching guest posting", slog.Int64("job_id", id), slog.Any("error", err))
		return "", title
	}
	if title == "" {
		title = ExtractTitle(doc)
	}
	return ExtractDescription(doc), title
}
