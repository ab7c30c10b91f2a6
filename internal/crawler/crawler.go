// Package crawler drives a crawl run: one browser session walks every input
// URL in order, items flow through extraction and image download into the
// workbook, and progress is published for the host.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/IshaanNene/storecrawl/internal/browser"
	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/extract"
	"github.com/IshaanNene/storecrawl/internal/media"
	"github.com/IshaanNene/storecrawl/internal/navigator"
	"github.com/IshaanNene/storecrawl/internal/observability"
	"github.com/IshaanNene/storecrawl/internal/progress"
	"github.com/IshaanNene/storecrawl/internal/storage"
	"github.com/IshaanNene/storecrawl/internal/types"
	"github.com/IshaanNene/storecrawl/internal/workbook"
)

// DriverFactory opens the browser session for a run.
type DriverFactory func(ctx context.Context, cfg config.BrowserConfig, logger *slog.Logger) (navigator.Driver, error)

// BrowserDriver launches a Chromium session.
func BrowserDriver(_ context.Context, cfg config.BrowserConfig, logger *slog.Logger) (navigator.Driver, error) {
	s, err := browser.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Crawler runs crawls with one configuration. A Crawler runs one crawl at a
// time; Run returns an error if called while another run is in flight.
type Crawler struct {
	cfg       *config.Config
	logger    *slog.Logger
	newDriver DriverFactory
	metrics   *observability.Metrics
	tracker   *progress.Tracker
	sink      storage.Sink
	dlOpts    []media.Option
	wbOpts    []workbook.Option

	running  atomic.Bool
	canceled atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	nextID   string
	warnings []types.Warning
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithDriverFactory replaces the Chromium session factory.
func WithDriverFactory(f DriverFactory) Option {
	return func(c *Crawler) { c.newDriver = f }
}

// WithMetrics records run, URL, item, image and save metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Crawler) { c.metrics = m }
}

// WithTracker publishes progress to t instead of a private tracker.
func WithTracker(t *progress.Tracker) Option {
	return func(c *Crawler) { c.tracker = t }
}

// WithSink mirrors every committed market to s. The crawler does not close s.
func WithSink(s storage.Sink) Option {
	return func(c *Crawler) { c.sink = s }
}

// WithDownloaderOptions passes options to the image downloader.
func WithDownloaderOptions(opts ...media.Option) Option {
	return func(c *Crawler) { c.dlOpts = append(c.dlOpts, opts...) }
}

// WithWorkbookOptions passes options to the workbook writer.
func WithWorkbookOptions(opts ...workbook.Option) Option {
	return func(c *Crawler) { c.wbOpts = append(c.wbOpts, opts...) }
}

// WithRunID sets the id of the next run instead of a random one.
func WithRunID(id string) Option {
	return func(c *Crawler) { c.nextID = id }
}

// New creates a crawler. cfg is cloned; later changes to it have no effect.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Crawler {
	c := &Crawler{
		cfg:       cfg.Clone(),
		logger:    logger.With("component", "crawler"),
		newDriver: BrowserDriver,
		tracker:   progress.NewTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tracker returns the progress tracker of the crawler.
func (c *Crawler) Tracker() *progress.Tracker {
	return c.tracker
}

// Cancel stops the current run after the step in progress. The current URL
// is discarded and the workbook is finalized with committed markets. A
// Cancel that arrives before Run starts cancels that run.
func (c *Crawler) Cancel() {
	c.canceled.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// warn records a warning in the summary and the progress log.
func (c *Crawler) warn(w types.Warning) {
	c.mu.Lock()
	c.warnings = append(c.warnings, w)
	c.mu.Unlock()
	c.tracker.Warn(w)
}

// Run crawls urls in order and returns the summary. Only a browser that
// cannot start (*types.DriverInitError), a workbook held by another run
// (*types.WorkbookBusy) or an invalid configuration make Run fail; per-URL
// failures are reported in the summary.
func (c *Crawler) Run(ctx context.Context, urls []string) (summary *Summary, err error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, errors.New("crawler: run already in progress")
	}
	defer c.running.Store(false)
	defer c.canceled.Store(false)

	if verr := config.Validate(c.cfg); verr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", verr)
	}

	start := time.Now()
	c.mu.Lock()
	runID := c.nextID
	c.nextID = ""
	c.mu.Unlock()
	if runID == "" {
		runID = uuid.NewString()
	}
	summary = &Summary{
		RunID:     runID,
		URLsTotal: len(urls),
		ExcelPath: c.cfg.Output.ExcelPath,
		ImageRoot: c.cfg.Output.ImgRoot,
		Warnings:  []types.Warning{},
		Markets:   []MarketResult{},
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.warnings = nil
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		summary.Warnings = append(summary.Warnings, c.warnings...)
		c.mu.Unlock()
		summary.DurationS = time.Since(start).Seconds()
	}()

	c.tracker.Start(summary.RunID, len(urls))
	log := c.logger.With("run_id", summary.RunID)

	if len(urls) == 0 {
		log.Info("no urls, nothing to do")
		c.tracker.Finish(progress.RunFinished)
		return summary, nil
	}

	if c.stopped(ctx) {
		log.Info("run canceled before start")
		c.cancelRest(summary, urls)
		c.tracker.Finish(progress.RunCanceled)
		return summary, nil
	}

	defer c.metrics.RunStarted()()
	defer func() {
		switch {
		case err != nil:
			c.tracker.Fail("", err)
			c.tracker.Finish(progress.RunFailed)
		case summary.Canceled:
			c.tracker.Finish(progress.RunCanceled)
		default:
			c.tracker.Finish(progress.RunFinished)
		}
	}()

	table, err := extract.ResolveTable(c.cfg.Selectors)
	if err != nil {
		return summary, fmt.Errorf("selector table: %w", err)
	}
	ext := extract.New(table, c.logger, extract.WithMetrics(c.metrics))

	wbOpts := append([]workbook.Option{
		workbook.WithMetrics(c.metrics),
		workbook.WithWarningHandler(c.warn),
	}, c.wbOpts...)
	// Deferred first so it runs after the final save.
	var driver navigator.Driver
	defer func() {
		if driver == nil {
			return
		}
		if cerr := driver.Close(); cerr != nil {
			log.Warn("closing browser session", "error", cerr)
		}
	}()

	wb, err := workbook.Open(c.cfg.Output.ExcelPath, c.cfg.Workbook, c.logger, wbOpts...)
	if err != nil {
		return summary, err
	}
	defer func() {
		res, ferr := wb.Finalize()
		summary.ExcelPath, summary.Redirected = res.Path, res.Redirected
		if ferr != nil {
			log.Error("final save failed", "path", res.Path, "error", ferr)
			if err == nil {
				err = ferr
			}
		}
	}()

	driver, err = c.newDriver(ctx, c.cfg.Browser, c.logger)
	if err != nil {
		driver = nil
		log.Error("browser session failed", "error", err)
		return summary, err
	}

	nav := navigator.New(driver, c.cfg.Crawl, table.Cards, c.logger,
		navigator.WithMetrics(c.metrics),
		navigator.WithWarningHandler(c.warn),
	)

	var dl *media.Downloader
	if c.cfg.Download.Enabled {
		dl = media.New(c.cfg, c.logger, append([]media.Option{media.WithMetrics(c.metrics)}, c.dlOpts...)...)
	}

	m := &market{c: c, nav: nav, ext: ext, dl: dl, wb: wb}
	// rows committed per market key by earlier URLs of this run
	committed := make(map[string]int)
	for i, u := range urls {
		if i > 0 && !c.stopped(ctx) {
			_ = navigator.Pause(ctx, c.cfg.Crawl.URLDelayMin, c.cfg.Crawl.URLDelayMax)
		}
		if c.stopped(ctx) {
			c.cancelRest(summary, urls[i:])
			log.Info("run canceled", "remaining", len(urls)-i)
			break
		}

		res := m.crawl(ctx, u)
		switch res.State {
		case progress.StateDone:
			summary.URLsOK++
			summary.ItemsTotal += res.Items
			if res.Items > 0 {
				c.replaceCommitted(summary, committed, &res)
			}
		case progress.StateCanceled:
			summary.Canceled = true
		}
		summary.Markets = append(summary.Markets, res)
		c.metrics.IncURL(string(res.State))
	}

	log.Info("run finished",
		"urls_total", summary.URLsTotal,
		"urls_ok", summary.URLsOK,
		"items_total", summary.ItemsTotal,
		"canceled", summary.Canceled,
	)
	return summary, nil
}

// cancelRest marks urls as canceled without visiting them.
func (c *Crawler) cancelRest(summary *Summary, urls []string) {
	summary.Canceled = true
	for _, u := range urls {
		c.tracker.Transition(u, progress.StateCanceled)
		summary.Markets = append(summary.Markets, MarketResult{URL: u, State: progress.StateCanceled})
		c.metrics.IncURL(string(progress.StateCanceled))
	}
}

// replaceCommitted accounts for a URL whose market key was already committed
// earlier in the run. Its rows replaced the earlier ones, so those leave the
// totals and a MarketReplaced warning names both counts.
func (c *Crawler) replaceCommitted(summary *Summary, committed map[string]int, res *MarketResult) {
	if prev, ok := committed[res.MarketKey]; ok {
		res.Replaced = prev
		summary.ItemsTotal -= prev
		c.tracker.AddItems(-prev)
		c.warn(types.NewWarning(types.WarnMarketReplaced, res.URL, res.MarketKey,
			fmt.Sprintf("market key already written by an earlier URL in this run; %d rows replaced by %d", prev, res.Items)))
	}
	committed[res.MarketKey] = res.Items
}

func (c *Crawler) stopped(ctx context.Context) bool {
	return c.canceled.Load() || ctx.Err() != nil
}

// market crawls a single URL against the run's shared components.
type market struct {
	c   *Crawler
	nav *navigator.Navigator
	ext *extract.Extractor
	dl  *media.Downloader
	wb  *workbook.Writer
}

// crawl walks one URL and commits its items. A failure or panic affects
// this URL only: its staged rows are discarded and the run continues.
func (m *market) crawl(ctx context.Context, url string) (res MarketResult) {
	c := m.c
	log := c.logger.With("url", url)
	res = MarketResult{URL: url, State: progress.StatePending}
	opened := false

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while crawling url", "panic", r, "stack", string(debug.Stack()))
			res.State, res.Items = progress.StateFailed, 0
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		if res.State != progress.StateDone && opened {
			if err := m.wb.DiscardMarket(res.MarketKey); err != nil {
				log.Warn("discarding market", "error", err)
			}
		}
		if res.State == progress.StateFailed {
			c.tracker.Fail(url, errors.New(res.Error))
		}
		c.tracker.Transition(url, res.State)
	}()

	c.tracker.Transition(url, progress.StateLoading)

	run, err := m.ext.Begin(url)
	if err != nil {
		res.State, res.Error = progress.StateFailed, err.Error()
		return res
	}
	res.MarketKey = run.MarketKey()
	log = log.With("market", res.MarketKey)

	if err := m.wb.BeginMarket(res.MarketKey); err != nil {
		res.State, res.Error = progress.StateFailed, err.Error()
		return res
	}
	opened = true

	index, err := storage.LoadProductIndex(c.cfg.Output.BaseDir, res.MarketKey)
	if err != nil {
		log.Warn("product index unavailable, items stay unnumbered", "error", err)
		index = nil
	}

	dl := m.dl
	if dl != nil {
		dl = dl.WithReferer(url)
	}

	visit := func(page *types.LoadedPage) (int, error) {
		if page.TimedOut {
			res.TimedOut = true
			c.tracker.Transition(page.URL, progress.StateNavTimeout)
		} else {
			c.tracker.Transition(page.URL, progress.StateExtracting)
		}

		items, err := run.Extract(page)
		if len(items) == 0 {
			return 0, err
		}
		if dl != nil {
			for _, ferr := range dl.FetchAll(ctx, items) {
				c.warn(types.NewWarning(types.WarnImageFetch, url, res.MarketKey, ferr.Error()))
			}
		}
		for _, item := range items {
			if index != nil {
				item.ProductNo = index.Assign(item.ProductID)
			}
			if aerr := m.wb.Append(item); aerr != nil {
				return 0, aerr
			}
		}
		c.metrics.AddItems(len(items))
		return len(items), err
	}

	if err := m.nav.Walk(ctx, url, visit); err != nil {
		if c.stopped(ctx) {
			log.Info("url abandoned on cancel")
			res.State = progress.StateCanceled
			return res
		}
		log.Error("crawling url failed", "error", err)
		res.State, res.Error = progress.StateFailed, err.Error()
		return res
	}

	if run.Count() == 0 {
		msg := "no items extracted"
		if res.TimedOut {
			msg = "no items extracted; listing cards never appeared"
		}
		c.warn(types.NewWarning(types.WarnExtractEmpty, url, res.MarketKey, msg))
		c.tracker.Transition(url, progress.StateEmpty)
		if err := m.wb.DiscardMarket(res.MarketKey); err != nil {
			log.Warn("discarding empty market", "error", err)
		}
		res.State = progress.StateDone
		return res
	}

	c.tracker.Transition(url, progress.StateWriting)
	n, err := m.wb.CommitMarket(res.MarketKey)
	if err != nil {
		res.State, res.Error = progress.StateFailed, err.Error()
		return res
	}
	res.Items = n
	res.State = progress.StateDone
	c.tracker.AddItems(n)

	if index != nil {
		if err := index.Save(); err != nil {
			log.Warn("saving product index", "error", err)
		}
	}

	if c.sink != nil {
		m.mirror(ctx, log, res.MarketKey)
	}
	log.Info("market committed", "items", n, "timed_out", res.TimedOut)
	return res
}

// mirror copies the committed market to the configured sink. Mirror errors
// are logged; the workbook stays the source of truth.
func (m *market) mirror(ctx context.Context, log *slog.Logger, key string) {
	rows, err := m.wb.Rows()
	if err != nil {
		log.Warn("reading rows for mirror", "error", err)
		return
	}
	var items []*types.Item
	for _, r := range rows {
		if r.MarketKey == key {
			items = append(items, r)
		}
	}
	if err := m.c.sink.StoreMarket(ctx, key, items); err != nil {
		log.Warn("mirror failed", "sink", m.c.sink.Name(), "error", err)
	}
}
