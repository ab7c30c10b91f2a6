// Package storecrawl embeds the SmartStore crawler in another Go program.
//
// Example usage:
//
//	crawler, err := storecrawl.NewCrawler(
//	    storecrawl.WithOutput("./output"),
//	    storecrawl.WithMaxPages(5),
//	)
//	if err != nil {
//	    return err
//	}
//	summary, err := crawler.Run(ctx, []string{"https://smartstore.naver.com/acme/category/ALL?page=1"})
package storecrawl

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/crawler"
	"github.com/IshaanNene/storecrawl/internal/progress"
	"github.com/IshaanNene/storecrawl/internal/types"
)

type (
	// Summary is the result of a run.
	Summary = crawler.Summary
	// MarketResult is the outcome of one URL in a Summary.
	MarketResult = crawler.MarketResult
	// Snapshot is the progress of a run in flight.
	Snapshot = progress.Snapshot
	// Item is one workbook row.
	Item = types.Item
	// Warning is a non-fatal event collected in a Summary.
	Warning = types.Warning
	// DriverInitError reports a browser that could not start.
	DriverInitError = types.DriverInitError
	// WorkbookBusy reports a workbook locked by another live run.
	WorkbookBusy = types.WorkbookBusy
)

// Crawler is the high-level API for using storecrawl as a library.
type Crawler struct {
	cfg     *config.Config
	logger  *slog.Logger
	crawler *crawler.Crawler
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithConfig starts from cfg instead of the defaults.
func WithConfig(cfg *config.Config) Option {
	return func(c *Crawler) { c.cfg = cfg.Clone() }
}

// WithOutput places the workbook and the image tree under dir.
func WithOutput(dir string) Option {
	return func(c *Crawler) {
		c.cfg.Output.BaseDir = dir
		c.cfg.Output.ExcelPath = filepath.Join(dir, "smartstore_items.xlsx")
		c.cfg.Output.ImgRoot = filepath.Join(dir, "images")
	}
}

// WithWorkbook sets the workbook path.
func WithWorkbook(path string) Option {
	return func(c *Crawler) { c.cfg.Output.ExcelPath = path }
}

// WithImages enables or disables image downloads.
func WithImages(enabled bool) Option {
	return func(c *Crawler) { c.cfg.Download.Enabled = enabled }
}

// WithMaxPages caps the pages walked per URL.
func WithMaxPages(n int) Option {
	return func(c *Crawler) { c.cfg.Crawl.MaxPagesPerURL = n }
}

// WithHeadless shows or hides the browser window.
func WithHeadless(headless bool) Option {
	return func(c *Crawler) { c.cfg.Browser.Headless = headless }
}

// WithAutosaveEvery sets how many rows are appended between autosaves.
func WithAutosaveEvery(n int) Option {
	return func(c *Crawler) { c.cfg.Workbook.AutosaveEvery = n }
}

// WithBrowserBin sets the Chromium binary.
func WithBrowserBin(path string) Option {
	return func(c *Crawler) { c.cfg.Browser.BinPath = path }
}

// WithLogger replaces the default stderr logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Crawler) { c.logger = logger }
}

// WithVerbose enables debug-level logging on the default logger.
func WithVerbose() Option {
	return func(c *Crawler) { c.cfg.Logging.Level = "debug" }
}

// NewCrawler creates a Crawler with the given options.
func NewCrawler(opts ...Option) (*Crawler, error) {
	c := &Crawler{cfg: config.DefaultConfig()}
	for _, opt := range opts {
		opt(c)
	}
	if err := config.Validate(c.cfg); err != nil {
		return nil, err
	}

	if c.logger == nil {
		level := slog.LevelInfo
		if c.cfg.Logging.Level == "debug" {
			level = slog.LevelDebug
		}
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	c.crawler = crawler.New(c.cfg, c.logger)
	return c, nil
}

// Run crawls urls in order and returns the summary.
func (c *Crawler) Run(ctx context.Context, urls []string) (*Summary, error) {
	return c.crawler.Run(ctx, urls)
}

// Cancel stops the run in progress; committed markets are kept.
func (c *Crawler) Cancel() {
	c.crawler.Cancel()
}

// Progress returns a snapshot of the run in progress.
func (c *Crawler) Progress() Snapshot {
	return c.crawler.Tracker().Snapshot()
}
