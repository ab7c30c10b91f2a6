package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/crawler"
	"github.com/IshaanNene/storecrawl/internal/observability"
	"github.com/IshaanNene/storecrawl/internal/progress"
	"github.com/IshaanNene/storecrawl/internal/storage"
	"github.com/IshaanNene/storecrawl/internal/types"
)

type crawlFlags struct {
	urlFile       string
	baseDir       string
	excelPath     string
	imgRoot       string
	noImages      bool
	maxPages      int
	headless      bool
	waitSec       int
	autosaveEvery int
	binPath       string
	noProgress    bool
}

// crawlCmd creates the "crawl" subcommand.
func crawlCmd() *cobra.Command {
	f := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "crawl [url...]",
		Short: "Crawl listing URLs into the workbook",
		Long: `Crawl the given storefront, category or search URLs in order. URLs with a
"page" query parameter are walked page by page; other listings are scrolled
until no more products load.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, f, args)
		},
	}

	cmd.Flags().StringVarP(&f.urlFile, "file", "f", "", "read URLs from a file, one per line")
	cmd.Flags().StringVarP(&f.baseDir, "output", "o", "", "output base directory")
	cmd.Flags().StringVar(&f.excelPath, "excel", "", "workbook path (default <output>/smartstore_items.xlsx)")
	cmd.Flags().StringVar(&f.imgRoot, "images", "", "image root (default <output>/images)")
	cmd.Flags().BoolVar(&f.noImages, "no-images", false, "do not download images")
	cmd.Flags().IntVarP(&f.maxPages, "max-pages", "p", 0, "maximum pages per URL")
	cmd.Flags().BoolVar(&f.headless, "headless", true, "run the browser without a window")
	cmd.Flags().IntVar(&f.waitSec, "wait", 0, "seconds to wait for listing cards")
	cmd.Flags().IntVar(&f.autosaveEvery, "autosave-every", 0, "autosave after this many rows")
	cmd.Flags().StringVar(&f.binPath, "browser-bin", "", "Chromium binary path")
	cmd.Flags().BoolVar(&f.noProgress, "no-progress", false, "disable the progress bar")

	return cmd
}

// runCrawl executes the crawl command.
func runCrawl(cmd *cobra.Command, f *crawlFlags, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCrawlFlags(cmd, cfg, f)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, closer := setupLogger(cfg)
	defer closer.Close()

	urls, err := collectURLs(args, f.urlFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []crawler.Option{}
	if cfg.Metrics.Enabled {
		metrics := observability.NewMetrics()
		opts = append(opts, crawler.WithMetrics(metrics))
		serveMetrics(ctx, cfg.Metrics.Addr, metrics, logger)
	}

	sink, err := storage.FromConfig(ctx, cfg.Mirror, logger)
	if err != nil {
		return fmt.Errorf("open mirror: %w", err)
	}
	if sink != nil {
		defer sink.Close()
		opts = append(opts, crawler.WithSink(sink))
	}

	tracker := progress.NewTracker()
	opts = append(opts, crawler.WithTracker(tracker))
	c := crawler.New(cfg, logger, opts...)

	logger.Info("starting crawl",
		"urls", len(urls),
		"excel", cfg.Output.ExcelPath,
		"images", cfg.Output.ImgRoot,
		"download", cfg.Download.Enabled,
	)

	var stopBar func()
	if !f.noProgress && len(urls) > 0 {
		stopBar = showProgress(tracker, len(urls))
	}
	summary, err := c.Run(ctx, urls)
	if stopBar != nil {
		stopBar()
	}

	if summary != nil {
		printSummary(cmd, summary)
	}
	if err != nil {
		var busy *types.WorkbookBusy
		var initErr *types.DriverInitError
		switch {
		case errors.As(err, &busy):
			return fmt.Errorf("workbook is in use by another run: %w", err)
		case errors.As(err, &initErr):
			return fmt.Errorf("browser could not start: %w", err)
		}
		return err
	}
	return nil
}

// applyCrawlFlags applies command-line flag values to the config.
func applyCrawlFlags(cmd *cobra.Command, cfg *config.Config, f *crawlFlags) {
	if f.baseDir != "" {
		cfg.Output.BaseDir = f.baseDir
		if !cmd.Flags().Changed("excel") {
			cfg.Output.ExcelPath = filepath.Join(f.baseDir, "smartstore_items.xlsx")
		}
		if !cmd.Flags().Changed("images") {
			cfg.Output.ImgRoot = filepath.Join(f.baseDir, "images")
		}
	}
	if f.excelPath != "" {
		cfg.Output.ExcelPath = f.excelPath
	}
	if f.imgRoot != "" {
		cfg.Output.ImgRoot = f.imgRoot
	}
	if f.noImages {
		cfg.Download.Enabled = false
	}
	if f.maxPages > 0 {
		cfg.Crawl.MaxPagesPerURL = f.maxPages
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = f.headless
	}
	if f.waitSec > 0 {
		cfg.Browser.WaitSec = f.waitSec
	}
	if f.autosaveEvery > 0 {
		cfg.Workbook.AutosaveEvery = f.autosaveEvery
	}
	if f.binPath != "" {
		cfg.Browser.BinPath = f.binPath
	}
}

// collectURLs merges argument URLs with those in file. Blank lines and
// lines starting with '#' are skipped; duplicates keep their first position.
func collectURLs(args []string, file string) ([]string, error) {
	raw := append([]string(nil), args...)
	if file != "" {
		fh, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open url file: %w", err)
		}
		defer fh.Close()
		sc := bufio.NewScanner(fh)
		for sc.Scan() {
			raw = append(raw, sc.Text())
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read url file: %w", err)
		}
	}

	seen := make(map[string]bool)
	var urls []string
	for _, u := range raw {
		u = strings.TrimSpace(u)
		if u == "" || strings.HasPrefix(u, "#") || seen[u] {
			continue
		}
		if _, err := types.ParseMarketURL(u); err != nil {
			return nil, fmt.Errorf("invalid URL %q: %w", u, err)
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls, nil
}

// showProgress polls the tracker into a terminal progress bar until the
// returned func is called.
func showProgress(tracker *progress.Tracker, total int) func() {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("crawling"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			snap := tracker.Snapshot()
			_ = bar.Set(snap.URLsDone)
			bar.Describe(fmt.Sprintf("%d items", snap.ItemsTotal))
			select {
			case <-done:
				_ = bar.Finish()
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		close(done)
		<-finished
		fmt.Fprintln(os.Stderr)
	}
}

func printSummary(cmd *cobra.Command, s *crawler.Summary) {
	out := cmd.OutOrStdout()
	status := "complete"
	if s.Canceled {
		status = "canceled"
	}
	fmt.Fprintf(out, "\nCrawl %s in %.1fs\n", status, s.DurationS)
	fmt.Fprintf(out, "   URLs:      %d/%d ok\n", s.URLsOK, s.URLsTotal)
	fmt.Fprintf(out, "   Items:     %d\n", s.ItemsTotal)
	if s.Redirected {
		fmt.Fprintf(out, "   Workbook:  %s (target was open elsewhere)\n", s.ExcelPath)
	} else {
		fmt.Fprintf(out, "   Workbook:  %s\n", s.ExcelPath)
	}
	fmt.Fprintf(out, "   Images:    %s\n", s.ImageRoot)

	for _, m := range s.Markets {
		line := fmt.Sprintf("   - %-10s %4d  %s", m.State, m.Items, m.URL)
		if m.Error != "" {
			line += "  (" + m.Error + ")"
		}
		fmt.Fprintln(out, line)
	}
	if len(s.Warnings) > 0 {
		fmt.Fprintf(out, "   Warnings:  %d\n", len(s.Warnings))
		for _, w := range s.Warnings {
			fmt.Fprintf(out, "     %s\n", w)
		}
	}
}

// serveMetrics exposes the registry on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, m *observability.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}
