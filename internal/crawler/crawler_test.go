package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/media"
	"github.com/IshaanNene/storecrawl/internal/navigator"
	"github.com/IshaanNene/storecrawl/internal/navigator/navigatortest"
	"github.com/IshaanNene/storecrawl/internal/progress"
	"github.com/IshaanNene/storecrawl/internal/types"
	"github.com/IshaanNene/storecrawl/internal/workbook"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

const (
	catURL   = "https://m.example/cat?page=1&size=60"
	catPage2 = "https://m.example/cat?page=2&size=60"
	catKey   = "m_example_cat"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake-image-body")

func imageServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.Contains(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// listing renders n product cards whose images live on imgHost.
func listing(imgHost string, images ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><ul>")
	for i, img := range images {
		n := i + 1
		fmt.Fprintf(&b, `<li class="product_item"><a href="/products/%d">`+
			`<img src="%s/img/%s"><span class="product_name">Item %d</span>`+
			`<span class="price">%d,000원</span></a></li>`, n, imgHost, img, n, n)
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Output.BaseDir = dir
	cfg.Output.ExcelPath = filepath.Join(dir, "items.xlsx")
	cfg.Output.ImgRoot = filepath.Join(dir, "images")
	cfg.Crawl.ScrollDelayMin, cfg.Crawl.ScrollDelayMax = 0, 0
	cfg.Crawl.URLDelayMin, cfg.Crawl.URLDelayMax = 0, 0
	cfg.Workbook.SaveBackoff = time.Millisecond
	return cfg
}

func newCrawler(cfg *config.Config, driver navigator.Driver, opts ...Option) *Crawler {
	base := []Option{
		WithDriverFactory(func(context.Context, config.BrowserConfig, *slog.Logger) (navigator.Driver, error) {
			return driver, nil
		}),
		WithDownloaderOptions(media.WithBackoff(time.Millisecond)),
	}
	return New(cfg, testLogger, append(base, opts...)...)
}

func sheetRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(workbook.SheetName)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) == 0 || rows[0][0] != "market_key" {
		t.Fatalf("missing header row: %v", rows)
	}
	return rows[1:]
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestRunHappyPath(t *testing.T) {
	srv, _ := imageServer(t)
	cfg := testConfig(t)
	page := listing(srv.URL, "1.png", "2.png", "3.png")
	driver := navigatortest.New(map[string]*navigatortest.Page{
		catURL:   {HTML: page},
		catPage2: {HTML: page},
	})

	summary, err := newCrawler(cfg, driver).Run(context.Background(), []string{catURL})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.URLsOK != 1 || summary.ItemsTotal != 3 {
		t.Errorf("urls_ok=%d items_total=%d", summary.URLsOK, summary.ItemsTotal)
	}
	if summary.ExcelPath != cfg.Output.ExcelPath || summary.ImageRoot != cfg.Output.ImgRoot {
		t.Errorf("unexpected paths %s %s", summary.ExcelPath, summary.ImageRoot)
	}
	if len(summary.Warnings) != 0 {
		t.Errorf("unexpected warnings %v", summary.Warnings)
	}

	rows := sheetRows(t, cfg.Output.ExcelPath)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for i, row := range rows {
		if row[0] != catKey || row[1] != fmt.Sprint(i+1) {
			t.Errorf("row %d: key %q rank %q", i, row[0], row[1])
		}
		if row[7] == "" {
			t.Errorf("row %d has no image path", i)
		}
	}
	if n := countFiles(t, filepath.Join(cfg.Output.ImgRoot, catKey)); n != 3 {
		t.Errorf("expected 3 image files, got %d", n)
	}
	if !driver.Closed() {
		t.Error("browser session not closed")
	}
	if _, err := os.Stat(workbook.LockPath(cfg.Output.ExcelPath)); !errors.Is(err, os.ErrNotExist) {
		t.Error("workbook lock not released")
	}
	if got := driver.Navigations(); len(got) != 2 {
		t.Errorf("expected pages 1 and 2 to be visited, got %v", got)
	}
}

func TestRunEmptyURLList(t *testing.T) {
	cfg := testConfig(t)
	called := false
	c := New(cfg, testLogger, WithDriverFactory(func(context.Context, config.BrowserConfig, *slog.Logger) (navigator.Driver, error) {
		called = true
		return nil, errors.New("unexpected")
	}))

	summary, err := c.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ItemsTotal != 0 || summary.URLsTotal != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if called {
		t.Error("browser must not be started for an empty list")
	}
	if _, err := os.Stat(cfg.Output.ExcelPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("workbook must not be created for an empty list")
	}
}

func TestRunNavTimeout(t *testing.T) {
	for _, retries := range []int{1, 2} {
		t.Run(fmt.Sprintf("load_retries=%d", retries), func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Crawl.LoadRetries = retries
			driver := navigatortest.New(map[string]*navigatortest.Page{
				"https://m.example/slow": {HTML: "<html><body><p>loading</p></body></html>"},
			})

			summary, err := newCrawler(cfg, driver).Run(context.Background(), []string{"https://m.example/slow"})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := len(summary.WarningsOf(types.WarnNavTimeout)); got != retries {
				t.Errorf("expected %d NavTimeout warnings, got %d", retries, got)
			}
			if len(summary.WarningsOf(types.WarnExtractEmpty)) != 1 {
				t.Errorf("expected one ExtractEmpty warning, got %v", summary.Warnings)
			}
			if summary.ItemsTotal != 0 || !summary.Markets[0].TimedOut {
				t.Errorf("unexpected result %+v", summary.Markets[0])
			}
			if rows := sheetRows(t, cfg.Output.ExcelPath); len(rows) != 0 {
				t.Errorf("expected zero rows, got %d", len(rows))
			}
		})
	}
}

func TestRunImageNotFound(t *testing.T) {
	srv, _ := imageServer(t)
	cfg := testConfig(t)
	page := listing(srv.URL, "missing.png", "2.png")
	driver := navigatortest.New(map[string]*navigatortest.Page{
		catURL:   {HTML: page},
		catPage2: {HTML: page},
	})

	summary, err := newCrawler(cfg, driver).Run(context.Background(), []string{catURL})
	if err != nil {
		t.Fatal(err)
	}
	rows := sheetRows(t, cfg.Output.ExcelPath)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if len(rows[0]) > 7 && rows[0][7] != "" {
		t.Errorf("first row should have no image path, got %q", rows[0][7])
	}
	if rows[1][7] == "" {
		t.Error("second row should have an image path")
	}
	if got := len(summary.WarningsOf(types.WarnImageFetch)); got != 1 {
		t.Errorf("expected one ImageFetchError warning, got %d", got)
	}
}

func TestRunReplacesMarketOnRerun(t *testing.T) {
	srv, _ := imageServer(t)
	cfg := testConfig(t)

	first := listing(srv.URL, "1.png", "2.png", "3.png")
	driver := navigatortest.New(map[string]*navigatortest.Page{
		catURL:   {HTML: first},
		catPage2: {HTML: first},
	})
	if _, err := newCrawler(cfg, driver).Run(context.Background(), []string{catURL}); err != nil {
		t.Fatal(err)
	}

	second := listing(srv.URL, "1.png", "2.png")
	driver = navigatortest.New(map[string]*navigatortest.Page{
		catURL:   {HTML: second},
		catPage2: {HTML: second},
	})
	if _, err := newCrawler(cfg, driver).Run(context.Background(), []string{catURL}); err != nil {
		t.Fatal(err)
	}

	rows := sheetRows(t, cfg.Output.ExcelPath)
	if len(rows) != 2 {
		t.Errorf("expected exactly 2 rows for %s, got %d", catKey, len(rows))
	}
}

func TestRunLockedWorkbookRedirects(t *testing.T) {
	srv, _ := imageServer(t)
	cfg := testConfig(t)
	owner := filepath.Join(filepath.Dir(cfg.Output.ExcelPath), "~$items.xlsx")
	if err := os.WriteFile(owner, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	page := listing(srv.URL, "1.png")
	driver := navigatortest.New(map[string]*navigatortest.Page{
		catURL:   {HTML: page},
		catPage2: {HTML: page},
	})

	summary, err := newCrawler(cfg, driver).Run(context.Background(), []string{catURL})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Redirected || summary.ExcelPath == cfg.Output.ExcelPath {
		t.Fatalf("expected a redirected save, got %s", summary.ExcelPath)
	}
	if !strings.HasPrefix(filepath.Base(summary.ExcelPath), "items.") {
		t.Errorf("fallback name %q", summary.ExcelPath)
	}
	if len(summary.WarningsOf(types.WarnSaveRedirected)) != 1 {
		t.Errorf("expected a SaveRedirected warning, got %v", summary.Warnings)
	}
	if rows := sheetRows(t, summary.ExcelPath); len(rows) != 1 {
		t.Errorf("expected 1 row in fallback, got %d", len(rows))
	}
}

// cancelDriver cancels the run when a URL is navigated to.
type cancelDriver struct {
	*navigatortest.Driver
	at     string
	cancel func()
}

func (d *cancelDriver) Navigate(ctx context.Context, url string) error {
	if strings.HasPrefix(url, d.at) {
		d.cancel()
	}
	return d.Driver.Navigate(ctx, url)
}

func TestRunCancelMidRun(t *testing.T) {
	srv, _ := imageServer(t)
	cfg := testConfig(t)
	cfg.Download.Enabled = false

	urls := []string{"https://m.example/a", "https://m.example/b", "https://m.example/c"}
	fake := navigatortest.New(map[string]*navigatortest.Page{
		urls[0]: {HTML: listing(srv.URL, "1.png", "2.png")},
		urls[1]: {HTML: listing(srv.URL, "3.png")},
		urls[2]: {HTML: listing(srv.URL, "4.png")},
	})
	driver := &cancelDriver{Driver: fake, at: urls[1]}
	c := newCrawler(cfg, driver)
	driver.cancel = c.Cancel

	summary, err := c.Run(context.Background(), urls)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Canceled {
		t.Error("summary should be marked canceled")
	}
	states := []progress.URLState{progress.StateDone, progress.StateCanceled, progress.StateCanceled}
	for i, want := range states {
		if got := summary.Markets[i].State; got != want {
			t.Errorf("url %d state = %s, want %s", i, got, want)
		}
	}

	rows := sheetRows(t, cfg.Output.ExcelPath)
	if len(rows) != 2 {
		t.Fatalf("expected the 2 rows of the first url, got %d", len(rows))
	}
	for _, row := range rows {
		if row[0] != "m_example_a" {
			t.Errorf("unexpected market %q", row[0])
		}
	}
	if !fake.Closed() {
		t.Error("browser session not closed")
	}
	if got := c.Tracker().Snapshot().State; got != progress.RunCanceled {
		t.Errorf("tracker state = %q", got)
	}
}

func TestRunPanicIsolatedToURL(t *testing.T) {
	srv, _ := imageServer(t)
	cfg := testConfig(t)
	cfg.Download.Enabled = false

	urls := []string{"https://m.example/boom", "https://m.example/ok"}
	driver := navigatortest.New(map[string]*navigatortest.Page{
		urls[0]: {Panic: "renderer crashed"},
		urls[1]: {HTML: listing(srv.URL, "1.png", "2.png")},
	})

	summary, err := newCrawler(cfg, driver).Run(context.Background(), urls)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Markets[0].State != progress.StateFailed || !strings.Contains(summary.Markets[0].Error, "renderer crashed") {
		t.Errorf("first url: %+v", summary.Markets[0])
	}
	if summary.URLsOK != 1 || summary.ItemsTotal != 2 {
		t.Errorf("urls_ok=%d items_total=%d", summary.URLsOK, summary.ItemsTotal)
	}
	if rows := sheetRows(t, cfg.Output.ExcelPath); len(rows) != 2 {
		t.Errorf("expected 2 rows, got %d", len(rows))
	}
}

func TestRunNavigationErrorContinues(t *testing.T) {
	cfg := testConfig(t)
	cfg.Download.Enabled = false
	urls := []string{"https://m.example/err", "https://m.example/ok"}
	driver := navigatortest.New(map[string]*navigatortest.Page{
		urls[0]: {Err: errors.New("net::ERR_NAME_NOT_RESOLVED")},
		urls[1]: {HTML: listing("https://img.example", "1.png")},
	})

	summary, err := newCrawler(cfg, driver).Run(context.Background(), urls)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Markets[0].State != progress.StateFailed || summary.Markets[1].State != progress.StateDone {
		t.Errorf("unexpected states %+v", summary.Markets)
	}
	if snap := summary; snap.ItemsTotal != 1 {
		t.Errorf("items_total = %d", snap.ItemsTotal)
	}
}

func TestRunDriverInitFailure(t *testing.T) {
	cfg := testConfig(t)
	initErr := &types.DriverInitError{Bin: "/nonexistent/chrome", Err: errors.New("not found")}
	c := New(cfg, testLogger, WithDriverFactory(func(context.Context, config.BrowserConfig, *slog.Logger) (navigator.Driver, error) {
		return nil, initErr
	}))

	_, err := c.Run(context.Background(), []string{catURL})
	var die *types.DriverInitError
	if !errors.As(err, &die) {
		t.Fatalf("expected DriverInitError, got %v", err)
	}
	if _, err := os.Stat(workbook.LockPath(cfg.Output.ExcelPath)); !errors.Is(err, os.ErrNotExist) {
		t.Error("workbook must be finalized and unlocked after a fatal browser error")
	}
	if got := c.Tracker().Snapshot().State; got != progress.RunFailed {
		t.Errorf("tracker state = %q", got)
	}
}

func TestRunWorkbookBusy(t *testing.T) {
	cfg := testConfig(t)
	lock := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if err := os.WriteFile(workbook.LockPath(cfg.Output.ExcelPath), []byte(lock), 0o644); err != nil {
		t.Fatal(err)
	}
	started := false
	c := New(cfg, testLogger, WithDriverFactory(func(context.Context, config.BrowserConfig, *slog.Logger) (navigator.Driver, error) {
		started = true
		return navigatortest.New(nil), nil
	}))

	_, err := c.Run(context.Background(), []string{catURL})
	var busy *types.WorkbookBusy
	if !errors.As(err, &busy) {
		t.Fatalf("expected WorkbookBusy, got %v", err)
	}
	if started {
		t.Error("browser must not start when the workbook is busy")
	}
}

type recordingSink struct {
	markets map[string]int
	items   map[string][]*types.Item
}

func newRecordingSink() *recordingSink {
	return &recordingSink{markets: map[string]int{}, items: map[string][]*types.Item{}}
}

func (s *recordingSink) Name() string { return "recording" }
func (s *recordingSink) StoreMarket(_ context.Context, key string, items []*types.Item) error {
	s.markets[key] = len(items)
	s.items[key] = items
	return nil
}
func (s *recordingSink) Close() error { return nil }

func TestRunMirrorsCommittedMarkets(t *testing.T) {
	cfg := testConfig(t)
	cfg.Download.Enabled = false
	page := listing("https://img.example", "1.png", "2.png")
	driver := navigatortest.New(map[string]*navigatortest.Page{
		catURL:   {HTML: page},
		catPage2: {HTML: page},
	})
	sink := newRecordingSink()

	if _, err := newCrawler(cfg, driver, WithSink(sink)).Run(context.Background(), []string{catURL, "https://m.example/none"}); err != nil {
		t.Fatal(err)
	}
	if sink.markets[catKey] != 2 {
		t.Errorf("mirror got %v", sink.markets)
	}
	if _, ok := sink.markets["m_example_none"]; ok {
		t.Error("empty markets must not be mirrored")
	}
}

func TestRunInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Browser.WaitSec = 1
	if _, err := New(cfg, testLogger).Run(context.Background(), []string{catURL}); err == nil {
		t.Error("expected a configuration error")
	}
}

func TestRunCancelBeforeStart(t *testing.T) {
	srv, _ := imageServer(t)
	cfg := testConfig(t)
	cfg.Download.Enabled = false
	urls := []string{"https://m.example/a", "https://m.example/b"}
	fake := navigatortest.New(map[string]*navigatortest.Page{
		urls[0]: {HTML: listing(srv.URL, "1.png")},
		urls[1]: {HTML: listing(srv.URL, "2.png")},
	})
	starts := 0
	c := newCrawler(cfg, fake, WithDriverFactory(func(context.Context, config.BrowserConfig, *slog.Logger) (navigator.Driver, error) {
		starts++
		return fake, nil
	}))

	c.Cancel()
	summary, err := c.Run(context.Background(), urls)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Canceled || summary.URLsOK != 0 || summary.ItemsTotal != 0 {
		t.Errorf("expected a canceled run with no work, got %+v", summary)
	}
	for i, m := range summary.Markets {
		if m.State != progress.StateCanceled {
			t.Errorf("url %d state = %s", i, m.State)
		}
	}
	if starts != 0 {
		t.Error("browser must not start for a run canceled before it began")
	}
	if _, err := os.Stat(cfg.Output.ExcelPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("workbook must not be created for a run canceled before it began")
	}
	if got := c.Tracker().Snapshot().State; got != progress.RunCanceled {
		t.Errorf("tracker state = %q", got)
	}

	// the cancel applies to one run only
	summary, err = c.Run(context.Background(), urls)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Canceled || summary.URLsOK != 2 {
		t.Errorf("second run should complete, got canceled=%v urls_ok=%d", summary.Canceled, summary.URLsOK)
	}
}

func TestRunSameMarketKeyTwice(t *testing.T) {
	srv, _ := imageServer(t)
	cfg := testConfig(t)
	cfg.Download.Enabled = false
	shoes := "https://m.example/search?query=shoes"
	bags := "https://m.example/search?query=bags"
	driver := navigatortest.New(map[string]*navigatortest.Page{
		shoes: {HTML: listing(srv.URL, "1.png", "2.png", "3.png")},
		bags:  {HTML: listing(srv.URL, "4.png", "5.png")},
	})

	summary, err := newCrawler(cfg, driver).Run(context.Background(), []string{shoes, bags})
	if err != nil {
		t.Fatal(err)
	}

	rows := sheetRows(t, cfg.Output.ExcelPath)
	if len(rows) != 2 {
		t.Fatalf("expected the later URL's 2 rows, got %d", len(rows))
	}
	if summary.ItemsTotal != len(rows) {
		t.Errorf("items_total = %d, workbook holds %d", summary.ItemsTotal, len(rows))
	}
	if summary.URLsOK != 2 {
		t.Errorf("urls_ok = %d", summary.URLsOK)
	}
	replaced := summary.WarningsOf(types.WarnMarketReplaced)
	if len(replaced) != 1 || replaced[0].URL != bags || replaced[0].MarketKey != "m_example_search" {
		t.Errorf("expected one MarketReplaced warning for %s, got %v", bags, summary.Warnings)
	}
	if summary.Markets[1].Replaced != 3 {
		t.Errorf("replaced = %d, want 3", summary.Markets[1].Replaced)
	}
}

func TestRunUsesGivenRunID(t *testing.T) {
	cfg := testConfig(t)
	c := newCrawler(cfg, navigatortest.New(nil), WithRunID("job-42"))

	summary, err := c.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.RunID != "job-42" || c.Tracker().Snapshot().RunID != "job-42" {
		t.Errorf("run id = %q, tracker %q", summary.RunID, c.Tracker().Snapshot().RunID)
	}

	next, _ := c.Run(context.Background(), nil)
	if next.RunID == "job-42" || next.RunID == "" {
		t.Errorf("a given id applies to one run, got %q", next.RunID)
	}
}

func TestRunNumbersProducts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Download.Enabled = false
	url := "https://m.example/best"

	run := func(images ...string) []*types.Item {
		t.Helper()
		driver := navigatortest.New(map[string]*navigatortest.Page{
			url: {HTML: listing("https://img.example", images...)},
		})
		sink := newRecordingSink()
		if _, err := newCrawler(cfg, driver, WithSink(sink)).Run(context.Background(), []string{url}); err != nil {
			t.Fatal(err)
		}
		return sink.items["m_example_best"]
	}

	first := run("1.png", "2.png")
	if len(first) != 2 || first[0].ProductNo != "P000001" || first[1].ProductNo != "P000002" {
		t.Fatalf("unexpected numbering: %+v", first)
	}
	if first[0].ProductID != "1" {
		t.Errorf("product id = %q", first[0].ProductID)
	}

	// products 1..3: the first two keep their numbers
	again := run("1.png", "2.png", "3.png")
	got := []string{again[0].ProductNo, again[1].ProductNo, again[2].ProductNo}
	if strings.Join(got, ",") != "P000001,P000002,P000003" {
		t.Errorf("numbers across runs = %v", got)
	}
	if _, err := os.Stat(filepath.Join(cfg.Output.BaseDir, "product_index_m_example_best.json")); err != nil {
		t.Errorf("product index not saved: %v", err)
	}
}
