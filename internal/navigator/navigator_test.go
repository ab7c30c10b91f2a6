package navigator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/navigator/navigatortest"
	"github.com/IshaanNene/storecrawl/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

var cards = []string{"li.card"}

func testCrawlConfig() config.CrawlConfig {
	cfg := config.DefaultConfig().Crawl
	cfg.ScrollDelayMin, cfg.ScrollDelayMax = 0, 0
	return cfg
}

func listing(n int) string {
	var b strings.Builder
	b.WriteString("<ul>")
	for i := 0; i < n; i++ {
		b.WriteString(`<li class="card">item</li>`)
	}
	b.WriteString("</ul>")
	return b.String()
}

func TestLoadFindsCards(t *testing.T) {
	d := navigatortest.New(map[string]*navigatortest.Page{
		"https://shop.example.com/a": {HTML: listing(3)},
	})
	var warnings []types.Warning
	nav := New(d, testCrawlConfig(), cards, testLogger,
		WithWarningHandler(func(w types.Warning) { warnings = append(warnings, w) }))

	page, err := nav.Load(context.Background(), "https://shop.example.com/a", 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if page.TimedOut {
		t.Error("expected cards to be found")
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if page.FinalURL != "https://shop.example.com/a" {
		t.Errorf("FinalURL = %q", page.FinalURL)
	}
}

func TestLoadTimeoutWarnsPerAttempt(t *testing.T) {
	d := navigatortest.New(nil)
	var warnings []types.Warning
	nav := New(d, testCrawlConfig(), cards, testLogger,
		WithWarningHandler(func(w types.Warning) { warnings = append(warnings, w) }))

	page, err := nav.Load(context.Background(), "https://shop.example.com/empty", 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !page.TimedOut {
		t.Error("expected TimedOut page")
	}
	if len(warnings) != 2 {
		t.Fatalf("expected 2 NavTimeout warnings, got %d", len(warnings))
	}
	for _, w := range warnings {
		if w.Kind != types.WarnNavTimeout {
			t.Errorf("unexpected warning kind %s", w.Kind)
		}
	}
	if got := len(d.Navigations()); got != 2 {
		t.Errorf("expected 2 navigations, got %d", got)
	}
}

func TestLoadNavigateError(t *testing.T) {
	boom := errors.New("net::ERR_NAME_NOT_RESOLVED")
	d := navigatortest.New(map[string]*navigatortest.Page{
		"https://bad.example.com/": {Err: boom},
	})
	nav := New(d, testCrawlConfig(), cards, testLogger)
	if _, err := nav.Load(context.Background(), "https://bad.example.com/", 1); !errors.Is(err, boom) {
		t.Errorf("expected navigation error, got %v", err)
	}
}

func TestWalkPagesStopsOnEmpty(t *testing.T) {
	base := "https://shop.example.com/cat?page=1&size=40"
	pages := map[string]*navigatortest.Page{}
	for i, n := range []int{3, 2} {
		u, _ := WithPage(base, i+1)
		pages[u] = &navigatortest.Page{HTML: listing(n)}
	}
	d := navigatortest.New(pages)
	cfg := testCrawlConfig()
	cfg.LoadRetries = 1
	nav := New(d, cfg, cards, testLogger)

	var visited []int
	err := nav.Walk(context.Background(), base, func(p *types.LoadedPage) (int, error) {
		visited = append(visited, p.PageNum)
		doc, _ := p.Document()
		return doc.Find("li.card").Length(), nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(visited) != 3 || visited[2] != 3 {
		t.Errorf("visited pages %v, want [1 2 3]", visited)
	}
}

func TestWalkPagesCap(t *testing.T) {
	d := navigatortest.New(nil)
	cfg := testCrawlConfig()
	cfg.MaxPagesPerURL = 4
	cfg.LoadRetries = 1
	nav := New(d, cfg, cards, testLogger)

	calls := 0
	err := nav.Walk(context.Background(), "https://shop.example.com/cat?page=2", func(*types.LoadedPage) (int, error) {
		calls++
		return 1, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 4 {
		t.Errorf("expected 4 pages, got %d", calls)
	}
	navs := d.Navigations()
	if !strings.Contains(navs[0], "page=2") || !strings.Contains(navs[3], "page=5") {
		t.Errorf("unexpected navigations: %v", navs)
	}
}

func TestWalkScrollUntilStable(t *testing.T) {
	url := "https://shop.example.com/best"
	d := navigatortest.New(map[string]*navigatortest.Page{
		url: {HTML: listing(2), Scrolls: []string{listing(4), listing(6), listing(6)}},
	})
	nav := New(d, testCrawlConfig(), cards, testLogger)

	var got int
	err := nav.Walk(context.Background(), url, func(p *types.LoadedPage) (int, error) {
		doc, _ := p.Document()
		got = doc.Find("li.card").Length()
		return got, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != 6 {
		t.Errorf("expected 6 cards after scrolling, got %d", got)
	}
	// 2 growing scrolls, then 2 stable ones.
	if d.Scrolls() != 4 {
		t.Errorf("expected 4 scrolls, got %d", d.Scrolls())
	}
	for i, dy := range d.ScrollSteps() {
		if dy != OneViewport {
			t.Errorf("scroll %d moved by %d, want one viewport", i, dy)
		}
	}
}

func TestWalkCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	nav := New(navigatortest.New(nil), testCrawlConfig(), cards, testLogger)
	err := nav.Walk(ctx, "https://shop.example.com/x?page=1", func(*types.LoadedPage) (int, error) { return 1, nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPageParam(t *testing.T) {
	tests := []struct {
		url   string
		start int
		ok    bool
	}{
		{"https://x.com/a?page=3", 3, true},
		{"https://x.com/a?page=", 1, true},
		{"https://x.com/a?size=10", 0, false},
		{"https://x.com/a", 0, false},
	}
	for _, tt := range tests {
		start, ok := PageParam(tt.url)
		if start != tt.start || ok != tt.ok {
			t.Errorf("PageParam(%q) = %d, %v; want %d, %v", tt.url, start, ok, tt.start, tt.ok)
		}
	}

	u, err := WithPage("https://x.com/a?st=POP&page=1", 7)
	if err != nil || !strings.Contains(u, "page=7") || !strings.Contains(u, "st=POP") {
		t.Errorf("WithPage = %q, %v", u, err)
	}
}
