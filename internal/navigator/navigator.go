package navigator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/observability"
	"github.com/IshaanNene/storecrawl/internal/types"
)

// Driver is the browser surface the navigator needs. *browser.Session
// implements it; tests use an in-memory fake.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	WaitAny(ctx context.Context, selectors []string) (bool, error)
	Count(selector string) (int, error)
	ScrollBy(dy int) error
	HTML() (string, error)
	URL() string
	Close() error
}

// OneViewport is the ScrollBy step that moves down one viewport height.
const OneViewport = 0

// VisitFunc consumes one loaded page and reports how many new items it yielded.
type VisitFunc func(page *types.LoadedPage) (int, error)

// Navigator loads listing pages and walks their pagination.
type Navigator struct {
	driver    Driver
	cfg       config.CrawlConfig
	cards     []string
	logger    *slog.Logger
	metrics   *observability.Metrics
	onWarning func(types.Warning)
}

// Option configures a Navigator.
type Option func(*Navigator)

// WithMetrics records navigation latency and timeouts.
func WithMetrics(m *observability.Metrics) Option {
	return func(n *Navigator) { n.metrics = m }
}

// WithWarningHandler receives a NavTimeout warning for every timed-out load.
func WithWarningHandler(fn func(types.Warning)) Option {
	return func(n *Navigator) { n.onWarning = fn }
}

// New creates a navigator over driver. cards are the listing card selectors
// in priority order.
func New(driver Driver, cfg config.CrawlConfig, cards []string, logger *slog.Logger, opts ...Option) *Navigator {
	n := &Navigator{
		driver:    driver,
		cfg:       cfg,
		cards:     cards,
		logger:    logger.With("component", "navigator"),
		onWarning: func(types.Warning) {},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Load navigates to url and waits for any listing card. When none appears it
// reloads, up to the configured number of attempts, emitting one NavTimeout
// warning per timed-out attempt. It then returns whatever DOM is present
// with TimedOut set; a timeout never aborts the run.
func (n *Navigator) Load(ctx context.Context, url string, pageNum int) (*types.LoadedPage, error) {
	attempts := max(n.cfg.LoadRetries, 1)
	marketKey, _ := types.MarketKey(url)

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		if err := n.driver.Navigate(ctx, url); err != nil {
			return nil, fmt.Errorf("load %s: %w", url, err)
		}
		found, err := n.driver.WaitAny(ctx, n.cards)
		if err != nil {
			return nil, fmt.Errorf("wait for cards on %s: %w", url, err)
		}
		n.metrics.ObserveNavigate(time.Since(start), !found)

		if found {
			return n.snapshot(url, pageNum, false)
		}

		n.logger.Warn("no listing cards before wait expired",
			"url", url,
			"attempt", attempt,
			"attempts", attempts,
		)
		n.onWarning(types.NewWarning(types.WarnNavTimeout, url, marketKey,
			fmt.Sprintf("no listing cards before wait expired (attempt %d/%d)", attempt, attempts)))
	}

	return n.snapshot(url, pageNum, true)
}

// Walk visits every page of the listing at url. Listings addressed with a
// "page" query parameter are walked page by page until visit reports no new
// items or the page cap is hit; any other listing is scrolled until the card
// count stops growing and visited once.
func (n *Navigator) Walk(ctx context.Context, url string, visit VisitFunc) error {
	if start, ok := PageParam(url); ok {
		return n.walkPages(ctx, url, start, visit)
	}
	return n.walkScroll(ctx, url, visit)
}

func (n *Navigator) walkPages(ctx context.Context, url string, start int, visit VisitFunc) error {
	for i := 0; i < n.cfg.MaxPagesPerURL; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			if err := Pause(ctx, n.cfg.ScrollDelayMin, n.cfg.ScrollDelayMax); err != nil {
				return err
			}
		}

		pageNum := start + i
		pageURL, err := WithPage(url, pageNum)
		if err != nil {
			return err
		}

		page, err := n.Load(ctx, pageURL, pageNum)
		if err != nil {
			return err
		}
		added, err := visit(page)
		if err != nil {
			return err
		}

		n.logger.Debug("page visited", "url", pageURL, "page", pageNum, "new_items", added)
		if added == 0 {
			return nil
		}
	}
	n.logger.Info("page cap reached", "url", url, "max_pages", n.cfg.MaxPagesPerURL)
	return nil
}

func (n *Navigator) walkScroll(ctx context.Context, url string, visit VisitFunc) error {
	page, err := n.Load(ctx, url, 1)
	if err != nil {
		return err
	}

	if !page.TimedOut {
		grew, err := n.scrollUntilStable(ctx)
		if err != nil {
			return err
		}
		if grew {
			if page, err = n.snapshot(url, 1, false); err != nil {
				return err
			}
		}
	}

	_, err = visit(page)
	return err
}

// scrollUntilStable scrolls down one viewport at a time until the card count
// has not grown for two consecutive scrolls or the scroll budget is spent. It reports
// whether any new cards appeared.
func (n *Navigator) scrollUntilStable(ctx context.Context) (bool, error) {
	selector := strings.Join(n.cards, ", ")
	initial, err := n.driver.Count(selector)
	if err != nil {
		return false, err
	}

	count, stable := initial, 0
	for i := 0; i < n.cfg.MaxScrolls && stable < 2; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := n.driver.ScrollBy(OneViewport); err != nil {
			return false, fmt.Errorf("scroll: %w", err)
		}
		if err := Pause(ctx, n.cfg.ScrollDelayMin, n.cfg.ScrollDelayMax); err != nil {
			return false, err
		}

		c, err := n.driver.Count(selector)
		if err != nil {
			return false, err
		}
		if c > count {
			count, stable = c, 0
		} else {
			stable++
		}
	}

	n.logger.Debug("scrolling settled", "cards", count, "initial", initial)
	return count > initial, nil
}

func (n *Navigator) snapshot(url string, pageNum int, timedOut bool) (*types.LoadedPage, error) {
	html, err := n.driver.HTML()
	if err != nil {
		if !timedOut {
			return nil, fmt.Errorf("read DOM of %s: %w", url, err)
		}
		html = ""
	}
	return types.NewLoadedPage(url, n.driver.URL(), html, pageNum, timedOut), nil
}

// Jitter returns a uniformly random duration in [lo, hi].
func Jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// Pause sleeps a random duration in [lo, hi] or until ctx is done.
func Pause(ctx context.Context, lo, hi time.Duration) error {
	d := Jitter(lo, hi)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
