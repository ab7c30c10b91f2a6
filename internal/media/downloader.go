package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/observability"
	"github.com/IshaanNene/storecrawl/internal/types"
)

// DefaultBackoff is the wait before each retry of a transient failure.
var DefaultBackoff = []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond}

// MaxImageBytes caps a single image body. Larger images fail instead of
// being saved truncated.
const MaxImageBytes = 20 << 20

var errTooLarge = errors.New("image exceeds size limit")

// Downloader fetches item images into the per-market image tree.
type Downloader struct {
	client     *http.Client
	imgRoot    string
	timeout    time.Duration
	maxRetries int
	workers    int
	maxBytes   int64
	backoff    []time.Duration
	userAgent  string
	acceptLang string
	referer    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(d *Downloader) { d.client.Transport = rt }
}

// WithBackoff replaces the retry waits. The last value repeats when there
// are more retries than entries.
func WithBackoff(b ...time.Duration) Option {
	return func(d *Downloader) { d.backoff = b }
}

// WithMaxBytes replaces the per-image size cap.
func WithMaxBytes(n int64) Option {
	return func(d *Downloader) { d.maxBytes = n }
}

// WithMetrics counts downloads and retries.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Downloader) { d.metrics = m }
}

// New creates a downloader writing under cfg.Output.ImgRoot.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Downloader {
	d := &Downloader{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               nil,
				DisableCompression:  true, // decoded by decompressReader, including brotli
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		imgRoot:    cfg.Output.ImgRoot,
		timeout:    cfg.Download.Timeout,
		maxRetries: cfg.Download.MaxRetries,
		workers:    min(max(cfg.Download.Workers, 1), 4),
		maxBytes:   MaxImageBytes,
		backoff:    DefaultBackoff,
		userAgent:  cfg.Browser.UserAgent,
		acceptLang: cfg.Browser.AcceptLanguage(),
		logger:     logger.With("component", "downloader"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithReferer returns a downloader that sends referer with every request.
// The copy shares the HTTP client.
func (d *Downloader) WithReferer(referer string) *Downloader {
	cp := *d
	cp.referer = referer
	return &cp
}

// Fetch downloads item's image unless a non-empty file for it already
// exists, and returns the item with ImagePath set. On failure the item comes
// back with an empty ImagePath alongside the error.
func (d *Downloader) Fetch(ctx context.Context, item types.Item) (types.Item, *types.ImageFetchError) {
	item.ImagePath = ""
	if item.ImageURL == "" {
		return item, nil
	}

	dir := filepath.Join(d.imgRoot, item.MarketKey)
	stem := FileStem(item.Rank, item.ImageURL)
	if existing := existingFile(dir, stem); existing != "" {
		d.metrics.IncImage("skipped")
		d.logger.Debug("image exists, skipping", "url", item.ImageURL, "path", existing)
		item.ImagePath = existing
		return item, nil
	}

	var lastErr *types.ImageFetchError
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			d.metrics.IncImageRetry()
			if err := sleep(ctx, d.wait(attempt)); err != nil {
				lastErr = &types.ImageFetchError{URL: item.ImageURL, Attempts: attempt, Err: err}
				break
			}
		}

		path, err := d.download(ctx, item.ImageURL, dir, stem)
		if err == nil {
			d.metrics.IncImage("downloaded")
			item.ImagePath = path
			return item, nil
		}

		lastErr = err
		lastErr.Attempts = attempt + 1
		if !err.Retryable || ctx.Err() != nil {
			break
		}
		d.logger.Debug("image fetch failed, retrying", "url", item.ImageURL, "attempt", attempt+1, "error", err.Err)
	}

	d.metrics.IncImage("failed")
	d.logger.Warn("image fetch failed", "url", item.ImageURL, "market", item.MarketKey, "rank", item.Rank, "error", lastErr)
	return item, lastErr
}

// FetchAll downloads images for items on a bounded worker pool, setting
// ImagePath in place. Errors come back in input order.
func (d *Downloader) FetchAll(ctx context.Context, items []*types.Item) []*types.ImageFetchError {
	results := make([]*types.ImageFetchError, len(items))

	var g errgroup.Group
	g.SetLimit(d.workers)
	for i, item := range items {
		g.Go(func() error {
			updated, err := d.Fetch(ctx, *item)
			items[i].ImagePath = updated.ImagePath
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var errs []*types.ImageFetchError
	for _, err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (d *Downloader) wait(attempt int) time.Duration {
	if len(d.backoff) == 0 {
		return 0
	}
	return d.backoff[min(attempt, len(d.backoff))-1]
}

// download performs one attempt and writes the body atomically.
func (d *Downloader) download(ctx context.Context, rawURL, dir, stem string) (string, *types.ImageFetchError) {
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &types.ImageFetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
	req.Header.Set("Accept-Language", d.acceptLang)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if d.referer != "" {
		req.Header.Set("Referer", d.referer)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", &types.ImageFetchError{URL: rawURL, Err: err, Retryable: isRetryable(ctx, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &types.ImageFetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	body, err := decompressReader(resp, resp.Body)
	if err != nil {
		return "", &types.ImageFetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}

	path := filepath.Join(dir, stem+"."+ExtForContentType(resp.Header.Get("Content-Type")))
	if err := writeAtomic(path, body, d.maxBytes); err != nil {
		retry := !errors.Is(err, errTooLarge) && isRetryable(ctx, err)
		return "", &types.ImageFetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: err, Retryable: retry}
	}

	d.logger.Debug("image saved", "url", rawURL, "path", path)
	return path, nil
}

// writeAtomic streams r to path via path.tmp, fsyncs and renames, so a
// partial file is never visible under path. A body longer than limit bytes
// is rejected and the temp file removed.
func writeAtomic(path string, r io.Reader, limit int64) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	if n > limit {
		return fmt.Errorf("%w (%d bytes)", errTooLarge, limit)
	}
	if n == 0 {
		return errors.New("empty image body")
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("sync image: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close image: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename image: %w", err)
	}
	return nil
}

// sleep blocks for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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
