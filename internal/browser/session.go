package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/types"
)

// Session owns one Chromium process and the single stealth page the
// navigator drives. It is not safe for concurrent use.
type Session struct {
	cfg      config.BrowserConfig
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	waiter   *Waiter
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// ResolveBin returns the Chromium binary to launch: the configured path, or
// the first installed browser found on this machine. It never downloads one.
func ResolveBin(cfg config.BrowserConfig) (string, error) {
	if cfg.BinPath != "" {
		return cfg.BinPath, nil
	}
	if bin, ok := launcher.LookPath(); ok {
		return bin, nil
	}
	return "", errors.New("no Chromium or Chrome binary found; set browser.bin_path")
}

// New launches a browser and prepares a stealth page. Any failure to locate
// or start the browser is reported as *types.DriverInitError.
func New(cfg config.BrowserConfig, logger *slog.Logger) (*Session, error) {
	s := &Session{
		cfg:    cfg,
		waiter: NewWaiter(cfg.DefaultWait()),
		logger: logger.With("component", "browser"),
	}

	bin, err := ResolveBin(cfg)
	if err != nil {
		return nil, &types.DriverInitError{Err: err}
	}

	s.launcher = newLauncher(cfg, bin)
	controlURL, err := s.launcher.Launch()
	if err != nil {
		return nil, &types.DriverInitError{Bin: bin, Err: fmt.Errorf("launch: %w", err)}
	}

	s.browser = rod.New().ControlURL(controlURL)
	if err := s.browser.Connect(); err != nil {
		s.launcher.Kill()
		return nil, &types.DriverInitError{Bin: bin, Err: fmt.Errorf("connect: %w", err)}
	}

	if err := s.preparePage(); err != nil {
		_ = s.Close()
		return nil, &types.DriverInitError{Bin: bin, Err: err}
	}

	s.logger.Info("browser session ready",
		"bin", bin,
		"headless", cfg.Headless,
		"pageload_timeout", cfg.PageLoadTimeout(),
		"wait", s.waiter.Timeout(),
	)
	return s, nil
}

// newLauncher builds the Chromium command line from the session options.
func newLauncher(cfg config.BrowserConfig, bin string) *launcher.Launcher {
	l := launcher.New().
		Bin(bin).
		Headless(cfg.Headless).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("lang", cfg.Language)

	if cfg.DisableAutomationFlag {
		l = l.Set("disable-blink-features", "AutomationControlled").
			Delete("enable-automation")
	}
	if cfg.StartMaximized {
		l = l.Set("start-maximized")
	}
	if cfg.WindowSize != "" {
		l = l.Set("window-size", cfg.WindowSize)
	}
	if cfg.NoSandbox {
		l = l.Set("no-sandbox").Set("disable-setuid-sandbox")
	}
	return l
}

// preparePage opens the stealth page and applies the pre-navigation
// script, user agent and language.
func (s *Session) preparePage() error {
	page, err := stealth.Page(s.browser)
	if err != nil {
		return fmt.Errorf("stealth page: %w", err)
	}
	s.page = page

	if _, err := page.EvalOnNewDocument(StealthJS(s.cfg.Language)); err != nil {
		return fmt.Errorf("install stealth script: %w", err)
	}

	err = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      s.cfg.UserAgent,
		AcceptLanguage: s.cfg.AcceptLanguage(),
	})
	if err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}
	return nil
}

// Navigate loads url, bounded by the page-load timeout. A load that does not
// finish in time is not an error; the caller decides from the DOM.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.page == nil {
		return types.ErrBrowserClosed
	}
	p := s.page.Context(ctx).Timeout(s.cfg.PageLoadTimeout())
	if err := p.Navigate(url); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Debug("navigation timed out", "url", url)
			return nil
		}
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("page load incomplete, continuing", "url", url, "error", err)
	}
	return nil
}

// WaitAny waits until any selector matches an element, or the default wait
// expires. It reports false without error on expiry.
func (s *Session) WaitAny(ctx context.Context, selectors []string) (bool, error) {
	if s.page == nil {
		return false, types.ErrBrowserClosed
	}
	return s.waiter.Until(ctx, func() (bool, error) {
		for _, sel := range selectors {
			found, _, err := s.page.Has(sel)
			if err != nil {
				return false, err
			}
			if found {
				return true, nil
			}
		}
		return false, nil
	})
}

// Count returns the number of elements matching selector right now.
func (s *Session) Count(selector string) (int, error) {
	if s.page == nil {
		return 0, types.ErrBrowserClosed
	}
	els, err := s.page.Elements(selector)
	if err != nil {
		return 0, err
	}
	return len(els), nil
}

// ScrollBy scrolls down by dy pixels, or by one viewport height when
// dy <= 0.
func (s *Session) ScrollBy(dy int) error {
	if s.page == nil {
		return types.ErrBrowserClosed
	}
	_, err := s.page.Eval(`(dy) => window.scrollBy(0, dy > 0 ? dy : window.innerHeight)`, dy)
	return err
}

// HTML returns the serialized document.
func (s *Session) HTML() (string, error) {
	if s.page == nil {
		return "", types.ErrBrowserClosed
	}
	return s.page.HTML()
}

// URL returns the current page URL, or "" if it cannot be read.
func (s *Session) URL() string {
	if s.page == nil {
		return ""
	}
	info, err := s.page.Info()
	if err != nil || info == nil {
		return ""
	}
	return info.URL
}

// Close shuts down the page and the browser process. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.page != nil {
			if err := s.page.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close page: %w", err))
			}
			s.page = nil
		}
		if s.browser != nil {
			if err := s.browser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close browser: %w", err))
			}
		}
		if s.launcher != nil {
			s.launcher.Cleanup()
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Debug("browser session closed")
	})
	return s.closeErr
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
