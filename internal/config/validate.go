package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Browser.PageLoadTimeoutSec < 10 || cfg.Browser.PageLoadTimeoutSec > 120 {
		return fmt.Errorf("browser.pageload_timeout_s must be 10-120, got %d", cfg.Browser.PageLoadTimeoutSec)
	}
	if cfg.Browser.WaitSec < 3 || cfg.Browser.WaitSec > 60 {
		return fmt.Errorf("browser.wait_sec must be 3-60, got %d", cfg.Browser.WaitSec)
	}
	if strings.TrimSpace(cfg.Browser.UserAgent) == "" {
		return fmt.Errorf("browser.user_agent must not be empty")
	}

	if cfg.Crawl.MaxPagesPerURL < 1 {
		return fmt.Errorf("crawl.max_pages_per_url must be >= 1, got %d", cfg.Crawl.MaxPagesPerURL)
	}
	if cfg.Crawl.LoadRetries < 1 {
		return fmt.Errorf("crawl.load_retries must be >= 1, got %d", cfg.Crawl.LoadRetries)
	}
	if cfg.Crawl.MaxScrolls < 0 {
		return fmt.Errorf("crawl.max_scrolls must be >= 0, got %d", cfg.Crawl.MaxScrolls)
	}
	if cfg.Crawl.ScrollDelayMin < 0 || cfg.Crawl.ScrollDelayMax < cfg.Crawl.ScrollDelayMin {
		return fmt.Errorf("crawl.scroll_delay_min/max must satisfy 0 <= min <= max")
	}
	if cfg.Crawl.URLDelayMin < 0 || cfg.Crawl.URLDelayMax < cfg.Crawl.URLDelayMin {
		return fmt.Errorf("crawl.url_delay_min/max must satisfy 0 <= min <= max")
	}

	if cfg.Download.Timeout <= 0 {
		return fmt.Errorf("download.timeout must be > 0")
	}
	if cfg.Download.Workers < 1 || cfg.Download.Workers > 4 {
		return fmt.Errorf("download.workers must be 1-4, got %d", cfg.Download.Workers)
	}
	if cfg.Download.MaxRetries < 0 {
		return fmt.Errorf("download.max_retries must be >= 0, got %d", cfg.Download.MaxRetries)
	}

	if cfg.Workbook.AutosaveEvery < 1 {
		return fmt.Errorf("workbook.autosave_every must be >= 1, got %d", cfg.Workbook.AutosaveEvery)
	}
	if cfg.Workbook.SaveAttempts < 1 {
		return fmt.Errorf("workbook.save_attempts must be >= 1, got %d", cfg.Workbook.SaveAttempts)
	}
	if cfg.Workbook.SaveBackoff < 0 {
		return fmt.Errorf("workbook.save_backoff must be >= 0")
	}

	if cfg.Output.ExcelPath == "" || !strings.HasSuffix(strings.ToLower(cfg.Output.ExcelPath), ".xlsx") {
		return fmt.Errorf("output.excel_path must end in .xlsx, got %q", cfg.Output.ExcelPath)
	}
	if cfg.Output.ImgRoot == "" {
		return fmt.Errorf("output.img_root must not be empty")
	}

	for i, m := range allMatchers(cfg.Selectors) {
		if m.CSS != "" && m.XPath != "" {
			return fmt.Errorf("selectors: matcher %d sets both css and xpath", i)
		}
	}

	if cfg.Mirror.MongoURI != "" && (cfg.Mirror.Database == "" || cfg.Mirror.Collection == "") {
		return fmt.Errorf("mirror.database and mirror.collection are required with mirror.mongo_uri")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

func allMatchers(s SelectorConfig) []Matcher {
	var out []Matcher
	out = append(out, s.Title...)
	out = append(out, s.Price...)
	out = append(out, s.Image...)
	out = append(out, s.Link...)
	out = append(out, s.SalePrice...)
	out = append(out, s.ShippingFee...)
	out = append(out, s.Reviews...)
	out = append(out, s.Rating...)
	out = append(out, s.Gallery...)
	return out
}
