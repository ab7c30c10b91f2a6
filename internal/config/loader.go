package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file, environment, and defaults.
// Priority (highest to lowest): env vars > config file > defaults.
// CLI flags are applied by the caller on the returned Config.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("STORECRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("proxy_url", "PROXY_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind PROXY_URL: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("storecrawl")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".storecrawl"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ResolvePaths()

	return cfg, nil
}

// setDefaults registers default values in viper so env vars can override them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("output.base_dir", cfg.Output.BaseDir)
	// Derived from base_dir after unmarshal unless set explicitly.
	v.SetDefault("output.excel_path", "")
	v.SetDefault("output.img_root", "")

	v.SetDefault("browser.headless", cfg.Browser.Headless)
	v.SetDefault("browser.user_agent", cfg.Browser.UserAgent)
	v.SetDefault("browser.pageload_timeout_s", cfg.Browser.PageLoadTimeoutSec)
	v.SetDefault("browser.wait_sec", cfg.Browser.WaitSec)
	v.SetDefault("browser.language", cfg.Browser.Language)
	v.SetDefault("browser.start_maximized", cfg.Browser.StartMaximized)
	v.SetDefault("browser.disable_automation_flag", cfg.Browser.DisableAutomationFlag)
	v.SetDefault("browser.bin_path", cfg.Browser.BinPath)
	v.SetDefault("browser.window_size", cfg.Browser.WindowSize)
	v.SetDefault("browser.no_sandbox", cfg.Browser.NoSandbox)

	v.SetDefault("crawl.max_pages_per_url", cfg.Crawl.MaxPagesPerURL)
	v.SetDefault("crawl.load_retries", cfg.Crawl.LoadRetries)
	v.SetDefault("crawl.max_scrolls", cfg.Crawl.MaxScrolls)
	v.SetDefault("crawl.scroll_delay_min", cfg.Crawl.ScrollDelayMin)
	v.SetDefault("crawl.scroll_delay_max", cfg.Crawl.ScrollDelayMax)
	v.SetDefault("crawl.url_delay_min", cfg.Crawl.URLDelayMin)
	v.SetDefault("crawl.url_delay_max", cfg.Crawl.URLDelayMax)

	v.SetDefault("download.enabled", cfg.Download.Enabled)
	v.SetDefault("download.timeout", cfg.Download.Timeout)
	v.SetDefault("download.workers", cfg.Download.Workers)
	v.SetDefault("download.max_retries", cfg.Download.MaxRetries)

	v.SetDefault("workbook.autosave_every", cfg.Workbook.AutosaveEvery)
	v.SetDefault("workbook.save_attempts", cfg.Workbook.SaveAttempts)
	v.SetDefault("workbook.save_backoff", cfg.Workbook.SaveBackoff)

	v.SetDefault("selectors.file", cfg.Selectors.File)

	v.SetDefault("mirror.jsonl_path", cfg.Mirror.JSONLPath)
	v.SetDefault("mirror.mongo_uri", cfg.Mirror.MongoURI)
	v.SetDefault("mirror.database", cfg.Mirror.Database)
	v.SetDefault("mirror.collection", cfg.Mirror.Collection)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	v.SetDefault("proxy_url", "")
}
