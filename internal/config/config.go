package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// DefaultUserAgent is the desktop Chrome user agent presented to stores.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

// Config is the immutable options record of one crawler invocation.
type Config struct {
	Output    OutputConfig    `mapstructure:"output"    yaml:"output"`
	Browser   BrowserConfig   `mapstructure:"browser"   yaml:"browser"`
	Crawl     CrawlConfig     `mapstructure:"crawl"     yaml:"crawl"`
	Download  DownloadConfig  `mapstructure:"download"  yaml:"download"`
	Workbook  WorkbookConfig  `mapstructure:"workbook"  yaml:"workbook"`
	Selectors SelectorConfig  `mapstructure:"selectors" yaml:"selectors"`
	Mirror    MirrorConfig    `mapstructure:"mirror"    yaml:"mirror"`
	Logging   LoggingConfig   `mapstructure:"logging"   yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   yaml:"metrics"`

	// ProxyURL is read from PROXY_URL for the host's other widgets.
	// The crawler never routes traffic through it.
	ProxyURL string `mapstructure:"proxy_url" yaml:"proxy_url"`
}

// OutputConfig controls where the workbook and images are written.
type OutputConfig struct {
	BaseDir   string `mapstructure:"base_dir"   yaml:"base_dir"`
	ExcelPath string `mapstructure:"excel_path" yaml:"excel_path"`
	ImgRoot   string `mapstructure:"img_root"   yaml:"img_root"`
}

// BrowserConfig controls the headless browser session.
type BrowserConfig struct {
	Headless              bool   `mapstructure:"headless"                yaml:"headless"`
	UserAgent             string `mapstructure:"user_agent"              yaml:"user_agent"`
	PageLoadTimeoutSec    int    `mapstructure:"pageload_timeout_s"      yaml:"pageload_timeout_s"`
	WaitSec               int    `mapstructure:"wait_sec"                yaml:"wait_sec"`
	Language              string `mapstructure:"language"                yaml:"language"`
	StartMaximized        bool   `mapstructure:"start_maximized"         yaml:"start_maximized"`
	DisableAutomationFlag bool   `mapstructure:"disable_automation_flag" yaml:"disable_automation_flag"`
	BinPath               string `mapstructure:"bin_path"                yaml:"bin_path"`
	WindowSize            string `mapstructure:"window_size"             yaml:"window_size"`
	NoSandbox             bool   `mapstructure:"no_sandbox"              yaml:"no_sandbox"`
}

// PageLoadTimeout returns the navigation timeout as a duration.
func (b BrowserConfig) PageLoadTimeout() time.Duration {
	return time.Duration(b.PageLoadTimeoutSec) * time.Second
}

// DefaultWait returns the bounded wait used for element probes.
func (b BrowserConfig) DefaultWait() time.Duration {
	return time.Duration(b.WaitSec) * time.Second
}

// AcceptLanguage builds an Accept-Language header value for the session
// locale, e.g. "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7".
func (b BrowserConfig) AcceptLanguage() string {
	if b.Language == "" {
		return "en-US,en;q=0.9"
	}
	base, _, ok := strings.Cut(b.Language, "-")
	if !ok {
		return b.Language + ",en;q=0.8"
	}
	return fmt.Sprintf("%s,%s;q=0.9,en-US;q=0.8,en;q=0.7", b.Language, base)
}

// CrawlConfig controls navigation and pagination.
// LoadRetries is the total number of load attempts per page.
type CrawlConfig struct {
	MaxPagesPerURL int           `mapstructure:"max_pages_per_url" yaml:"max_pages_per_url"`
	LoadRetries    int           `mapstructure:"load_retries"      yaml:"load_retries"`
	MaxScrolls     int           `mapstructure:"max_scrolls"       yaml:"max_scrolls"`
	ScrollDelayMin time.Duration `mapstructure:"scroll_delay_min"  yaml:"scroll_delay_min"`
	ScrollDelayMax time.Duration `mapstructure:"scroll_delay_max"  yaml:"scroll_delay_max"`
	URLDelayMin    time.Duration `mapstructure:"url_delay_min"     yaml:"url_delay_min"`
	URLDelayMax    time.Duration `mapstructure:"url_delay_max"     yaml:"url_delay_max"`
}

// DownloadConfig controls image downloads.
type DownloadConfig struct {
	Enabled    bool          `mapstructure:"enabled"     yaml:"enabled"`
	Timeout    time.Duration `mapstructure:"timeout"     yaml:"timeout"`
	Workers    int           `mapstructure:"workers"     yaml:"workers"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// WorkbookConfig controls autosave and crash-safe saving.
type WorkbookConfig struct {
	AutosaveEvery int           `mapstructure:"autosave_every" yaml:"autosave_every"`
	SaveAttempts  int           `mapstructure:"save_attempts"  yaml:"save_attempts"`
	SaveBackoff   time.Duration `mapstructure:"save_backoff"   yaml:"save_backoff"`
}

// SelectorConfig overrides the built-in selector table.
// Empty fields keep the built-in entries.
type SelectorConfig struct {
	File  string    `mapstructure:"file"  yaml:"file"`
	Cards []string  `mapstructure:"cards" yaml:"cards"`
	Title []Matcher `mapstructure:"title" yaml:"title"`
	Price []Matcher `mapstructure:"price" yaml:"price"`
	Image []Matcher `mapstructure:"image" yaml:"image"`
	Link  []Matcher `mapstructure:"link"  yaml:"link"`

	SalePrice   []Matcher `mapstructure:"sale_price"   yaml:"sale_price"`
	ShippingFee []Matcher `mapstructure:"shipping_fee" yaml:"shipping_fee"`
	Reviews     []Matcher `mapstructure:"reviews"      yaml:"reviews"`
	Rating      []Matcher `mapstructure:"rating"       yaml:"rating"`
	Gallery     []Matcher `mapstructure:"gallery"      yaml:"gallery"`
}

// Matcher locates one field value inside a card element.
type Matcher struct {
	CSS     string `mapstructure:"css"      yaml:"css,omitempty"`
	XPath   string `mapstructure:"xpath"    yaml:"xpath,omitempty"`
	Attr    string `mapstructure:"attr"     yaml:"attr,omitempty"`
	JSONKey string `mapstructure:"json_key" yaml:"json_key,omitempty"`
}

// MirrorConfig enables optional copies of committed markets.
type MirrorConfig struct {
	JSONLPath  string `mapstructure:"jsonl_path" yaml:"jsonl_path"`
	MongoURI   string `mapstructure:"mongo_uri"  yaml:"mongo_uri"`
	Database   string `mapstructure:"database"   yaml:"database"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file"   yaml:"file"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr"    yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		Output: OutputConfig{
			BaseDir: "./output",
		},
		Browser: BrowserConfig{
			Headless:              true,
			UserAgent:             DefaultUserAgent,
			PageLoadTimeoutSec:    25,
			WaitSec:               12,
			Language:              "ko-KR",
			StartMaximized:        true,
			DisableAutomationFlag: true,
			WindowSize:            "1400,1000",
		},
		Crawl: CrawlConfig{
			MaxPagesPerURL: 20,
			LoadRetries:    2,
			MaxScrolls:     30,
			ScrollDelayMin: 300 * time.Millisecond,
			ScrollDelayMax: 800 * time.Millisecond,
			URLDelayMin:    300 * time.Millisecond,
			URLDelayMax:    800 * time.Millisecond,
		},
		Download: DownloadConfig{
			Enabled:    true,
			Timeout:    10 * time.Second,
			Workers:    4,
			MaxRetries: 2,
		},
		Workbook: WorkbookConfig{
			AutosaveEvery: 10,
			SaveAttempts:  3,
			SaveBackoff:   200 * time.Millisecond,
		},
		Mirror: MirrorConfig{
			Database:   "storecrawl",
			Collection: "items",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
	cfg.ResolvePaths()
	return cfg
}

// ResolvePaths fills output paths derived from the base directory.
func (c *Config) ResolvePaths() {
	if c.Output.BaseDir == "" {
		c.Output.BaseDir = "./output"
	}
	if c.Output.ExcelPath == "" {
		c.Output.ExcelPath = filepath.Join(c.Output.BaseDir, "smartstore_items.xlsx")
	}
	if c.Output.ImgRoot == "" {
		c.Output.ImgRoot = filepath.Join(c.Output.BaseDir, "images")
	}
}

// Clone returns a deep copy so callers can apply per-run overrides.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Selectors.Cards = append([]string(nil), c.Selectors.Cards...)
	cp.Selectors.Title = append([]Matcher(nil), c.Selectors.Title...)
	cp.Selectors.Price = append([]Matcher(nil), c.Selectors.Price...)
	cp.Selectors.Image = append([]Matcher(nil), c.Selectors.Image...)
	cp.Selectors.Link = append([]Matcher(nil), c.Selectors.Link...)
	cp.Selectors.SalePrice = append([]Matcher(nil), c.Selectors.SalePrice...)
	cp.Selectors.ShippingFee = append([]Matcher(nil), c.Selectors.ShippingFee...)
	cp.Selectors.Reviews = append([]Matcher(nil), c.Selectors.Reviews...)
	cp.Selectors.Rating = append([]Matcher(nil), c.Selectors.Rating...)
	cp.Selectors.Gallery = append([]Matcher(nil), c.Selectors.Gallery...)
	return &cp
}
