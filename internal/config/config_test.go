package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Output.ExcelPath != filepath.Join("output", "smartstore_items.xlsx") {
		t.Errorf("excel path = %q", cfg.Output.ExcelPath)
	}
	if cfg.Workbook.AutosaveEvery != 10 || cfg.Browser.WaitSec != 12 || cfg.Browser.PageLoadTimeoutSec != 25 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"wait too short", func(c *Config) { c.Browser.WaitSec = 2 }},
		{"wait too long", func(c *Config) { c.Browser.WaitSec = 61 }},
		{"timeout too short", func(c *Config) { c.Browser.PageLoadTimeoutSec = 9 }},
		{"timeout too long", func(c *Config) { c.Browser.PageLoadTimeoutSec = 121 }},
		{"no pages", func(c *Config) { c.Crawl.MaxPagesPerURL = 0 }},
		{"autosave zero", func(c *Config) { c.Workbook.AutosaveEvery = 0 }},
		{"too many workers", func(c *Config) { c.Download.Workers = 5 }},
		{"bad extension", func(c *Config) { c.Output.ExcelPath = "out.csv" }},
		{"inverted delay", func(c *Config) { c.Crawl.ScrollDelayMin = time.Second }},
		{"css and xpath", func(c *Config) { c.Selectors.Title = []Matcher{{CSS: "a", XPath: "//a"}} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storecrawl.yaml")
	yaml := `
output:
  base_dir: ` + dir + `
browser:
  wait_sec: 20
crawl:
  max_pages_per_url: 5
selectors:
  cards: ["li.product"]
  title:
    - css: ".product-name"
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Browser.WaitSec != 20 {
		t.Errorf("wait_sec = %d, want 20", cfg.Browser.WaitSec)
	}
	if cfg.Crawl.MaxPagesPerURL != 5 {
		t.Errorf("max_pages_per_url = %d, want 5", cfg.Crawl.MaxPagesPerURL)
	}
	if cfg.Output.ExcelPath != filepath.Join(dir, "smartstore_items.xlsx") {
		t.Errorf("excel path not derived from base_dir: %q", cfg.Output.ExcelPath)
	}
	if len(cfg.Selectors.Cards) != 1 || len(cfg.Selectors.Title) != 1 || cfg.Selectors.Title[0].CSS != ".product-name" {
		t.Errorf("selectors not loaded: %+v", cfg.Selectors)
	}
	if cfg.Browser.PageLoadTimeoutSec != 25 {
		t.Errorf("unset keys should keep defaults, got %d", cfg.Browser.PageLoadTimeoutSec)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STORECRAWL_BROWSER_HEADLESS", "false")
	t.Setenv("STORECRAWL_WORKBOOK_AUTOSAVE_EVERY", "3")
	t.Setenv("PROXY_URL", "http://proxy.local:3128")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for explicit missing file")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Browser.Headless {
		t.Error("expected headless=false from env")
	}
	if cfg.Workbook.AutosaveEvery != 3 {
		t.Errorf("autosave_every = %d, want 3", cfg.Workbook.AutosaveEvery)
	}
	if cfg.ProxyURL != "http://proxy.local:3128" {
		t.Errorf("proxy url = %q", cfg.ProxyURL)
	}
}

func TestCloneIsolatesSelectors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Selectors.Cards = []string{"li"}
	cp := cfg.Clone()
	cp.Selectors.Cards[0] = "div"
	if cfg.Selectors.Cards[0] != "li" {
		t.Error("clone shares selector slice")
	}
}

func TestAcceptLanguage(t *testing.T) {
	tests := map[string]string{
		"ko-KR": "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7",
		"ja":    "ja,en;q=0.8",
		"":      "en-US,en;q=0.9",
	}
	for lang, want := range tests {
		if got := (BrowserConfig{Language: lang}).AcceptLanguage(); got != want {
			t.Errorf("AcceptLanguage(%q) = %q, want %q", lang, got, want)
		}
	}
}
