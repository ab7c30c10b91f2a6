package storecrawl

import (
	"context"
	"path/filepath"
	"testing"
)

func TestNewCrawlerOptions(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCrawler(WithOutput(dir), WithMaxPages(3), WithImages(false), WithHeadless(true))
	if err != nil {
		t.Fatal(err)
	}
	if c.cfg.Output.ExcelPath != filepath.Join(dir, "smartstore_items.xlsx") {
		t.Errorf("excel path = %q", c.cfg.Output.ExcelPath)
	}
	if c.cfg.Crawl.MaxPagesPerURL != 3 || c.cfg.Download.Enabled {
		t.Errorf("options not applied")
	}
}

func TestNewCrawlerRejectsInvalid(t *testing.T) {
	if _, err := NewCrawler(WithMaxPages(0)); err == nil {
		t.Error("expected a validation error")
	}
	if _, err := NewCrawler(WithWorkbook("items.csv")); err == nil {
		t.Error("expected an error for a non-xlsx workbook")
	}
}

func TestRunEmpty(t *testing.T) {
	c, err := NewCrawler(WithOutput(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	summary, err := c.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ItemsTotal != 0 {
		t.Errorf("items = %d", summary.ItemsTotal)
	}
	if got := c.Progress().State; got != "finished" {
		t.Errorf("progress state = %q", got)
	}
}
