package extract

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

func loadPage(t *testing.T, name, url string) *types.LoadedPage {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatal(err)
	}
	return types.NewLoadedPage(url, url, string(data), 1, false)
}

func TestExtractSmartStore(t *testing.T) {
	url := "https://smartstore.naver.com/acme/category/ALL?page=1"
	run, err := New(DefaultTable(), testLogger).Begin(url)
	if err != nil {
		t.Fatal(err)
	}

	items, err := run.Extract(loadPage(t, "smartstore.html", url))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	// The third card's link differs by query string; the fourth has no title.
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}

	first := items[0]
	if first.Title != "울 머플러 그레이" {
		t.Errorf("title = %q", first.Title)
	}
	if first.PriceRaw != "12340" || first.PriceNum == nil || *first.PriceNum != 12340 {
		t.Errorf("price = %q / %v", first.PriceRaw, first.PriceNum)
	}
	if first.Link != "https://smartstore.naver.com/acme/products/1001" {
		t.Errorf("link = %q", first.Link)
	}
	if first.ImageURL != "https://shop-phinf.pstatic.net/1001.jpg" {
		t.Errorf("image = %q", first.ImageURL)
	}
	if first.ProductID != "1001" || first.MarketKey != "smartstore_naver_com_acme_category_ALL" {
		t.Errorf("product id %q, market key %q", first.ProductID, first.MarketKey)
	}

	second := items[1]
	if second.PriceRaw != "25000" {
		t.Errorf("numeric json price = %q", second.PriceRaw)
	}
	if second.ImageURL != "https://shop-phinf.pstatic.net/1002.png" {
		t.Errorf("lazy image = %q", second.ImageURL)
	}
	if second.ProductID != "1002" {
		t.Errorf("product id from link = %q", second.ProductID)
	}

	if first.SalePrice != "9900" || first.ShippingFee != "3000" || first.ReviewCount != "1234" || first.Rating != "4.8" {
		t.Errorf("extras: sale %q shipping %q reviews %q rating %q",
			first.SalePrice, first.ShippingFee, first.ReviewCount, first.Rating)
	}
	wantGallery := []string{
		"https://shop-phinf.pstatic.net/1001.jpg",
		"https://shop-phinf.pstatic.net/1001_2.jpg?type=f300",
		"https://shop-phinf.pstatic.net/1001_3.png",
	}
	if strings.Join(first.ImageURLs, " ") != strings.Join(wantGallery, " ") {
		t.Errorf("gallery = %v", first.ImageURLs)
	}
	if second.ShippingFee != "0" || second.SalePrice != "" {
		t.Errorf("second extras: shipping %q sale %q", second.ShippingFee, second.SalePrice)
	}

	for i, item := range items {
		if item.Rank != i+1 {
			t.Errorf("item %d has rank %d", i, item.Rank)
		}
	}
}

func TestExtractDedupAcrossPages(t *testing.T) {
	url := "https://smartstore.naver.com/acme/category/ALL?page=1"
	run, _ := New(DefaultTable(), testLogger).Begin(url)

	page := loadPage(t, "smartstore.html", url)
	first, _ := run.Extract(page)
	again, err := run.Extract(loadPage(t, "smartstore.html", url))
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("expected repeated page to yield no new items, got %d", len(again))
	}
	if run.Count() != len(first) {
		t.Errorf("Count = %d, want %d", run.Count(), len(first))
	}
}

func TestExtractGenericFallbacks(t *testing.T) {
	url := "https://other.example.com/shop/new"
	run, _ := New(DefaultTable(), testLogger).Begin(url)

	items, err := run.Extract(loadPage(t, "generic.html", url))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Title != "Linen Shirt" || items[0].PriceRaw != "39,000원" {
		t.Errorf("first = %q / %q", items[0].Title, items[0].PriceRaw)
	}
	if items[0].ImageURL != "https://cdn.example.com/77@1x.webp" {
		t.Errorf("srcset image = %q", items[0].ImageURL)
	}
	if items[1].PriceRaw != "가격 18,000원" || items[1].PriceNum == nil || *items[1].PriceNum != 18000 {
		t.Errorf("xpath price = %q", items[1].PriceRaw)
	}
	if items[1].ImageURL != "https://cdn.example.com/78.jpg" {
		t.Errorf("background image = %q", items[1].ImageURL)
	}
}

func TestExtractResolvesAgainstFinalURL(t *testing.T) {
	url := "https://smartstore.naver.com/acme/category/ALL?page=1"
	run, _ := New(DefaultTable(), testLogger).Begin(url)

	html := `<ul><li class="product_item"><a href="products/5"><span class="product_name">Cap</span></a></li></ul>`
	page := types.NewLoadedPage(url, "https://m.smartstore.naver.com/acme/", html, 1, false)
	items, err := run.Extract(page)
	if err != nil || len(items) != 1 {
		t.Fatalf("Extract = %d items, %v", len(items), err)
	}
	if items[0].Link != "https://m.smartstore.naver.com/acme/products/5" {
		t.Errorf("link = %q", items[0].Link)
	}
}

func TestExtractNoCards(t *testing.T) {
	url := "https://other.example.com/empty"
	run, _ := New(DefaultTable(), testLogger).Begin(url)
	items, err := run.Extract(types.NewLoadedPage(url, url, "<html><body><p>점검중</p></body></html>", 1, true))
	if err != nil || len(items) != 0 {
		t.Errorf("Extract = %d items, %v", len(items), err)
	}
}

func TestResolveTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.yaml")
	yaml := `
cards: ["div.goods"]
title:
  - css: ".goods-title"
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	table, err := ResolveTable(config.SelectorConfig{
		File:  path,
		Price: []config.Matcher{{CSS: ".amount"}},
	})
	if err != nil {
		t.Fatalf("ResolveTable: %v", err)
	}
	if table.Cards[0] != "div.goods" || table.Title[0].CSS != ".goods-title" || table.Price[0].CSS != ".amount" {
		t.Errorf("overrides not applied: %+v", table)
	}
	if len(table.Image) != len(DefaultTable().Image) {
		t.Error("unset fields should keep built-in matchers")
	}

	if _, err := ResolveTable(config.SelectorConfig{Title: []config.Matcher{{XPath: "//*["}}}); err == nil {
		t.Error("expected bad xpath to be rejected")
	}
}
