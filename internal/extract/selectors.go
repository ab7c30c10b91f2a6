package extract

import (
	"fmt"
	"os"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"

	"github.com/IshaanNene/storecrawl/internal/config"
)

// ContentsAttr carries the SmartStore card detail as a JSON array of
// {key, value} pairs.
const ContentsAttr = "data-shp-contents-dtl"

// cardLI scopes a matcher to the list entry holding the card, which is the
// card itself on generic storefronts and its parent on SmartStore.
const cardLI = "./ancestor-or-self::li[1]"

// SelectorTable is the data that drives card and field extraction.
// Cards are tried in order and the first selector with any match wins;
// each field takes the first non-empty matcher result. Gallery instead
// collects every value of every matcher.
type SelectorTable struct {
	Cards []string         `yaml:"cards"`
	Title []config.Matcher `yaml:"title"`
	Price []config.Matcher `yaml:"price"`
	Image []config.Matcher `yaml:"image"`
	Link  []config.Matcher `yaml:"link"`

	SalePrice   []config.Matcher `yaml:"sale_price"`
	ShippingFee []config.Matcher `yaml:"shipping_fee"`
	Reviews     []config.Matcher `yaml:"reviews"`
	Rating      []config.Matcher `yaml:"rating"`
	Gallery     []config.Matcher `yaml:"gallery"`
}

// DefaultTable returns the built-in selectors for SmartStore listings with
// generic fallbacks for other storefronts.
func DefaultTable() SelectorTable {
	return SelectorTable{
		Cards: []string{
			"a.linkAnchor[" + ContentsAttr + "]",
			"a[" + ContentsAttr + "]",
			"li[class*=product]",
			"li[class*=item]",
			"div[class*=product_item]",
		},
		Title: []config.Matcher{
			{Attr: ContentsAttr, JSONKey: "chnl_prod_nm"},
			{CSS: "[class*=name]"},
			{CSS: "[class*=title]"},
			{XPath: "./self::a"},
			{CSS: "a"},
		},
		Price: []config.Matcher{
			{Attr: ContentsAttr, JSONKey: "price"},
			{CSS: "[class*=price]"},
			{CSS: "[class*=value]"},
			{CSS: "[class*=num]"},
			{XPath: `.//*[contains(text(),"원") and not(contains(text(),"배송"))]`},
			{XPath: `./ancestor::li[1]//*[contains(text(),"원") and not(contains(text(),"배송"))]`},
		},
		Image: []config.Matcher{
			{CSS: "img", Attr: "src"},
			{CSS: "img", Attr: "data-src"},
			{CSS: "img", Attr: "data-lazy-src"},
			{CSS: "img", Attr: "srcset"},
			{CSS: "[style*=background-image]", Attr: "style"},
			{XPath: "./ancestor::li[1]//img", Attr: "src"},
			{XPath: "./ancestor::li[1]//img", Attr: "data-src"},
		},
		Link: []config.Matcher{
			{Attr: "href"},
			{CSS: "a[href]", Attr: "href"},
			{XPath: "./ancestor::a[@href][1]", Attr: "href"},
		},
		SalePrice: []config.Matcher{
			{XPath: cardLI + `//*[contains(@class,"zIK_uvWc6D")]`},
			{CSS: "[class*=sale]"},
			{CSS: "[class*=discount]"},
		},
		ShippingFee: []config.Matcher{
			{XPath: cardLI + `//*[contains(text(),"무료배송")]`},
			{XPath: cardLI + `//div[contains(@class,"UVrxHKBc0E")]`},
			{XPath: cardLI + `//*[contains(text(),"배송")]`},
		},
		Reviews: []config.Matcher{
			{XPath: cardLI + `//*[contains(text(),"리뷰") or contains(@class,"GF9")]`},
		},
		Rating: []config.Matcher{
			{XPath: cardLI + `//*[contains(text(),"평점") or contains(text(),"★")]`},
		},
		Gallery: []config.Matcher{
			{CSS: "img", Attr: "src"},
			{CSS: "img", Attr: "data-src"},
			{CSS: "img", Attr: "data-lazy-src"},
			{CSS: "img", Attr: "srcset"},
			{CSS: "[style*=background-image]", Attr: "style"},
			{XPath: cardLI + `//*[contains(@class,"swiper-wrapper")]//img`, Attr: "src"},
			{XPath: cardLI + `//*[contains(@class,"swiper-wrapper")]//img`, Attr: "data-src"},
			{XPath: cardLI + `//*[contains(@style,"background-image")]`, Attr: "style"},
		},
	}
}

// LoadTable reads a selector table from a YAML file.
func LoadTable(path string) (SelectorTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SelectorTable{}, fmt.Errorf("read selector table: %w", err)
	}
	var t SelectorTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return SelectorTable{}, fmt.Errorf("parse selector table %s: %w", path, err)
	}
	return t, nil
}

// ResolveTable layers the selector file and inline overrides from cfg over
// the built-in table. A non-empty list replaces the list beneath it.
func ResolveTable(cfg config.SelectorConfig) (SelectorTable, error) {
	t := DefaultTable()
	if cfg.File != "" {
		fromFile, err := LoadTable(cfg.File)
		if err != nil {
			return SelectorTable{}, err
		}
		t = t.merge(fromFile)
	}
	t = t.merge(SelectorTable{
		Cards:       cfg.Cards,
		Title:       cfg.Title,
		Price:       cfg.Price,
		Image:       cfg.Image,
		Link:        cfg.Link,
		SalePrice:   cfg.SalePrice,
		ShippingFee: cfg.ShippingFee,
		Reviews:     cfg.Reviews,
		Rating:      cfg.Rating,
		Gallery:     cfg.Gallery,
	})
	if err := t.Validate(); err != nil {
		return SelectorTable{}, err
	}
	return t, nil
}

// Validate checks that the table has cards and that every XPath compiles.
func (t SelectorTable) Validate() error {
	if len(t.Cards) == 0 {
		return fmt.Errorf("selector table has no card selectors")
	}
	probe := &html.Node{Type: html.DocumentNode}
	for field, matchers := range map[string][]config.Matcher{
		"title": t.Title, "price": t.Price, "image": t.Image, "link": t.Link,
		"sale_price": t.SalePrice, "shipping_fee": t.ShippingFee,
		"reviews": t.Reviews, "rating": t.Rating, "gallery": t.Gallery,
	} {
		for _, m := range matchers {
			if m.XPath == "" {
				continue
			}
			if _, err := htmlquery.QueryAll(probe, m.XPath); err != nil {
				return fmt.Errorf("selector table %s: bad xpath %q: %w", field, m.XPath, err)
			}
		}
	}
	return nil
}

func (t SelectorTable) merge(o SelectorTable) SelectorTable {
	if len(o.Cards) > 0 {
		t.Cards = o.Cards
	}
	if len(o.Title) > 0 {
		t.Title = o.Title
	}
	if len(o.Price) > 0 {
		t.Price = o.Price
	}
	if len(o.Image) > 0 {
		t.Image = o.Image
	}
	if len(o.Link) > 0 {
		t.Link = o.Link
	}
	if len(o.SalePrice) > 0 {
		t.SalePrice = o.SalePrice
	}
	if len(o.ShippingFee) > 0 {
		t.ShippingFee = o.ShippingFee
	}
	if len(o.Reviews) > 0 {
		t.Reviews = o.Reviews
	}
	if len(o.Rating) > 0 {
		t.Rating = o.Rating
	}
	if len(o.Gallery) > 0 {
		t.Gallery = o.Gallery
	}
	return t
}
