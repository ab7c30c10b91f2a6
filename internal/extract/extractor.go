package extract

import (
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	xhtml "golang.org/x/net/html"

	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/observability"
	"github.com/IshaanNene/storecrawl/internal/pipeline"
	"github.com/IshaanNene/storecrawl/internal/types"
)

// productIDKeys are the card detail keys that may carry the store product number.
var productIDKeys = []string{"chnl_prod_no", "chnl_prod_id", "productNo", "chnlPordNo"}

// Extractor turns rendered listing pages into items using a selector table.
type Extractor struct {
	table   SelectorTable
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMetrics counts items dropped by the normalization pipeline.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// New creates an extractor for table.
func New(table SelectorTable, logger *slog.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		table:  table,
		logger: logger.With("component", "extractor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Table returns the selector table in use.
func (e *Extractor) Table() SelectorTable {
	return e.table
}

// Run extracts the items of one market. Ranks are assigned contiguously
// from 1 and links are deduplicated across all pages of the run.
type Run struct {
	ext       *Extractor
	marketURL string
	marketKey string
	resolve   *pipeline.ResolveLinks
	pipe      *pipeline.Pipeline
	rank      int
}

// Begin starts a market run for marketURL.
func (e *Extractor) Begin(marketURL string) (*Run, error) {
	key, err := types.MarketKey(marketURL)
	if err != nil {
		return nil, err
	}
	resolve, err := pipeline.NewResolveLinks(marketURL)
	if err != nil {
		return nil, err
	}
	pipe := pipeline.StandardWith(e.logger, resolve)
	pipe.OnDrop(e.metrics.IncDropped)
	return &Run{ext: e, marketURL: marketURL, marketKey: key, resolve: resolve, pipe: pipe}, nil
}

// MarketKey returns the key the run's items are stored under.
func (r *Run) MarketKey() string { return r.marketKey }

// Count returns the number of items emitted so far.
func (r *Run) Count() int { return r.rank }

// Extract returns the new items on page, in document order.
func (r *Run) Extract(page *types.LoadedPage) ([]*types.Item, error) {
	doc, err := page.Document()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", page.URL, err)
	}
	// relative links resolve against where the browser ended up
	if err := r.resolve.Rebase(page.BaseURL()); err != nil {
		r.ext.logger.Debug("keeping previous base", "url", page.BaseURL(), "error", err)
	}

	cards, selector := r.ext.findCards(doc)
	if cards == nil {
		r.ext.logger.Debug("no cards on page", "url", page.URL, "page", page.PageNum)
		return nil, nil
	}

	var items []*types.Item
	var extractErr error
	cards.EachWithBreak(func(_ int, card *goquery.Selection) bool {
		item := r.ext.cardItem(card, r.marketKey)
		out, err := r.pipe.Process(item)
		if err != nil {
			extractErr = err
			return false
		}
		if out == nil {
			return true
		}
		r.rank++
		out.Rank = r.rank
		items = append(items, out)
		return true
	})
	if extractErr != nil {
		return items, extractErr
	}

	r.ext.logger.Debug("page extracted",
		"url", page.URL,
		"page", page.PageNum,
		"selector", selector,
		"cards", cards.Length(),
		"items", len(items),
	)
	return items, nil
}

func (e *Extractor) findCards(doc *goquery.Document) (*goquery.Selection, string) {
	for _, sel := range e.table.Cards {
		if found := doc.Find(sel); found.Length() > 0 {
			return found, sel
		}
	}
	return nil, ""
}

func (e *Extractor) cardItem(card *goquery.Selection, marketKey string) *types.Item {
	item := types.NewItem(marketKey)
	item.Title = e.field(card, e.table.Title)
	item.PriceRaw = e.field(card, e.table.Price)
	item.ImageURL = e.field(card, e.table.Image)
	item.Link = e.field(card, e.table.Link)
	item.SalePrice = e.field(card, e.table.SalePrice)
	item.ShippingFee = e.field(card, e.table.ShippingFee)
	item.ReviewCount = e.field(card, e.table.Reviews)
	item.Rating = e.field(card, e.table.Rating)
	item.ImageURLs = e.all(card, e.table.Gallery)

	if detail, ok := card.Attr(ContentsAttr); ok {
		for _, key := range productIDKeys {
			if id := jsonValue(detail, key); id != "" {
				item.ProductID = id
				break
			}
		}
	}
	return item
}

// field returns the first non-empty matcher result.
func (e *Extractor) field(card *goquery.Selection, matchers []config.Matcher) string {
	for _, m := range matchers {
		if v := e.match(card, m); v != "" {
			return v
		}
	}
	return ""
}

// all returns every non-empty value of every matcher, in matcher order.
func (e *Extractor) all(card *goquery.Selection, matchers []config.Matcher) []string {
	var out []string
	for _, m := range matchers {
		for _, n := range e.nodes(card, m) {
			if m.Attr == "srcset" {
				out = append(out, srcsetURLs(htmlquery.SelectAttr(n, m.Attr))...)
				continue
			}
			if v := nodeValue(n, m); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func (e *Extractor) match(card *goquery.Selection, m config.Matcher) string {
	for _, n := range e.nodes(card, m) {
		if v := nodeValue(n, m); v != "" {
			return v
		}
	}
	return ""
}

func (e *Extractor) nodes(card *goquery.Selection, m config.Matcher) []*xhtml.Node {
	switch {
	case m.XPath != "":
		found, err := htmlquery.QueryAll(card.Get(0), m.XPath)
		if err != nil {
			e.logger.Debug("xpath failed", "xpath", m.XPath, "error", err)
			return nil
		}
		return found
	case m.CSS != "":
		return card.Find(m.CSS).Nodes
	default:
		return card.Nodes[:1]
	}
}

func nodeValue(n *xhtml.Node, m config.Matcher) string {
	if m.Attr == "" {
		return pipeline.Collapse(htmlquery.InnerText(n))
	}

	raw := strings.TrimSpace(htmlquery.SelectAttr(n, m.Attr))
	if raw == "" {
		return ""
	}
	switch {
	case m.JSONKey != "":
		return jsonValue(raw, m.JSONKey)
	case m.Attr == "srcset":
		return firstSrcset(raw)
	case m.Attr == "style":
		return backgroundURL(raw)
	}
	return raw
}

// jsonValue looks up key in a card detail attribute. It accepts the
// [{"key":..,"value":..}] array form and a plain object.
func jsonValue(raw, key string) string {
	raw = html.UnescapeString(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}

	var pairs []struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal([]byte(raw), &pairs); err == nil {
		for _, p := range pairs {
			if p.Key == key {
				return scalar(p.Value)
			}
		}
		return ""
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return scalar(obj[key])
	}
	return ""
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// firstSrcset returns the URL of the first srcset candidate.
func firstSrcset(srcset string) string {
	first, _, _ := strings.Cut(srcset, ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// srcsetURLs returns the URL of every srcset candidate.
func srcsetURLs(srcset string) []string {
	var out []string
	for _, cand := range strings.Split(srcset, ",") {
		if fields := strings.Fields(cand); len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}

var backgroundRE = regexp.MustCompile(`url\((['"]?)(.+?)['"]?\)`)

// backgroundURL returns the url(...) of a background-image declaration.
func backgroundURL(style string) string {
	if !strings.Contains(style, "background-image") {
		return ""
	}
	m := backgroundRE.FindStringSubmatch(style)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[2])
}
