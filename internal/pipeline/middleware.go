package pipeline

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/IshaanNene/storecrawl/internal/types"
)

// CollapseWhitespace collapses runs of whitespace in the title and price.
type CollapseWhitespace struct{}

func (m *CollapseWhitespace) Name() string { return "collapse_whitespace" }

func (m *CollapseWhitespace) Process(item *types.Item) (*types.Item, error) {
	item.Title = Collapse(item.Title)
	item.PriceRaw = Collapse(item.PriceRaw)
	return item, nil
}

// Collapse trims s and replaces interior whitespace runs with one space.
func Collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ResolveLinks makes link and image URLs absolute against the market origin.
// Values that do not resolve to http(s) are cleared.
type ResolveLinks struct {
	mu   sync.RWMutex
	base *url.URL
}

// NewResolveLinks creates the resolver for a market URL.
func NewResolveLinks(base string) (*ResolveLinks, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base %q: %w", base, err)
	}
	return &ResolveLinks{base: u}, nil
}

// Rebase switches the base to the URL of the page being extracted, e.g.
// after a redirect. Only absolute http(s) URLs are accepted.
func (m *ResolveLinks) Rebase(base string) error {
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("parse base %q: %w", base, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base %q is not an absolute http(s) URL", base)
	}
	m.mu.Lock()
	m.base = u
	m.mu.Unlock()
	return nil
}

func (m *ResolveLinks) Name() string { return "resolve_links" }

func (m *ResolveLinks) Process(item *types.Item) (*types.Item, error) {
	m.mu.RLock()
	base := m.base
	m.mu.RUnlock()

	item.Link = resolveRef(base, item.Link)
	item.ImageURL = resolveRef(base, item.ImageURL)
	if len(item.ImageURLs) > 0 {
		gallery := item.ImageURLs[:0]
		for _, ref := range item.ImageURLs {
			if abs := resolveRef(base, ref); abs != "" {
				gallery = append(gallery, abs)
			}
		}
		item.ImageURLs = gallery
	}
	return item, nil
}

func resolveRef(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

// PriceParser fills PriceNum from the digits of PriceRaw.
type PriceParser struct{}

func (m *PriceParser) Name() string { return "parse_price" }

func (m *PriceParser) Process(item *types.Item) (*types.Item, error) {
	item.PriceNum = nil
	if n, ok := ParsePrice(item.PriceRaw); ok {
		item.PriceNum = &n
	}
	return item, nil
}

// RequireTitle drops items without a title. Cards lacking both title and
// link fall under this too.
type RequireTitle struct{}

func (m *RequireTitle) Name() string { return "require_title" }

func (m *RequireTitle) Process(item *types.Item) (*types.Item, error) {
	if item.Title == "" {
		return nil, nil
	}
	return item, nil
}

// LinkDedup drops items whose canonical link was already emitted in this
// run. Items without a link pass through.
type LinkDedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewLinkDedup creates an empty dedupe set for one market run.
func NewLinkDedup() *LinkDedup {
	return &LinkDedup{seen: make(map[string]struct{})}
}

func (m *LinkDedup) Name() string { return "link_dedup" }

func (m *LinkDedup) Process(item *types.Item) (*types.Item, error) {
	if item.Link == "" {
		return item, nil
	}
	key := CanonicalizeURL(item.Link)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.seen[key]; exists {
		return nil, nil
	}
	m.seen[key] = struct{}{}
	return item, nil
}

// Seen returns the number of distinct links emitted so far.
func (m *LinkDedup) Seen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

var productPathRE = regexp.MustCompile(`/products/(\d+)`)

// ProductID fills ProductID from the link when the card carried none:
// the /products/<n> number, else the first 10 hex digits of the link's MD5.
type ProductID struct{}

func (m *ProductID) Name() string { return "product_id" }

func (m *ProductID) Process(item *types.Item) (*types.Item, error) {
	if item.ProductID != "" || item.Link == "" {
		return item, nil
	}
	if match := productPathRE.FindStringSubmatch(item.Link); match != nil {
		item.ProductID = match[1]
		return item, nil
	}
	sum := md5.Sum([]byte(item.Link))
	item.ProductID = hex.EncodeToString(sum[:])[:10]
	return item, nil
}
