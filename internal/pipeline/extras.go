package pipeline

import (
	"regexp"
	"strings"

	"github.com/IshaanNene/storecrawl/internal/types"
)

var (
	wonAmountRE = regexp.MustCompile(`(\d[\d,]*)\s*원`)
	ratingRE    = regexp.MustCompile(`\d+(?:\.\d+)?`)
	imageExtRE  = regexp.MustCompile(`(?i)\.(?:jpe?g|png|gif|bmp|webp)$`)
)

// CardExtras normalizes the mirror-only card fields: sale price, shipping
// fee and review count become digits, the rating a decimal, and the gallery
// keeps distinct image URLs.
type CardExtras struct{}

func (m *CardExtras) Name() string { return "card_extras" }

func (m *CardExtras) Process(item *types.Item) (*types.Item, error) {
	item.SalePrice = Digits(item.SalePrice)
	item.ShippingFee = ShippingFee(item.ShippingFee)
	item.ReviewCount = Digits(item.ReviewCount)
	item.Rating = ratingRE.FindString(item.Rating)
	item.ImageURLs = Gallery(item.ImageURLs)
	return item, nil
}

// Digits keeps only the ASCII digits of s.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ShippingFee reads a shipping label. Free shipping is "0"; otherwise the
// first won amount, or all digits when no amount is marked.
func ShippingFee(label string) string {
	if label == "" {
		return ""
	}
	if strings.Contains(label, "무료") {
		return "0"
	}
	if m := wonAmountRE.FindStringSubmatch(label); m != nil {
		return strings.ReplaceAll(m[1], ",", "")
	}
	return Digits(label)
}

// Gallery drops URLs without an image extension and repeats, compared case
// insensitively. Size variants of one image are distinct URLs and are kept.
func Gallery(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(urls))
	var out []string
	for _, u := range urls {
		path, _, _ := strings.Cut(u, "?")
		if !imageExtRE.MatchString(path) {
			continue
		}
		key := strings.ToLower(u)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, u)
	}
	return out
}
