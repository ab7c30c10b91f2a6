package types

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

const maxMarketKeyLen = 80

// MarketKey derives the stable identifier of a market from the URL host and path.
// Query and fragment do not participate, so every page of one listing shares a key.
func MarketKey(rawURL string) (string, error) {
	u, err := ParseMarketURL(rawURL)
	if err != nil {
		return "", err
	}

	parts := []string{strings.ToLower(u.Hostname())}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}

	var b strings.Builder
	for _, r := range strings.Join(parts, "_") {
		if isKeyRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	key := collapseUnderscores(b.String())
	if len(key) > maxMarketKeyLen {
		key = truncateRunes(key, maxMarketKeyLen)
		key = strings.TrimRight(key, "_")
	}
	if key == "" {
		key = "market"
	}
	return key, nil
}

// ParseMarketURL parses and validates an absolute http(s) market URL.
func ParseMarketURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

func isKeyRune(r rune) bool {
	switch {
	case r < unicode.MaxASCII:
		return r == '_' || r == '-' ||
			(r >= '0' && r <= '9') ||
			(r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z')
	default:
		return unicode.Is(unicode.Hangul, r)
	}
}

func collapseUnderscores(s string) string {
	var b strings.Builder
	prev := false
	for _, r := range s {
		if r == '_' {
			if prev {
				continue
			}
			prev = true
		} else {
			prev = false
		}
		b.WriteRune(r)
	}
	return strings.Trim(b.String(), "_")
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut]
}
