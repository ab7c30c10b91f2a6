package navigator

import (
	"net/url"
	"strconv"
)

// PageParam reports whether rawURL carries a "page" query parameter and the
// page number it starts from. Non-numeric or non-positive values start at 1.
func PageParam(rawURL string) (int, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, false
	}
	q := u.Query()
	if !q.Has("page") {
		return 0, false
	}
	n, err := strconv.Atoi(q.Get("page"))
	if err != nil || n < 1 {
		return 1, true
	}
	return n, true
}

// WithPage returns rawURL with its "page" parameter set to page. Other query
// parameters keep their values.
func WithPage(rawURL string, page int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
