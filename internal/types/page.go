package types

import (
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// LoadedPage is the DOM snapshot of a listing page after navigation.
type LoadedPage struct {
	// URL is the URL that was requested.
	URL string

	// FinalURL is the URL the browser reported after navigation.
	FinalURL string

	// HTML is the serialized document at the time of capture.
	HTML string

	// PageNum is the 1-based pagination index within the market.
	PageNum int

	// TimedOut is set when no card selector appeared within the wait.
	TimedOut bool

	// FetchedAt is when the snapshot was taken.
	FetchedAt time.Time

	once sync.Once
	doc  *goquery.Document
	err  error
}

// NewLoadedPage creates a page snapshot.
func NewLoadedPage(url, finalURL, html string, pageNum int, timedOut bool) *LoadedPage {
	return &LoadedPage{
		URL:       url,
		FinalURL:  finalURL,
		HTML:      html,
		PageNum:   pageNum,
		TimedOut:  timedOut,
		FetchedAt: time.Now(),
	}
}

// Document returns the parsed goquery document, parsing it on first use.
func (p *LoadedPage) Document() (*goquery.Document, error) {
	p.once.Do(func() {
		p.doc, p.err = goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
	})
	return p.doc, p.err
}

// BaseURL returns the URL relative links on the page resolve against.
func (p *LoadedPage) BaseURL() string {
	if p.FinalURL != "" {
		return p.FinalURL
	}
	return p.URL
}
