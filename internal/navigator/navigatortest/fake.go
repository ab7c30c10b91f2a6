// Package navigatortest provides an in-memory navigator.Driver for tests.
package navigatortest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Page is one scripted document served by the fake driver.
type Page struct {
	// HTML is served after navigation.
	HTML string

	// Scrolls are the documents served after each successive scroll. The
	// last one keeps being served once they run out.
	Scrolls []string

	// Err is returned by Navigate.
	Err error

	// Panic makes Navigate panic with this value when non-nil.
	Panic any
}

// Driver is a scripted navigator.Driver. Unknown URLs serve an empty document.
type Driver struct {
	mu          sync.Mutex
	pages       map[string]*Page
	current     *Page
	currentURL  string
	html        string
	scrolls     int
	steps       []int
	navigations []string
	closed      bool
}

// New creates a fake driver serving pages keyed by URL.
func New(pages map[string]*Page) *Driver {
	if pages == nil {
		pages = make(map[string]*Page)
	}
	return &Driver{pages: pages}
}

// Set registers or replaces the page served for url.
func (d *Driver) Set(url string, p *Page) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages[url] = p
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("fake driver closed")
	}

	d.navigations = append(d.navigations, url)
	p, ok := d.pages[url]
	if !ok {
		p = &Page{HTML: "<html><body></body></html>"}
	}
	if p.Panic != nil {
		panic(p.Panic)
	}
	if p.Err != nil {
		return p.Err
	}
	d.current, d.currentURL, d.html, d.scrolls = p, url, p.HTML, 0
	return nil
}

func (d *Driver) WaitAny(ctx context.Context, selectors []string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, sel := range selectors {
		n, err := d.Count(sel)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (d *Driver) Count(selector string) (int, error) {
	d.mu.Lock()
	html := d.html
	d.mu.Unlock()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, fmt.Errorf("parse fake document: %w", err)
	}
	return doc.Find(selector).Length(), nil
}

func (d *Driver) ScrollBy(dy int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return errors.New("no page loaded")
	}
	d.steps = append(d.steps, dy)
	d.scrolls++
	if n := len(d.current.Scrolls); n > 0 {
		d.html = d.current.Scrolls[min(d.scrolls, n)-1]
	}
	return nil
}

func (d *Driver) HTML() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.html, nil
}

func (d *Driver) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentURL
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Navigations returns every URL passed to Navigate, in order.
func (d *Driver) Navigations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.navigations...)
}

// Scrolls returns the number of scrolls on the current page.
func (d *Driver) Scrolls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scrolls
}

// ScrollSteps returns the dy of every ScrollBy call since New.
func (d *Driver) ScrollSteps() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.steps...)
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
