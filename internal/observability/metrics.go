package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the crawler.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry        *prometheus.Registry
	URLsTotal       *prometheus.CounterVec
	ItemsTotal      prometheus.Counter
	ItemsDropped    *prometheus.CounterVec
	ImagesTotal     *prometheus.CounterVec
	ImageRetries    prometheus.Counter
	SavesTotal      *prometheus.CounterVec
	NavTimeouts     prometheus.Counter
	NavigateSeconds prometheus.Histogram
	RunsActive      prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	urls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storecrawl_urls_total",
			Help: "Market URLs processed, by terminal state.",
		},
		[]string{"state"},
	)
	items := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storecrawl_items_total",
			Help: "Items appended to the workbook.",
		},
	)
	dropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storecrawl_items_dropped_total",
			Help: "Extracted cards dropped by the normalization pipeline.",
		},
		[]string{"middleware"},
	)
	images := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storecrawl_images_total",
			Help: "Image downloads by result.",
		},
		[]string{"result"},
	)
	imageRetries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storecrawl_image_retries_total",
			Help: "Image download retry attempts.",
		},
	)
	saves := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storecrawl_workbook_saves_total",
			Help: "Workbook saves by result.",
		},
		[]string{"result"},
	)
	navTimeouts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storecrawl_nav_timeouts_total",
			Help: "Page loads where no listing card appeared in time.",
		},
	)
	navSeconds := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storecrawl_navigate_duration_seconds",
			Help:    "Time from navigation start until cards appeared or the wait expired.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)
	runs := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storecrawl_runs_active",
			Help: "Crawler runs currently in progress.",
		},
	)

	registry.MustRegister(urls, items, dropped, images, imageRetries, saves, navTimeouts, navSeconds, runs)

	return &Metrics{
		Registry:        registry,
		URLsTotal:       urls,
		ItemsTotal:      items,
		ItemsDropped:    dropped,
		ImagesTotal:     images,
		ImageRetries:    imageRetries,
		SavesTotal:      saves,
		NavTimeouts:     navTimeouts,
		NavigateSeconds: navSeconds,
		RunsActive:      runs,
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// IncURL counts a market URL that reached a terminal state.
func (m *Metrics) IncURL(state string) {
	if m == nil {
		return
	}
	m.URLsTotal.WithLabelValues(state).Inc()
}

// AddItems counts items appended to the workbook.
func (m *Metrics) AddItems(n int) {
	if m == nil {
		return
	}
	m.ItemsTotal.Add(float64(n))
}

// IncDropped counts a card dropped by a pipeline middleware.
func (m *Metrics) IncDropped(middleware string) {
	if m == nil {
		return
	}
	m.ItemsDropped.WithLabelValues(middleware).Inc()
}

// IncImage counts an image download outcome: downloaded, skipped or failed.
func (m *Metrics) IncImage(result string) {
	if m == nil {
		return
	}
	m.ImagesTotal.WithLabelValues(result).Inc()
}

// IncImageRetry counts an image download retry.
func (m *Metrics) IncImageRetry() {
	if m == nil {
		return
	}
	m.ImageRetries.Inc()
}

// IncSave counts a workbook save outcome.
func (m *Metrics) IncSave(result string) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues(result).Inc()
}

// ObserveNavigate records navigation latency and whether it timed out.
func (m *Metrics) ObserveNavigate(d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.NavigateSeconds.Observe(d.Seconds())
	if timedOut {
		m.NavTimeouts.Inc()
	}
}

// RunStarted marks a run as active; the returned func marks it finished.
func (m *Metrics) RunStarted() func() {
	if m == nil {
		return func() {}
	}
	m.RunsActive.Inc()
	return m.RunsActive.Dec
}
