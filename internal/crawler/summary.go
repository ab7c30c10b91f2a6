package crawler

import (
	"github.com/IshaanNene/storecrawl/internal/progress"
	"github.com/IshaanNene/storecrawl/internal/types"
)

// MarketResult is the outcome of one input URL.
type MarketResult struct {
	URL       string            `json:"url"`
	MarketKey string            `json:"market_key"`
	State     progress.URLState `json:"state"`
	Items     int               `json:"items"`
	TimedOut  bool              `json:"timed_out,omitempty"`
	Error     string            `json:"error,omitempty"`

	// Replaced counts rows of an earlier URL with the same market key that
	// this URL's rows replaced.
	Replaced int `json:"replaced,omitempty"`
}

// Summary is returned by Run.
type Summary struct {
	RunID      string          `json:"run_id"`
	URLsTotal  int             `json:"urls_total"`
	URLsOK     int             `json:"urls_ok"`
	ItemsTotal int             `json:"items_total"`
	DurationS  float64         `json:"duration_s"`
	ExcelPath  string          `json:"excel_path"`
	ImageRoot  string          `json:"image_root"`
	Redirected bool            `json:"redirected,omitempty"`
	Canceled   bool            `json:"canceled,omitempty"`
	Warnings   []types.Warning `json:"warnings"`
	Markets    []MarketResult  `json:"markets"`
}

// WarningsOf returns the warnings of one kind.
func (s *Summary) WarningsOf(kind types.WarningKind) []types.Warning {
	var out []types.Warning
	for _, w := range s.Warnings {
		if w.Kind == kind {
			out = append(out, w)
		}
	}
	return out
}
