package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrCanceled      = errors.New("crawl has been canceled")
	ErrWaitTimeout   = errors.New("wait timed out")
	ErrTargetLocked  = errors.New("target file is held open by another process")
	ErrBrowserClosed = errors.New("browser session is closed")
	ErrWriterClosed  = errors.New("workbook writer is closed")
	ErrNoOpenMarket  = errors.New("no market is open for writing")
	ErrInvalidURL    = errors.New("invalid URL")
)

// DriverInitError reports that the browser could not be located or started.
// It is fatal for the run.
type DriverInitError struct {
	Bin string
	Err error
}

func (e *DriverInitError) Error() string {
	if e.Bin != "" {
		return fmt.Sprintf("browser init failed (bin=%s): %v", e.Bin, e.Err)
	}
	return fmt.Sprintf("browser init failed: %v", e.Err)
}

func (e *DriverInitError) Unwrap() error { return e.Err }

// WorkbookBusy reports that another invocation holds the workbook lock.
type WorkbookBusy struct {
	Path     string
	LockPath string
	PID      int
}

func (e *WorkbookBusy) Error() string {
	return fmt.Sprintf("workbook %s is busy (lock %s held by pid %d)", e.Path, e.LockPath, e.PID)
}

// ImageFetchError wraps errors that occur while downloading an image.
type ImageFetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
	Retryable  bool
}

func (e *ImageFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("image fetch %s (status %d, attempts %d): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("image fetch %s (attempts %d): %v", e.URL, e.Attempts, e.Err)
}

func (e *ImageFetchError) Unwrap() error { return e.Err }

func (e *ImageFetchError) IsRetryable() bool { return e.Retryable }

// SaveError wraps errors that occur while persisting the workbook.
type SaveError struct {
	Path string
	Err  error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %s: %v", e.Path, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// RowError reports a workbook row that could not be decoded.
type RowError struct {
	Cells []string
	Err   error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("bad workbook row %q: %v", e.Cells, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// WarningKind classifies non-fatal conditions reported in the run summary.
type WarningKind string

const (
	WarnNavTimeout     WarningKind = "NavTimeout"
	WarnExtractEmpty   WarningKind = "ExtractEmpty"
	WarnImageFetch     WarningKind = "ImageFetchError"
	WarnSaveRedirected WarningKind = "SaveRedirected"
	WarnMarketReplaced WarningKind = "MarketReplaced"
)

// Warning is a non-fatal event accumulated in the summary and the progress log.
type Warning struct {
	Kind      WarningKind `json:"kind"`
	URL       string      `json:"url,omitempty"`
	MarketKey string      `json:"market_key,omitempty"`
	Message   string      `json:"message"`
	At        time.Time   `json:"at"`
}

// NewWarning creates a Warning stamped with the current time.
func NewWarning(kind WarningKind, url, marketKey, msg string) Warning {
	return Warning{
		Kind:      kind,
		URL:       url,
		MarketKey: marketKey,
		Message:   msg,
		At:        time.Now(),
	}
}

func (w Warning) String() string {
	if w.URL != "" {
		return fmt.Sprintf("[%s] %s: %s", w.Kind, w.URL, w.Message)
	}
	return fmt.Sprintf("[%s] %s", w.Kind, w.Message)
}
