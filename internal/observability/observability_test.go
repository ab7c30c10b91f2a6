package observability

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/IshaanNene/storecrawl/internal/config"
)

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.IncURL("Done")
	m.AddItems(3)
	m.IncImage("downloaded")
	m.IncSave("ok")
	m.ObserveNavigate(1500*time.Millisecond, true)
	done := m.RunStarted()
	done()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`storecrawl_urls_total{state="Done"} 1`,
		"storecrawl_items_total 3",
		`storecrawl_images_total{result="downloaded"} 1`,
		"storecrawl_nav_timeouts_total 1",
		"storecrawl_runs_active 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncURL("Done")
	m.AddItems(1)
	m.IncDropped("require_title")
	m.IncImageRetry()
	m.RunStarted()()
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "crawl.log")
	logger, closer := NewLogger(config.LoggingConfig{Level: "info", Format: "json", File: path}, false)
	logger.Info("hello", "component", "test")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("unexpected log content: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != slog.LevelDebug || ParseLevel("WARN") != slog.LevelWarn || ParseLevel("") != slog.LevelInfo {
		t.Error("unexpected level mapping")
	}
}
