package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/IshaanNene/storecrawl/internal/types"
)

// JSONLSink appends committed markets as newline-delimited JSON, one item
// per line. A rerun of a market appends a new block; readers keep the last
// block per market_key.
type JSONLSink struct {
	path   string
	file   *os.File
	enc    *json.Encoder
	mu     sync.Mutex
	count  int
	logger *slog.Logger
}

// NewJSONLSink opens path for appending.
func NewJSONLSink(path string, logger *slog.Logger) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mirror file: %w", err)
	}

	return &JSONLSink{
		path:   path,
		file:   f,
		enc:    json.NewEncoder(f),
		logger: logger.With("component", "jsonl_mirror"),
	}, nil
}

func (s *JSONLSink) Name() string { return "jsonl" }

func (s *JSONLSink) StoreMarket(ctx context.Context, marketKey string, items []*types.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.enc.Encode(item); err != nil {
			return fmt.Errorf("encode JSONL: %w", err)
		}
		s.count++
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync mirror file: %w", err)
	}
	s.logger.Debug("market mirrored", "market", marketKey, "items", len(items))
	return nil
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("JSONL mirror closed", "path", s.path, "items", s.count)
	return s.file.Close()
}
