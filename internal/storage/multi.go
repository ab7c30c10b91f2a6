package storage

import (
	"context"
	"errors"
	"log/slog"

	"github.com/IshaanNene/storecrawl/internal/types"
)

// Multi fans a market out to several sinks.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti creates a sink that writes to every sink in order.
func NewMulti(sinks []Sink, logger *slog.Logger) *Multi {
	return &Multi{
		sinks:  sinks,
		logger: logger.With("component", "multi_mirror"),
	}
}

func (m *Multi) Name() string { return "multi" }

// StoreMarket writes to all sinks, even after one fails, and joins the errors.
func (m *Multi) StoreMarket(ctx context.Context, marketKey string, items []*types.Item) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.StoreMarket(ctx, marketKey, items); err != nil {
			m.logger.Error("mirror store failed", "sink", s.Name(), "market", marketKey, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
