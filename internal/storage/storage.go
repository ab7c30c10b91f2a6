// Package storage mirrors committed markets to secondary stores.
package storage

import (
	"context"
	"log/slog"

	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/types"
)

// Sink is a mirror of committed markets.
type Sink interface {
	// StoreMarket replaces what the sink holds for marketKey with items.
	StoreMarket(ctx context.Context, marketKey string, items []*types.Item) error

	// Close flushes pending writes and releases resources.
	Close() error

	// Name returns the sink identifier.
	Name() string
}

// FromConfig builds the sinks enabled in cfg. It returns nil when no mirror
// is configured.
func FromConfig(ctx context.Context, cfg config.MirrorConfig, logger *slog.Logger) (Sink, error) {
	var sinks []Sink
	if cfg.JSONLPath != "" {
		s, err := NewJSONLSink(cfg.JSONLPath, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.MongoURI != "" {
		s, err := NewMongoSink(ctx, cfg.MongoURI, cfg.Database, cfg.Collection, logger)
		if err != nil {
			for _, open := range sinks {
				open.Close()
			}
			return nil, err
		}
		sinks = append(sinks, s)
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return NewMulti(sinks, logger), nil
	}
}
