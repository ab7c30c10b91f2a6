package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/IshaanNene/storecrawl/internal/types"
)

// MongoSink mirrors committed markets into a MongoDB collection. Each
// market is replaced with one ordered bulk write.
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
	mu         sync.Mutex
	count      int
	logger     *slog.Logger
}

// NewMongoSink connects and pings the server.
func NewMongoSink(ctx context.Context, uri, database, collection string, logger *slog.Logger) (*MongoSink, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	return &MongoSink{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger.With("component", "mongo_mirror"),
	}, nil
}

func (s *MongoSink) Name() string { return "mongodb" }

func (s *MongoSink) StoreMarket(ctx context.Context, marketKey string, items []*types.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	models := marketModels(marketKey, items)
	if _, err := s.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true)); err != nil {
		return fmt.Errorf("mongodb bulk write: %w", err)
	}

	s.count += len(items)
	s.logger.Debug("market mirrored", "market", marketKey, "items", len(items), "total", s.count)
	return nil
}

// marketModels deletes the market's previous documents and inserts items.
func marketModels(marketKey string, items []*types.Item) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(items)+1)
	models = append(models, mongo.NewDeleteManyModel().SetFilter(bson.M{"market_key": marketKey}))
	for _, item := range items {
		models = append(models, mongo.NewInsertOneModel().SetDocument(item))
	}
	return models
}

func (s *MongoSink) Close() error {
	s.logger.Info("mongodb mirror closing", "total_items", s.count)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
