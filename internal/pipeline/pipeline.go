package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/IshaanNene/storecrawl/internal/types"
)

// Middleware processes an item and returns the (possibly modified) item.
// Return nil to drop the item from the pipeline.
type Middleware interface {
	// Name returns the middleware's identifier.
	Name() string

	// Process transforms an item. Return nil to drop the item.
	Process(item *types.Item) (*types.Item, error)
}

// StageError wraps an error raised by a middleware.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline chains middleware processors together.
type Pipeline struct {
	middlewares []Middleware
	onDrop      func(stage string)
	logger      *slog.Logger
}

// New creates a new Pipeline.
func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{
		onDrop: func(string) {},
		logger: logger.With("component", "pipeline"),
	}
}

// Use adds a middleware to the pipeline chain.
func (p *Pipeline) Use(mw Middleware) {
	p.middlewares = append(p.middlewares, mw)
	p.logger.Debug("middleware added", "name", mw.Name(), "position", len(p.middlewares))
}

// OnDrop registers a callback invoked with the stage name of every dropped item.
func (p *Pipeline) OnDrop(fn func(stage string)) {
	p.onDrop = fn
}

// Process runs the item through all middleware in order.
func (p *Pipeline) Process(item *types.Item) (*types.Item, error) {
	current := item

	for _, mw := range p.middlewares {
		result, err := mw.Process(current)
		if err != nil {
			return nil, &StageError{Stage: mw.Name(), Err: err}
		}
		if result == nil {
			p.logger.Debug("item dropped", "stage", mw.Name(), "title", current.Title, "link", current.Link)
			p.onDrop(mw.Name())
			return nil, nil
		}
		current = result
	}

	return current, nil
}

// Len returns the number of middleware in the chain.
func (p *Pipeline) Len() int {
	return len(p.middlewares)
}

// Standard returns the normalization chain applied to every extracted card:
// whitespace, link resolution against base, price parsing, title
// requirement, per-run link dedupe, product id derivation and the
// mirror-only extras.
func Standard(logger *slog.Logger, base string) (*Pipeline, error) {
	resolve, err := NewResolveLinks(base)
	if err != nil {
		return nil, err
	}
	return StandardWith(logger, resolve), nil
}

// StandardWith is Standard with a caller-owned resolver, so the caller can
// rebase it per page.
func StandardWith(logger *slog.Logger, resolve *ResolveLinks) *Pipeline {
	p := New(logger)
	p.Use(&CollapseWhitespace{})
	p.Use(resolve)
	p.Use(&PriceParser{})
	p.Use(&RequireTitle{})
	p.Use(NewLinkDedup())
	p.Use(&ProductID{})
	p.Use(&CardExtras{})
	return p
}
