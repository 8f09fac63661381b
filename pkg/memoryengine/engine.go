// Package memoryengine is the composition root: it wires the Hybrid Store,
// Memory Manager, Retriever and Learning Engine into one handle and
// surfaces component G's introspection counters (spec.md §4.G).
package memoryengine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/kittclouds/memengine/internal/config"
	"github.com/kittclouds/memengine/internal/store"
	"github.com/kittclouds/memengine/pkg/embedding"
	"github.com/kittclouds/memengine/pkg/learning"
	"github.com/kittclouds/memengine/pkg/manager"
	"github.com/kittclouds/memengine/pkg/retriever"
)

// Engine bundles the four collaborators a caller needs: Manager for
// mutation, Retriever for queries, Learning for feedback, and the raw
// Store for introspection.
type Engine struct {
	Store    store.Store
	Manager  *manager.Manager
	Retriever *retriever.Retriever
	Learning *learning.Engine
}

// Option configures the Engine's shared logger at construction time.
type Option func(*options)

type options struct {
	log zerolog.Logger
}

// WithLogger attaches a structured logger shared by every collaborator;
// the default is a disabled (zerolog.Nop) logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New opens a Store from cfg and wires Manager, Retriever and Learning
// Engine around it. Callers own the returned Engine's lifetime and must
// call Close when done.
func New(cfg *config.Config, provider embedding.Provider, opts ...Option) (*Engine, error) {
	o := &options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}

	s, err := store.Open(store.Options{
		DSN:         cfg.Database.URL,
		TablePrefix: cfg.Database.TablePrefix,
		Dimension:   cfg.Vector.Dimension,
		VectorCap:   cfg.Cache.VectorCap,
		NodeCap:     cfg.Cache.NodeCap,
		EdgeCap:     cfg.Cache.EdgeCap,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		Store:     s,
		Manager:   manager.New(s, provider, cfg, manager.WithLogger(o.log)),
		Retriever: retriever.New(s, provider, cfg, retriever.WithLogger(o.log)),
		Learning:  learning.New(s, cfg, learning.WithLogger(o.log)),
	}, nil
}

// Close releases the underlying Store's resources.
func (e *Engine) Close() error {
	if closer, ok := e.Store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// EngineStats aggregates the Store's persistence/cache counters (spec.md
// §4.G); the Manager and Retriever have no counters of their own beyond
// what the Store already tracks.
type EngineStats struct {
	store.Stats
}

// Stats returns the engine's current introspection counters.
func (e *Engine) Stats(ctx context.Context) (EngineStats, error) {
	s, err := e.Store.Stats(ctx)
	if err != nil {
		return EngineStats{}, err
	}
	return EngineStats{Stats: s}, nil
}
