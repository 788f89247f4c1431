package devicemodel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Logger defines the logging interface used by the Resolver.
// This allows the resolver to work with any logging implementation.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Resolver defaults.
const (
	DefaultCacheSize = 128
	DefaultMaxDepth  = 8
)

// ResolverConfig sizes the resolver.
type ResolverConfig struct {
	// CacheSize is the maximum number of resolved graphs kept in memory.
	CacheSize int

	// MaxDepth bounds how many levels of component and extends
	// dependencies are followed.
	MaxDepth int
}

// Stats reports resolver cache activity.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Fetches int64 `json:"fetches"`
	Cached  int   `json:"cached"`
}

// Resolver turns model IDs into parsed Graphs.
//
// Resolved graphs are held in a bounded LRU cache shared by all callers.
// Concurrent misses for the same ID are collapsed into a single fetch.
//
// Thread Safety: All methods are safe for concurrent use.
type Resolver struct {
	fetcher  Fetcher
	cache    *lru.Cache[string, *Graph]
	group    singleflight.Group
	maxDepth int
	logger   Logger

	hits    atomic.Int64
	misses  atomic.Int64
	fetches atomic.Int64
}

// NewResolver creates a resolver that reads documents through fetcher.
//
// Parameters:
//   - fetcher: Document source, usually the Chain from NewSources
//   - cfg: Cache and dependency bounds; zero values select defaults
//
// Returns:
//   - *Resolver: Ready to use
//   - error: If the cache cannot be created
func NewResolver(fetcher Fetcher, cfg ResolverConfig) (*Resolver, error) {
	if fetcher == nil {
		return nil, errors.New("devicemodel: nil fetcher")
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	depth := cfg.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	cache, err := lru.New[string, *Graph](size)
	if err != nil {
		return nil, fmt.Errorf("devicemodel: creating cache: %w", err)
	}
	return &Resolver{
		fetcher:  fetcher,
		cache:    cache,
		maxDepth: depth,
		logger:   noopLogger{},
	}, nil
}

// SetLogger sets the logger for the resolver.
func (r *Resolver) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Resolve returns the graph for id, fetching and parsing it on a cache miss.
//
// Returns:
//   - ErrNoModel when id is empty (nothing is fetched)
//   - an error wrapping ErrInvalidModelID when id is not a DTMI
//   - *FetchError when a document cannot be retrieved
//   - *ParseError when a document is not valid DTDL
//   - ctx.Err() when ctx ends first; the fetch carries on for other callers
func (r *Resolver) Resolve(ctx context.Context, id string) (*Graph, error) {
	if id == "" {
		return nil, ErrNoModel
	}
	if !IsValidDTMI(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModelID, id)
	}

	if g, ok := r.cache.Get(id); ok {
		r.hits.Add(1)
		return g, nil
	}
	r.misses.Add(1)

	// The shared load must not die with whichever caller started it.
	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(id, func() (any, error) {
		if g, ok := r.cache.Get(id); ok {
			return g, nil
		}
		g, err := r.load(loadCtx, id)
		if err != nil {
			return nil, err
		}
		r.cache.Add(id, g)
		r.logger.Debug("model resolved", "model_id", id, "entities", g.Len())
		return g, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Graph), nil //nolint:forcetypeassert // only *Graph is stored
	}
}

// TryResolve is Resolve for callers that degrade gracefully: every failure
// is logged and reported as a nil graph.
func (r *Resolver) TryResolve(ctx context.Context, id string) *Graph {
	if r == nil {
		return nil
	}
	g, err := r.Resolve(ctx, id)
	switch {
	case err == nil:
		return g
	case errors.Is(err, ErrNoModel):
		r.logger.Debug("device has no model id")
	default:
		r.logger.Error("model resolution failed", "model_id", id, "error", err)
	}
	return nil
}

// load fetches the root document and its dependencies level by level and
// parses them into one graph.
func (r *Resolver) load(ctx context.Context, id string) (*Graph, error) {
	p := newParser()
	pending := []string{id}

	for depth := 0; len(pending) > 0; depth++ {
		if depth > r.maxDepth {
			return nil, &ParseError{ModelID: id, Err: ErrDependencyDepth}
		}
		for _, dep := range pending {
			if p.interfaces[dep] {
				continue
			}
			r.fetches.Add(1)
			data, err := r.fetcher.Fetch(ctx, dep)
			if err != nil {
				var fe *FetchError
				if !errors.As(err, &fe) {
					err = &FetchError{ModelID: dep, Source: "resolver", Err: err}
				}
				return nil, err
			}
			if err := p.addDocument(dep, data); err != nil {
				return nil, err
			}
			if !p.interfaces[dep] {
				return nil, &ParseError{ModelID: dep, Err: errors.New("document does not define the requested interface")}
			}
		}
		pending = p.missing()
	}

	return p.graph(id)
}

// Stats returns a snapshot of cache activity.
func (r *Resolver) Stats() Stats {
	return Stats{
		Hits:    r.hits.Load(),
		Misses:  r.misses.Load(),
		Fetches: r.fetches.Load(),
		Cached:  r.cache.Len(),
	}
}

// Purge empties the cache. Graphs already handed out stay valid.
func (r *Resolver) Purge() {
	r.cache.Purge()
}
