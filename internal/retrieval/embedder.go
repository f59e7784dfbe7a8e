package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/esltutor/internal/apperr"
	"github.com/kalambet/esltutor/internal/engine"
)

const defaultConcurrency = 4

// Embedder wraps an Engine to generate text embeddings. Vectors are checked
// for shape before they are returned: every vector has the same dimension
// and no NaN or Inf components.
type Embedder struct {
	engine      engine.Engine
	model       string
	cache       *Cache
	limiter     *rate.Limiter
	concurrency int
	dims        int
	logger      *slog.Logger
}

// EmbedderOption configures an Embedder.
type EmbedderOption func(*Embedder)

// WithCache enables the persistent embedding cache.
func WithCache(c *Cache) EmbedderOption {
	return func(e *Embedder) { e.cache = c }
}

// WithRateLimit bounds engine calls per second. Zero or negative disables it.
func WithRateLimit(perSecond float64) EmbedderOption {
	return func(e *Embedder) {
		if perSecond > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithConcurrency sets the batch worker count.
func WithConcurrency(n int) EmbedderOption {
	return func(e *Embedder) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithDimensions pins the expected vector size. Without it the first vector
// produced fixes the dimension.
func WithDimensions(n int) EmbedderOption {
	return func(e *Embedder) { e.dims = n }
}

// WithLogger sets the logger for cache warnings.
func WithLogger(l *slog.Logger) EmbedderOption {
	return func(e *Embedder) { e.logger = l }
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string, opts ...EmbedderOption) *Embedder {
	em := &Embedder{
		engine:      e,
		model:       model,
		concurrency: defaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(em)
	}
	return em
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Dimensions returns the pinned vector size, or 0 when it is not pinned.
func (e *Embedder) Dimensions() int { return e.dims }

// Fresh reports whether a stored entry was embedded by this embedder and
// still matches fingerprint.
func (e *Embedder) Fresh(entry Entry, fingerprint string) bool {
	return entry.Fingerprint == fingerprint && entry.Model == e.model &&
		(e.dims == 0 || len(entry.Embedding) == e.dims)
}

// Embed returns the embedding vector for a single text. Failures are
// reported as EmbeddingFailure unless the cause is a transport error, whose
// kind is preserved.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.cache != nil {
		if vec, ok := e.cache.Get(e.model, text); ok && (e.dims == 0 || len(vec) == e.dims) {
			return vec, nil
		}
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, apperr.New(apperr.KindTransportTimeout, "", fmt.Errorf("waiting for rate limit: %w", err))
		}
	}

	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		if apperr.IsTransient(err) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("embedding text: %w", err)
		}
		return nil, apperr.New(apperr.KindEmbeddingFailure, "", fmt.Errorf("embedding text: %w", err))
	}
	if err := e.check(vec); err != nil {
		return nil, apperr.New(apperr.KindEmbeddingFailure, "", err)
	}

	if e.cache != nil {
		if err := e.cache.Put(e.model, text, vec); err != nil {
			e.logger.Warn("caching embedding failed", "error", err)
		}
	}
	return vec, nil
}

func (e *Embedder) check(vec []float32) error {
	if len(vec) == 0 {
		return errors.New("engine returned an empty vector")
	}
	if e.dims != 0 && len(vec) != e.dims {
		return fmt.Errorf("vector has %d dimensions, want %d", len(vec), e.dims)
	}
	for _, f := range vec {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return errors.New("vector contains NaN or Inf")
		}
	}
	return nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Results are in input order. Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := sameDims(results); err != nil {
		return nil, apperr.New(apperr.KindEmbeddingFailure, "", err)
	}
	return results, nil
}

func sameDims(vecs [][]float32) error {
	for i := 1; i < len(vecs); i++ {
		if len(vecs[i]) != len(vecs[0]) {
			return fmt.Errorf("text %d embedded with %d dimensions, text 0 with %d", i, len(vecs[i]), len(vecs[0]))
		}
	}
	return nil
}
