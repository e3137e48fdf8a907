package embedding

import (
	"context"

	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/pkg/utils"
)

// VectorCache is the subset of the redis cache used for embeddings.
type VectorCache interface {
	GetEmbeddings(ctx context.Context, model string, textHashes []string) ([][]float32, error)
	SetEmbedding(ctx context.Context, model, textHash string, embedding []float32) error
}

// CachedEmbedder serves repeated texts from the cache and embeds the misses
// in a single batch. Cache errors degrade to uncached embedding.
type CachedEmbedder struct {
	inner Embedder
	cache VectorCache
	log   *zap.Logger
}

func NewCachedEmbedder(inner Embedder, cache VectorCache, log *zap.Logger) *CachedEmbedder {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedEmbedder{inner: inner, cache: cache, log: log}
}

func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }
func (c *CachedEmbedder) Name() string   { return c.inner.Name() }

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	hashes := make([]string, len(texts))
	for i, t := range texts {
		hashes[i] = utils.HashString(t)
	}

	out, err := c.cache.GetEmbeddings(ctx, c.Name(), hashes)
	if err != nil {
		c.log.Warn("Embedding cache lookup failed", zap.Error(err))
		out = nil
	}
	if out == nil {
		out = make([][]float32, len(texts))
	}

	var (
		missing []string
		slots   []int
	)
	for i, v := range out {
		if len(v) != c.Dimension() {
			missing = append(missing, texts[i])
			slots = append(slots, i)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, slot := range slots {
		out[slot] = fresh[j]
		if err := c.cache.SetEmbedding(ctx, c.Name(), hashes[slot], fresh[j]); err != nil {
			c.log.Warn("Failed to cache embedding", zap.Error(err))
		}
	}
	return out, nil
}
