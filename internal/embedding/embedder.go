package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/Fhyywen/shixun-qiu/internal/llm"
	"github.com/Fhyywen/shixun-qiu/internal/metrics"
	"github.com/Fhyywen/shixun-qiu/pkg/config"
)

const DefaultDimension = 384

// Embedder turns texts into fixed-size vectors. Implementations return one
// vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Name() string
}

// NewFromConfig picks the embedder for the configured provider. The openai
// provider needs a live llm client.
func NewFromConfig(cfg config.EmbeddingConfig, client *llm.Client) (Embedder, error) {
	switch cfg.Provider {
	case "", "hash":
		return NewHashEmbedder(cfg.Dimension), nil
	case "openai":
		if client == nil {
			return nil, fmt.Errorf("embedding provider openai requires an llm provider")
		}
		return NewOpenAIEmbedder(client, cfg.Model, cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// HashEmbedder is an offline embedder based on signed feature hashing.
// Latin words and CJK unigrams plus bigrams become features, so Chinese text
// without spaces still produces overlapping features for related passages.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }
func (h *HashEmbedder) Name() string   { return fmt.Sprintf("hash-%d", h.dim) }

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	metrics.EmbeddingRequests.WithLabelValues(h.Name()).Add(float64(len(texts)))
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dim)
	for _, feature := range Features(text) {
		hasher := fnv.New64a()
		_, _ = hasher.Write([]byte(feature))
		sum := hasher.Sum64()
		idx := int(sum % uint64(h.dim))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	Normalize(v)
	return v
}

// Features splits text into hashing features: lowercase runs of letters and
// digits, and for CJK runs every rune plus every adjacent pair.
func Features(text string) []string {
	var (
		features []string
		word     strings.Builder
		cjk      []rune
	)
	flushWord := func() {
		if word.Len() > 0 {
			features = append(features, word.String())
			word.Reset()
		}
	}
	flushCJK := func() {
		for i, r := range cjk {
			features = append(features, string(r))
			if i+1 < len(cjk) {
				features = append(features, string(cjk[i:i+2]))
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word.WriteRune(unicode.ToLower(r))
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return features
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}

// Normalize scales v to unit length in place. Zero vectors are left alone.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

// OpenAIEmbedder delegates to the llm client's embeddings endpoint.
type OpenAIEmbedder struct {
	client *llm.Client
	model  string
	dim    int
}

func NewOpenAIEmbedder(client *llm.Client, model string, dim int) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: client, model: model, dim: dim}
}

func (o *OpenAIEmbedder) Dimension() int { return o.dim }
func (o *OpenAIEmbedder) Name() string   { return o.model }

func (o *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := o.client.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i, v := range vectors {
		if len(v) != o.dim {
			return nil, fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(v), o.dim)
		}
		Normalize(v)
	}
	metrics.EmbeddingRequests.WithLabelValues(o.Name()).Add(float64(len(texts)))
	return vectors, nil
}
