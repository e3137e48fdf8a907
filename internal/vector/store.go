package vector

import (
	"context"
	"errors"
	"sort"
)

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Record is one indexed chunk. Embedding is kept out of JSON so that
// persisted metadata stays small; vectors are stored separately.
type Record struct {
	ID          string            `json:"id"`
	DocID       string            `json:"doc_id"`
	Source      string            `json:"source"`
	Title       string            `json:"title"`
	Text        string            `json:"text"`
	ContentHash string            `json:"content_hash,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Embedding   []float32         `json:"-"`
}

type SearchResult struct {
	Record
	// Distance is the squared L2 distance between unit vectors.
	Distance float32 `json:"distance"`
	// Similarity is the cosine similarity recovered from Distance.
	Similarity float64 `json:"similarity"`
}

type SourceInfo struct {
	Source      string `json:"source"`
	ContentHash string `json:"content_hash"`
	Chunks      int    `json:"chunks"`
}

type Store interface {
	Add(ctx context.Context, records []Record) error
	Search(ctx context.Context, embedding []float32, k int) ([]SearchResult, error)
	HasSource(ctx context.Context, source string) (bool, error)
	DeleteBySource(ctx context.Context, source string) (int, error)
	Count(ctx context.Context) (int, error)
	Sources(ctx context.Context) ([]SourceInfo, error)
	Dimension() int
	Close() error
}

// Persister is implemented by stores that live in local files.
type Persister interface {
	Save(path string) error
	Load(path string) error
}

// SimilarityFromDistance converts a squared L2 distance between unit vectors
// into cosine similarity.
func SimilarityFromDistance(d float32) float64 {
	return 1 - float64(d)/2
}

// SummarizeSources groups records by source, keeping the first content hash seen.
func SummarizeSources(records []Record) []SourceInfo {
	idx := make(map[string]int)
	var out []SourceInfo
	for _, r := range records {
		i, ok := idx[r.Source]
		if !ok {
			i = len(out)
			idx[r.Source] = i
			out = append(out, SourceInfo{Source: r.Source, ContentHash: r.ContentHash})
		}
		out[i].Chunks++
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Source < out[b].Source })
	return out
}
