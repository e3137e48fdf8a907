package keyword

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/Fhyywen/shixun-qiu/internal/vector"
)

const rrfK = 60 // reciprocal-rank-fusion constant

type document struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Index is an in-memory full text index over the same records as a vector
// store. Results reuse vector.SearchResult so callers can mix both kinds.
type Index struct {
	mu      sync.RWMutex
	bleve   bleve.Index
	records map[string]vector.Record
}

func New() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create keyword index: %w", err)
	}
	return &Index{bleve: idx, records: make(map[string]vector.Record)}, nil
}

func (x *Index) Add(records []vector.Record) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	batch := x.bleve.NewBatch()
	for _, r := range records {
		if err := batch.Index(r.ID, document{Title: r.Title, Text: r.Text}); err != nil {
			return fmt.Errorf("failed to index %s: %w", r.ID, err)
		}
		r.Embedding = nil
		x.records[r.ID] = r
	}
	if err := x.bleve.Batch(batch); err != nil {
		return fmt.Errorf("failed to apply keyword batch: %w", err)
	}
	return nil
}

func (x *Index) DeleteBySource(source string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	batch := x.bleve.NewBatch()
	for id, r := range x.records {
		if r.Source == source {
			batch.Delete(id)
			delete(x.records, id)
		}
	}
	return x.bleve.Batch(batch)
}

func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.records)
}

func (x *Index) Close() error {
	return x.bleve.Close()
}

var querySyntax = strings.NewReplacer(
	"+", " ", "-", " ", "=", " ", "&", " ", "|", " ", ">", " ", "<", " ",
	"!", " ", "(", " ", ")", " ", "{", " ", "}", " ", "[", " ", "]", " ",
	"^", " ", "\"", " ", "~", " ", "*", " ", "?", " ", ":", " ", "\\", " ", "/", " ",
)

// Search runs a BM25 query. Similarity is the score squashed into (0, 1) so
// keyword hits can share thresholds and confidence maths with vector hits.
func (x *Index) Search(q string, k int) ([]vector.SearchResult, error) {
	q = strings.Join(strings.Fields(querySyntax.Replace(q)), " ")
	if q == "" || k <= 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(q), k, 0, false)

	x.mu.RLock()
	defer x.mu.RUnlock()

	res, err := x.bleve.Search(req)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}

	out := make([]vector.SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r, ok := x.records[hit.ID]
		if !ok {
			continue
		}
		out = append(out, vector.SearchResult{
			Record:     r,
			Similarity: hit.Score / (hit.Score + 1),
		})
	}
	return out, nil
}

// FuseRRF merges ranked lists by reciprocal rank. Each record keeps the
// highest similarity it had in any list.
func FuseRRF(k int, lists ...[]vector.SearchResult) []vector.SearchResult {
	type agg struct {
		item  vector.SearchResult
		score float64
		first int
	}
	m := map[string]*agg{}
	seen := 0
	for _, list := range lists {
		for rank, h := range list {
			a, ok := m[h.ID]
			if !ok {
				a = &agg{item: h, first: seen}
				m[h.ID] = a
				seen++
			}
			if h.Similarity > a.item.Similarity {
				a.item = h
			}
			a.score += 1.0 / float64(rrfK+rank+1)
		}
	}

	items := make([]*agg, 0, len(m))
	for _, a := range m {
		items = append(items, a)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].first < items[j].first
	})

	if k > len(items) {
		k = len(items)
	}
	out := make([]vector.SearchResult, 0, k)
	for _, a := range items[:k] {
		out = append(out, a.item)
	}
	return out
}
