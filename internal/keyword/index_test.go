package keyword

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fhyywen/shixun-qiu/internal/vector"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	x, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = x.Close() })

	require.NoError(t, x.Add([]vector.Record{
		{ID: "1", Source: "a.txt", Title: "a", Text: "the quick brown fox jumps"},
		{ID: "2", Source: "b.txt", Title: "b", Text: "lazy dogs sleep all day"},
		{ID: "3", Source: "a.txt", Title: "a", Text: "a fox and a dog"},
	}))
	return x
}

func TestSearch(t *testing.T) {
	x := newTestIndex(t)

	got, err := x.Search("fox?", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Contains(t, r.Text, "fox")
		assert.Greater(t, r.Similarity, 0.0)
		assert.Less(t, r.Similarity, 1.0)
	}

	got, err = x.Search("  ()  ", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteBySource(t *testing.T) {
	x := newTestIndex(t)
	require.NoError(t, x.DeleteBySource("a.txt"))
	assert.Equal(t, 1, x.Count())

	got, err := x.Search("fox", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFuseRRF(t *testing.T) {
	r := func(id string, sim float64) vector.SearchResult {
		return vector.SearchResult{Record: vector.Record{ID: id}, Similarity: sim}
	}
	fused := FuseRRF(3,
		[]vector.SearchResult{r("a", 0.9), r("b", 0.8)},
		[]vector.SearchResult{r("b", 0.95), r("c", 0.4)},
	)
	require.Len(t, fused, 3)
	assert.Equal(t, "b", fused[0].ID)
	assert.InDelta(t, 0.95, fused[0].Similarity, 1e-9)
	assert.Equal(t, "a", fused[1].ID)
	assert.Equal(t, "c", fused[2].ID)
}
