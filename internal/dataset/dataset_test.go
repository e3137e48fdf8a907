package dataset

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type stubGenerator struct {
	docs []string
}

func (s *stubGenerator) GenerateQuestions(_ context.Context, doc string, n int) ([]string, error) {
	s.docs = append(s.docs, doc)
	if doc == "broken" {
		return nil, errors.New("model unavailable")
	}
	return []string{"问题一？", "问题二？", "问题三？", "问题四？"}, nil
}

func TestGenerateQueries(t *testing.T) {
	gen := &stubGenerator{}
	c := NewConstructor(gen, nil)

	long := make([]rune, 1500)
	for i := range long {
		long[i] = '文'
	}
	queries, err := c.GenerateQueries(context.Background(), []string{string(long), "broken", "short"}, 2)
	require.NoError(t, err)
	assert.Len(t, queries, 4, "two per successful document")
	require.Len(t, gen.docs, 3)
	assert.Len(t, []rune(gen.docs[0]), 1000)

	_, err = NewConstructor(nil, nil).GenerateQueries(context.Background(), []string{"x"}, 1)
	assert.Error(t, err)
}

func TestCreateSFT(t *testing.T) {
	docs := []string{"Beijing has many districts", "Shanghai is a port city"}
	data := CreateSFT(docs, []string{"shanghai port", "nothing matches"})
	require.Len(t, data, 1)
	assert.Equal(t, "Shanghai is a port city", data[0]["document"])
	assert.Equal(t, "文档: Shanghai is a port city\n\n问题: shanghai port", data[0]["input"])
	assert.Equal(t, sftInstruction, data[0]["instruction"])
}

func TestCreateNegatives(t *testing.T) {
	docs := []string{"a", "b", "c"}
	data := CreateNegatives([]string{"q1", "q2"}, docs, 5, rand.New(rand.NewSource(1)))
	require.Len(t, data, 6, "capped at the number of documents")

	seen := map[string]bool{}
	for _, r := range data[:3] {
		assert.Equal(t, "q1", r["query"])
		seen[r["negative_document"].(string)] = true
	}
	assert.Len(t, seen, 3, "negatives are distinct per query")
}

func TestJSONLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "sft.jsonl")
	in := []Record{{"query": "问题 <b>", "score": 0.5}, {"query": "second"}}
	require.NoError(t, SaveJSONL(path, in))

	out, err := LoadJSONL(path)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "问题 <b>", out[0]["query"])
	assert.Equal(t, 0.5, out[0]["score"])

	_, err = LoadJSONL(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	data := make([]int, 100)
	for i := range data {
		data[i] = i
	}
	train, val, test, err := Split(data, 0.8, 0.1, 0.1, 42)
	require.NoError(t, err)
	assert.Len(t, train, 80)
	assert.Len(t, val, 10)
	assert.Len(t, test, 10)

	again, _, _, err := Split(data, 0.8, 0.1, 0.1, 42)
	require.NoError(t, err)
	assert.Equal(t, train, again, "same seed, same split")

	_, _, _, err = Split(data, 0.8, 0.1, 0.2, 42)
	assert.Error(t, err)
}

func TestSplit_Partitions(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Int()).Draw(t, "data")
		trainPct := rapid.IntRange(0, 100).Draw(t, "train")
		valPct := rapid.IntRange(0, 100-trainPct).Draw(t, "val")
		train := float64(trainPct) / 100
		val := float64(valPct) / 100
		test := 1 - train - val

		a, b, c, err := Split(data, train, val, test, rapid.Int64().Draw(t, "seed"))
		if err != nil {
			t.Fatalf("split failed: %v", err)
		}
		got := append(append(append([]int{}, a...), b...), c...)
		want := append([]int{}, data...)
		sort.Ints(got)
		sort.Ints(want)
		if len(got) != len(want) {
			t.Fatalf("split lost elements: %d != %d", len(got), len(want))
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("split changed elements")
			}
		}
	})
}

func TestBalance(t *testing.T) {
	data := []Record{
		{"label": "pos", "id": 1},
		{"label": "pos", "id": 2},
		{"label": "pos", "id": 3},
		{"label": "neg", "id": 4},
	}
	out := Balance(data, "label", rand.New(rand.NewSource(7)))
	require.Len(t, out, 2)
	assert.Equal(t, "pos", out[0]["label"])
	assert.Equal(t, "neg", out[1]["label"])

	assert.Equal(t, data, Balance(data, "", nil))
}

func TestAugment(t *testing.T) {
	out := Augment([]string{"one two three four", "too short"}, 3, rand.New(rand.NewSource(1)))
	require.Len(t, out, 4)
	assert.Equal(t, "one two three four", out[0])
	assert.ElementsMatch(t, []string{"one", "two", "three", "four"}, strings.Fields(out[1]))
	assert.Equal(t, "too short", out[3])
}

func TestComputeStats(t *testing.T) {
	st := ComputeStats([]Record{{"text": "中文字"}, {"text": "hello"}, {"other": 1}})
	assert.Equal(t, 3, st.TotalSamples)
	assert.Equal(t, 3, st.MinTextLength)
	assert.Equal(t, 5, st.MaxTextLength)
	assert.Equal(t, 4.0, st.AvgTextLength)

	assert.Equal(t, Stats{}, ComputeStats(nil))
}

func TestValidateFormat(t *testing.T) {
	data := []Record{{"query": "q", "document": "d"}, {"query": "q2", "document": "d2"}}
	assert.True(t, ValidateFormat(data, []string{"query", "document"}))
	assert.False(t, ValidateFormat(data, []string{"output"}))
	assert.False(t, ValidateFormat(nil, nil))
}

func TestCheckQuality(t *testing.T) {
	rep := CheckQuality([]Record{
		{"text": "this text is long enough"},
		{"text": "this text is long enough"},
		{"text": "short"},
		{"text": "   "},
	}, "")
	assert.Equal(t, 4, rep.TotalSamples)
	assert.Equal(t, 1, rep.EmptyTexts)
	assert.Equal(t, 1, rep.ShortTexts)
	assert.Equal(t, 1, rep.DuplicateTexts)
	assert.InDelta(t, 0.25, rep.QualityScore, 1e-9)

	assert.Zero(t, CheckQuality(nil, "text").QualityScore)
}
