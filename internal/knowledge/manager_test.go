package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/embedding"
	"github.com/Fhyywen/shixun-qiu/internal/ingestion"
	"github.com/Fhyywen/shixun-qiu/internal/vector/flat"
)

type countingCache struct {
	mu  sync.Mutex
	ids []string
}

func (c *countingCache) InvalidateKB(_ context.Context, kbID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, kbID)
	return 0, nil
}

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestManager(t *testing.T, opts Options, options ...Option) *Manager {
	t.Helper()
	emb := embedding.NewHashEmbedder(64)
	if opts.IndexDir == "" {
		opts.IndexDir = ".kbqa"
	}
	p, err := ingestion.NewProcessor(emb, nil, ingestion.Options{
		ChunkSize:    200,
		ChunkOverlap: 20,
		SkipDirs:     []string{opts.IndexDir},
	}, zap.NewNop())
	require.NoError(t, err)

	m, err := NewManager(opts, p, emb, zap.NewNop(), options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func sampleKB(t *testing.T) string {
	dir := t.TempDir()
	writeDoc(t, dir, "streets.txt", "东城区共有17个街道，包括东华门街道和景山街道。")
	writeDoc(t, dir, "report.md", "The survey report covers household income and employment in the district.")
	return dir
}

func TestResolvePath(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, Options{DefaultPath: filepath.Join(root, "kb"), RootDir: root})

	got, err := m.ResolvePath("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "kb"), got)

	got, err = m.ResolvePath(filepath.Join(root, "a", "..", "b"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "b"), got)

	_, err = m.ResolvePath(filepath.Join(root, "..", "elsewhere"))
	assert.ErrorIs(t, err, ErrPathOutsideRoot)
}

func TestBuild_PersistsAndInvalidates(t *testing.T) {
	dir := sampleKB(t)
	cache := &countingCache{}
	m := newTestManager(t, Options{}, WithAnswerCache(cache))
	ctx := context.Background()

	res, err := m.Build(ctx, dir, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Documents)
	assert.Equal(t, 2, res.Loaded)
	assert.Positive(t, res.Chunks)
	assert.Equal(t, res.Chunks, res.TotalChunks)
	assert.True(t, flat.Exists(filepath.Join(dir, ".kbqa", "index")))
	assert.Equal(t, []string{KBID(dir)}, cache.ids)

	again, err := m.Build(ctx, dir, false)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Documents)
	assert.Equal(t, 2, again.Skipped)
	assert.Equal(t, res.TotalChunks, again.TotalChunks)

	forced, err := m.Build(ctx, dir, true)
	require.NoError(t, err)
	assert.Equal(t, 2, forced.Documents)
	assert.Equal(t, res.TotalChunks, forced.TotalChunks)
}

func TestBuild_EmptyDirectory(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := m.Build(ctx, t.TempDir(), false)
	assert.ErrorIs(t, err, ErrEmptyKnowledgeBase)

	_, err = m.Build(ctx, filepath.Join(t.TempDir(), "missing"), false)
	assert.ErrorIs(t, err, ErrEmptyKnowledgeBase)

	_, err = m.Open(ctx, filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrEmptyKnowledgeBase)
}

func TestOpen_LoadsPersistedIndex(t *testing.T) {
	dir := sampleKB(t)
	ctx := context.Background()

	first := newTestManager(t, Options{})
	res, err := first.Build(ctx, dir, false)
	require.NoError(t, err)

	second := newTestManager(t, Options{})
	st, err := second.Stats(ctx, dir)
	require.NoError(t, err)
	assert.False(t, st.Initialized)
	assert.True(t, st.Persisted)

	b, err := second.Open(ctx, dir)
	require.NoError(t, err)
	n, err := b.Store().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.TotalChunks, n)

	st, err = second.Stats(ctx, dir)
	require.NoError(t, err)
	assert.True(t, st.Initialized)
	assert.Equal(t, 2, st.SourceCount)
	assert.Equal(t, 64, st.VectorDimension)
	assert.Equal(t, BackendFlat, st.Backend)
}

func TestOpen_Concurrent(t *testing.T) {
	dir := sampleKB(t)
	m := newTestManager(t, Options{})

	var wg sync.WaitGroup
	bases := make([]*Base, 8)
	for i := range bases {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := m.Open(context.Background(), dir)
			assert.NoError(t, err)
			bases[i] = b
		}(i)
	}
	wg.Wait()

	for _, b := range bases[1:] {
		assert.Same(t, bases[0], b)
	}
	assert.Len(t, m.List(), 1)
	assert.True(t, m.Initialized())
}

func TestRetrieve_ThresholdAndFallback(t *testing.T) {
	dir := sampleKB(t)
	m := newTestManager(t, Options{})
	ctx := context.Background()

	hits, err := m.Retrieve(ctx, dir, "东城区有多少个街道", 5, 0.1)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Source, "streets.txt")
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Similarity, hits[i].Similarity)
	}

	// Nothing reaches a similarity above 1, so only keyword matches come back.
	fallback, err := m.Retrieve(ctx, dir, "survey report", 5, 1.01)
	require.NoError(t, err)
	require.NotEmpty(t, fallback)
	assert.Contains(t, fallback[0].Source, "report.md")

	none, err := m.Retrieve(ctx, dir, "zzzz", 5, 1.01)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNewManager_MilvusRequiresClient(t *testing.T) {
	emb := embedding.NewHashEmbedder(8)
	_, err := NewManager(Options{Backend: BackendMilvus}, nil, emb, nil)
	assert.Error(t, err)

	_, err = NewManager(Options{Backend: "faiss"}, nil, emb, nil)
	assert.Error(t, err)
}
