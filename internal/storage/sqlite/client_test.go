package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fhyywen/shixun-qiu/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "data", "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.InitSchema(context.Background()))
	return c
}

func TestDocuments(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	doc := &models.Document{ID: "d1", KBID: "kb", Source: "/kb/a.txt", Title: "a.txt", Type: "txt", Size: 10, ContentHash: "h1", ChunkCount: 2}
	require.NoError(t, c.UpsertDocument(ctx, doc))

	doc.ContentHash = "h2"
	doc.ChunkCount = 3
	require.NoError(t, c.UpsertDocument(ctx, doc))
	require.NoError(t, c.UpsertDocument(ctx, &models.Document{ID: "d2", KBID: "kb", Source: "/kb/b.txt", Title: "b.txt"}))
	require.NoError(t, c.UpsertDocument(ctx, &models.Document{ID: "d3", KBID: "other", Source: "/other/c.txt", Title: "c.txt"}))

	got, err := c.GetDocumentBySource(ctx, "kb", "/kb/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.ContentHash)
	assert.Equal(t, 3, got.ChunkCount)

	_, err = c.GetDocumentBySource(ctx, "kb", "/kb/missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	docs, err := c.ListDocuments(ctx, "kb")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "/kb/a.txt", docs[0].Source)

	n, err := c.DeleteDocumentsByKB(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestQueriesSourcesAndFeedback(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.InsertQuery(ctx, &models.QueryRecord{ID: "q1", KBID: "kb", UserID: "u1", Pipeline: "vanilla_rag_pipeline", QueryText: "东城区", Response: "答", Confidence: 0.8, SourceType: "llm"}))
	require.NoError(t, c.InsertQuery(ctx, &models.QueryRecord{ID: "q2", KBID: "kb", UserID: "u2", QueryText: "other"}))
	require.NoError(t, c.InsertQuerySource(ctx, &models.QuerySource{QueryID: "q1", Source: "/kb/a.txt", Title: "a.txt", ChunkID: "c0", Similarity: 0.9}))

	history, err := c.GetQueryHistory(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "东城区", history[0].QueryText)

	all, err := c.GetQueryHistory(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	sources, err := c.GetQuerySources(ctx, "q1")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.InDelta(t, 0.9, sources[0].Similarity, 1e-9)

	require.NoError(t, c.InsertFeedback(ctx, &models.Feedback{QueryID: "q1", Rating: 5, Helpful: true}))
	assert.Error(t, c.InsertFeedback(ctx, &models.Feedback{QueryID: "missing", Rating: 1}))
}
