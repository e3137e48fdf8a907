package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := NewClient(context.Background(), mr.Addr(), "", 0, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

type cachedAnswer struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

func TestAnswerRoundTrip(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	var out cachedAnswer
	hit, err := c.GetAnswer(ctx, "kb1", "q1", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.SetAnswer(ctx, "kb1", "q1", cachedAnswer{Answer: "东城区", Confidence: 0.8}))
	hit, err = c.GetAnswer(ctx, "kb1", "q1", &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "东城区", out.Answer)

	assert.Equal(t, time.Minute, mr.TTL("answer:kb1:q1"))

	mr.FastForward(2 * time.Minute)
	hit, err = c.GetAnswer(ctx, "kb1", "q1", &out)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestEmbeddingsBatchLookup(t *testing.T) {
	_, c := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.SetEmbedding(ctx, "hash-384", "h1", []float32{0.25, -1, 3.5}))

	got, err := c.GetEmbeddings(ctx, "hash-384", []string{"h1", "h2"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []float32{0.25, -1, 3.5}, got[0])
	assert.Nil(t, got[1])

	got, err = c.GetEmbeddings(ctx, "other-model", []string{"h1"})
	require.NoError(t, err)
	assert.Nil(t, got[0])
}

func TestInvalidateKB(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.SetAnswer(ctx, "kb1", "a", cachedAnswer{Answer: "1"}))
	require.NoError(t, c.SetAnswer(ctx, "kb1", "b", cachedAnswer{Answer: "2"}))
	require.NoError(t, c.SetAnswer(ctx, "kb2", "a", cachedAnswer{Answer: "3"}))

	deleted, err := c.InvalidateKB(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.False(t, mr.Exists("answer:kb1:a"))
	assert.True(t, mr.Exists("answer:kb2:a"))
}

func TestDecodeVectorRejectsBadLength(t *testing.T) {
	_, err := decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestNewClient_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewClient(ctx, "127.0.0.1:1", "", 0, time.Minute)
	assert.Error(t, err)
}

func TestTryLock(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	ok, release, err := c.TryLock(ctx, "rebuild:kb", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("lock:rebuild:kb"))

	ok, _, err = c.TryLock(ctx, "rebuild:kb", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	assert.False(t, mr.Exists("lock:rebuild:kb"))

	ok, _, err = c.TryLock(ctx, "rebuild:kb", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
