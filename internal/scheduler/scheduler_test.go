package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/knowledge"
)

type fakeBuilder struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (b *fakeBuilder) Build(_ context.Context, path string, force bool) (*knowledge.BuildResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, fmt.Sprintf("%s:%v", path, force))
	if err := b.errs[path]; err != nil {
		return nil, err
	}
	return &knowledge.BuildResult{Path: path, Documents: 1, Chunks: 3}, nil
}

func (b *fakeBuilder) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

type fakeLocker struct {
	held     map[string]bool
	released []string
	err      error
}

func (l *fakeLocker) TryLock(_ context.Context, name string, _ time.Duration) (bool, func(), error) {
	if l.err != nil {
		return false, func() {}, l.err
	}
	if l.held[name] {
		return false, func() {}, nil
	}
	return true, func() { l.released = append(l.released, name) }, nil
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New("", nil, &fakeBuilder{}, nil)
	assert.ErrorIs(t, err, ErrNoSchedule)

	_, err = New("not a cron", nil, &fakeBuilder{}, nil)
	assert.Error(t, err)
}

func TestNext(t *testing.T) {
	s, err := New("0 3 * * *", nil, &fakeBuilder{}, nil)
	require.NoError(t, err)

	from := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC), s.Next(from))

	from = time.Date(2024, 5, 1, 2, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC), s.Next(from))
}

func TestRunOnce_ContinuesAfterFailure(t *testing.T) {
	b := &fakeBuilder{errs: map[string]error{
		"/kb/empty":  fmt.Errorf("%w: /kb/empty", knowledge.ErrEmptyKnowledgeBase),
		"/kb/broken": errors.New("disk full"),
	}}
	s, err := New("@daily", []string{"/kb/empty", "/kb/broken", "/kb/ok"}, b, zap.NewNop())
	require.NoError(t, err)

	out := s.RunOnce(context.Background())
	require.Len(t, out, 3)
	assert.ErrorIs(t, out[0].Err, knowledge.ErrEmptyKnowledgeBase)
	assert.EqualError(t, out[1].Err, "disk full")
	require.NoError(t, out[2].Err)
	assert.Equal(t, 3, out[2].Result.Chunks)

	assert.Equal(t, []string{"/kb/empty:false", "/kb/broken:false", "/kb/ok:false"}, b.Calls())
}

func TestRunOnce_Locking(t *testing.T) {
	b := &fakeBuilder{}
	l := &fakeLocker{held: map[string]bool{"rebuild:/kb/busy": true}}
	s, err := New("@hourly", []string{"/kb/busy", "/kb/free"}, b, nil, WithLocker(l))
	require.NoError(t, err)

	out := s.RunOnce(context.Background())
	require.Len(t, out, 2)
	assert.True(t, out[0].Locked)
	assert.Nil(t, out[0].Result)
	assert.False(t, out[1].Locked)
	assert.Equal(t, []string{"/kb/free:false"}, b.Calls())
	assert.Equal(t, []string{"rebuild:/kb/free"}, l.released)
}

func TestRunOnce_LockErrorStillBuilds(t *testing.T) {
	b := &fakeBuilder{}
	s, err := New("@hourly", []string{"/kb"}, b, nil, WithLocker(&fakeLocker{err: errors.New("redis down")}))
	require.NoError(t, err)

	out := s.RunOnce(context.Background())
	require.Len(t, out, 1)
	assert.NoError(t, out[0].Err)
	assert.Equal(t, []string{"/kb:false"}, b.Calls())
}

func TestRunOnce_CancelledContext(t *testing.T) {
	b := &fakeBuilder{}
	s, err := New("@hourly", []string{"/a", "/b"}, b, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, s.RunOnce(ctx))
	assert.Empty(t, b.Calls())
}

func TestStartFiresWhenDue(t *testing.T) {
	b := &fakeBuilder{}
	// every second
	s, err := New("* * * * * * *", []string{"/kb"}, b, nil)
	require.NoError(t, err)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return len(b.Calls()) > 0 }, 5*time.Second, 20*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	s, err := New("@daily", nil, &fakeBuilder{}, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without Start")
	}
}
