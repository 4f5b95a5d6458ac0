package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestInlineRunsSynchronously(t *testing.T) {
	var ran []int64
	r := NewInline(func(_ context.Context, job Job) error {
		ran = append(ran, job.NodeID)
		return nil
	})

	require.NoError(t, r.Submit(context.Background(), NewJob(KindGenerateEmbedding, 1)))
	require.NoError(t, r.Submit(context.Background(), NewJob(KindGenerateTags, 2)))
	assert.Equal(t, []int64{1, 2}, ran)
	assert.NoError(t, r.Close(context.Background()))
}

func TestInlinePropagatesHandlerError(t *testing.T) {
	sentinel := errors.New("boom")
	r := NewInline(func(context.Context, Job) error { return sentinel })
	assert.ErrorIs(t, r.Submit(context.Background(), NewJob(KindGenerateTags, 1)), sentinel)
}

func TestPoolRunsAllJobs(t *testing.T) {
	var count atomic.Int64
	r := NewPool(func(context.Context, Job) error {
		count.Add(1)
		return nil
	}, 3)

	for i := int64(0); i < 20; i++ {
		require.NoError(t, r.Submit(context.Background(), NewJob(KindGenerateEmbedding, i)))
	}
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, int64(20), count.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var cur, peak atomic.Int64
	var mu sync.Mutex
	r := NewPool(func(context.Context, Job) error {
		n := cur.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return nil
	}, 2)

	for i := int64(0); i < 10; i++ {
		require.NoError(t, r.Submit(context.Background(), NewJob(KindGenerateEmbedding, i)))
	}
	require.NoError(t, r.Close(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestPoolRejectsAfterClose(t *testing.T) {
	r := NewPool(func(context.Context, Job) error { return nil }, 1)
	require.NoError(t, r.Close(context.Background()))
	assert.Error(t, r.Submit(context.Background(), NewJob(KindGenerateTags, 1)))
}

func TestPoolSwallowsHandlerErrors(t *testing.T) {
	r := NewPool(func(context.Context, Job) error { return errors.New("transient") }, 1)
	require.NoError(t, r.Submit(context.Background(), NewJob(KindGenerateEmbedding, 1)))
	assert.NoError(t, r.Close(context.Background()))
}

func TestExternalDelegates(t *testing.T) {
	var got []Job
	r := NewExternal(func(_ context.Context, job Job) error {
		got = append(got, job)
		return nil
	})

	job := NewJob(KindGenerateTags, 42)
	require.NoError(t, r.Submit(context.Background(), job))
	require.Len(t, got, 1)
	assert.Equal(t, job.ID, got[0].ID)
	assert.NotEmpty(t, got[0].ID)
	assert.NoError(t, r.Close(context.Background()))
}

func TestExternalRequiresEnqueue(t *testing.T) {
	r := NewExternal(nil)
	assert.Error(t, r.Submit(context.Background(), NewJob(KindGenerateEmbedding, 1)))
}
