package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_SubmitWait(t *testing.T) {
	p := New(Config{Workers: 4, QueueSize: 8})
	defer p.Close()

	var ran atomic.Bool
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran.Load())

	submitted, completed, failed := p.Stats()
	assert.Equal(t, int64(1), submitted)
	assert.Equal(t, int64(1), completed)
	assert.Equal(t, int64(0), failed)
}

func TestPool_TaskErrorPropagates(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1})
	defer p.Close()

	want := errors.New("retrieval failed")
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		return want
	})

	assert.ErrorIs(t, err, want)
	_, _, failed := p.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestPool_PanicRecovered(t *testing.T) {
	var caught atomic.Bool
	p := New(Config{Workers: 1, QueueSize: 1, PanicHandler: func(any) { caught.Store(true) }})
	defer p.Close()

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})

	assert.ErrorIs(t, err, ErrTaskPanicked)
	assert.True(t, caught.Load())

	// 池在 panic 后仍可用
	assert.NoError(t, p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestPool_ConcurrentSubmitters(t *testing.T) {
	p := New(Config{Workers: 8, QueueSize: 16})
	defer p.Close()

	const n = 100
	var done atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.SubmitWait(context.Background(), func(ctx context.Context) error {
				done.Add(1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), done.Load())
}

func TestPool_ClosedRejects(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1})
	p.Close()

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_ContextCancelledBeforeRun(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 4})
	defer p.Close()

	block := make(chan struct{})
	go func() {
		_ = p.SubmitWait(context.Background(), func(ctx context.Context) error {
			<-block
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond) // let the blocker occupy the worker

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.SubmitWait(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	close(block)
}
