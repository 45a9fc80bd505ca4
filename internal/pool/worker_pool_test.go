package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsAllTasks(t *testing.T) {
	p := NewWorkerPool(4, 0, nil)
	p.Start(context.Background())

	var n atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) { n.Add(1) }))
	}
	p.Stop()
	assert.Equal(t, int32(50), n.Load())
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	p := NewWorkerPool(3, 0, nil)
	p.Start(context.Background())

	var running, peak atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
		}))
	}
	p.Stop()
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	p := NewWorkerPool(1, 0, nil)
	var recovered atomic.Value
	p.PanicHandler = func(r any) { recovered.Store(r) }
	p.Start(context.Background())

	var after atomic.Bool
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { after.Store(true) }))
	p.Stop()

	assert.Equal(t, "boom", recovered.Load())
	assert.True(t, after.Load(), "worker survives a panicking task")
}

func TestWorkerPoolSubmitAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewWorkerPool(1, 0, nil)
	p.Start(ctx)

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit(ctx, func(taskCtx context.Context) {
		defer wg.Done()
		<-block
	}))

	cancel()
	err := p.Submit(ctx, func(context.Context) {})
	assert.ErrorIs(t, err, context.Canceled)

	close(block)
	wg.Wait()
	p.Stop()
}
