package gopool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolSchedule(t *testing.T) {
	p, err := New(4)
	require.NoError(t, err)
	defer p.Release()
	require.Equal(t, 4, p.Cap())

	var sum atomic.Int64
	var wg sync.WaitGroup
	const num = 1000
	wg.Add(num)
	for i := 1; i <= num; i++ {
		err = p.Schedule(context.Background(), func(ctx context.Context, param ...interface{}) {
			defer wg.Done()
			sum.Add(int64(param[0].(int)))
		}, i)
		require.NoError(t, err)
	}
	wg.Wait()
	require.Equal(t, int64(num*(num+1)/2), sum.Load())
}

func TestPoolScheduleCanceled(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)
	defer p.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	done := make(chan struct{})
	require.NoError(t, p.Schedule(ctx, func(ctx context.Context, param ...interface{}) {
		ran.Store(true)
	}))
	require.NoError(t, p.Schedule(context.Background(), func(ctx context.Context, param ...interface{}) {
		close(done)
	}))
	<-done
	require.False(t, ran.Load())
}

func TestNewInvalidSize(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
}
