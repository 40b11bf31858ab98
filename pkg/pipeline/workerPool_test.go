package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPool_RunsEveryJob(t *testing.T) {
	pool := NewWorkerPool(4)
	pool.Start(context.Background())

	var done int64
	for i := 0; i < 100; i++ {
		pool.Submit(func(ctx context.Context) error {
			atomic.AddInt64(&done, 1)
			return nil
		})
	}
	pool.Stop()

	assert.Equal(t, int64(100), done)
}

func TestWorkerPool_FailedJobDoesNotStopOthers(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Start(context.Background())

	var done int64
	for i := 0; i < 10; i++ {
		i := i
		pool.Submit(func(ctx context.Context) error {
			if i%2 == 0 {
				return errors.New("job failed")
			}
			atomic.AddInt64(&done, 1)
			return nil
		})
	}
	pool.Stop()

	assert.Equal(t, int64(5), done)
}

func TestWorkerPool_BoundedParallelism(t *testing.T) {
	const workers = 3
	pool := NewWorkerPool(workers)
	pool.Start(context.Background())

	var mu sync.Mutex
	inFlight, peak := 0, 0
	for i := 0; i < 30; i++ {
		pool.Submit(func(ctx context.Context) error {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil
		})
	}
	pool.Stop()

	assert.LessOrEqual(t, peak, workers)
}
