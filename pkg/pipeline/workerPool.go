package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zoff-tech/envelope-ingest/pkg/logger"
)

// WorkerPool runs blob-level jobs with bounded parallelism. A pool lives for
// one job execution: Start, Submit the batch, Stop.
type WorkerPool struct {
	workerCount int
	jobChan     chan func(context.Context) error
	wg          sync.WaitGroup
	log         zerolog.Logger
}

func NewWorkerPool(workerCount int) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		jobChan:     make(chan func(context.Context) error, workerCount*2),
		log:         logger.Get(),
	}
}

func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (wp *WorkerPool) Stop() {
	close(wp.jobChan)
	wp.wg.Wait()
}

// Submit blocks until a worker can take the job, so a full batch is never
// silently dropped.
func (wp *WorkerPool) Submit(job func(context.Context) error) {
	wp.jobChan <- job
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	log := wp.log.With().Int("worker_id", id).Logger()
	for job := range wp.jobChan {
		if err := job(ctx); err != nil {
			log.Error().Err(err).Msg("Blob job failed")
		}
	}
}
