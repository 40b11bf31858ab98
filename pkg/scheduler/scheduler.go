package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zoff-tech/envelope-ingest/pkg/logger"
)

// Job is one periodic unit of scheduled work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs registered jobs on independent tickers, each tick guarded by
// the cluster lock so exactly one fleet replica executes a given job at a
// time. Other replicas' ticks are no-ops.
type Scheduler struct {
	lock *ClusterLock
	jobs []Job
	log  zerolog.Logger
}

func NewScheduler(lock *ClusterLock) *Scheduler {
	return &Scheduler{
		lock: lock,
		log:  logger.Get(),
	}
}

func (s *Scheduler) Register(name string, interval time.Duration, run func(ctx context.Context) error) {
	s.jobs = append(s.jobs, Job{Name: name, Interval: interval, Run: run})
}

// Run blocks until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			s.log.Warn().Str("job", job.Name).Msg("Job has no interval, not scheduling")
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.runJob(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	log := s.log.With().Str("job", job.Name).Logger()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Job scheduling stopped")
			return
		case <-ticker.C:
			start := time.Now()
			err := s.lock.WithLock(ctx, job.Name, job.Run)
			switch {
			case errors.Is(err, ErrLockBusy):
				log.Debug().Msg("Another replica ran this tick")
			case err != nil:
				log.Error().Err(err).Msg("Job run failed")
			default:
				log.Info().Dur("duration", time.Since(start)).Msg("Job run finished")
			}
		}
	}
}
