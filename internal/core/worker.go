package core

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seckatie/bookshot/internal/logger"
	"github.com/seckatie/bookshot/internal/queue"
)

// dequeueBackoff is how long a worker waits after a queue error.
const dequeueBackoff = time.Second

// Processor handles one capture job.
type Processor interface {
	Process(ctx context.Context, job queue.Job) error
}

// Runner pulls jobs off a queue with a fixed number of workers. The worker
// count bounds the number of browsers running at once.
type Runner struct {
	queue   queue.Queue
	proc    Processor
	workers int
	log     logger.Logger
}

func NewRunner(q queue.Queue, proc Processor, workers int, log logger.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{queue: q, proc: proc, workers: workers, log: log}
}

// Run blocks until ctx is cancelled or the queue is closed.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		worker := i
		g.Go(func() error {
			return r.work(gctx, worker)
		})
	}
	r.log.Info("capture workers started", logger.Int("workers", r.workers))
	err := g.Wait()
	r.log.Info("capture workers stopped")
	return err
}

func (r *Runner) work(ctx context.Context, worker int) error {
	log := r.log.With(logger.Int("worker", worker))
	for {
		job, err := r.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Warn("dequeue failed", logger.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueBackoff):
			}
			continue
		}

		if err := r.proc.Process(ctx, job); err != nil && ctx.Err() == nil {
			log.Warn("capture job failed",
				logger.String("bookmark_id", job.BookmarkID),
				logger.Error(err))
		}
	}
}
