package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seckatie/bookshot/internal/logger"
	"github.com/seckatie/bookshot/internal/queue"
)

type SweeperOptions struct {
	// Interval between sweeps.
	Interval time.Duration
	// StaleAfter is how long a pending bookmark may go untouched before it is
	// queued again. It must exceed the retry policy's MaxDelay so scheduled
	// retries are not preempted.
	StaleAfter time.Duration
	// Limit caps the bookmarks queued per sweep.
	Limit int
}

// Sweeper periodically re-queues pending bookmarks whose capture job was lost,
// for example after a restart with the in-memory queue.
type Sweeper struct {
	svc  *Service
	opts SweeperOptions
	log  logger.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewSweeper(svc *Service, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultSweepInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultSweepLimit
	}
	return &Sweeper{svc: svc, opts: opts, log: svc.log}
}

// Sweep queues stale pending bookmarks once and returns how many were queued.
func (s *Service) Sweep(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	cutoff := s.now().Add(-staleAfter)
	stale, err := s.records.ListStalePending(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale bookmarks: %w", err)
	}

	queued := 0
	for _, b := range stale {
		if s.isInFlight(b.ID) {
			continue
		}
		if err := s.enqueue(ctx, queue.Job{
			BookmarkID: b.ID,
			OwnerID:    b.OwnerID,
			URL:        b.URL,
			Attempt:    b.Screenshot.Retries,
			Reason:     queue.ReasonSweep,
		}, 0); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// Start sweeps once immediately and then on every interval until Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	s.run(ctx)

	cl := cronLogger{log: s.log}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc("@every "+s.opts.Interval.String(), func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweeper: %w", err)
	}
	c.Start()
	s.cron = c

	s.log.Info("sweeper started",
		logger.Duration("interval", s.opts.Interval),
		logger.Duration("stale_after", s.opts.StaleAfter))
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

func (s *Sweeper) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.svc.Sweep(ctx, s.opts.StaleAfter, s.opts.Limit)
	if err != nil {
		s.log.Error("sweep failed", logger.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("requeued stale screenshots", logger.Int("count", n))
	}
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugf("cron: %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, logger.Error(err))
}
