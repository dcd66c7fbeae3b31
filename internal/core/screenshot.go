package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/seckatie/bookshot/internal/core/db"
	"github.com/seckatie/bookshot/internal/logger"
	"github.com/seckatie/bookshot/internal/metrics"
	"github.com/seckatie/bookshot/internal/queue"
	"github.com/seckatie/bookshot/internal/storage"
)

var (
	// ErrForbidden is returned when the caller does not own the bookmark.
	ErrForbidden = errors.New("forbidden")
	// ErrCaptureInProgress is returned by Retry while a capture is pending.
	ErrCaptureInProgress = errors.New("screenshot capture in progress")
)

// Records is the part of the document store the capture job needs.
type Records interface {
	GetBookmark(ctx context.Context, id string) (db.Bookmark, error)
	UpdateScreenshot(ctx context.Context, id string, s db.Screenshot) error
	ResetScreenshot(ctx context.Context, id string) (db.Bookmark, error)
	FillTitle(ctx context.Context, id, title string) (bool, error)
	DeleteBookmark(ctx context.Context, id string) error
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]db.Bookmark, error)
}

// Enqueuer schedules capture jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration) error
}

type ServiceOptions struct {
	Policy  RetryPolicy
	Capture CaptureOptions
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Service runs the screenshot state machine: it captures, uploads and records
// screenshots, schedules retries, and orchestrates manual retry and delete.
type Service struct {
	records  Records
	objects  storage.Store
	capturer Capturer
	queue    Enqueuer
	policy   RetryPolicy
	capture  CaptureOptions
	log      logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewService(records Records, objects storage.Store, capturer Capturer, q Enqueuer, opts ServiceOptions) *Service {
	if opts.Policy.MaxRetries <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Service{
		records:  records,
		objects:  objects,
		capturer: capturer,
		queue:    q,
		policy:   opts.Policy,
		capture:  opts.Capture.withDefaults(),
		log:      opts.Logger,
		metrics:  opts.Metrics,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// Policy returns the retry policy in use.
func (s *Service) Policy() RetryPolicy { return s.policy }

// Process runs one capture attempt for job. Capture failures are recorded on
// the bookmark and rescheduled, not returned. The returned error covers
// cancellation and failures to reach the document store.
func (s *Service) Process(ctx context.Context, job queue.Job) error {
	_, err := s.process(ctx, job)
	return err
}

// process returns the attempt outcome alongside any error Process reports.
func (s *Service) process(ctx context.Context, job queue.Job) (string, error) {
	log := s.log.With(logger.String("bookmark_id", job.BookmarkID), logger.String("reason", string(job.Reason)))

	if !s.acquire(job.BookmarkID) {
		log.Debug("capture already running, requeueing")
		busy := job
		busy.Reason = queue.ReasonBusy
		s.enqueue(ctx, busy, s.policy.BaseDelay)
		return metrics.OutcomeSkipped, nil
	}
	defer s.release(job.BookmarkID)

	b, err := s.records.GetBookmark(ctx, job.BookmarkID)
	if errors.Is(err, db.ErrNotFound) {
		log.Info("bookmark gone, skipping capture")
		s.metrics.ObserveCapture(metrics.OutcomeSkipped, 0)
		return metrics.OutcomeSkipped, nil
	}
	if err != nil {
		if ctx.Err() == nil {
			s.requeueAfterWriteFailure(ctx, job, job.Attempt)
		}
		return "", fmt.Errorf("failed to load bookmark %s: %w", job.BookmarkID, err)
	}
	if b.Screenshot.Status != db.ScreenshotPending {
		log.Debug("screenshot not pending, skipping", logger.String("status", string(b.Screenshot.Status)))
		s.metrics.ObserveCapture(metrics.OutcomeSkipped, 0)
		return metrics.OutcomeSkipped, nil
	}

	done := s.metrics.TrackInFlight()
	start := s.now()
	outcome, cause := s.attempt(ctx, b)
	done()
	took := s.now().Sub(start)

	if cause != nil && ctx.Err() != nil {
		// Shutting down. The attempt is not counted and the sweeper picks the
		// bookmark up again.
		return "", ctx.Err()
	}

	if cause == nil {
		s.metrics.ObserveCapture(outcome, took)
		if outcome == metrics.OutcomeCompleted {
			log.Info("screenshot captured", logger.Duration("took", took), logger.Int("retries", b.Screenshot.Retries))
		}
		return outcome, nil
	}

	outcome = s.recordFailure(ctx, b, job, cause)
	s.metrics.ObserveCapture(outcome, took)
	return outcome, nil
}

// attempt captures, uploads and records a completed screenshot. Upload always
// happens before the record write.
func (s *Service) attempt(ctx context.Context, b db.Bookmark) (string, error) {
	shot, err := s.capturer.Capture(ctx, b.URL, s.capture)
	if err != nil {
		return "", err
	}

	path := storage.ScreenshotPath(b.OwnerID, b.ID)
	addr, err := s.objects.Upload(ctx, path, storage.ContentTypePNG, shot.Image)
	if err != nil {
		return "", fmt.Errorf("upload screenshot: %w", err)
	}

	err = s.records.UpdateScreenshot(ctx, b.ID, db.Screenshot{
		Status:  db.ScreenshotCompleted,
		URL:     &addr,
		Path:    &path,
		Retries: b.Screenshot.Retries,
	})
	if errors.Is(err, db.ErrNotFound) {
		// Deleted mid-capture. The blob would otherwise be orphaned.
		if derr := storage.IgnoreNotFound(s.objects.Delete(ctx, path)); derr != nil {
			s.log.Warn("failed to delete orphaned screenshot",
				logger.String("bookmark_id", b.ID),
				logger.String("path", path),
				logger.Error(derr))
		}
		s.log.Info("bookmark deleted during capture, discarded screenshot", logger.String("bookmark_id", b.ID))
		return metrics.OutcomeOrphaned, nil
	}
	if err != nil {
		return "", fmt.Errorf("save screenshot: %w", err)
	}

	if strings.TrimSpace(b.Title) == "" && shot.Title != "" {
		if _, err := s.records.FillTitle(ctx, b.ID, shot.Title); err != nil {
			s.log.Warn("failed to fill bookmark title", logger.String("bookmark_id", b.ID), logger.Error(err))
		}
	}

	return metrics.OutcomeCompleted, nil
}

// recordFailure writes the failed attempt back to the bookmark and schedules
// the next attempt unless retries are exhausted.
func (s *Service) recordFailure(ctx context.Context, b db.Bookmark, job queue.Job, cause error) string {
	n, exhausted := s.policy.Next(b.Screenshot.Retries)
	msg := truncateError(cause.Error())

	state := db.Screenshot{
		Status:  db.ScreenshotPending,
		Retries: n,
		Error:   &msg,
	}
	if exhausted {
		state.Status = db.ScreenshotFailed
	}

	log := s.log.With(
		logger.String("bookmark_id", b.ID),
		logger.Int("retries", n),
		logger.Error(cause),
	)

	if err := s.records.UpdateScreenshot(ctx, b.ID, state); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Info("bookmark deleted during capture")
			return metrics.OutcomeSkipped
		}
		log.Error("failed to record capture failure", logger.NamedError("write_error", err))
		s.requeueAfterWriteFailure(ctx, job, max(job.Attempt, b.Screenshot.Retries))
		return metrics.OutcomeRetry
	}

	if exhausted {
		log.Warn("screenshot capture failed, retries exhausted")
		return metrics.OutcomeFailed
	}

	delay := s.policy.Backoff(n)
	log.Warn("screenshot capture failed, retrying", logger.Duration("delay", delay))
	s.enqueue(ctx, queue.Job{
		BookmarkID: b.ID,
		OwnerID:    b.OwnerID,
		URL:        b.URL,
		Attempt:    n,
		Reason:     queue.ReasonRetry,
	}, delay)
	return metrics.OutcomeRetry
}

// requeueAfterWriteFailure reschedules a job whose outcome could not be
// recorded, backing off on the job's own attempt counter.
func (s *Service) requeueAfterWriteFailure(ctx context.Context, job queue.Job, attempts int) {
	next := job
	next.Attempt = attempts + 1
	next.Reason = queue.ReasonRetry
	s.enqueue(ctx, next, s.policy.Backoff(next.Attempt))
}

// Retry resets a completed or failed screenshot and queues a fresh capture.
func (s *Service) Retry(ctx context.Context, id, ownerID string) (db.Bookmark, error) {
	b, err := s.records.GetBookmark(ctx, id)
	if err != nil {
		return db.Bookmark{}, err
	}
	if b.OwnerID != ownerID {
		return db.Bookmark{}, ErrForbidden
	}
	if b.Screenshot.Status == db.ScreenshotPending || s.isInFlight(id) {
		return db.Bookmark{}, ErrCaptureInProgress
	}

	reset, err := s.records.ResetScreenshot(ctx, id)
	if errors.Is(err, db.ErrScreenshotPending) {
		return db.Bookmark{}, ErrCaptureInProgress
	}
	if err != nil {
		return db.Bookmark{}, err
	}

	s.enqueue(ctx, queue.Job{
		BookmarkID: reset.ID,
		OwnerID:    reset.OwnerID,
		URL:        reset.URL,
		Reason:     queue.ReasonManual,
	}, 0)
	return reset, nil
}

// DeleteBookmark removes the stored screenshot and then the bookmark. If the
// screenshot cannot be deleted the bookmark is kept.
func (s *Service) DeleteBookmark(ctx context.Context, id, ownerID string) error {
	b, err := s.records.GetBookmark(ctx, id)
	if err != nil {
		return err
	}
	if b.OwnerID != ownerID {
		return ErrForbidden
	}

	path := storage.ScreenshotPath(b.OwnerID, b.ID)
	if b.Screenshot.Path != nil {
		path = *b.Screenshot.Path
	}
	if err := storage.IgnoreNotFound(s.objects.Delete(ctx, path)); err != nil {
		return fmt.Errorf("delete screenshot: %w", err)
	}

	return s.records.DeleteBookmark(ctx, id)
}

// CaptureNow runs one synchronous attempt for a bookmark and returns its
// state afterwards. With reset, a completed or failed screenshot is first put
// back to pending.
func (s *Service) CaptureNow(ctx context.Context, id string, reset bool) (db.Bookmark, error) {
	if reset {
		if _, err := s.records.ResetScreenshot(ctx, id); err != nil && !errors.Is(err, db.ErrScreenshotPending) {
			return db.Bookmark{}, err
		}
	}

	b, err := s.records.GetBookmark(ctx, id)
	if err != nil {
		return db.Bookmark{}, err
	}

	if _, err := s.process(ctx, queue.Job{
		BookmarkID: b.ID,
		OwnerID:    b.OwnerID,
		URL:        b.URL,
		Attempt:    b.Screenshot.Retries,
		Reason:     queue.ReasonManual,
	}); err != nil {
		return db.Bookmark{}, err
	}

	return s.records.GetBookmark(ctx, id)
}

// HandleEvent queues a capture for newly created bookmarks. Register it for
// db.OnBookmarkCreatedEvent.
func (s *Service) HandleEvent(event db.Event) error {
	ev, ok := event.(db.BookmarkCreatedEvent)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.enqueue(ctx, queue.Job{
		BookmarkID: ev.Bookmark.ID,
		OwnerID:    ev.Bookmark.OwnerID,
		URL:        ev.Bookmark.URL,
		Reason:     queue.ReasonCreated,
	}, 0)
}

func (s *Service) enqueue(ctx context.Context, job queue.Job, delay time.Duration) error {
	if err := s.queue.Enqueue(ctx, job, delay); err != nil {
		s.log.Error("failed to enqueue capture",
			logger.String("bookmark_id", job.BookmarkID),
			logger.String("reason", string(job.Reason)),
			logger.Error(err))
		return err
	}
	s.metrics.Enqueued(string(job.Reason))
	return nil
}

func (s *Service) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

func (s *Service) isInFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.inFlight[id]
	return busy
}

func truncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	return strings.ToValidUTF8(msg[:MaxErrorLength], "")
}
