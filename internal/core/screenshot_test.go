package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/seckatie/bookshot/internal/core/db"
	"github.com/seckatie/bookshot/internal/queue"
	"github.com/seckatie/bookshot/internal/storage"
)

type serviceFixture struct {
	db       *db.DB
	records  *faultyRecords
	objects  *fakeObjects
	capturer *fakeCapturer
	queue    *fakeQueue
	svc      *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	d := newTestDB(t)
	f := &serviceFixture{
		db:       d,
		records:  &faultyRecords{DB: d},
		objects:  newFakeObjects(),
		capturer: &fakeCapturer{},
		queue:    &fakeQueue{},
	}
	f.svc = NewService(f.records, f.objects, f.capturer, f.queue, ServiceOptions{
		Policy: DefaultRetryPolicy(),
	})
	return f
}

// TestProcessSuccess covers a capture that succeeds on the first attempt.
func TestProcessSuccess(t *testing.T) {
	f := newServiceFixture(t)
	b := addBookmark(t, f.db, "u1", "https://example.com", "Example")

	if err := f.svc.Process(context.Background(), jobFor(b, queue.ReasonCreated)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	got := mustGet(t, f.db, b.ID)
	wantPath := "screenshots/u1/" + b.ID + ".png"
	if got.Screenshot.Status != db.ScreenshotCompleted {
		t.Fatalf("expected completed, got %q", got.Screenshot.Status)
	}
	if got.Screenshot.Path == nil || *got.Screenshot.Path != wantPath {
		t.Errorf("expected path %s, got %v", wantPath, got.Screenshot.Path)
	}
	if got.Screenshot.URL == nil || *got.Screenshot.URL != "https://cdn.test/"+wantPath {
		t.Errorf("unexpected url %v", got.Screenshot.URL)
	}
	if got.Screenshot.Retries != 0 || got.Screenshot.Error != nil {
		t.Errorf("expected clean sub-state, got %+v", got.Screenshot)
	}
	if !f.objects.has(wantPath) {
		t.Error("expected image to be uploaded")
	}
	if jobs := f.queue.all(); len(jobs) != 0 {
		t.Errorf("expected nothing enqueued, got %+v", jobs)
	}
}

// TestProcessRetriesUntilExhausted covers a page that never renders.
func TestProcessRetriesUntilExhausted(t *testing.T) {
	f := newServiceFixture(t)
	f.capturer.fn = fail(&CaptureError{Reason: CaptureTimeout, Err: context.DeadlineExceeded})
	b := addBookmark(t, f.db, "u1", "https://slow.example.com", "Slow")
	ctx := context.Background()

	wantDelays := []time.Duration{30 * time.Second, 60 * time.Second}
	job := jobFor(b, queue.ReasonCreated)
	for i, want := range wantDelays {
		if err := f.svc.Process(ctx, job); err != nil {
			t.Fatalf("attempt %d: expected no error, got %v", i+1, err)
		}
		got := mustGet(t, f.db, b.ID)
		if got.Screenshot.Status != db.ScreenshotPending {
			t.Fatalf("attempt %d: expected pending, got %q", i+1, got.Screenshot.Status)
		}
		if got.Screenshot.Retries != i+1 {
			t.Errorf("attempt %d: expected retries %d, got %d", i+1, i+1, got.Screenshot.Retries)
		}
		if got.Screenshot.Error == nil || !strings.Contains(*got.Screenshot.Error, "timeout") {
			t.Errorf("attempt %d: expected timeout error recorded, got %v", i+1, got.Screenshot.Error)
		}

		next := f.queue.last(t)
		if next.delay != want {
			t.Errorf("attempt %d: expected delay %v, got %v", i+1, want, next.delay)
		}
		if next.job.Reason != queue.ReasonRetry || next.job.Attempt != i+1 {
			t.Errorf("attempt %d: unexpected job %+v", i+1, next.job)
		}
		job = next.job
	}

	if err := f.svc.Process(ctx, job); err != nil {
		t.Fatalf("attempt 3: expected no error, got %v", err)
	}
	got := mustGet(t, f.db, b.ID)
	if got.Screenshot.Status != db.ScreenshotFailed {
		t.Fatalf("expected failed, got %q", got.Screenshot.Status)
	}
	if got.Screenshot.Retries != DefaultMaxRetries {
		t.Errorf("expected retries %d, got %d", DefaultMaxRetries, got.Screenshot.Retries)
	}
	if got.Screenshot.URL != nil || got.Screenshot.Path != nil {
		t.Error("expected no url or path on failure")
	}
	if n := len(f.queue.all()); n != 2 {
		t.Errorf("expected no enqueue after exhaustion, got %d jobs total", n)
	}
	if f.capturer.Calls() != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", f.capturer.Calls())
	}

	// A stray job for an exhausted bookmark does nothing.
	if err := f.svc.Process(ctx, job); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f.capturer.Calls() != 3 {
		t.Errorf("expected no further attempts, got %d", f.capturer.Calls())
	}
}

// TestProcessRecovers covers a failure followed by success.
func TestProcessRecovers(t *testing.T) {
	f := newServiceFixture(t)
	f.capturer.fn = func(call int, url string) (Capture, error) {
		if call == 1 {
			return Capture{}, &CaptureError{Reason: CaptureNavigation, Err: errBoom}
		}
		return Capture{Image: []byte("png"), FinalURL: url}, nil
	}
	b := addBookmark(t, f.db, "u1", "https://flaky.example.com", "Flaky")
	ctx := context.Background()

	if err := f.svc.Process(ctx, jobFor(b, queue.ReasonCreated)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := f.svc.Process(ctx, f.queue.last(t).job); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	got := mustGet(t, f.db, b.ID)
	if got.Screenshot.Status != db.ScreenshotCompleted {
		t.Fatalf("expected completed, got %q", got.Screenshot.Status)
	}
	if got.Screenshot.Retries != 1 {
		t.Errorf("expected retries to stay at 1, got %d", got.Screenshot.Retries)
	}
	if got.Screenshot.Error != nil {
		t.Errorf("expected error cleared, got %q", *got.Screenshot.Error)
	}
}

// TestProcessUploadFailure covers a storage outage during upload.
func TestProcessUploadFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.objects.uploadErr = errBoom
	b := addBookmark(t, f.db, "u1", "https://example.com", "Example")

	if err := f.svc.Process(context.Background(), jobFor(b, queue.ReasonCreated)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	got := mustGet(t, f.db, b.ID)
	if got.Screenshot.Status != db.ScreenshotPending || got.Screenshot.Retries != 1 {
		t.Errorf("expected pending with one retry, got %+v", got.Screenshot)
	}
	if got.Screenshot.Error == nil || !strings.Contains(*got.Screenshot.Error, "upload") {
		t.Errorf("expected upload error recorded, got %v", got.Screenshot.Error)
	}
	if f.queue.last(t).delay != DefaultBaseDelay {
		t.Errorf("expected base delay")
	}
}

// TestProcessDeletedDuringCapture covers a bookmark deleted while its page loads.
func TestProcessDeletedDuringCapture(t *testing.T) {
	f := newServiceFixture(t)
	b := addBookmark(t, f.db, "u1", "https://example.com", "Example")
	f.capturer.fn = func(_ int, url string) (Capture, error) {
		if err := f.db.DeleteBookmark(context.Background(), b.ID); err != nil {
			t.Errorf("failed to delete bookmark: %v", err)
		}
		return Capture{Image: []byte("png"), FinalURL: url}, nil
	}

	if err := f.svc.Process(context.Background(), jobFor(b, queue.ReasonCreated)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	path := storage.ScreenshotPath("u1", b.ID)
	if f.objects.has(path) {
		t.Error("expected uploaded image to be deleted")
	}
	if len(f.objects.deletes) != 1 || f.objects.deletes[0] != path {
		t.Errorf("expected one delete of %s, got %v", path, f.objects.deletes)
	}
	if jobs := f.queue.all(); len(jobs) != 0 {
		t.Errorf("expected no retry, got %+v", jobs)
	}
}

// TestProcessMissingBookmark covers a job whose bookmark no longer exists.
func TestProcessMissingBookmark(t *testing.T) {
	f := newServiceFixture(t)
	err := f.svc.Process(context.Background(), queue.Job{BookmarkID: "gone", URL: "https://example.com"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f.capturer.Calls() != 0 {
		t.Error("expected no capture attempt")
	}
}

// TestProcessWriteBackFailure covers a document store that rejects writes.
func TestProcessWriteBackFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.capturer.fn = fail(errBoom)
	f.records.updateErr = errors.New("database is locked")
	b := addBookmark(t, f.db, "u1", "https://example.com", "Example")

	job := jobFor(b, queue.ReasonRetry)
	job.Attempt = 1
	if err := f.svc.Process(context.Background(), job); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	next := f.queue.last(t)
	if next.job.Attempt != 2 {
		t.Errorf("expected attempt counter to advance to 2, got %d", next.job.Attempt)
	}
	if next.delay != 60*time.Second {
		t.Errorf("expected backoff on attempt 2, got %v", next.delay)
	}

	got := mustGet(t, f.db, b.ID)
	if got.Screenshot.Status != db.ScreenshotPending || got.Screenshot.Retries != 0 {
		t.Errorf("expected record untouched, got %+v", got.Screenshot)
	}
}

// TestProcessCompletionWriteFailure covers an upload followed by a failed write.
func TestProcessCompletionWriteFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.records.updateErr = errBoom
	b := addBookmark(t, f.db, "u1", "https://example.com", "Example")

	if err := f.svc.Process(context.Background(), jobFor(b, queue.ReasonCreated)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !f.objects.has(storage.ScreenshotPath("u1", b.ID)) {
		t.Error("expected upload to happen before the write")
	}
	if next := f.queue.last(t); next.job.Attempt != 1 {
		t.Errorf("expected a retry, got %+v", next.job)
	}
}

// TestProcessBusy covers a second job for a bookmark already being captured.
func TestProcessBusy(t *testing.T) {
	f := newServiceFixture(t)
	b := addBookmark(t, f.db, "u1", "https://example.com", "Example")

	if !f.svc.acquire(b.ID) {
		t.Fatal("expected to acquire bookmark")
	}
	defer f.svc.release(b.ID)

	if err := f.svc.Process(context.Background(), jobFor(b, queue.ReasonCreated)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f.capturer.Calls() != 0 {
		t.Error("expected no second capture")
	}
	next := f.queue.last(t)
	if next.job.Reason != queue.ReasonBusy || next.delay != DefaultBaseDelay {
		t.Errorf("expected busy requeue after base delay, got %+v", next)
	}
}

// TestProcessCancelled covers shutdown in the middle of a capture.
func TestProcessCancelled(t *testing.T) {
	f := newServiceFixture(t)
	b := addBookmark(t, f.db, "u1", "https://example.com", "Example")

	ctx, cancel := context.WithCancel(context.Background())
	f.capturer.fn = func(int, string) (Capture, error) {
		cancel()
		return Capture{}, &CaptureError{Reason: CaptureNavigation, Err: context.Canceled}
	}

	if err := f.svc.Process(ctx, jobFor(b, queue.ReasonCreated)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	got := mustGet(t, f.db, b.ID)
	if got.Screenshot.Retries != 0 || got.Screenshot.Error != nil {
		t.Errorf("expected attempt not to be counted, got %+v", got.Screenshot)
	}
}

// TestProcessFillsTitle covers filling an empty title from the page.
func TestProcessFillsTitle(t *testing.T) {
	f := newServiceFixture(t)
	f.capturer.fn = succeed("Page Title")
	untitled := addBookmark(t, f.db, "u1", "https://untitled.com", "")
	titled := addBookmark(t, f.db, "u1", "https://titled.com", "Mine")
	ctx := context.Background()

	for _, b := range []db.Bookmark{untitled, titled} {
		if err := f.svc.Process(ctx, jobFor(b, queue.ReasonCreated)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	if got := mustGet(t, f.db, untitled.ID).Title; got != "Page Title" {
		t.Errorf("expected title to be filled, got %q", got)
	}
	if got := mustGet(t, f.db, titled.ID).Title; got != "Mine" {
		t.Errorf("expected title to be kept, got %q", got)
	}
}

// TestTruncateError tests stored error truncation.
func TestTruncateError(t *testing.T) {
	long := strings.Repeat("x", MaxErrorLength+10)
	if got := truncateError(long); len(got) != MaxErrorLength {
		t.Errorf("expected %d bytes, got %d", MaxErrorLength, len(got))
	}
	if got := truncateError("short"); got != "short" {
		t.Errorf("expected short message unchanged, got %q", got)
	}
}

// TestRetry tests the manual retry entry point.
func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("resets failed screenshot and queues it", func(t *testing.T) {
		f := newServiceFixture(t)
		b := addBookmark(t, f.db, "u1", "https://example.com", "Example")
		msg := "timeout"
		_ = f.db.UpdateScreenshot(ctx, b.ID, db.Screenshot{Status: db.ScreenshotFailed, Retries: 3, Error: &msg})

		got, err := f.svc.Retry(ctx, b.ID, "u1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got.Screenshot.Status != db.ScreenshotPending || got.Screenshot.Retries != 0 || got.Screenshot.Error != nil {
			t.Errorf("expected reset state, got %+v", got.Screenshot)
		}
		next := f.queue.last(t)
		if next.job.Reason != queue.ReasonManual || next.delay != 0 || next.job.Attempt != 0 {
			t.Errorf("expected immediate manual job, got %+v", next)
		}
	})

	t.Run("resets completed screenshot", func(t *testing.T) {
		f := newServiceFixture(t)
		b := addBookmark(t, f.db, "u1", "https://example.com", "Example")
		if err := f.svc.Process(ctx, jobFor(b, queue.ReasonCreated)); err != nil {
			t.Fatalf("failed to capture: %v", err)
		}

		got, err := f.svc.Retry(ctx, b.ID, "u1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got.Screenshot.URL != nil || got.Screenshot.Path != nil {
			t.Errorf("expected url and path cleared, got %+v", got.Screenshot)
		}
	})

	t.Run("refuses pending screenshot", func(t *testing.T) {
		f := newServiceFixture(t)
		b := addBookmark(t, f.db, "u1", "https://example.com", "Example")
		if _, err := f.svc.Retry(ctx, b.ID, "u1"); !errors.Is(err, ErrCaptureInProgress) {
			t.Errorf("expected ErrCaptureInProgress, got %v", err)
		}
		if len(f.queue.all()) != 0 {
			t.Error("expected nothing enqueued")
		}
	})

	t.Run("refuses other owners", func(t *testing.T) {
		f := newServiceFixture(t)
		b := addBookmark(t, f.db, "u1", "https://example.com", "Example")
		msg := "x"
		_ = f.db.UpdateScreenshot(ctx, b.ID, db.Screenshot{Status: db.ScreenshotFailed, Retries: 3, Error: &msg})

		if _, err := f.svc.Retry(ctx, b.ID, "u2"); !errors.Is(err, ErrForbidden) {
			t.Errorf("expected ErrForbidden, got %v", err)
		}
		if got := mustGet(t, f.db, b.ID); got.Screenshot.Status != db.ScreenshotFailed {
			t.Errorf("expected state untouched, got %q", got.Screenshot.Status)
		}
	})

	t.Run("missing bookmark", func(t *testing.T) {
		f := newServiceFixture(t)
		if _, err := f.svc.Retry(ctx, "missing", "u1"); !errors.Is(err, db.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

// TestDeleteBookmark tests the image-then-record delete.
func TestDeleteBookmark(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes image and record", func(t *testing.T) {
		f := newServiceFixture(t)
		b := addBookmark(t, f.db, "u1", "https://example.com", "Example")
		if err := f.svc.Process(ctx, jobFor(b, queue.ReasonCreated)); err != nil {
			t.Fatalf("failed to capture: %v", err)
		}

		if err := f.svc.DeleteBookmark(ctx, b.ID, "u1"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if f.objects.has(storage.ScreenshotPath("u1", b.ID)) {
			t.Error("expected image deleted")
		}
		if _, err := f.db.GetBookmark(ctx, b.ID); !errors.Is(err, db.ErrNotFound) {
			t.Errorf("expected record deleted, got %v", err)
		}
	})

	t.Run("missing image is fine", func(t *testing.T) {
		f := newServiceFixture(t)
		b := addBookmark(t, f.db, "u1", "https://example.com", "Example")
		if err := f.svc.DeleteBookmark(ctx, b.ID, "u1"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if _, err := f.db.GetBookmark(ctx, b.ID); !errors.Is(err, db.ErrNotFound) {
			t.Errorf("expected record deleted, got %v", err)
		}
	})

	t.Run("storage failure keeps record", func(t *testing.T) {
		f := newServiceFixture(t)
		f.objects.deleteErr = fmt.Errorf("s3 unavailable")
		b := addBookmark(t, f.db, "u1", "https://example.com", "Example")

		if err := f.svc.DeleteBookmark(ctx, b.ID, "u1"); err == nil {
			t.Fatal("expected error")
		}
		mustGet(t, f.db, b.ID)
	})

	t.Run("other owner is forbidden", func(t *testing.T) {
		f := newServiceFixture(t)
		b := addBookmark(t, f.db, "u1", "https://example.com", "Example")
		if err := f.svc.DeleteBookmark(ctx, b.ID, "u2"); !errors.Is(err, ErrForbidden) {
			t.Errorf("expected ErrForbidden, got %v", err)
		}
		mustGet(t, f.db, b.ID)
		if len(f.objects.deletes) != 0 {
			t.Error("expected no storage calls")
		}
	})
}

// TestCaptureNow tests the synchronous single attempt.
func TestCaptureNow(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	b := addBookmark(t, f.db, "u1", "https://example.com", "Example")

	got, err := f.svc.CaptureNow(ctx, b.ID, false)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Screenshot.Status != db.ScreenshotCompleted {
		t.Fatalf("expected completed, got %q", got.Screenshot.Status)
	}

	if _, err := f.svc.CaptureNow(ctx, b.ID, false); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f.capturer.Calls() != 1 {
		t.Errorf("expected completed screenshot to be left alone without reset")
	}

	if _, err := f.svc.CaptureNow(ctx, b.ID, true); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f.capturer.Calls() != 2 {
		t.Errorf("expected reset to force a new capture, got %d calls", f.capturer.Calls())
	}
}

// TestHandleEvent tests queueing on bookmark creation.
func TestHandleEvent(t *testing.T) {
	f := newServiceFixture(t)
	f.db.RegisterEventListener(db.OnBookmarkCreatedEvent, f.svc.HandleEvent)

	b := addBookmark(t, f.db, "u1", "https://example.com", "Example")

	next := f.queue.last(t)
	if next.job.BookmarkID != b.ID || next.job.Reason != queue.ReasonCreated || next.delay != 0 {
		t.Errorf("unexpected job %+v", next)
	}

	if err := f.svc.HandleEvent(db.BookmarkDeletedEvent{Bookmark: b}); err != nil {
		t.Errorf("expected other events to be ignored, got %v", err)
	}
	if len(f.queue.all()) != 1 {
		t.Error("expected only the created event to enqueue")
	}
}

// TestSweep tests requeueing stale pending bookmarks.
func TestSweep(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	stale := addBookmark(t, f.db, "u1", "https://stale.com", "Stale")
	busy := addBookmark(t, f.db, "u1", "https://busy.com", "Busy")
	done := addBookmark(t, f.db, "u1", "https://done.com", "Done")
	if err := f.svc.Process(ctx, jobFor(done, queue.ReasonCreated)); err != nil {
		t.Fatalf("failed to capture: %v", err)
	}

	f.svc.acquire(busy.ID)
	defer f.svc.release(busy.ID)
	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := f.svc.Sweep(ctx, DefaultStaleAfter, 10)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 bookmark queued, got %d", n)
	}
	next := f.queue.last(t)
	if next.job.BookmarkID != stale.ID || next.job.Reason != queue.ReasonSweep {
		t.Errorf("unexpected job %+v", next)
	}
}
