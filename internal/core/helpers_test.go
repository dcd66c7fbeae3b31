package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seckatie/bookshot/internal/core/db"
	"github.com/seckatie/bookshot/internal/queue"
	"github.com/seckatie/bookshot/internal/storage"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.NewSQLiteDB(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func addBookmark(t *testing.T, d *db.DB, owner, url, title string) db.Bookmark {
	t.Helper()
	b, err := d.AddBookmark(context.Background(), db.NewBookmark{OwnerID: owner, URL: url, Title: title})
	if err != nil {
		t.Fatalf("failed to add bookmark: %v", err)
	}
	return b
}

func mustGet(t *testing.T, d *db.DB, id string) db.Bookmark {
	t.Helper()
	b, err := d.GetBookmark(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get bookmark %s: %v", id, err)
	}
	return b
}

func jobFor(b db.Bookmark, reason queue.Reason) queue.Job {
	return queue.Job{BookmarkID: b.ID, OwnerID: b.OwnerID, URL: b.URL, Reason: reason}
}

// faultyRecords lets tests fail screenshot writes.
type faultyRecords struct {
	*db.DB
	updateErr error
}

func (f *faultyRecords) UpdateScreenshot(ctx context.Context, id string, s db.Screenshot) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.DB.UpdateScreenshot(ctx, id, s)
}

type fakeCapturer struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, url string) (Capture, error)
}

func (c *fakeCapturer) Capture(ctx context.Context, url string, opts CaptureOptions) (Capture, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()
	if c.fn == nil {
		return Capture{Image: []byte("png"), FinalURL: url}, nil
	}
	return c.fn(call, url)
}

func (c *fakeCapturer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func succeed(title string) func(int, string) (Capture, error) {
	return func(_ int, url string) (Capture, error) {
		return Capture{Image: []byte("png"), FinalURL: url, Title: title}, nil
	}
}

func fail(err error) func(int, string) (Capture, error) {
	return func(int, string) (Capture, error) { return Capture{}, err }
}

type fakeObjects struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deletes   []string
	uploadErr error
	deleteErr error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (o *fakeObjects) Upload(ctx context.Context, path, contentType string, body []byte) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.uploadErr != nil {
		return "", o.uploadErr
	}
	o.objects[path] = body
	return "https://cdn.test/" + path, nil
}

func (o *fakeObjects) Delete(ctx context.Context, path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deletes = append(o.deletes, path)
	if o.deleteErr != nil {
		return o.deleteErr
	}
	if _, ok := o.objects[path]; !ok {
		return storage.ErrObjectNotFound
	}
	delete(o.objects, path)
	return nil
}

func (o *fakeObjects) has(path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.objects[path]
	return ok
}

type enqueued struct {
	job   queue.Job
	delay time.Duration
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, job queue.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, enqueued{job: job, delay: delay})
	return nil
}

func (q *fakeQueue) all() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued(nil), q.jobs...)
}

func (q *fakeQueue) last(t *testing.T) enqueued {
	t.Helper()
	jobs := q.all()
	if len(jobs) == 0 {
		t.Fatal("expected a job to be enqueued")
	}
	return jobs[len(jobs)-1]
}

var errBoom = errors.New("boom")
