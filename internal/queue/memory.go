package queue

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	job   Job
	timer *time.Timer
	ready bool
}

// MemoryQueue is an in-process Queue. Scheduled jobs are lost on restart;
// the sweeper re-enqueues whatever is still pending.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ready   []string
	notify  chan struct{}
	done    chan struct{}
	closed  bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		entries: make(map[string]*memoryEntry),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.removeLocked(job.BookmarkID)

	e := &memoryEntry{job: job}
	q.entries[job.BookmarkID] = e

	if delay <= 0 {
		q.markReadyLocked(e)
		return nil
	}

	e.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed || q.entries[job.BookmarkID] != e {
			return
		}
		q.markReadyLocked(e)
	})
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, ErrClosed
		}
		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			e := q.entries[id]
			delete(q.entries, id)
			if len(q.ready) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return e.job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.done:
			return Job{}, ErrClosed
		case <-q.notify:
		}
	}
}

// Len returns the number of scheduled and due jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, e := range q.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	close(q.done)
	return nil
}

func (q *MemoryQueue) removeLocked(id string) {
	e, ok := q.entries[id]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.ready {
		for i, rid := range q.ready {
			if rid == id {
				q.ready = append(q.ready[:i], q.ready[i+1:]...)
				break
			}
		}
	}
	delete(q.entries, id)
}

func (q *MemoryQueue) markReadyLocked(e *memoryEntry) {
	e.ready = true
	q.ready = append(q.ready, e.job.BookmarkID)
	q.signal()
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
