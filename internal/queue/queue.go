// Package queue schedules screenshot capture jobs. Jobs are keyed by bookmark
// id: enqueueing a job for a bookmark that already has one scheduled replaces
// the earlier job and its due time.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned once a queue has been closed.
var ErrClosed = errors.New("queue closed")

// Reason records why a job was enqueued.
type Reason string

const (
	ReasonCreated Reason = "created"
	ReasonRetry   Reason = "retry"
	ReasonManual  Reason = "manual"
	ReasonSweep   Reason = "sweep"
	ReasonBusy    Reason = "busy"
)

type Job struct {
	BookmarkID string `json:"bookmarkId"`
	OwnerID    string `json:"ownerId"`
	URL        string `json:"url"`
	// Attempt counts capture attempts already made for this job chain. It is
	// used for backoff when the record itself cannot be updated.
	Attempt int    `json:"attempt"`
	Reason  Reason `json:"reason"`
}

type Queue interface {
	// Enqueue schedules job to become due after delay.
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	// Dequeue blocks until a job is due, ctx is done, or the queue is closed.
	Dequeue(ctx context.Context) (Job, error)
	Close() error
}
