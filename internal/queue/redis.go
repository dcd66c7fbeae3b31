package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisPrefix  = "bookshot:jobs"
	defaultPollInterval = 500 * time.Millisecond
	claimBatch          = 10
)

// claimScript removes a due member and returns its payload atomically, so a
// concurrent Enqueue for the same bookmark can never lose its payload.
var claimScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	local payload = redis.call('HGET', KEYS[2], ARGV[1])
	redis.call('HDEL', KEYS[2], ARGV[1])
	return payload
end
return false
`)

type RedisOptions struct {
	Prefix       string        // key prefix, default "bookshot:jobs"
	PollInterval time.Duration // wait between polls when nothing is due
}

// RedisQueue keeps job ids in a sorted set scored by due time (unix ms) and
// the job payloads in a hash.
type RedisQueue struct {
	client     redis.UniversalClient
	dueKey     string
	payloadKey string
	poll       time.Duration
	now        func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func NewRedisQueue(client redis.UniversalClient, opts RedisOptions) *RedisQueue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &RedisQueue{
		client:     client,
		dueKey:     prefix + ":due",
		payloadKey: prefix + ":payload",
		poll:       poll,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if q.isClosed() {
		return ErrClosed
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if delay < 0 {
		delay = 0
	}
	due := q.now().Add(delay).UnixMilli()

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.payloadKey, job.BookmarkID, payload)
		p.ZAdd(ctx, q.dueKey, redis.Z{Score: float64(due), Member: job.BookmarkID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job for %s: %w", job.BookmarkID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if q.isClosed() {
			return Job{}, ErrClosed
		}

		job, ok, err := q.claimDue(ctx)
		if err != nil {
			return Job{}, err
		}
		if ok {
			return job, nil
		}

		timer := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Job{}, ctx.Err()
		case <-q.done:
			timer.Stop()
			return Job{}, ErrClosed
		case <-timer.C:
		}
	}
}

func (q *RedisQueue) claimDue(ctx context.Context) (Job, bool, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: claimBatch,
	}).Result()
	if err != nil {
		return Job{}, false, fmt.Errorf("failed to list due jobs: %w", err)
	}

	for _, id := range ids {
		payload, err := claimScript.Run(ctx, q.client, []string{q.dueKey, q.payloadKey}, id).Text()
		if errors.Is(err, redis.Nil) {
			// claimed by another consumer
			continue
		}
		if err != nil {
			return Job{}, false, fmt.Errorf("failed to claim job %s: %w", id, err)
		}

		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return Job{}, false, fmt.Errorf("failed to decode job %s: %w", id, err)
		}
		return job, true, nil
	}
	return Job{}, false, nil
}

// Len returns the number of scheduled and due jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.dueKey).Result()
}

// Close stops blocked Dequeue calls. The redis client is left open.
func (q *RedisQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

func (q *RedisQueue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
