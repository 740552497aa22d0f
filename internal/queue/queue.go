// Package queue implements the Redis-backed send queue: a FIFO list per
// campaign, a time-ordered retry set with backoff, and an atomic rate
// limiter. All state lives in Redis so it is shared across process
// instances; every mutation goes through Redis primitives or Lua
// scripts, never read-modify-write in the caller.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coeurlink/mailer/internal/domain"
)

const (
	queueKeyPrefix = "mailer:queue:"
	retryKey       = "mailer:retry"

	retryBackoffBase = 2 * time.Minute
	retryBackoffMax  = 30 * time.Minute
)

// claimRetriesScript atomically pops all retry members whose backoff
// window has elapsed, up to a limit. Range and removal happen in one
// script so two concurrent drains can never claim the same record.
var claimRetriesScript = redis.NewScript(`
local ready = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
if #ready > 0 then
	redis.call("ZREM", KEYS[1], unpack(ready))
end
return ready
`)

// Queue is the shared send queue. Safe for concurrent use.
type Queue struct {
	rdb *redis.Client
	now func() time.Time
}

// New creates a send queue on the given Redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb, now: time.Now}
}

func queueKey(campaignID string) string {
	return queueKeyPrefix + campaignID
}

// Push appends records to the campaign's FIFO queue.
func (q *Queue) Push(ctx context.Context, campaignID string, items ...domain.QueuedEmail) error {
	if len(items) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal queued email: %w", err)
		}
		values = append(values, data)
	}
	if err := q.rdb.RPush(ctx, queueKey(campaignID), values...).Err(); err != nil {
		return fmt.Errorf("push to queue %s: %w", campaignID, err)
	}
	return nil
}

// Pop removes and returns the oldest record, or nil when the queue is
// empty. Infrastructure errors propagate: an unreachable store must
// never look like an empty queue.
func (q *Queue) Pop(ctx context.Context, campaignID string) (*domain.QueuedEmail, error) {
	data, err := q.rdb.LPop(ctx, queueKey(campaignID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop from queue %s: %w", campaignID, err)
	}
	var item domain.QueuedEmail
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode queued email: %w", err)
	}
	return &item, nil
}

// Len reports the number of queued records for a campaign.
func (q *Queue) Len(ctx context.Context, campaignID string) (int64, error) {
	n, err := q.rdb.LLen(ctx, queueKey(campaignID)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length %s: %w", campaignID, err)
	}
	return n, nil
}

// IsEmpty reports queue exhaustion for a campaign.
func (q *Queue) IsEmpty(ctx context.Context, campaignID string) (bool, error) {
	n, err := q.Len(ctx, campaignID)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Purge drops all queued records for a campaign.
func (q *Queue) Purge(ctx context.Context, campaignID string) error {
	if err := q.rdb.Del(ctx, queueKey(campaignID)).Err(); err != nil {
		return fmt.Errorf("purge queue %s: %w", campaignID, err)
	}
	return nil
}

// PushToRetry moves a failed record into the retry set. The record's
// attempt count must already reflect the failed attempt; the backoff
// window grows exponentially with it.
func (q *Queue) PushToRetry(ctx context.Context, item domain.QueuedEmail, errMsg string) error {
	item.LastError = errMsg
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal retry record: %w", err)
	}
	readyAt := q.now().Add(retryBackoff(item.Attempts))
	err = q.rdb.ZAdd(ctx, retryKey, redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("push to retry: %w", err)
	}
	return nil
}

// RetryReady claims retry records whose backoff window has elapsed, up
// to limit. Claimed records are removed atomically.
func (q *Queue) RetryReady(ctx context.Context, limit int) ([]domain.QueuedEmail, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := claimRetriesScript.Run(ctx, q.rdb,
		[]string{retryKey}, q.now().Unix(), limit).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("claim retries: %w", err)
	}

	items := make([]domain.QueuedEmail, 0, len(raw))
	for _, member := range raw {
		var item domain.QueuedEmail
		if err := json.Unmarshal([]byte(member), &item); err != nil {
			return nil, fmt.Errorf("decode retry record: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// RetryCount reports the number of records awaiting retry.
func (q *Queue) RetryCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, retryKey).Result()
	if err != nil {
		return 0, fmt.Errorf("retry count: %w", err)
	}
	return n, nil
}

func retryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := retryBackoffBase << (attempts - 1)
	if d > retryBackoffMax {
		return retryBackoffMax
	}
	return d
}
