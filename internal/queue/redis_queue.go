package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned when a lock token no longer owns the report lock.
var ErrLockNotHeld = errors.New("report lock not held")

// Options configures a RedisQueue.
type Options struct {
	// Prefix namespaces every key, "reports" by default.
	Prefix string
	// VisibilityTimeout is how long a dequeued message stays leased before
	// it is handed out again.
	VisibilityTimeout time.Duration
	// DLQKey names the dead-letter list.
	DLQKey string
}

// RedisQueue coordinates ready, in-flight, and scheduled report jobs in Redis.
// The message payload is the report id.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	lockPrefix    string
	dlqKey        string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue on top of an existing client.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "reports"
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := opts.DLQKey
	if dlq == "" {
		dlq = prefix + ":dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      prefix + ":ready",
		inflightKey:   prefix + ":inflight",
		scheduledKey:  prefix + ":scheduled",
		lockPrefix:    prefix + ":lock:",
		dlqKey:        dlq,
		visibilityTTL: visibility,
	}
}

// NewClient parses a redis:// connection string into a client.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// VisibilityTimeout returns the lease duration handed out by DequeueWithLease.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

func member(reportID int64) string {
	return strconv.FormatInt(reportID, 10)
}

func (q *RedisQueue) lockKey(reportID int64) string {
	return q.lockPrefix + member(reportID)
}

// Ping checks connectivity to the broker.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue appends a report to the ready list. It returns as soon as Redis
// accepted the message.
func (q *RedisQueue) Enqueue(ctx context.Context, reportID int64) error {
	return q.client.RPush(ctx, q.readyKey, member(reportID)).Err()
}

// Schedule places a report into the scheduled set for delivery at runAt.
func (q *RedisQueue) Schedule(ctx context.Context, reportID int64, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: member(reportID)}).Err()
}

// Reschedule acknowledges the current delivery and schedules the next one in
// a single transaction.
func (q *RedisQueue) Reschedule(ctx context.Context, reportID int64, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, member(reportID))
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: member(reportID)})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled reports into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next report and records it as in flight until the
// visibility timeout passes. ok is false when the ready list is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (reportID int64, ok bool, err error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	raw, isString := res.(string)
	if !isString {
		return 0, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Nothing useful can be done with a malformed message; drop its lease.
		_ = q.client.ZRem(ctx, q.inflightKey, raw).Err()
		return 0, false, fmt.Errorf("malformed report id %q: %w", raw, err)
	}
	return id, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight report.
func (q *RedisQueue) ExtendLease(ctx context.Context, reportID int64, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: member(reportID),
	}).Err()
}

// Ack removes a report from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, reportID int64) error {
	return q.client.ZRem(ctx, q.inflightKey, member(reportID)).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]int64, error) {
	raw, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	ids := make([]int64, 0, len(raw))
	for _, m := range raw {
		pipe.ZRem(ctx, q.inflightKey, m)
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, q.readyKey, m)
		ids = append(ids, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// TryLock takes the per-report processing lock. It returns the token that
// must be presented to refresh or release it; ok is false when another
// holder owns the lock.
func (q *RedisQueue) TryLock(ctx context.Context, reportID int64, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = q.client.SetNX(ctx, q.lockKey(reportID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// RefreshLock extends the lock TTL if token still owns it.
func (q *RedisQueue) RefreshLock(ctx context.Context, reportID int64, token string, ttl time.Duration) error {
	n, err := refreshLockScript.Run(ctx, q.client, []string{q.lockKey(reportID)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Unlock releases the lock if token still owns it.
func (q *RedisQueue) Unlock(ctx context.Context, reportID int64, token string) error {
	n, err := unlockScript.Run(ctx, q.client, []string{q.lockKey(reportID)}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// DLQPush appends to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, reportID int64) error {
	return q.client.RPush(ctx, q.dlqKey, member(reportID)).Err()
}

// DLQPeek reads up to count dead-lettered report ids, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]int64, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(raw))
	for _, m := range raw {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns the number of leased messages.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var refreshLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
