package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, visibility time.Duration) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, Options{VisibilityTimeout: visibility}), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	if err := q.Enqueue(ctx, 7); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, 8); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 2 {
		t.Fatalf("expected depth 2 got %d", depth)
	}

	id, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok || id != 7 {
		t.Fatalf("expected report 7 got id=%d ok=%v err=%v", id, ok, err)
	}
	if n, _ := q.InFlight(ctx); n != 1 {
		t.Fatalf("expected one in-flight lease got %d", n)
	}

	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := q.InFlight(ctx); n != 0 {
		t.Fatalf("expected no in-flight leases after ack got %d", n)
	}

	id, ok, _ = q.DequeueWithLease(ctx)
	if !ok || id != 8 {
		t.Fatalf("expected report 8 got id=%d ok=%v", id, ok)
	}
	_, ok, err = q.DequeueWithLease(ctx)
	if err != nil || ok {
		t.Fatalf("expected empty queue got ok=%v err=%v", ok, err)
	}
}

func TestRescheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	_ = q.Enqueue(ctx, 3)
	id, _, _ := q.DequeueWithLease(ctx)

	runAt := time.Now().Add(10 * time.Second)
	if err := q.Reschedule(ctx, id, runAt); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if n, _ := q.InFlight(ctx); n != 0 {
		t.Fatalf("reschedule should release the lease, in-flight=%d", n)
	}

	promoted, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil || promoted != 0 {
		t.Fatalf("nothing should be due yet: promoted=%d err=%v", promoted, err)
	}

	promoted, err = q.PromoteScheduled(ctx, runAt.Add(time.Millisecond), 10)
	if err != nil || promoted != 1 {
		t.Fatalf("expected one promotion: promoted=%d err=%v", promoted, err)
	}
	id, ok, _ := q.DequeueWithLease(ctx)
	if !ok || id != 3 {
		t.Fatalf("expected report 3 after promotion got id=%d ok=%v", id, ok)
	}
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 5*time.Second)

	_ = q.Enqueue(ctx, 11)
	if _, ok, _ := q.DequeueWithLease(ctx); !ok {
		t.Fatalf("expected a message")
	}

	reclaimed, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil || len(reclaimed) != 0 {
		t.Fatalf("lease should still be valid: %v %v", reclaimed, err)
	}

	reclaimed, err = q.RequeueExpired(ctx, time.Now().Add(6*time.Second), 10)
	if err != nil || len(reclaimed) != 1 || reclaimed[0] != 11 {
		t.Fatalf("expected report 11 reclaimed got %v err=%v", reclaimed, err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected reclaimed report back in ready list, depth=%d", depth)
	}
}

func TestExtendLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Second)

	_ = q.Enqueue(ctx, 4)
	id, _, _ := q.DequeueWithLease(ctx)
	if err := q.ExtendLease(ctx, id, time.Minute); err != nil {
		t.Fatalf("extend lease: %v", err)
	}

	reclaimed, _ := q.RequeueExpired(ctx, time.Now().Add(5*time.Second), 10)
	if len(reclaimed) != 0 {
		t.Fatalf("extended lease should not be reclaimed: %v", reclaimed)
	}
}

func TestReportLock(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, time.Minute)

	token, ok, err := q.TryLock(ctx, 5, time.Second)
	if err != nil || !ok || token == "" {
		t.Fatalf("expected lock: token=%q ok=%v err=%v", token, ok, err)
	}

	if _, ok, _ := q.TryLock(ctx, 5, time.Second); ok {
		t.Fatalf("second holder must not get the lock")
	}
	if _, ok, _ := q.TryLock(ctx, 6, time.Second); !ok {
		t.Fatalf("locks are per report")
	}

	if err := q.RefreshLock(ctx, 5, token, time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := q.Unlock(ctx, 5, "someone-else"); err != ErrLockNotHeld {
		t.Fatalf("foreign token must not unlock, got %v", err)
	}
	if err := q.Unlock(ctx, 5, token); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, ok, _ := q.TryLock(ctx, 5, time.Second); !ok {
		t.Fatalf("lock should be free after unlock")
	}

	// An expired lock can be taken over.
	mr.FastForward(2 * time.Second)
	if _, ok, _ := q.TryLock(ctx, 6, time.Second); !ok {
		t.Fatalf("expired lock should be free")
	}
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	for _, id := range []int64{1, 2, 3} {
		if err := q.DLQPush(ctx, id); err != nil {
			t.Fatalf("dlq push: %v", err)
		}
	}
	items, err := q.DLQPeek(ctx, 2)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(items) != 2 || items[0] != 1 || items[1] != 2 {
		t.Fatalf("unexpected dlq contents %v", items)
	}
}

func TestNewClientParsesURL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client, err := NewClient("redis://" + mr.Addr() + "/0")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	q := NewRedisQueue(client, Options{})
	if err := q.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if q.VisibilityTimeout() != 30*time.Second {
		t.Fatalf("expected default visibility timeout, got %s", q.VisibilityTimeout())
	}

	if _, err := NewClient("not a url"); err == nil {
		t.Fatalf("expected parse error")
	}
}
