package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-ofx-processor/pkg/job"
)

func newTestRedis(t *testing.T, policy RetryPolicy) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := NewRedis(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}, RedisConfig{
		Name:     "test-q",
		Consumer: "w1",
		Policy:   policy,
	}, nil)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestRedisDeliverAndAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedis(t, DefaultRetryPolicy())

	if err := q.Enqueue(ctx, job.Message{JobID: "job-1", InputPath: "/tmp/in.pdf"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if d.Message.JobID != "job-1" || d.Message.InputPath != "/tmp/in.pdf" || d.Attempt != 1 {
		t.Fatalf("delivery = %+v", d)
	}

	active, _ := mr.List("test-q:active:w1")
	if len(active) != 1 {
		t.Fatalf("active list = %v, want one in-flight entry", active)
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if mr.Exists("test-q:active:w1") {
		t.Fatal("acked entry still in flight")
	}
	if ttl := mr.TTL("test-q:done:job-1"); ttl != DefaultRetention {
		t.Fatalf("retention ttl = %s, want %s", ttl, DefaultRetention)
	}
}

func TestRedisNackRedelivers(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestRedis(t, RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond})

	_ = q.Enqueue(ctx, job.Message{JobID: "job-1", InputPath: "/in"})
	d, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	retried, err := q.Nack(ctx, d, errors.New("converter failed"))
	if err != nil || !retried {
		t.Fatalf("Nack() = %v, %v; want retried", retried, err)
	}

	time.Sleep(10 * time.Millisecond)
	d2, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue() redelivery error = %v", err)
	}
	if d2.Attempt != 2 || d2.Message.JobID != "job-1" {
		t.Fatalf("redelivery = %+v", d2)
	}
}

func TestRedisDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedis(t, RetryPolicy{MaxAttempts: 1, Backoff: time.Millisecond})

	_ = q.Enqueue(ctx, job.Message{JobID: "job-1", InputPath: "/in"})
	d, _ := q.Dequeue(ctx, time.Second)
	retried, err := q.Nack(ctx, d, errors.New("boom"))
	if err != nil || retried {
		t.Fatalf("Nack() = %v, %v; want dead-lettered", retried, err)
	}
	dead, _ := mr.List("test-q:dead")
	if len(dead) != 1 {
		t.Fatalf("dead list = %v", dead)
	}

	msgs, err := q.DeadLetters(ctx, 10)
	if err != nil || len(msgs) != 1 || msgs[0].JobID != "job-1" || msgs[0].Attempt != 1 {
		t.Fatalf("DeadLetters() = %+v, %v", msgs, err)
	}

	if ok, err := q.RetryDead(ctx, "other"); ok || err != nil {
		t.Fatalf("RetryDead(other) = %v, %v", ok, err)
	}
	if ok, err := q.RetryDead(ctx, "job-1"); !ok || err != nil {
		t.Fatalf("RetryDead(job-1) = %v, %v", ok, err)
	}
	if mr.Exists("test-q:dead") {
		t.Fatal("retried message still dead-lettered")
	}
	d, err = q.Dequeue(ctx, time.Second)
	if err != nil || d.Attempt != 1 {
		t.Fatalf("requeued delivery = %+v, %v", d, err)
	}
}

// TestRedisRecover checks that a restarted consumer takes back its in-flight work.
func TestRedisRecover(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedis(t, DefaultRetryPolicy())

	_ = q.Enqueue(ctx, job.Message{JobID: "job-1", InputPath: "/in"})
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}

	restarted := NewRedis(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}, RedisConfig{Name: "test-q", Consumer: "w1"}, nil)
	defer restarted.Close()
	n, err := restarted.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover() = %d, %v; want 1", n, err)
	}
	d, err := restarted.Dequeue(ctx, time.Second)
	if err != nil || d.Message.JobID != "job-1" {
		t.Fatalf("Dequeue() after recover = %+v, %v", d, err)
	}
}

func TestRedisUndecodableMessageIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedis(t, DefaultRetryPolicy())
	if _, err := mr.Push("test-q:wait", "not-json"); err != nil {
		t.Fatalf("push: %v", err)
	}

	if _, err := q.Dequeue(ctx, time.Second); err == nil {
		t.Fatal("expected decode error")
	}
	dead, _ := mr.List("test-q:dead")
	if len(dead) != 1 || dead[0] != "not-json" {
		t.Fatalf("dead list = %v", dead)
	}
}

// TestRedisReconnectsAfterOutage checks that a transport error discards the
// client and a later call dials again.
func TestRedisReconnectsAfterOutage(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedis(t, DefaultRetryPolicy())
	if err := q.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	mr.Close()
	if err := q.Enqueue(ctx, job.Message{JobID: "lost"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Enqueue() during outage error = %v, want %v", err, ErrUnavailable)
	}
	if err := q.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Ping() during outage error = %v, want %v", err, ErrUnavailable)
	}

	if err := mr.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := q.Enqueue(ctx, job.Message{JobID: "job-2", InputPath: "/in"}); err != nil {
		t.Fatalf("Enqueue() after restart error = %v", err)
	}
	wait, _ := mr.List("test-q:wait")
	if len(wait) != 1 {
		t.Fatalf("wait list = %v", wait)
	}
}
