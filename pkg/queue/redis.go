package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-ofx-processor/pkg/job"
)

// promoteScript moves delayed entries whose ready time has passed onto the
// wait list in one step.
var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, v in ipairs(items) do
	redis.call('ZREM', KEYS[1], v)
	redis.call('RPUSH', KEYS[2], v)
end
return #items
`)

// RedisConfig names the keys and delivery policy of a Redis queue.
type RedisConfig struct {
	Name      string
	Consumer  string
	Policy    RetryPolicy
	Retention time.Duration
}

// Redis is a list-backed Queue. The client is dialled lazily and discarded
// after a transport error so the next call starts from a fresh connection.
type Redis struct {
	cfg    RedisConfig
	opts   redis.Options
	logger *slog.Logger

	mu     sync.Mutex
	client *redis.Client
}

// NewRedis builds a queue on top of opts. Nothing is dialled until first use.
func NewRedis(opts *redis.Options, cfg RedisConfig, logger *slog.Logger) *Redis {
	o := *opts
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.MinRetryBackoff == 0 {
		o.MinRetryBackoff = time.Second
	}
	if o.MaxRetryBackoff == 0 {
		o.MaxRetryBackoff = 3 * time.Second
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 2 * time.Second
	}

	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "default"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	cfg.Policy = cfg.Policy.normalized()
	if logger == nil {
		logger = slog.Default()
	}

	return &Redis{
		cfg:    cfg,
		opts:   o,
		logger: logger.With("component", "queue", "queue", cfg.Name),
	}
}

func (q *Redis) waitKey() string             { return q.cfg.Name + ":wait" }
func (q *Redis) activeKey() string           { return q.cfg.Name + ":active:" + q.cfg.Consumer }
func (q *Redis) delayedKey() string          { return q.cfg.Name + ":delayed" }
func (q *Redis) deadKey() string             { return q.cfg.Name + ":dead" }
func (q *Redis) doneKey(jobID string) string { return q.cfg.Name + ":done:" + jobID }

func (q *Redis) conn() *redis.Client {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.client == nil {
		q.client = redis.NewClient(&q.opts)
	}
	return q.client
}

// fail classifies err. Transport failures drop the client c so that the next
// operation reconnects.
func (q *Redis) fail(ctx context.Context, c *redis.Client, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var reply redis.Error
	if errors.As(err, &reply) {
		return fmt.Errorf("%s: %w", op, err)
	}

	q.mu.Lock()
	if q.client == c {
		q.client = nil
		_ = c.Close()
		q.logger.Warn("redis unavailable, connection reset", "op", op, "error", err)
	}
	q.mu.Unlock()
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func (q *Redis) Enqueue(ctx context.Context, msg job.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c := q.conn()
	if err := c.RPush(ctx, q.waitKey(), payload).Err(); err != nil {
		return q.fail(ctx, c, "enqueue", err)
	}
	return nil
}

func (q *Redis) Ping(ctx context.Context) error {
	c := q.conn()
	if err := c.Ping(ctx).Err(); err != nil {
		return q.fail(ctx, c, "ping", err)
	}
	return nil
}

func (q *Redis) promote(ctx context.Context, c *redis.Client) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, c, []string{q.delayedKey(), q.waitKey()}, now).Int()
	if err != nil {
		return err
	}
	if n > 0 {
		q.logger.Debug("promoted delayed deliveries", "count", n)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	c := q.conn()
	if err := q.promote(ctx, c); err != nil {
		return nil, q.fail(ctx, c, "promote", err)
	}

	raw, err := c.BLMove(ctx, q.waitKey(), q.activeKey(), "LEFT", "RIGHT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, q.fail(ctx, c, "dequeue", err)
	}

	var msg job.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		_, _ = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.activeKey(), 1, raw)
			pipe.LPush(ctx, q.deadKey(), raw)
			pipe.LTrim(ctx, q.deadKey(), 0, deadLetterCap-1)
			return nil
		})
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &Delivery{Message: msg, Attempt: msg.Attempt + 1, raw: raw}, nil
}

func (q *Redis) Ack(ctx context.Context, d *Delivery) error {
	c := q.conn()
	_, err := c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.activeKey(), 1, d.raw)
		pipe.Set(ctx, q.doneKey(d.Message.JobID), d.raw, q.cfg.Retention)
		return nil
	})
	if err != nil {
		return q.fail(ctx, c, "ack", err)
	}
	return nil
}

func (q *Redis) Nack(ctx context.Context, d *Delivery, cause error) (bool, error) {
	msg := d.Message
	msg.Attempt = d.Attempt
	payload, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}

	retry := !q.cfg.Policy.Exhausted(d.Attempt)
	c := q.conn()
	_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.activeKey(), 1, d.raw)
		if retry {
			readyAt := time.Now().Add(q.cfg.Policy.Delay(d.Attempt))
			pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: string(payload)})
			return nil
		}
		pipe.LPush(ctx, q.deadKey(), payload)
		pipe.LTrim(ctx, q.deadKey(), 0, deadLetterCap-1)
		return nil
	})
	if err != nil {
		return false, q.fail(ctx, c, "nack", err)
	}

	if retry {
		q.logger.Info("delivery scheduled for retry", "job_id", msg.JobID, "attempt", d.Attempt, "delay", q.cfg.Policy.Delay(d.Attempt).String(), "cause", errString(cause))
	} else {
		q.logger.Warn("delivery dead-lettered", "job_id", msg.JobID, "attempt", d.Attempt, "cause", errString(cause))
	}
	return retry, nil
}

func (q *Redis) Recover(ctx context.Context) (int, error) {
	c := q.conn()
	n := 0
	for {
		err := c.LMove(ctx, q.activeKey(), q.waitKey(), "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, q.fail(ctx, c, "recover", err)
		}
		n++
	}
}

// DeadLetters returns up to limit dead-lettered messages, newest first.
// A limit <= 0 returns all of them. Entries that do not decode are skipped.
func (q *Redis) DeadLetters(ctx context.Context, limit int64) ([]job.Message, error) {
	c := q.conn()
	raws, err := c.LRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, q.fail(ctx, c, "list dead letters", err)
	}
	msgs := make([]job.Message, 0, len(raws))
	for _, raw := range raws {
		var msg job.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// RetryDead moves the dead-lettered message for jobID back to the wait list
// with a fresh attempt count. It reports false when no such message exists.
func (q *Redis) RetryDead(ctx context.Context, jobID string) (bool, error) {
	c := q.conn()
	raws, err := c.LRange(ctx, q.deadKey(), 0, -1).Result()
	if err != nil {
		return false, q.fail(ctx, c, "list dead letters", err)
	}
	for _, raw := range raws {
		var msg job.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.JobID != jobID {
			continue
		}
		msg.Attempt = 0
		payload, err := json.Marshal(msg)
		if err != nil {
			return false, fmt.Errorf("encode message: %w", err)
		}
		_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.deadKey(), 1, raw)
			pipe.RPush(ctx, q.waitKey(), payload)
			return nil
		})
		if err != nil {
			return false, q.fail(ctx, c, "retry dead letter", err)
		}
		q.logger.Info("dead letter requeued", "job_id", jobID)
		return true, nil
	}
	return false, nil
}

func (q *Redis) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.client == nil {
		return nil
	}
	err := q.client.Close()
	q.client = nil
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
