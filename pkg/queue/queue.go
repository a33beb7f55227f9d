// Package queue carries job messages from the API to workers with
// at-least-once delivery.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/imalyk/go-ofx-processor/pkg/job"
)

var (
	// ErrEmpty is returned by Dequeue when nothing became ready before the timeout.
	ErrEmpty = errors.New("queue empty")
	// ErrUnavailable is returned when the transport cannot be reached.
	ErrUnavailable = errors.New("queue transport unavailable")
)

const (
	DefaultName        = "pdf-to-ofx"
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
	DefaultRetention   = time.Hour
	deadLetterCap      = 1000
)

// Producer is the side used by the API.
type Producer interface {
	Enqueue(ctx context.Context, msg job.Message) error
	Ping(ctx context.Context) error
}

// Consumer is the side used by workers.
type Consumer interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack gives the delivery back. It reports whether the message was
	// scheduled for another attempt or dead-lettered.
	Nack(ctx context.Context, d *Delivery, cause error) (bool, error)
	// Recover requeues deliveries left in flight by a previous run of this consumer.
	Recover(ctx context.Context) (int, error)
}

// Queue is both sides of one transport.
type Queue interface {
	Producer
	Consumer
	Close() error
}

// Delivery is one dequeued message. Attempt starts at 1.
type Delivery struct {
	Message job.Message
	Attempt int
	raw     string
}

// RetryPolicy bounds redelivery of nacked messages.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy is three attempts with exponential backoff from two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff}
}

// Delay returns the wait before attempt+1 after attempt failed.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Backoff * time.Duration(1<<uint(attempt-1))
}

// Exhausted reports whether attempt was the last one allowed.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultBackoff
	}
	return p
}
