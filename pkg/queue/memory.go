package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imalyk/go-ofx-processor/pkg/job"
)

type memEntry struct {
	msg     job.Message
	readyAt time.Time
}

// Memory is an in-process Queue with the same delivery semantics as Redis.
// It is meant for tests and single-binary development setups.
type Memory struct {
	mu       sync.Mutex
	policy   RetryPolicy
	wait     []memEntry
	inflight map[string]job.Message
	dead     []job.Message
	done     map[string]time.Time
	down     error
	changed  chan struct{}
	closed   bool
}

// NewMemory returns an empty in-process queue.
func NewMemory(policy RetryPolicy) *Memory {
	return &Memory{
		policy:   policy.normalized(),
		inflight: make(map[string]job.Message),
		done:     make(map[string]time.Time),
		changed:  make(chan struct{}),
	}
}

// SetUnavailable makes every call fail with err wrapped in ErrUnavailable
// until it is called again with nil.
func (m *Memory) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = err
}

func (m *Memory) available() error {
	if m.closed {
		return fmt.Errorf("%w: closed", ErrUnavailable)
	}
	if m.down != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, m.down)
	}
	return nil
}

// notify wakes blocked Dequeue calls. Caller holds m.mu.
func (m *Memory) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Memory) Enqueue(ctx context.Context, msg job.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	m.wait = append(m.wait, memEntry{msg: msg, readyAt: time.Now()})
	m.notify()
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available()
}

func (m *Memory) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if err := m.available(); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		now := time.Now()
		next := time.Duration(-1)
		for i, e := range m.wait {
			if !e.readyAt.After(now) {
				m.wait = append(m.wait[:i:i], m.wait[i+1:]...)
				id := uuid.NewString()
				m.inflight[id] = e.msg
				m.mu.Unlock()
				return &Delivery{Message: e.msg, Attempt: e.msg.Attempt + 1, raw: id}, nil
			}
			if d := e.readyAt.Sub(now); next < 0 || d < next {
				next = d
			}
		}
		changed := m.changed
		m.mu.Unlock()

		var (
			retry <-chan time.Time
			timer *time.Timer
		)
		if next >= 0 {
			timer = time.NewTimer(next)
			retry = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-deadline.C:
			stopTimer(timer)
			return nil, ErrEmpty
		case <-changed:
		case <-retry:
		}
		stopTimer(timer)
	}
}

func (m *Memory) Ack(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	delete(m.inflight, d.raw)

	now := time.Now()
	for id, at := range m.done {
		if now.Sub(at) >= DefaultRetention {
			delete(m.done, id)
		}
	}
	m.done[d.Message.JobID] = now
	return nil
}

func (m *Memory) Nack(ctx context.Context, d *Delivery, cause error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return false, err
	}
	delete(m.inflight, d.raw)

	msg := d.Message
	msg.Attempt = d.Attempt
	if m.policy.Exhausted(d.Attempt) {
		m.dead = append(m.dead, msg)
		if len(m.dead) > deadLetterCap {
			m.dead = m.dead[len(m.dead)-deadLetterCap:]
		}
		return false, nil
	}
	m.wait = append(m.wait, memEntry{msg: msg, readyAt: time.Now().Add(m.policy.Delay(d.Attempt))})
	m.notify()
	return true, nil
}

func (m *Memory) Recover(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return 0, err
	}
	n := 0
	for id, msg := range m.inflight {
		m.wait = append(m.wait, memEntry{msg: msg, readyAt: time.Now()})
		delete(m.inflight, id)
		n++
	}
	if n > 0 {
		m.notify()
	}
	return n, nil
}

// Dead returns a copy of the dead-letter list.
func (m *Memory) Dead() []job.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]job.Message(nil), m.dead...)
}

// Pending returns how many messages wait for delivery, delayed ones included.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.wait)
}

// Acked reports whether a delivery for jobID was acknowledged within the retention window.
func (m *Memory) Acked(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.done[jobID]
	return ok && time.Since(at) < DefaultRetention
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.notify()
	}
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
