package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/imalyk/go-ofx-processor/pkg/callback"
	"github.com/imalyk/go-ofx-processor/pkg/convert"
	"github.com/imalyk/go-ofx-processor/pkg/job"
	"github.com/imalyk/go-ofx-processor/pkg/queue"
)

type report struct {
	jobID  string
	status job.Status
	detail string
}

// fakeReporter records reports in order.
type fakeReporter struct {
	mu      sync.Mutex
	reports []report
}

func (f *fakeReporter) add(r report) callback.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return callback.Result{Delivered: true, StatusCode: 200}
}

func (f *fakeReporter) Processing(_ context.Context, id string) callback.Result {
	return f.add(report{jobID: id, status: job.StatusProcessing})
}

func (f *fakeReporter) Completed(_ context.Context, id, out string) callback.Result {
	return f.add(report{jobID: id, status: job.StatusCompleted, detail: out})
}

func (f *fakeReporter) Failed(_ context.Context, id, msg string) callback.Result {
	return f.add(report{jobID: id, status: job.StatusFailed, detail: msg})
}

func (f *fakeReporter) snapshot() []report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]report(nil), f.reports...)
}

// fakeConverter returns outcome, or blocks until ctx ends when block is set.
type fakeConverter struct {
	outcome convert.Outcome
	block   bool
	started chan struct{}
}

func (f *fakeConverter) Run(ctx context.Context, inputPath string) convert.Outcome {
	if f.started != nil {
		close(f.started)
	}
	if f.block {
		<-ctx.Done()
		return convert.Outcome{Message: ctx.Err().Error(), ExitCode: -1}
	}
	out := f.outcome
	if out.OutputPath == "from-input" {
		out.OutputPath = strings.TrimSuffix(inputPath, ".pdf") + ".ofx"
	}
	return out
}

// fakeStager serves Fetch by writing the file locally.
type fakeStager struct {
	mu      sync.Mutex
	fetched []string
	put     []string
	missing bool
}

func (f *fakeStager) Enabled() bool { return true }

func (f *fakeStager) Put(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put = append(f.put, path)
	return nil
}

func (f *fakeStager) Fetch(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, path)
	if f.missing {
		return errors.New("file not staged")
	}
	return os.WriteFile(path, []byte("%PDF-1.4"), 0o644)
}

func (f *fakeStager) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

func inputFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func deliver(t *testing.T, q *queue.Memory, msg job.Message) *queue.Delivery {
	t.Helper()
	if err := q.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d, err := q.Dequeue(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	return d
}

func TestProcessSuccessReportsAndAcks(t *testing.T) {
	q := queue.NewMemory(queue.DefaultRetryPolicy())
	rep := &fakeReporter{}
	conv := &fakeConverter{outcome: convert.Outcome{OutputPath: "/tmp/out.ofx"}}
	w := New(q, conv, rep, nil, Config{}, nil)

	d := deliver(t, q, job.Message{JobID: "j1", InputPath: inputFile(t)})
	w.Process(context.Background(), d)

	got := rep.snapshot()
	if len(got) != 2 || got[0].status != job.StatusProcessing || got[1].status != job.StatusCompleted || got[1].detail != "/tmp/out.ofx" {
		t.Fatalf("reports = %+v", got)
	}
	if !q.Acked("j1") {
		t.Fatal("delivery not acked")
	}
}

func TestProcessFailureReportsAndDeadLetters(t *testing.T) {
	q := queue.NewMemory(queue.RetryPolicy{MaxAttempts: 1, Backoff: time.Millisecond})
	rep := &fakeReporter{}
	conv := &fakeConverter{outcome: convert.Outcome{Message: "unsupported layout", ExitCode: 2}}
	w := New(q, conv, rep, nil, Config{}, nil)

	d := deliver(t, q, job.Message{JobID: "j2", InputPath: inputFile(t)})
	w.Process(context.Background(), d)

	got := rep.snapshot()
	if len(got) != 2 || got[1].status != job.StatusFailed || got[1].detail != "unsupported layout" {
		t.Fatalf("reports = %+v", got)
	}
	if dead := q.Dead(); len(dead) != 1 || dead[0].JobID != "j2" {
		t.Fatalf("dead letters = %+v", dead)
	}
	if q.Acked("j2") {
		t.Fatal("failed delivery must not be acked")
	}
}

func TestProcessFailureIsRedelivered(t *testing.T) {
	q := queue.NewMemory(queue.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond})
	conv := &fakeConverter{outcome: convert.Outcome{Message: "process exited with code 3", ExitCode: 3}}
	w := New(q, conv, &fakeReporter{}, nil, Config{}, nil)

	d := deliver(t, q, job.Message{JobID: "j3", InputPath: inputFile(t)})
	w.Process(context.Background(), d)

	again, err := q.Dequeue(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if again.Attempt != 2 || again.Message.JobID != "j3" {
		t.Fatalf("redelivery = %+v", again)
	}
}

func TestProcessMissingInputFails(t *testing.T) {
	q := queue.NewMemory(queue.RetryPolicy{MaxAttempts: 1})
	rep := &fakeReporter{}
	conv := &fakeConverter{started: make(chan struct{})}
	w := New(q, conv, rep, nil, Config{}, nil)

	d := deliver(t, q, job.Message{JobID: "j4", InputPath: filepath.Join(t.TempDir(), "gone.pdf")})
	w.Process(context.Background(), d)

	select {
	case <-conv.started:
		t.Fatal("converter ran without an input file")
	default:
	}
	got := rep.snapshot()
	if len(got) != 1 || got[0].status != job.StatusFailed || !strings.HasPrefix(got[0].detail, "input file unavailable") {
		t.Fatalf("reports = %+v", got)
	}
}

func TestProcessFetchesAndStagesThroughStorage(t *testing.T) {
	q := queue.NewMemory(queue.DefaultRetryPolicy())
	rep := &fakeReporter{}
	stager := &fakeStager{}
	conv := &fakeConverter{outcome: convert.Outcome{OutputPath: "from-input"}}
	w := New(q, conv, rep, stager, Config{}, nil)

	input := filepath.Join(t.TempDir(), "remote.pdf")
	d := deliver(t, q, job.Message{JobID: "j5", InputPath: input})
	w.Process(context.Background(), d)

	if len(stager.fetched) != 1 || stager.fetched[0] != input {
		t.Fatalf("fetched = %v", stager.fetched)
	}
	want := strings.TrimSuffix(input, ".pdf") + ".ofx"
	if len(stager.put) != 1 || stager.put[0] != want {
		t.Fatalf("staged = %v, want %s", stager.put, want)
	}
	if !q.Acked("j5") {
		t.Fatal("delivery not acked")
	}
}

func TestProcessInterruptedLeavesDeliveryForRecover(t *testing.T) {
	q := queue.NewMemory(queue.DefaultRetryPolicy())
	rep := &fakeReporter{}
	conv := &fakeConverter{block: true, started: make(chan struct{})}
	w := New(q, conv, rep, nil, Config{}, nil)

	d := deliver(t, q, job.Message{JobID: "j6", InputPath: inputFile(t)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Process(ctx, d)
		close(done)
	}()
	<-conv.started
	cancel()
	<-done

	if got := rep.snapshot(); len(got) != 1 || got[0].status != job.StatusProcessing {
		t.Fatalf("reports = %+v", got)
	}
	n, err := q.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Recover() = %d, %v", n, err)
	}
}

func TestRunDrainsQueueConcurrently(t *testing.T) {
	q := queue.NewMemory(queue.DefaultRetryPolicy())
	rep := &fakeReporter{}
	conv := &fakeConverter{outcome: convert.Outcome{OutputPath: "/tmp/out.ofx"}}
	w := New(q, conv, rep, nil, Config{Concurrency: 2, PollTimeout: 50 * time.Millisecond}, nil)

	ids := []string{"a", "b", "c"}
	input := inputFile(t)
	for _, id := range ids {
		if err := q.Enqueue(context.Background(), job.Message{JobID: id, InputPath: input}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		all := true
		for _, id := range ids {
			all = all && q.Acked(id)
		}
		if all {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("jobs not drained, reports = %+v", rep.snapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(rep.snapshot()); got != 6 {
		t.Fatalf("report count = %d, want 6", got)
	}
}

func TestRunBacksOffWhileQueueIsDown(t *testing.T) {
	q := queue.NewMemory(queue.DefaultRetryPolicy())
	q.SetUnavailable(errors.New("connection refused"))
	w := New(q, &fakeConverter{}, &fakeReporter{}, nil, Config{Concurrency: 1, ErrorBackoff: 20 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v", err)
	}
}
