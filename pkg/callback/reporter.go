package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imalyk/go-ofx-processor/pkg/job"
)

// Result tells whether a report reached the API. The worker never retries it.
type Result struct {
	Delivered  bool
	StatusCode int
	Err        error
}

// Reporter sends status reports to the API.
type Reporter struct {
	baseURL string
	secret  string
	client  *http.Client
	logger  *slog.Logger
}

// NewReporter returns a reporter targeting the API at baseURL.
func NewReporter(baseURL, secret string, client *http.Client, logger *slog.Logger) *Reporter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  client,
		logger:  logger.With("component", "reporter"),
	}
}

// Processing reports that conversion started.
func (r *Reporter) Processing(ctx context.Context, jobID string) Result {
	return r.Report(ctx, jobID, Body{Status: job.StatusProcessing})
}

// Completed reports a produced artifact.
func (r *Reporter) Completed(ctx context.Context, jobID, outputPath string) Result {
	return r.Report(ctx, jobID, Body{Status: job.StatusCompleted, OutputPath: &outputPath})
}

// Failed reports a terminal failure.
func (r *Reporter) Failed(ctx context.Context, jobID, message string) Result {
	return r.Report(ctx, jobID, Body{Status: job.StatusFailed, Error: &message})
}

// Report sends one PATCH to the status endpoint. Failures are logged and
// returned; nothing is retried.
func (r *Reporter) Report(ctx context.Context, jobID string, body Body) Result {
	res := r.send(ctx, jobID, body)
	if !res.Delivered {
		r.logger.Warn("status report not delivered", "job_id", jobID, "status", body.Status, "http_status", res.StatusCode, "error", res.Err)
	}
	return res
}

func (r *Reporter) send(ctx context.Context, jobID string, body Body) Result {
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{Err: fmt.Errorf("encode report: %w", err)}
	}

	endpoint := fmt.Sprintf("%s/api/jobs/%s/status", r.baseURL, url.PathEscape(jobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{Err: fmt.Errorf("build report request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, r.secret)

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{Err: fmt.Errorf("send report: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{StatusCode: resp.StatusCode, Err: fmt.Errorf("api answered %s", resp.Status)}
	}
	return Result{Delivered: true, StatusCode: resp.StatusCode}
}
