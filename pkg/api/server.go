// Package api exposes the job store over HTTP: uploads, session-scoped job
// views, artifact downloads, the worker status callback and a health check.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/imalyk/go-ofx-processor/pkg/callback"
	"github.com/imalyk/go-ofx-processor/pkg/job"
	"github.com/imalyk/go-ofx-processor/pkg/queue"
	"github.com/imalyk/go-ofx-processor/pkg/ratelimit"
	"github.com/imalyk/go-ofx-processor/pkg/session"
	"github.com/imalyk/go-ofx-processor/pkg/storage"
)

type Config struct {
	TempDir        string
	MaxUploadBytes int64
	EnqueueTimeout time.Duration
	TrustForwarded bool
}

// Deps are the collaborators the handlers call into. Global and Staging may be nil.
type Deps struct {
	Store     *job.Store
	Queue     queue.Producer
	Sessions  *session.Manager
	Limiter   *ratelimit.FixedWindow
	Global    *ratelimit.Global
	Callbacks *callback.Authenticator
	Staging   storage.Stager
}

type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}
	if cfg.TempDir == "" {
		cfg.TempDir = "./temp"
	}
	if deps.Staging == nil {
		deps.Staging = storage.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "api"),
		now:    time.Now,
	}
}

// Routes builds the router. Client-facing routes sit behind the global
// throttle and uploads are also limited per client address. The worker
// callback and the health check are never throttled.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	client := func(h http.HandlerFunc) http.Handler { return s.throttle(h) }
	r.Handle("/api/upload", s.throttle(s.limitPerClient(http.HandlerFunc(s.handleUpload)))).Methods(http.MethodPost)
	r.Handle("/api/jobs", client(s.handleListJobs)).Methods(http.MethodGet)
	r.Handle("/api/jobs/{id}", client(s.handleJobStatus)).Methods(http.MethodGet)
	r.Handle("/api/jobs/{id}/download", client(s.handleDownload)).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}/status", s.handleStatusCallback).Methods(http.MethodPatch)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed")
	})
	return r
}
