package api

import (
	"net/http"
	"time"

	"github.com/imalyk/go-ofx-processor/pkg/ratelimit"
)

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Global != nil && !s.deps.Global.Allow() {
			writeError(w, http.StatusTooManyRequests, CodeTooManyRequests, "server is busy, try again shortly")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitPerClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter != nil {
			ip := ratelimit.ClientIP(r, s.cfg.TrustForwarded)
			if !s.deps.Limiter.Allow(ip) {
				s.logger.Warn("upload rate limit exceeded", "remote", ip)
				writeError(w, http.StatusTooManyRequests, CodeTooManyRequests, "too many requests, try again shortly")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", ratelimit.ClientIP(r, s.cfg.TrustForwarded),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
