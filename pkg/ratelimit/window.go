// Package ratelimit provides admission control for the API: a fixed window
// per client address for uploads and a global token bucket for every route.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultWindow = 60 * time.Second
	DefaultLimit  = 10
)

type window struct {
	count int
	start time.Time
}

// FixedWindow admits at most limit requests per key in each window.
type FixedWindow struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	entries map[string]*window
	now     func() time.Time
}

// NewFixedWindow returns a limiter. Non-positive arguments fall back to the defaults.
func NewFixedWindow(d time.Duration, limit int) *FixedWindow {
	if d <= 0 {
		d = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &FixedWindow{
		window:  d,
		limit:   limit,
		entries: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow records one attempt for key and reports whether it is admitted.
func (l *FixedWindow) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok || now.Sub(e.start) > l.window {
		l.entries[key] = &window{count: 1, start: now}
		return true
	}
	e.count++
	return e.count <= l.limit
}

// Prune forgets windows that have expired and returns how many were dropped.
// An expired window would be reset on the next attempt anyway.
func (l *FixedWindow) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for key, e := range l.entries {
		if now.Sub(e.start) > l.window {
			delete(l.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *FixedWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RunPruner calls Prune every window until ctx is done.
func (l *FixedWindow) RunPruner(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// Global is a token bucket shared by every request.
type Global struct {
	limiter *rate.Limiter
}

// NewGlobal returns a bucket refilled at rps with the given burst.
func NewGlobal(rps float64, burst int) *Global {
	return &Global{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow consumes one token if available.
func (g *Global) Allow() bool {
	return g.limiter.Allow()
}

// ClientIP returns the address used as the rate-limit key. With
// trustForwarded the first X-Forwarded-For hop wins.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}
