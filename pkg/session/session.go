// Package session issues the anonymous per-browser identifier that scopes job
// visibility.
package session

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	CookieName = "ofx_session"
	// TTL is how long a browser keeps its session after it was issued.
	TTL = 7 * 24 * time.Hour
)

// Manager reads and mints session cookies. Sessions are not tracked on the
// server; they expire with the cookie.
type Manager struct {
	secure bool
	newID  func() string
}

// NewManager returns a manager. secure marks cookies HTTPS-only.
func NewManager(secure bool) *Manager {
	return &Manager{secure: secure, newID: uuid.NewString}
}

// GetIfPresent returns the session presented by r without ever minting one.
func (m *Manager) GetIfPresent(r *http.Request) (string, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return "", false
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		return "", false
	}
	return c.Value, true
}

// GetOrCreate returns the presented session or mints a new one and sets the
// cookie on w.
func (m *Manager) GetOrCreate(w http.ResponseWriter, r *http.Request) string {
	if id, ok := m.GetIfPresent(r); ok {
		return id
	}

	id := m.newID()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(TTL / time.Second),
		Expires:  time.Now().Add(TTL),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}
