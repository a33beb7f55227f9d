package session

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestGetOrCreateMintsCookie(t *testing.T) {
	m := NewManager(true)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)

	id := m.GetOrCreate(rec, req)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("session id %q is not a uuid", id)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != CookieName || c.Value != id {
		t.Fatalf("cookie = %s=%s", c.Name, c.Value)
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode || c.Path != "/" {
		t.Fatalf("cookie attributes = %+v", c)
	}
	if c.MaxAge != 7*24*60*60 {
		t.Fatalf("max-age = %d, want seven days", c.MaxAge)
	}
}

func TestGetOrCreateReusesValidCookie(t *testing.T) {
	m := NewManager(false)
	existing := uuid.NewString()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: existing})
	rec := httptest.NewRecorder()

	if got := m.GetOrCreate(rec, req); got != existing {
		t.Fatalf("session = %q, want %q", got, existing)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("valid session should not be re-issued")
	}
}

func TestGetOrCreateReplacesInvalidCookie(t *testing.T) {
	m := NewManager(false)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "../../forged"})
	rec := httptest.NewRecorder()

	got := m.GetOrCreate(rec, req)
	if got == "../../forged" {
		t.Fatal("invalid token was accepted")
	}
	if len(rec.Result().Cookies()) != 1 {
		t.Fatal("expected a fresh cookie")
	}
}

// TestGetIfPresentNeverMints checks that read paths cannot create sessions.
func TestGetIfPresentNeverMints(t *testing.T) {
	m := NewManager(false)
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	if id, ok := m.GetIfPresent(req); ok || id != "" {
		t.Fatalf("GetIfPresent() = %q, %v; want none", id, ok)
	}

	existing := uuid.NewString()
	req.AddCookie(&http.Cookie{Name: CookieName, Value: existing})
	if id, ok := m.GetIfPresent(req); !ok || id != existing {
		t.Fatalf("GetIfPresent() = %q, %v; want %q", id, ok, existing)
	}
}
