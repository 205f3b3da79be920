package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginSetsAuthenticatedAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "abc123"})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	m, err := New(Config{
		BaseURL:     srv.URL,
		Username:    "n5wspr",
		Password:    "secret",
		SessionFile: filepath.Join(dir, "session.json"),
		TTL:         time.Hour,
	})
	require.NoError(t, err)

	assert.Equal(t, Unauthenticated, m.State())
	require.NoError(t, m.Login(context.Background()))
	assert.Equal(t, Authenticated, m.State())
	assert.FileExists(t, filepath.Join(dir, "session.json"))
}

func TestRestoreWithinTTLSkipsLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "abc123"})
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := Config{
		BaseURL:     srv.URL,
		SessionFile: filepath.Join(dir, "session.json"),
		TTL:         time.Hour,
	}
	m1, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, m1.Login(context.Background()))

	m2, err := New(cfg)
	require.NoError(t, err)
	assert.True(t, m2.Restore())
	assert.Equal(t, Authenticated, m2.State())
}

func TestRestoreExpiredTTLReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{BaseURL: "http://example.invalid", SessionFile: filepath.Join(dir, "session.json"), TTL: time.Millisecond}
	m1, err := New(cfg)
	require.NoError(t, err)
	m1.jar.SetCookies(mustURL(t, "http://example.invalid"), []*http.Cookie{{Name: "x", Value: "y"}})
	require.NoError(t, m1.Persist())

	time.Sleep(5 * time.Millisecond)

	m2, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, m2.Restore())
}

func TestMarkExpiredForcesReauthentication(t *testing.T) {
	dir := t.TempDir()
	m, err := New(Config{BaseURL: "http://example.invalid", SessionFile: filepath.Join(dir, "session.json")})
	require.NoError(t, err)
	m.state = Authenticated
	m.MarkExpired()
	assert.Equal(t, Expired, m.State())
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
