package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

const joinHTML = `<!DOCTYPE html>
<html><head><meta name="csrf-token" content="tok-123"></head>
<body class="vtt players">
<form id="join-game">
  <select name="userid">
    <option value="">Select User</option>
    <option value="u-gm">gm</option>
    <option value="u-alice" disabled> alice </option>
    <option value="u-bob">bob</option>
  </select>
</form>
</body></html>`

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, 2*time.Second, newTestLogger())
	require.NoError(t, err)
	return c
}

func TestFetchJoin(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1"})
		http.SetCookie(w, &http.Cookie{Name: "theme", Value: "dark"})
		_, _ = io.WriteString(w, joinHTML)
	}))

	page, err := c.FetchJoin(context.Background())
	require.NoError(t, err)
	assert.False(t, page.Setup)
	assert.Equal(t, "tok-123", page.CSRFToken)
	assert.Equal(t, "s1", page.SessionID)
	require.Len(t, page.Users, 3)
	assert.Equal(t, "alice", page.Users[1].Name)
	assert.True(t, page.Users[1].Active)
	assert.Equal(t, "session=s1; theme=dark", c.Jar().Header())

	bob, err := FindUser(page.Users, "BOB")
	require.NoError(t, err)
	assert.Equal(t, "u-bob", bob.ID)
	_, err = FindUser(page.Users, "carol")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestFetchJoinSetupRedirect(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/setup", http.StatusFound)
	}))
	page, err := c.FetchJoin(context.Background())
	require.NoError(t, err)
	assert.True(t, page.Setup)
}

func TestFetchJoinHTTPError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	_, err := c.FetchJoin(context.Background())
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, httpErr.Status)
}

func TestPostLogin(t *testing.T) {
	var got map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"Incorrect password"}`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "authed"})
		w.Header().Set("Location", "/game")
		w.WriteHeader(http.StatusFound)
	}))

	require.NoError(t, c.PostLogin(context.Background(), "u-gm", "secret", "tok"))
	assert.Equal(t, map[string]string{"userid": "u-gm", "password": "secret", "action": "join", "csrf-token": "tok"}, got)
	assert.Equal(t, "authed", c.Jar().SessionID())

	err := c.PostLogin(context.Background(), "u-gm", "wrong", "tok")
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
	assert.Contains(t, authErr.Body, "Incorrect password")
}

func TestPostLoginFailedStatusBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"failed","message":"nope"}`)
	}))
	err := c.PostLogin(context.Background(), "u", "p", "t")
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusOK, authErr.Status)
}

func TestTruncate(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, truncate(long), maxErrorBody+3)
	assert.Equal(t, "short", truncate([]byte("short")))
}

func TestJarMergesAndExpires(t *testing.T) {
	j := NewJar()
	j.Absorb(&http.Response{Header: http.Header{"Set-Cookie": {"session=a; Path=/", "other=1"}}})
	j.Absorb(&http.Response{Header: http.Header{"Set-Cookie": {"session=b", "other=; Max-Age=0"}}})
	assert.Equal(t, "session=b", j.Header())

	restored := ParseJar("session=b; extra=2")
	assert.Equal(t, "b", restored.SessionID())
	assert.Equal(t, "session=b; extra=2", restored.Header())
}

func TestUseCookieReplacesJarInPlace(t *testing.T) {
	c, err := NewClient("http://localhost:30000", time.Second, newTestLogger())
	require.NoError(t, err)
	jar := c.Jar()

	c.UseCookie("session=abc; theme=dark")
	assert.Same(t, jar, c.Jar())
	assert.Equal(t, "abc", jar.SessionID())

	c.UseCookie("session=def")
	assert.Equal(t, "session=def", jar.Header())

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.UseCookie("session=s" + string(rune('a'+i)))
		}()
		go func() {
			defer wg.Done()
			_ = c.Jar().Header()
		}()
	}
	wg.Wait()
	assert.NotEmpty(t, jar.SessionID())
}

func TestWorldLifecycleRequests(t *testing.T) {
	var paths []string
	var bodies []map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Body != nil && r.Method == http.MethodPost {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			bodies = append(bodies, body)
		}
		if r.URL.Path == "/logout" {
			http.Redirect(w, r, "/join", http.StatusFound)
		}
	}))
	c.UseCookie("session=s1")

	require.NoError(t, c.LaunchWorld(context.Background(), "w1", "admin"))
	require.NoError(t, c.Shutdown(context.Background(), "admin"))
	require.NoError(t, c.Logout(context.Background()))

	assert.Equal(t, []string{"POST /setup", "POST /join", "GET /logout"}, paths)
	assert.Equal(t, "launchWorld", bodies[0]["action"])
	assert.Equal(t, "w1", bodies[0]["world"])
	assert.Equal(t, "shutdown", bodies[1]["action"])
	assert.Empty(t, c.Jar().Header())
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://example.com", time.Second, newTestLogger())
	assert.Error(t, err)
}
