package web

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-redteam/pkg/models"
	"go-redteam/pkg/tools"
)

const loginPage = `<html><head><meta name="csrf-token" content="meta-tok"></head><body>
<form method="post" action="/login">
<input type="hidden" name="csrf_token" value="abc123">
<input type="hidden" name="next" value="/home">
<input name="username">
</form></body></html>`

func challengeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "s1", Path: "/"})
			io.WriteString(w, loginPage)
		case http.MethodPost:
			require.NoError(t, r.ParseForm())
			if r.PostForm.Get("csrf_token") != "abc123" {
				http.Error(w, "bad token", http.StatusForbidden)
				return
			}
			io.WriteString(w, "welcome "+r.PostForm.Get("username"))
		}
	})
	mux.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("sid")
		if err != nil {
			io.WriteString(w, "anonymous")
			return
		}
		io.WriteString(w, "session "+c.Value+" ua "+r.UserAgent())
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Content-Type", r.Header.Get("Content-Type"))
		w.Header().Set("X-Custom", r.Header.Get("X-Custom"))
		w.Write(b)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("A", 500))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch_SessionCookiesAndCSRF(t *testing.T) {
	srv := challengeServer(t)
	f := New(Options{})
	ctx := context.Background()

	resp, err := f.Do(ctx, Request{URL: srv.URL + "/login", SessionID: "a"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "s1", resp.Cookies["sid"])
	assert.Equal(t, map[string]string{"csrf_token": "abc123", "csrf-token": "meta-tok"}, resp.Tokens)

	resp, err = f.Do(ctx, Request{URL: srv.URL + "/whoami", SessionID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "session s1 ua RedTeamAgent/1.0", resp.Content)

	resp, err = f.Do(ctx, Request{
		URL:       srv.URL + "/login",
		Method:    http.MethodPost,
		Data:      "username=admin",
		SessionID: "a",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "welcome admin", resp.Content)

	resp, err = f.Do(ctx, Request{URL: srv.URL + "/whoami", SessionID: "b"})
	require.NoError(t, err)
	assert.Equal(t, "anonymous", resp.Content)
	assert.Equal(t, []string{"a", "b"}, f.Sessions())
	assert.Equal(t, map[string]string{"csrf_token": "abc123", "csrf-token": "meta-tok"}, f.Tokens("a"))
	assert.Empty(t, f.Tokens("b"))
	assert.Nil(t, f.Tokens("missing"))
	assert.Equal(t, []string{"a", "b"}, f.Sessions())
}

func TestFetch_Bodies(t *testing.T) {
	srv := challengeServer(t)
	f := New(Options{})
	ctx := context.Background()

	tests := []struct {
		name        string
		data        any
		contentType string
		wantBody    string
		wantType    string
	}{
		{"form object", map[string]any{"a": "1"}, "form", "a=1", "application/x-www-form-urlencoded"},
		{"form string json", `{"a":1}`, "form", `{"a":1}`, "application/json"},
		{"json object", map[string]any{"a": 1.0}, "json", `{"a":1}`, "application/json"},
		{"raw", "hello", "raw", "hello", "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := f.Do(ctx, Request{
				URL:         srv.URL + "/echo",
				Method:      http.MethodPost,
				Data:        tt.data,
				ContentType: tt.contentType,
				SessionID:   tt.name,
				Headers:     map[string]string{"X-Custom": "yes"},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, resp.Content)
			assert.Equal(t, tt.wantType, resp.Headers["X-Content-Type"])
			assert.Equal(t, "yes", resp.Headers["X-Custom"])
		})
	}

	_, err := f.Do(ctx, Request{URL: srv.URL + "/echo", Method: http.MethodPost, Data: "{broken", ContentType: "json"})
	assert.Error(t, err)
}

func TestFetch_Errors(t *testing.T) {
	srv := challengeServer(t)
	f := New(Options{Timeout: 50 * time.Millisecond, MaxContentChars: 100})
	ctx := context.Background()

	_, err := f.Do(ctx, Request{URL: "ftp://example.com"})
	assert.ErrorContains(t, err, "invalid url")

	_, err = f.Do(ctx, Request{URL: srv.URL + "/slow"})
	assert.ErrorContains(t, err, "timed out")

	resp, err := f.Do(ctx, Request{URL: srv.URL + "/big"})
	require.NoError(t, err)
	assert.Equal(t, 500, resp.ContentLength)
	assert.True(t, strings.HasPrefix(resp.Content, strings.Repeat("A", 100)+"\n... [truncated"))
}

func TestFetch_ThroughRegistry(t *testing.T) {
	srv := challengeServer(t)
	r := tools.NewRegistry()
	require.NoError(t, Register(r, New(Options{})))

	res := r.Invoke(context.Background(), "fetch_web_content", map[string]any{"url": srv.URL + "/login"})
	require.True(t, res.Success, res.Message)
	text := res.Text()
	assert.Contains(t, text, "Status Code: 200")
	assert.Contains(t, text, "Cookies Set:\n  sid: s1")
	assert.Contains(t, text, "Stored CSRF Tokens:\n  csrf-token: meta-tok\n  csrf_token: abc123")
	assert.Contains(t, text, "Content:\n<html>")

	res = r.Invoke(context.Background(), "fetch_web_content", map[string]any{"url": "file:///etc/passwd"})
	assert.Equal(t, models.InvalidParams, res.ErrorKind)

	res = r.Invoke(context.Background(), "fetch_web_content", map[string]any{"url": srv.URL, "method": "DELETE"})
	assert.Equal(t, models.InvalidParams, res.ErrorKind)

	for _, method := range []string{"GET", "get", "Get", "gEt"} {
		res = r.Invoke(context.Background(), "fetch_web_content", map[string]any{"url": srv.URL + "/whoami", "method": method})
		assert.True(t, res.Success, "%s: %s", method, res.Message)
	}
	res = r.Invoke(context.Background(), "fetch_web_content", map[string]any{
		"url": srv.URL + "/echo", "method": "Post", "data": "a=1", "content_type": "raw",
	})
	require.True(t, res.Success, res.Message)
	assert.Contains(t, res.Text(), "a=1")

	res = r.Invoke(context.Background(), "fetch_web_content", map[string]any{"url": srv.URL, "method": "getx"})
	assert.Equal(t, models.InvalidParams, res.ErrorKind)
}

func TestExtractTokens(t *testing.T) {
	got := extractTokens(loginPage)
	assert.Equal(t, "abc123", got["csrf_token"])
	assert.NotContains(t, got, "next")
	assert.Empty(t, extractTokens("plain text"))
}
