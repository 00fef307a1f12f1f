// Package web provides the HTTP request tool used against challenge
// targets. Requests sharing a session id share cookies and captured
// anti-forgery tokens.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go-redteam/pkg/tools"
)

const Name = "fetch_web_content"

const (
	defaultTimeout         = 10 * time.Second
	defaultUserAgent       = "RedTeamAgent/1.0"
	defaultMaxBodyBytes    = 1 << 20
	defaultMaxContentChars = 8000
)

type Options struct {
	Timeout         time.Duration
	UserAgent       string
	MaxBodyBytes    int64
	MaxContentChars int
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Fetcher performs HTTP requests on behalf of the agent.
type Fetcher struct {
	opts     Options
	client   *http.Client
	sessions sessions
}

func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.MaxContentChars <= 0 {
		opts.MaxContentChars = defaultMaxContentChars
	}
	return &Fetcher{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
	}
}

// Register adds the fetch tool backed by f to r.
func Register(r *tools.Registry, f *Fetcher) error {
	return r.Register(f.Tool())
}

// Sessions lists the ids of sessions created so far.
func (f *Fetcher) Sessions() []string {
	return f.sessions.ids()
}

// Tokens returns the anti-forgery tokens captured for a session, nil when
// the session does not exist.
func (f *Fetcher) Tokens(sessionID string) map[string]string {
	s, ok := f.sessions.lookup(sessionID)
	if !ok {
		return nil
	}
	return s.snapshot()
}

func (f *Fetcher) Tool() tools.Tool {
	return tools.Func{
		ToolName: Name,
		Desc: "Make an HTTP request to a URL and return the status, headers, cookies and content. " +
			"Supports GET and POST with form, JSON or raw bodies. Cookies and CSRF tokens persist per session_id.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"pattern":     "^https?://",
					"description": "The full URL to request, starting with http:// or https://",
				},
				"method": map[string]any{
					"type":        "string",
					"pattern":     "^(?i)(get|post)$",
					"description": "HTTP method, GET by default",
				},
				"headers": map[string]any{
					"type":                 "object",
					"additionalProperties": map[string]any{"type": "string"},
					"description":          "Extra request headers",
				},
				"data": map[string]any{
					"type":        []string{"string", "object"},
					"description": "Request body for POST: a form string, a JSON string or an object",
				},
				"content_type": map[string]any{
					"type":        "string",
					"enum":        []string{"form", "json", "raw"},
					"description": "How data is encoded, form by default",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Requests with the same session_id share cookies and CSRF tokens",
				},
			},
			"required": []string{"url"},
		},
		Fn: f.invoke,
	}
}

// Request is the decoded tool input.
type Request struct {
	URL         string
	Method      string
	Headers     map[string]string
	Data        any
	ContentType string
	SessionID   string
}

func requestFromParams(params map[string]any) Request {
	req := Request{
		URL:         tools.String(params, "url", ""),
		Method:      strings.ToUpper(tools.String(params, "method", http.MethodGet)),
		ContentType: tools.String(params, "content_type", "form"),
		SessionID:   tools.String(params, "session_id", DefaultSession),
		Data:        params["data"],
		Headers:     map[string]string{},
	}
	if h, ok := params["headers"].(map[string]any); ok {
		for k, v := range h {
			if s, ok := v.(string); ok {
				req.Headers[k] = s
			}
		}
	}
	return req
}

func (f *Fetcher) invoke(ctx context.Context, params map[string]any) (any, error) {
	return f.Do(ctx, requestFromParams(params))
}

// Do performs req within its session.
func (f *Fetcher) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: must be an absolute http:// or https:// URL", req.URL)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	sess, err := f.sessions.get(req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	var body io.Reader
	var contentType string
	if req.Method == http.MethodPost {
		b, ct, err := encodeBody(req.Data, req.ContentType, sess.snapshot())
		if err != nil {
			return nil, err
		}
		body, contentType = bytes.NewReader(b), ct
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", f.opts.UserAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := *f.client
	client.Jar = sess.jar
	resp, err := client.Do(httpReq)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return nil, fmt.Errorf("request to %s timed out after %s", u.Redacted(), f.opts.Timeout)
		}
		return nil, fmt.Errorf("request to %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	content := strings.ToValidUTF8(string(raw), "�")
	if tokens := extractTokens(content); len(tokens) > 0 {
		sess.store(tokens)
	}

	out := &Response{
		URL:           resp.Request.URL.String(),
		StatusCode:    resp.StatusCode,
		Headers:       map[string]string{},
		Cookies:       map[string]string{},
		Tokens:        sess.snapshot(),
		ContentLength: len(content),
		Content:       truncate(content, f.opts.MaxContentChars),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	for _, c := range resp.Cookies() {
		out.Cookies[c.Name] = c.Value
	}
	return out, nil
}

// encodeBody builds a POST body. Captured tokens are added to form bodies
// that do not already carry a field of the same name.
func encodeBody(data any, contentType string, tokens map[string]string) ([]byte, string, error) {
	switch contentType {
	case "", "form":
		var form url.Values
		switch d := data.(type) {
		case nil:
			form = url.Values{}
		case string:
			if looksLikeJSON(d) {
				return []byte(d), "application/json", nil
			}
			v, err := url.ParseQuery(d)
			if err != nil {
				return nil, "", fmt.Errorf("invalid form data: %w", err)
			}
			form = v
		case map[string]any:
			form = url.Values{}
			for k, v := range d {
				form.Set(k, scalar(v))
			}
		default:
			return nil, "", fmt.Errorf("unsupported data type %T", data)
		}
		for k, v := range tokens {
			if _, ok := form[k]; !ok {
				form.Set(k, v)
			}
		}
		return []byte(form.Encode()), "application/x-www-form-urlencoded", nil
	case "json":
		switch d := data.(type) {
		case nil:
			return []byte("{}"), "application/json", nil
		case string:
			if !json.Valid([]byte(d)) {
				return nil, "", errors.New("data is not valid JSON")
			}
			return []byte(d), "application/json", nil
		default:
			b, err := json.Marshal(d)
			if err != nil {
				return nil, "", fmt.Errorf("encode json: %w", err)
			}
			return b, "application/json", nil
		}
	case "raw":
		switch d := data.(type) {
		case nil:
			return nil, "text/plain", nil
		case string:
			return []byte(d), "text/plain", nil
		default:
			b, err := json.Marshal(d)
			if err != nil {
				return nil, "", fmt.Errorf("encode raw: %w", err)
			}
			return b, "text/plain", nil
		}
	default:
		return nil, "", fmt.Errorf("unknown content_type %q", contentType)
	}
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + fmt.Sprintf("\n... [truncated, %d characters total]", len(r))
}

// Response is the tool output. String renders it as observation text.
type Response struct {
	URL           string            `json:"url"`
	StatusCode    int               `json:"status_code"`
	Headers       map[string]string `json:"headers"`
	Cookies       map[string]string `json:"cookies,omitempty"`
	Tokens        map[string]string `json:"csrf_tokens,omitempty"`
	ContentLength int               `json:"content_length"`
	Content       string            `json:"content"`
}

func (r *Response) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nStatus Code: %d\n", r.URL, r.StatusCode)
	b.WriteString("Headers:\n")
	writeSorted(&b, r.Headers)
	if len(r.Cookies) > 0 {
		b.WriteString("Cookies Set:\n")
		writeSorted(&b, r.Cookies)
	}
	if len(r.Tokens) > 0 {
		b.WriteString("Stored CSRF Tokens:\n")
		writeSorted(&b, r.Tokens)
	}
	fmt.Fprintf(&b, "Content Length: %d\nContent:\n%s", r.ContentLength, r.Content)
	return b.String()
}

func writeSorted(b *strings.Builder, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "  %s: %s\n", k, m[k])
	}
}
