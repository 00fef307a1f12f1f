package web

import (
	"net/http"
	"net/http/cookiejar"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
)

// DefaultSession is used when a request names no session.
const DefaultSession = "default"

var csrfName = regexp.MustCompile(`(?i)(csrf|xsrf|authenticity_token|_token$|^nonce$)`)

// session is a cookie jar plus the anti-forgery tokens seen in responses.
type session struct {
	mu     sync.Mutex
	jar    http.CookieJar
	tokens map[string]string
}

func newSession() (*session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &session{jar: jar, tokens: map[string]string{}}, nil
}

func (s *session) store(tokens map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range tokens {
		s.tokens[k] = v
	}
}

func (s *session) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.tokens))
	for k, v := range s.tokens {
		out[k] = v
	}
	return out
}

type sessions struct {
	mu   sync.Mutex
	byID map[string]*session
}

func (ss *sessions) get(id string) (*session, error) {
	if id == "" {
		id = DefaultSession
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if s, ok := ss.byID[id]; ok {
		return s, nil
	}
	s, err := newSession()
	if err != nil {
		return nil, err
	}
	if ss.byID == nil {
		ss.byID = map[string]*session{}
	}
	ss.byID[id] = s
	return s, nil
}

// lookup returns an existing session without creating one.
func (ss *sessions) lookup(id string) (*session, bool) {
	if id == "" {
		id = DefaultSession
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.byID[id]
	return s, ok
}

func (ss *sessions) ids() []string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]string, 0, len(ss.byID))
	for id := range ss.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// extractTokens finds hidden form inputs and meta tags that carry
// anti-forgery tokens.
func extractTokens(body string) map[string]string {
	tokens := map[string]string{}
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return tokens
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			attrs := map[string]string{}
			for _, a := range tok.Attr {
				attrs[strings.ToLower(a.Key)] = a.Val
			}
			switch tok.Data {
			case "input":
				if strings.EqualFold(attrs["type"], "hidden") && csrfName.MatchString(attrs["name"]) {
					tokens[attrs["name"]] = attrs["value"]
				}
			case "meta":
				if csrfName.MatchString(attrs["name"]) && attrs["content"] != "" {
					tokens[attrs["name"]] = attrs["content"]
				}
			}
		}
	}
}
