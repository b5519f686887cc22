package pool

import (
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// State accumulates connection state across a sequence of requests: cookies
// set by upstreams and the authorization that last succeeded per host. It is
// safe for concurrent use.
type State struct {
	jar *cookiejar.Jar

	mu   sync.Mutex
	auth map[string]string
}

// NewState returns an empty State.
func NewState() *State {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List}) // never fails
	return &State{
		jar:  jar,
		auth: make(map[string]string),
	}
}

// apply adds stored cookies and authorization to req. Values the caller set
// explicitly win.
func (s *State) apply(req *http.Request) {
	present := make(map[string]bool)
	for _, c := range req.Cookies() {
		present[c.Name] = true
	}
	for _, c := range s.jar.Cookies(req.URL) {
		if !present[c.Name] {
			req.AddCookie(c)
		}
	}

	if req.Header.Get("Authorization") != "" {
		return
	}
	s.mu.Lock()
	a, ok := s.auth[hostKey(req.URL.Scheme, req.URL.Host)]
	s.mu.Unlock()
	if ok {
		req.Header.Set("Authorization", a)
	}
}

// update records cookies and a successful authorization from one round trip.
func (s *State) update(req *http.Request, resp *http.Response) {
	if cookies := resp.Cookies(); len(cookies) > 0 {
		s.jar.SetCookies(req.URL, cookies)
	}

	a := req.Header.Get("Authorization")
	if a == "" {
		return
	}
	key := hostKey(req.URL.Scheme, req.URL.Host)
	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.StatusCode == http.StatusUnauthorized {
		delete(s.auth, key)
		return
	}
	s.auth[key] = a
}

// Authorization returns the remembered authorization for scheme://host.
func (s *State) Authorization(scheme, host string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auth[hostKey(scheme, host)]
	return a, ok
}

// hostKey identifies an upstream as scheme://host:port, filling in default ports.
func hostKey(scheme, host string) string {
	scheme = strings.ToLower(scheme)
	host = strings.ToLower(host)
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := "80"
		if scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(strings.Trim(host, "[]"), port)
	}
	return scheme + "://" + host
}
