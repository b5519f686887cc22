package pool

import (
	"context"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monitor-proxy-go/internal/metrics"
	"monitor-proxy-go/internal/truststore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, cfg Config, trust *truststore.Store) *Pool {
	t.Helper()
	p, err := New(cfg, trust, discardLogger(), metrics.New())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func get(t *testing.T, p *Pool, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return p.Execute(context.Background(), req)
}

func readAndClose(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// blockingServer holds every request until release is closed and records
// the highest number of requests it saw at once.
type blockingServer struct {
	*httptest.Server
	release chan struct{}
	current atomic.Int64
	peak    atomic.Int64
}

func newBlockingServer(t *testing.T) *blockingServer {
	t.Helper()
	bs := &blockingServer{release: make(chan struct{})}
	bs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := bs.current.Add(1)
		for {
			p := bs.peak.Load()
			if n <= p || bs.peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-bs.release
		bs.current.Add(-1)
		_, _ = io.WriteString(w, "done")
	}))
	t.Cleanup(bs.Close)
	return bs
}

// fire sends n requests in the background and returns a WaitGroup for them.
func fire(t *testing.T, p *Pool, url string, n int, failures *atomic.Int64) *sync.WaitGroup {
	t.Helper()
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, url, nil)
			if err != nil {
				failures.Add(1)
				return
			}
			resp, err := p.Execute(context.Background(), req)
			if err != nil {
				failures.Add(1)
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()
	}
	return &wg
}

func TestExecute_Forwards(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Path", r.URL.RequestURI())
		_, _ = io.WriteString(w, "hello")
	}))
	defer srv.Close()

	p := newTestPool(t, DefaultConfig(), nil)
	resp, err := get(t, p, srv.URL+"/a/b?q=1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/a/b?q=1", resp.Header.Get("X-Seen-Path"))

	assert.Equal(t, 1, p.Stats().Active, "slot held until body is closed")
	assert.Equal(t, "hello", readAndClose(t, resp))
	assert.Equal(t, 0, p.Stats().Active)
	assert.Empty(t, p.Stats().PerHost)
}

func TestExecute_DoesNotFollowRedirects(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	p := newTestPool(t, DefaultConfig(), nil)
	resp, err := get(t, p, srv.URL)
	require.NoError(t, err)
	readAndClose(t, resp)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))
}

func TestExecute_PerHostCap(t *testing.T) {
	t.Parallel()

	const limit, extra = 3, 4
	bs := newBlockingServer(t)

	cfg := DefaultConfig()
	cfg.MaxConnectionsPerHost = limit
	p := newTestPool(t, cfg, nil)

	var failures atomic.Int64
	wg := fire(t, p, bs.URL, limit+extra, &failures)

	assert.Eventually(t, func() bool {
		st := p.Stats()
		return st.Active == limit && st.Waiting == extra && bs.current.Load() == limit
	}, 2*time.Second, 5*time.Millisecond)

	close(bs.release)
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.EqualValues(t, limit, bs.peak.Load(), "never more than the per-host cap upstream at once")
	st := p.Stats()
	assert.Zero(t, st.Active)
	assert.Zero(t, st.Waiting)
}

func TestReconfigure_AppliesToNextDispatch(t *testing.T) {
	t.Parallel()

	bs := newBlockingServer(t)
	p := newTestPool(t, DefaultConfig(), nil)

	var failures atomic.Int64
	first := fire(t, p, bs.URL, 10, &failures)
	require.Eventually(t, func() bool { return bs.current.Load() == 10 }, 2*time.Second, 5*time.Millisecond)

	cfg := p.Config()
	cfg.MaxTotalConnections = 10
	require.NoError(t, p.Reconfigure(cfg))

	eleventh := fire(t, p, bs.URL, 1, &failures)
	assert.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 10, bs.current.Load(), "11th request must wait under the new cap")

	cfg.MaxTotalConnections = 11
	require.NoError(t, p.Reconfigure(cfg))
	assert.Eventually(t, func() bool { return bs.current.Load() == 11 }, 2*time.Second, 5*time.Millisecond)

	close(bs.release)
	first.Wait()
	eleventh.Wait()
	assert.Zero(t, failures.Load())
}

func TestReconfigure_Invalid(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, DefaultConfig(), nil)

	bad := DefaultConfig()
	bad.MaxTotalConnections = 0
	err := p.Reconfigure(bad)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, DefaultMaxTotalConnections, p.Config().MaxTotalConnections)

	bad = DefaultConfig()
	bad.MaxConnectionsPerHost = -1
	require.ErrorIs(t, p.Reconfigure(bad), ErrInvalidConfig)
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SocketTimeout = -time.Second
	_, err := New(cfg, nil, discardLogger(), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestExecute_AcquireTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxConnectionsPerHost = 1
	cfg.AcquireTimeout = 50 * time.Millisecond
	p := newTestPool(t, cfg, nil)

	held, err := get(t, p, srv.URL)
	require.NoError(t, err)

	_, err = get(t, p, srv.URL)
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Zero(t, p.Stats().Waiting)

	readAndClose(t, held)
	resp, err := get(t, p, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", readAndClose(t, resp))
}

func TestExecute_ContextEndsWhileWaiting(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxTotalConnections = 1
	p := newTestPool(t, cfg, nil)

	held, err := get(t, p, srv.URL)
	require.NoError(t, err)
	defer held.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = p.Execute(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, p.Stats().Waiting)
	assert.Equal(t, 1, p.Stats().Active)
}

func TestExecute_UnsupportedScheme(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, DefaultConfig(), nil)
	_, err := get(t, p, "ftp://example.com/file")
	require.ErrorIs(t, err, ErrUnsupportedScheme)
	assert.Zero(t, p.Stats().Active)
}

func TestExecute_TransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := newTestPool(t, DefaultConfig(), nil)
	_, err := get(t, p, url)
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "round trip", te.Op)
	assert.Zero(t, p.Stats().Active, "failed dispatch releases its slot")
}

func TestExecute_UserAgentOverride(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.UserAgent())
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.UserAgent = "monitor-test/1.0"
	p := newTestPool(t, cfg, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "client/2.0")

	resp, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "monitor-test/1.0", readAndClose(t, resp))
	assert.Equal(t, "client/2.0", req.Header.Get("User-Agent"), "caller's request is not modified")
}

func TestStop_RejectsNewRequests(t *testing.T) {
	t.Parallel()

	p, err := New(DefaultConfig(), nil, discardLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, p.Stop(context.Background()))

	_, err = get(t, p, "http://127.0.0.1:1/")
	require.ErrorIs(t, err, ErrStopped)
}

// writeCertPEM stores the TLS test server's certificate as a PEM trust store.
func writeCertPEM(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trust.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

type sourceVar struct {
	mu  sync.Mutex
	src truststore.Source
}

func (s *sourceVar) set(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = truststore.Source{Path: path}
}

func (s *sourceVar) get() truststore.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src
}

func TestHTTPS_TrustStore(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "secure")
	}))
	defer srv.Close()

	src := &sourceVar{}
	src.set(writeCertPEM(t, srv))
	trust := truststore.New(src.get, discardLogger())
	p := newTestPool(t, DefaultConfig(), trust)
	assert.True(t, p.Stats().HTTPSReady)

	resp, err := get(t, p, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "secure", readAndClose(t, resp))

	garbage := filepath.Join(t.TempDir(), "broken.p12")
	require.NoError(t, os.WriteFile(garbage, []byte("not a keystore"), 0o600))
	src.set(garbage)

	require.Error(t, p.ReloadTrust())
	assert.True(t, p.Stats().HTTPSReady, "previous material stays active")

	resp, err = get(t, p, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "secure", readAndClose(t, resp))
}

func TestHTTPS_ConfiguredButNeverLoaded(t *testing.T) {
	t.Parallel()

	src := &sourceVar{}
	src.set(filepath.Join(t.TempDir(), "missing.p12"))
	trust := truststore.New(src.get, discardLogger())
	p := newTestPool(t, DefaultConfig(), trust)

	st := p.Stats()
	assert.False(t, st.HTTPSReady)
	assert.NotEmpty(t, st.HTTPSError)

	_, err := get(t, p, "https://127.0.0.1:1/")
	require.ErrorIs(t, err, truststore.ErrNoTrustMaterial)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, p.Stats().Active)

	// plain http keeps working
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "plain")
	}))
	defer srv.Close()
	resp, err := get(t, p, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "plain", readAndClose(t, resp))
}

func TestHTTPS_UntrustedServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	p := newTestPool(t, DefaultConfig(), nil)
	_, err := get(t, p, srv.URL)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.False(t, errors.Is(err, truststore.ErrNoTrustMaterial))
}

func TestPersistentState(t *testing.T) {
	t.Parallel()

	var lastCookie, lastAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastCookie.Store(r.Header.Get("Cookie"))
		lastAuth.Store(r.Header.Get("Authorization"))
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	disabled := newTestPool(t, DefaultConfig(), nil)
	assert.Nil(t, disabled.PersistentState())

	cfg := DefaultConfig()
	cfg.ReusePersistentState = true
	p := newTestPool(t, cfg, nil)
	state := p.PersistentState()
	require.NotNil(t, state)
	assert.Same(t, state, p.PersistentState())

	send := func(path, auth string) {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := p.ExecuteWithState(context.Background(), req, state)
		require.NoError(t, err)
		readAndClose(t, resp)
	}

	send("/login", "Basic dXNlcjpwYXNz")
	send("/data", "")

	assert.Equal(t, "session=abc", lastCookie.Load())
	assert.Equal(t, "Basic dXNlcjpwYXNz", lastAuth.Load())

	host := strings.TrimPrefix(srv.URL, "http://")
	auth, ok := state.Authorization("http", host)
	assert.True(t, ok)
	assert.Equal(t, "Basic dXNlcjpwYXNz", auth)

	cfg.ReusePersistentState = false
	require.NoError(t, p.Reconfigure(cfg))
	assert.Nil(t, p.PersistentState())
}

func TestState_ForgetsRejectedAuthorization(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.ReusePersistentState = true
	p := newTestPool(t, cfg, nil)
	state := p.PersistentState()
	host := strings.TrimPrefix(srv.URL, "http://")

	for _, tc := range []struct {
		auth   string
		wantOK bool
	}{
		{"Bearer fresh", true},
		{"Bearer stale", false},
	} {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", tc.auth)
		resp, err := p.ExecuteWithState(context.Background(), req, state)
		require.NoError(t, err)
		readAndClose(t, resp)

		_, ok := state.Authorization("http", host)
		assert.Equal(t, tc.wantOK, ok, tc.auth)
	}
}

func TestHostKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		scheme, host, want string
	}{
		{"http", "Example.com", "http://example.com:80"},
		{"https", "example.com", "https://example.com:443"},
		{"HTTP", "example.com:8080", "http://example.com:8080"},
		{"https", "[::1]", "https://[::1]:443"},
		{"http", "[::1]:9000", "http://[::1]:9000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hostKey(tt.scheme, tt.host), tt.scheme+" "+tt.host)
	}
}
