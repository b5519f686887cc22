package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"monitor-proxy-go/internal/metrics"
	"monitor-proxy-go/internal/truststore"
)

// snapshot is one immutable configuration together with the transports built
// for it. A dispatch uses the snapshot that was current when it took its slot.
type snapshot struct {
	cfg      Config
	schemes  map[string]*http.Transport
	httpsErr error
}

// Stats describes the pool at one instant.
type Stats struct {
	Active     int            `json:"active"`
	Waiting    int            `json:"waiting"`
	PerHost    map[string]int `json:"per_host"`
	Config     Config         `json:"-"`
	HTTPSReady bool           `json:"https_ready"`
	HTTPSError string         `json:"https_error,omitempty"`
}

// Pool is the shared outbound client. It is safe for concurrent use and is
// meant to be constructed once per process.
type Pool struct {
	trust   *truststore.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	snap    *snapshot
	perHost map[string]int
	active  int
	waiting int
	// freed is closed and replaced whenever a slot frees or the caps change.
	freed   chan struct{}
	state   *State
	stopped bool
}

// New creates a Pool. trust may be nil, in which case https uses the system
// roots. The metrics parameter is optional.
func New(cfg Config, trust *truststore.Store, logger *slog.Logger, m *metrics.Metrics) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		trust:   trust,
		logger:  logger.With("component", "pool"),
		metrics: m,
		perHost: make(map[string]int),
		freed:   make(chan struct{}),
	}
	schemes, httpsErr := p.buildSchemes(cfg)
	p.snap = &snapshot{cfg: cfg, schemes: schemes, httpsErr: httpsErr}
	return p, nil
}

// Start loads the trust material. A failed load is logged; https requests
// then fail until a reload succeeds.
func (p *Pool) Start(_ context.Context) error {
	if err := p.ReloadTrust(); err != nil {
		p.logger.Warn("starting without trust material", "err", err)
	}
	cfg := p.Config()
	p.logger.Info("connection pool started",
		"max_connections_per_host", cfg.MaxConnectionsPerHost,
		"max_total_connections", cfg.MaxTotalConnections,
		"socket_timeout", cfg.SocketTimeout,
		"reuse_persistent_state", cfg.ReusePersistentState,
	)
	return nil
}

// Stop rejects new requests, wakes waiters and closes idle connections.
// In-flight responses stay readable until their bodies are closed.
func (p *Pool) Stop(_ context.Context) error {
	p.mu.Lock()
	p.stopped = true
	schemes := p.snap.schemes
	p.broadcastLocked()
	p.mu.Unlock()

	closeIdle(schemes)
	p.logger.Info("connection pool stopped")
	return nil
}

// Config returns the active configuration.
func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap.cfg
}

// Stats returns a point-in-time view of slot usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Active:     p.active,
		Waiting:    p.waiting,
		PerHost:    maps.Clone(p.perHost),
		Config:     p.snap.cfg,
		HTTPSReady: p.snap.httpsErr == nil,
	}
	if p.snap.httpsErr != nil {
		st.HTTPSError = p.snap.httpsErr.Error()
	}
	return st
}

// PersistentState returns the process-wide State, or nil when reuse of
// persistent state is disabled.
func (p *Pool) PersistentState() *State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.snap.cfg.ReusePersistentState {
		return nil
	}
	if p.state == nil {
		p.state = NewState()
	}
	return p.state
}

// Execute sends req upstream without persistent state. The caller must close
// the response body; the slot is held until it does. resp.Request is the
// request as sent, after the pool added its own headers.
func (p *Pool) Execute(ctx context.Context, req *http.Request) (*http.Response, error) {
	return p.do(ctx, req, nil)
}

// ExecuteWithState is Execute with cookies and authorization carried in state.
func (p *Pool) ExecuteWithState(ctx context.Context, req *http.Request, state *State) (*http.Response, error) {
	return p.do(ctx, req, state)
}

// Reconfigure validates cfg and makes it active for the next dispatch.
// Requests that already hold a slot finish under the configuration they
// started with; waiting requests are re-checked against the new caps.
func (p *Pool) Reconfigure(cfg Config) error {
	return p.apply(&cfg, false)
}

// ReloadTrust re-reads the trust store and rebuilds the https transport. When
// the reload fails the store keeps its previous material, so the rebuilt
// transport still trusts what it trusted before.
func (p *Pool) ReloadTrust() error {
	return p.apply(nil, true)
}

// Apply makes cfg active and, when reloadTrust is set, re-reads the trust
// store first. Caps and the scheme registry change together: no dispatch
// sees the new caps with the old https transport or the reverse. A trust
// reload error is returned after cfg has been applied.
func (p *Pool) Apply(cfg Config, reloadTrust bool) error {
	return p.apply(&cfg, reloadTrust)
}

// apply swaps in a new snapshot. A nil cfg keeps the active configuration.
func (p *Pool) apply(cfg *Config, reloadTrust bool) error {
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	reloadTrust = reloadTrust && p.trust != nil
	if cfg == nil && !reloadTrust {
		return nil
	}

	var trustErr error
	if reloadTrust {
		trustErr = p.trust.Reload()
		if p.metrics != nil {
			result := "success"
			if trustErr != nil {
				result = "failure"
			}
			p.metrics.TrustReloads.WithLabelValues(result).Inc()
		}
	}

	p.mu.Lock()
	old := p.snap
	next := &snapshot{cfg: old.cfg, schemes: old.schemes, httpsErr: old.httpsErr}
	if cfg != nil {
		next.cfg = *cfg
	}
	var retired []*http.Transport
	switch {
	case transportChanged(old.cfg, next.cfg):
		next.schemes, next.httpsErr = p.buildSchemes(next.cfg)
		retired = slices.Collect(maps.Values(old.schemes))
	case reloadTrust:
		https, httpsErr := p.buildHTTPS(next.cfg)
		next.schemes = maps.Clone(old.schemes)
		delete(next.schemes, "https")
		if https != nil {
			next.schemes["https"] = https
		}
		next.httpsErr = httpsErr
		if prev, ok := old.schemes["https"]; ok {
			retired = append(retired, prev)
		}
	}
	p.snap = next
	if !next.cfg.ReusePersistentState {
		p.state = nil
	}
	p.broadcastLocked()
	p.mu.Unlock()

	for _, tr := range retired {
		tr.CloseIdleConnections()
	}
	if cfg != nil {
		p.logger.Info("connection pool reconfigured",
			"max_connections_per_host", next.cfg.MaxConnectionsPerHost,
			"max_total_connections", next.cfg.MaxTotalConnections,
			"socket_timeout", next.cfg.SocketTimeout,
			"acquire_timeout", next.cfg.AcquireTimeout,
			"reuse_persistent_state", next.cfg.ReusePersistentState,
			"trust_reloaded", reloadTrust,
			"transports_rebuilt", len(retired) > 0,
		)
	}
	return trustErr
}

func (p *Pool) do(ctx context.Context, req *http.Request, state *State) (*http.Response, error) {
	if req.URL == nil {
		return nil, errors.New("pool: request has no URL")
	}
	scheme := strings.ToLower(req.URL.Scheme)
	if scheme != "http" && scheme != "https" {
		closeBody(req)
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, req.URL.Scheme)
	}
	target := req.URL.Redacted()

	key := hostKey(scheme, req.URL.Host)
	snap, err := p.acquire(ctx, key)
	if err != nil {
		closeBody(req)
		return nil, err
	}
	release := p.releaser(key)

	tr, ok := snap.schemes[scheme]
	if !ok {
		release()
		closeBody(req)
		cause := snap.httpsErr
		if cause == nil {
			cause = ErrUnsupportedScheme
		}
		return nil, &TransportError{Op: "tls setup", URL: target, Err: cause}
	}

	out := req.Clone(ctx)
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if ua := snap.cfg.UserAgent; ua != "" {
		out.Header.Set("User-Agent", ua)
	}
	if state != nil {
		state.apply(out)
	}

	p.logger.Debug("upstream request", "method", out.Method, "url", target)

	start := time.Now()
	resp, err := tr.RoundTrip(out) //nolint:bodyclose // body ownership transfers to caller
	elapsed := time.Since(start).Seconds()
	method := metrics.NormalizeMethod(out.Method)
	if p.metrics != nil {
		p.metrics.UpstreamDuration.WithLabelValues(method, scheme).Observe(elapsed)
	}

	if err != nil {
		release()
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
			err = fmt.Errorf("%w: %w", cerr, err)
		}
		return nil, &TransportError{Op: "round trip", URL: target, Err: err}
	}

	if p.metrics != nil {
		p.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	if state != nil {
		state.update(out, resp)
	}

	resp.Request = out
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

// acquire blocks until a slot for host is free under the newest caps.
func (p *Pool) acquire(ctx context.Context, host string) (*snapshot, error) {
	start := time.Now()

	p.mu.Lock()
	var expired <-chan time.Time
	if d := p.snap.cfg.AcquireTimeout; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}

	waiting := false
	leave := func() {
		if waiting {
			p.waiting--
			p.publishLocked()
		}
	}

	for {
		if p.stopped {
			leave()
			p.mu.Unlock()
			return nil, ErrStopped
		}

		cfg := p.snap.cfg
		if p.active < cfg.MaxTotalConnections && p.perHost[host] < cfg.MaxConnectionsPerHost {
			p.active++
			p.perHost[host]++
			leave()
			p.publishLocked()
			snap := p.snap
			p.mu.Unlock()

			if p.metrics != nil {
				p.metrics.PoolAcquireWait.Observe(time.Since(start).Seconds())
			}
			return snap, nil
		}

		if !waiting {
			waiting = true
			p.waiting++
			p.publishLocked()
		}
		freed := p.freed
		p.mu.Unlock()

		select {
		case <-freed:
		case <-ctx.Done():
			p.mu.Lock()
			leave()
			p.mu.Unlock()
			return nil, ctx.Err()
		case <-expired:
			p.mu.Lock()
			leave()
			p.mu.Unlock()
			return nil, fmt.Errorf("%w for %s after %s", ErrPoolExhausted, host, time.Since(start).Round(time.Millisecond))
		}

		p.mu.Lock()
	}
}

// releaser returns a function that frees host's slot exactly once.
func (p *Pool) releaser(host string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.active--
			p.perHost[host]--
			if p.perHost[host] <= 0 {
				delete(p.perHost, host)
			}
			p.broadcastLocked()
			p.publishLocked()
		})
	}
}

func (p *Pool) broadcastLocked() {
	close(p.freed)
	p.freed = make(chan struct{})
}

func (p *Pool) publishLocked() {
	if p.metrics == nil {
		return
	}
	p.metrics.PoolActive.Set(float64(p.active))
	p.metrics.PoolWaiting.Set(float64(p.waiting))
}

// buildSchemes returns the scheme registry for cfg. https is missing when no
// usable TLS configuration exists; the reason is returned alongside.
func (p *Pool) buildSchemes(cfg Config) (map[string]*http.Transport, error) {
	schemes := map[string]*http.Transport{"http": newTransport(cfg)}
	https, err := p.buildHTTPS(cfg)
	if https != nil {
		schemes["https"] = https
	}
	return schemes, err
}

func (p *Pool) buildHTTPS(cfg Config) (*http.Transport, error) {
	tr := newTransport(cfg)
	if p.trust == nil {
		return tr, nil
	}
	tlsCfg, err := p.trust.TLSConfig()
	if err != nil {
		return nil, err
	}
	tr.TLSClientConfig = tlsCfg
	return tr, nil
}

func newTransport(cfg Config) *http.Transport {
	return &http.Transport{
		MaxIdleConns:          cfg.IdleConnections,
		MaxIdleConnsPerHost:   cfg.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.SocketTimeout,
		DisableCompression:    true,
		DialContext: (&net.Dialer{
			Timeout:   cfg.SocketTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

func closeIdle(schemes map[string]*http.Transport) {
	for _, tr := range schemes {
		tr.CloseIdleConnections()
	}
}

// releasingBody frees the pool slot when the response body is closed.
type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
