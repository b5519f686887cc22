// Package service implements the monitoring proxy session: forward one
// inbound request upstream, stream the response back and publish the
// captured exchange.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"monitor-proxy-go/internal/capture"
	"monitor-proxy-go/internal/config"
	"monitor-proxy-go/internal/hop"
	"monitor-proxy-go/internal/metrics"
	"monitor-proxy-go/internal/model"
	"monitor-proxy-go/internal/monitor"
	"monitor-proxy-go/internal/pool"
)

var (
	// ErrNoTarget is returned when neither the request URI, the configured
	// base URL nor the Host header names an upstream.
	ErrNoTarget = errors.New("cannot determine upstream target")
	// ErrForwardingLoop is returned when the inbound request already passed
	// through this proxy.
	ErrForwardingLoop = errors.New("request already passed through this proxy")
	// ErrResponseStream is returned when the response could not be fully
	// relayed to the caller. The status line has already been sent.
	ErrResponseStream = errors.New("relay response body")
)

// Dispatcher executes outbound requests. *pool.Pool implements it.
type Dispatcher interface {
	Execute(ctx context.Context, req *http.Request) (*http.Response, error)
	ExecuteWithState(ctx context.Context, req *http.Request, state *pool.State) (*http.Response, error)
	PersistentState() *pool.State
}

// ProxyService runs proxy sessions. It holds no per-request state and is
// safe for concurrent use; every Run owns its own Exchange.
type ProxyService struct {
	pool     Dispatcher
	monitor  monitor.Monitor
	failures monitor.FailureObserver
	metrics  *metrics.Metrics
	logger   *slog.Logger

	baseURL     *url.URL
	via         string
	contentType string
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
// When mon also implements monitor.FailureObserver it is told about aborted
// sessions.
func NewProxyService(p Dispatcher, mon monitor.Monitor, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	s := &ProxyService{
		pool:    p,
		monitor: mon,
		metrics: m,
		logger:  logger.With("component", "proxy_service"),
		via:     cfg.Upstream.Via,
	}
	if fo, ok := mon.(monitor.FailureObserver); ok {
		s.failures = fo
	}
	if !cfg.Upstream.PreserveContentType {
		s.contentType = cfg.Upstream.ContentType
	}
	if cfg.Upstream.BaseURL != "" {
		u, err := url.Parse(cfg.Upstream.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream base_url: %w", err)
		}
		s.baseURL = u
	}
	return s, nil
}

// Run forwards in upstream and relays the response to w.
//
// The request body is captured as the upstream consumes it and the response
// body as it is written to w. After the response body has been relayed in
// full, the exchange is published to the monitor exactly once and returned.
// On any error the exchange is discarded. When the error wraps
// ErrResponseStream the status line has already been written to w.
func (s *ProxyService) Run(ctx context.Context, in *model.ProxyRequest, w http.ResponseWriter) (*model.Exchange, error) {
	// Intaking
	target, err := s.resolveTarget(in)
	if err != nil {
		s.fail(nil, in.Method, "", "bad_request", err)
		return nil, err
	}
	ex := model.NewExchange(target.Host, target.String(), in.Method, model.HeadersFromHTTP(in.Header))

	if s.isLoop(in.Header) {
		s.fail(ex, in.Method, ex.TargetURL, "loop", ErrForwardingLoop)
		return nil, ErrForwardingLoop
	}

	body := capture.NewStream(in.Body)
	defer body.Close()

	out, err := http.NewRequestWithContext(ctx, in.Method, target.String(), nil)
	if err != nil {
		s.fail(ex, in.Method, ex.TargetURL, "bad_request", err)
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	out.Header = s.forwardHeaders(in)
	if in.ContentLength != 0 {
		out.Body = body
		out.ContentLength = in.ContentLength
	} else {
		out.Body = http.NoBody
	}

	s.logger.Debug("forwarding request",
		"id", ex.ID,
		"method", in.Method,
		"target", ex.TargetURL,
	)

	// Forwarding
	var resp *http.Response
	if state := s.pool.PersistentState(); state != nil {
		resp, err = s.pool.ExecuteWithState(ctx, out, state)
	} else {
		resp, err = s.pool.Execute(ctx, out)
	}
	if err != nil {
		s.fail(ex, in.Method, ex.TargetURL, failureReason(err), err)
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	defer resp.Body.Close()

	// Capturing response
	sent := out
	if resp.Request != nil {
		sent = resp.Request
	}
	ex.ForwardedHeaders = pool.WireHeaders(sent)
	ex.StatusCode = resp.StatusCode
	ex.ResponseHeaders = model.HeadersFromHTTP(resp.Header)

	connection := strings.Join(resp.Header.Values("Connection"), ",")
	dst := w.Header()
	for name, vals := range resp.Header {
		if hop.ShouldForward(name, connection) {
			dst[name] = append([]string(nil), vals...)
		}
	}
	w.WriteHeader(resp.StatusCode)

	var respBody bytes.Buffer
	if _, err := io.Copy(w, io.TeeReader(resp.Body, &respBody)); err != nil {
		err = fmt.Errorf("%w: %w", ErrResponseStream, err)
		s.fail(ex, in.Method, ex.TargetURL, "stream", err)
		return nil, err
	}

	// Published
	ex.RequestBody = body.Captured()
	ex.ResponseBody = respBody.Bytes()
	ex.RawRequest = model.Dump(ex.ForwardedHeaders, ex.RequestBody)
	ex.RawResponse = model.Dump(ex.ResponseHeaders, ex.ResponseBody)
	ex.Duration = time.Since(ex.StartedAt)

	s.monitor.AddExchange(ex)
	if s.metrics != nil {
		s.metrics.ExchangesPublished.Inc()
	}
	return ex, nil
}

// resolveTarget picks the upstream URL: an absolute request URI first, then
// the configured base URL joined with the request path, then the Host header.
func (s *ProxyService) resolveTarget(in *model.ProxyRequest) (*url.URL, error) {
	if in.URL == nil {
		return nil, ErrNoTarget
	}
	if in.URL.IsAbs() {
		u := *in.URL
		return &u, nil
	}
	if s.baseURL != nil {
		u := *s.baseURL
		u.Path = joinPath(s.baseURL.Path, in.URL.Path)
		u.RawPath = ""
		u.RawQuery = in.URL.RawQuery
		return &u, nil
	}
	if in.Host == "" {
		return nil, ErrNoTarget
	}
	return &url.URL{
		Scheme:   "http",
		Host:     in.Host,
		Path:     in.URL.Path,
		RawPath:  in.URL.RawPath,
		RawQuery: in.URL.RawQuery,
	}, nil
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	joined := path.Join(base, p)
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	return joined
}

// forwardHeaders copies the inbound headers that survive hop filtering and
// adds the proxy headers.
func (s *ProxyService) forwardHeaders(in *model.ProxyRequest) http.Header {
	connection := strings.ToLower(strings.Join(in.Header.Values("Connection"), ","))

	out := make(http.Header, len(in.Header)+3)
	for name, vals := range in.Header {
		if hop.ShouldForward(name, connection) {
			out[name] = append([]string(nil), vals...)
		}
	}

	out.Set("Via", s.via)
	if len(in.Header.Values("X-Forwarded-For")) == 0 && in.RemoteAddr != "" {
		out.Set("X-Forwarded-For", in.RemoteAddr)
	}
	if s.contentType != "" {
		out.Set("Content-Type", s.contentType)
	}
	return out
}

// isLoop reports whether our own Via value is already on the request.
func (s *ProxyService) isLoop(h http.Header) bool {
	for _, v := range h.Values("Via") {
		for _, entry := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(entry), s.via) {
				return true
			}
		}
	}
	return false
}

func (s *ProxyService) fail(ex *model.Exchange, method, target, reason string, err error) {
	s.logger.Error("proxy session failed",
		"method", method,
		"target", target,
		"reason", reason,
		"err", err,
	)
	if s.metrics != nil {
		s.metrics.ExchangesFailed.WithLabelValues(reason).Inc()
	}
	if s.failures == nil {
		return
	}
	f := monitor.Failure{
		Method:    method,
		TargetURL: target,
		Reason:    reason,
		Error:     err.Error(),
		At:        time.Now(),
	}
	if ex != nil {
		f.ID = ex.ID
	}
	s.failures.ExchangeFailed(f)
}

// failureReason classifies an upstream error for metrics and failure records.
func failureReason(err error) string {
	var te *pool.TransportError
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, pool.ErrUnsupportedScheme):
		return "unsupported_scheme"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &te) && te.Timeout():
		return "timeout"
	default:
		return "transport"
	}
}
