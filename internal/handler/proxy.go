package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"monitor-proxy-go/internal/model"
	"monitor-proxy-go/internal/pool"
	"monitor-proxy-go/internal/service"
	"monitor-proxy-go/internal/truststore"
)

// ProxyHandler forwards every non-admin request through a proxy session.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Method:        req.Method,
		URL:           req.URL,
		Host:          req.Host,
		RemoteAddr:    remoteIP(req.RemoteAddr),
		Header:        req.Header,
		ContentLength: req.ContentLength,
		Body:          req.Body,
	}

	if _, err := h.service.Run(req.Context(), pr, c.Response()); err != nil {
		// Once the status line is out the caller just sees a truncated
		// body; the session already logged the failure.
		if c.Response().Committed {
			return nil
		}
		return h.mapError(c, err)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Debug("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrForwardingLoop) {
		return c.JSON(http.StatusLoopDetected, map[string]string{
			"error": "request already passed through this proxy",
		})
	}

	if errors.Is(err, service.ErrNoTarget) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "cannot determine upstream target: send an absolute URI or a Host header",
		})
	}

	if errors.Is(err, pool.ErrUnsupportedScheme) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "unsupported upstream scheme",
		})
	}

	if errors.Is(err, pool.ErrPoolExhausted) || errors.Is(err, pool.ErrStopped) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "no upstream connection available",
		})
	}

	var te *pool.TransportError
	transport := errors.As(err, &te)

	if errors.Is(err, context.DeadlineExceeded) || (transport && te.Timeout()) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	if errors.Is(err, truststore.ErrNoTrustMaterial) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "no trust material loaded for https upstreams",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	if transport {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// remoteIP strips the port from a RemoteAddr.
func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
