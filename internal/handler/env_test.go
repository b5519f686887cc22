package handler

import (
	"io"
	"log/slog"
	"testing"

	"github.com/labstack/echo/v4"

	"monitor-proxy-go/internal/config"
	"monitor-proxy-go/internal/monitor"
	"monitor-proxy-go/internal/pool"
	"monitor-proxy-go/internal/service"
	"monitor-proxy-go/internal/settings"
)

const testVia = "1.1 monitor-proxy-test"

// testEnv is the full handler stack wired against an in-memory history.
type testEnv struct {
	e        *echo.Echo
	cfg      *config.Config
	pool     *pool.Pool
	history  *monitor.History
	settings *settings.Store
	proxy    *ProxyHandler
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:             baseURL,
			Via:                 testVia,
			PreserveContentType: true,
		},
	}
}

func newTestEnv(t *testing.T, cfg *config.Config, loader settings.Loader) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := pool.New(pool.DefaultConfig(), nil, logger, nil)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop(t.Context()) })

	history, err := monitor.NewHistory(16, "", logger)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}

	store, err := settings.New(map[string]string{
		settings.KeyTrustStorePassword: "hunter2",
	}, loader)
	if err != nil {
		t.Fatalf("settings.New: %v", err)
	}
	t.Cleanup(pool.Bind(p, store, logger))

	svc, err := service.NewProxyService(p, history, cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}

	proxy := NewProxyHandler(svc, logger)
	health := NewHealthHandler(cfg, "test", p, history, nil, store)

	e := echo.New()
	RegisterRoutes(e, proxy, health, NewExchangeHandler(history, cfg), NewSettingsHandler(store, logger))

	return &testEnv{
		e:        e,
		cfg:      cfg,
		pool:     p,
		history:  history,
		settings: store,
		proxy:    proxy,
	}
}
