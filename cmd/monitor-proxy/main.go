package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"monitor-proxy-go/internal/config"
	"monitor-proxy-go/internal/handler"
	"monitor-proxy-go/internal/metrics"
	"monitor-proxy-go/internal/middleware"
	"monitor-proxy-go/internal/monitor"
	"monitor-proxy-go/internal/pool"
	"monitor-proxy-go/internal/service"
	"monitor-proxy-go/internal/settings"
	"monitor-proxy-go/internal/truststore"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("monitor-proxy"),
		kong.Description("HTTP proxy that records every request/response exchange it forwards."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newSettings,
			newTrustStore,
			newPool,
			newHistory,
			newProxyService,
			newEcho,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewExchangeHandler,
			handler.NewSettingsHandler,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			registerMetrics,
			bindSettings,
			reloadOnSignal,
			warnConfigPermissions,
			startServer,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	format := strings.ToLower(cfg.Log.Format)
	if format == "auto" {
		format = "json"
		if isatty.IsTerminal(os.Stdout.Fd()) {
			format = "text"
		}
	}

	var h slog.Handler
	switch format {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newSettings(cfg *config.Config) (*settings.Store, error) {
	return settings.New(cfg.Settings(), cfg.ReadSettings)
}

func newTrustStore(cfg *config.Config, s *settings.Store, logger *slog.Logger) *truststore.Store {
	path, password := cfg.TrustOverride()
	return truststore.New(pool.TrustSource(truststore.Source{Path: path, Password: password}, s), logger)
}

func newPool(lc fx.Lifecycle, cfg *config.Config, s *settings.Store, ts *truststore.Store, logger *slog.Logger, m *metrics.Metrics) (*pool.Pool, error) {
	base := pool.DefaultConfig()
	base.IdleConnections = cfg.Pool.IdleConnections

	p, err := pool.New(pool.ConfigFromSettings(base, s), ts, logger, m)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: p.Start,
		OnStop:  p.Stop,
	})
	return p, nil
}

func newHistory(cfg *config.Config, logger *slog.Logger) (*monitor.History, error) {
	return monitor.NewHistory(cfg.Monitor.HistorySize, cfg.Monitor.DumpDir, logger)
}

func newProxyService(p *pool.Pool, h *monitor.History, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*service.ProxyService, error) {
	return service.NewProxyService(p, h, cfg, logger, m)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so long upstream responses can stream
	// through. The pool's socket timeout bounds the upstream side.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *handler.ProxyHandler, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	h := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
	e.GET(cfg.Metrics.Path, echo.WrapHandler(h), handler.AdminMiddleware(proxy)...)
	logger.Info("metrics enabled", "path", cfg.Metrics.Path)
}

func bindSettings(lc fx.Lifecycle, p *pool.Pool, s *settings.Store, logger *slog.Logger) {
	unsubscribe := pool.Bind(p, s, logger)
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			unsubscribe()
			return nil
		},
	})
}

// reloadOnSignal re-reads the config file on SIGHUP.
func reloadOnSignal(lc fx.Lifecycle, s *settings.Store, logger *slog.Logger) {
	sig := make(chan os.Signal, 1)
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			signal.Notify(sig, syscall.SIGHUP)
			go func() {
				for {
					select {
					case <-sig:
						if err := s.Reload(); err != nil {
							logger.Error("settings reload failed", "err", err)
							continue
						}
						logger.Info("settings reloaded")
					case <-done:
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			signal.Stop(sig)
			close(done)
			return nil
		},
	})
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "upstream", cfg.Upstream.BaseURL)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
