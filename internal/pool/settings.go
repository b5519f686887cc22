package pool

import (
	"log/slog"
	"strings"
	"time"

	"monitor-proxy-go/internal/settings"
	"monitor-proxy-go/internal/truststore"
)

// ConfigFromSettings overlays the pool keys present in s onto base. Empty
// values keep the base value, the same rule Bind applies to change events.
func ConfigFromSettings(base Config, s *settings.Store) Config {
	cfg := base
	cfg.MaxConnectionsPerHost = int(s.GetLong(settings.KeyMaxConnectionsPerHost, int64(base.MaxConnectionsPerHost)))
	cfg.MaxTotalConnections = int(s.GetLong(settings.KeyMaxTotalConnections, int64(base.MaxTotalConnections)))
	cfg.SocketTimeout = seconds(s, settings.KeySocketTimeout, base.SocketTimeout)
	cfg.AcquireTimeout = seconds(s, settings.KeyAcquireTimeout, base.AcquireTimeout)
	if strings.TrimSpace(s.GetString(settings.KeyReusePersistentState, "")) != "" {
		cfg.ReusePersistentState = s.GetBool(settings.KeyReusePersistentState)
	}
	if ua := s.GetString(settings.KeyUserAgent, ""); ua != "" {
		cfg.UserAgent = ua
	}
	return cfg
}

func seconds(s *settings.Store, key string, def time.Duration) time.Duration {
	return time.Duration(s.GetLong(key, int64(def/time.Second))) * time.Second
}

// TrustSource resolves the trust store location. A non-empty field in
// override wins over the settings value.
func TrustSource(override truststore.Source, s *settings.Store) truststore.SourceFunc {
	return func() truststore.Source {
		src := override
		if src.Path == "" {
			src.Path = s.GetString(settings.KeyTrustStorePath, "")
		}
		if src.Password == "" {
			src.Password = s.GetString(settings.KeyTrustStorePassword, "")
		}
		return src
	}
}

// Bind subscribes p to s. Changes to trust store keys reload the trust
// material and changes to pool keys reconfigure the pool. A full reload is
// applied once, when Reloaded arrives, as a single swap of caps and trust
// material; the Changed events leading up to it are not acted on. Changes to
// an empty value are ignored.
func Bind(p *Pool, s *settings.Store, logger *slog.Logger) (unsubscribe func()) {
	logger = logger.With("component", "pool_settings")

	apply := func(reloadTrust bool) {
		cfg := ConfigFromSettings(p.Config(), s)
		if err := cfg.Validate(); err != nil {
			logger.Error("pool reconfiguration rejected", "err", err)
			if !reloadTrust {
				return
			}
			cfg = p.Config()
		}
		if err := p.Apply(cfg, reloadTrust); err != nil {
			logger.Error("trust store reload failed", "err", err)
		}
	}

	return s.Subscribe(func(ev settings.Event) {
		switch ev := ev.(type) {
		case settings.Changed:
			if ev.NewValue == "" || ev.Reloading {
				return
			}
			switch {
			case ev.Key == settings.KeyTrustStorePath || ev.Key == settings.KeyTrustStorePassword:
				apply(true)
			case isPoolKey(ev.Key):
				apply(false)
			}
		case settings.Reloaded:
			apply(true)
		}
	})
}

func isPoolKey(key string) bool {
	return strings.HasPrefix(key, "pool.") || key == settings.KeyUserAgent
}
