package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"monitor-proxy-go/internal/config"
	"monitor-proxy-go/internal/monitor"
	"monitor-proxy-go/internal/pool"
	"monitor-proxy-go/internal/settings"
	"monitor-proxy-go/internal/truststore"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	pool     *pool.Pool
	history  *monitor.History
	trust    *truststore.Store
	settings *settings.Store
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, p *pool.Pool, h *monitor.History, ts *truststore.Store, s *settings.Store) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, pool: p, history: h, trust: ts, settings: s}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type poolStatus struct {
	pool.Stats
	MaxConnectionsPerHost int    `json:"max_connections_per_host"`
	MaxTotalConnections   int    `json:"max_total_connections"`
	SocketTimeout         string `json:"socket_timeout"`
	AcquireTimeout        string `json:"acquire_timeout"`
	ReusePersistentState  bool   `json:"reuse_persistent_state"`
}

type trustStatus struct {
	Path      string    `json:"path,omitempty"`
	CertCount int       `json:"certificates"`
	Identity  bool      `json:"client_identity"`
	LoadedAt  time.Time `json:"loaded_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Status returns proxy status information: pool usage, trust material,
// capture counters and the current settings.
func (h *HealthHandler) Status(c echo.Context) error {
	upstream := h.cfg.Upstream.BaseURL
	if upstream == "" {
		upstream = "transparent"
	}

	st := h.pool.Stats()
	ps := poolStatus{
		Stats:                 st,
		MaxConnectionsPerHost: st.Config.MaxConnectionsPerHost,
		MaxTotalConnections:   st.Config.MaxTotalConnections,
		SocketTimeout:         st.Config.SocketTimeout.String(),
		AcquireTimeout:        st.Config.AcquireTimeout.String(),
		ReusePersistentState:  st.Config.ReusePersistentState,
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    string(h.version),
		"upstream":   upstream,
		"pool":       ps,
		"truststore": h.trustStatus(),
		"monitor":    h.history.Stats(),
		"settings":   h.settings.Snapshot(),
	})
}

func (h *HealthHandler) trustStatus() trustStatus {
	var ts trustStatus
	if h.trust == nil {
		return ts
	}
	if m, err := h.trust.Material(); m != nil {
		ts.Path = m.Path
		ts.CertCount = m.CertCount
		ts.Identity = len(m.Certificates) > 0
		ts.LoadedAt = m.LoadedAt
	} else if err != nil {
		ts.LastError = err.Error()
	}
	if err := h.trust.LastError(); err != nil {
		ts.LastError = err.Error()
	}
	return ts
}
