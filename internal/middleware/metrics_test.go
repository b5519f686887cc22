package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"monitor-proxy-go/internal/metrics"
)

// counterSeries returns the label sets and values of one counter family.
func counterSeries(t *testing.T, m *metrics.Metrics, name string) map[string]float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	out := make(map[string]float64)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			key := ""
			for _, lp := range metric.GetLabel() {
				key += lp.GetName() + "=" + lp.GetValue() + ","
			}
			out[key] = metric.GetCounter().GetValue()
		}
	}
	return out
}

func serveOnce(e *echo.Echo, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMetricsMiddleware_Labels(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		reply  func(c echo.Context) error
		want   string
	}{
		{
			name:   "forwarded",
			method: http.MethodPost,
			target: "/ws/orders",
			reply:  func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
			want:   "method=POST,path_prefix=forwarded,status_code=200,",
		},
		{
			name:   "admin",
			method: http.MethodGet,
			target: "/proxy/exchanges/abc",
			reply:  func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
			want:   "method=GET,path_prefix=/proxy/exchanges,status_code=200,",
		},
		{
			name:   "echo error status",
			method: http.MethodGet,
			target: "/ws/orders",
			reply:  func(c echo.Context) error { return echo.NewHTTPError(http.StatusNotFound, "not found") },
			want:   "method=GET,path_prefix=forwarded,status_code=404,",
		},
		{
			name:   "upstream failure",
			method: http.MethodGet,
			target: "/ws/orders",
			reply:  func(c echo.Context) error { return c.String(http.StatusBadGateway, "down") },
			want:   "method=GET,path_prefix=forwarded,status_code=502,",
		},
		{
			name:   "unknown method",
			method: "XYZZY",
			target: "/ws/orders",
			reply:  func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
			want:   "method=other,path_prefix=forwarded,",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := echo.New()
			e.Use(MetricsMiddleware(m))
			e.Any("/*", tt.reply)

			serveOnce(e, tt.method, tt.target)

			var got float64
			series := counterSeries(t, m, "monitor_proxy_http_requests_total")
			for key, v := range series {
				if strings.HasPrefix(key, tt.want) {
					got += v
				}
			}
			if got != 1 {
				t.Errorf("series %q = %v, want 1; have %v", tt.want, got, series)
			}
		})
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serveOnce(e, http.MethodGet, "/healthz")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "monitor_proxy_http_request_duration_seconds" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if metric.GetHistogram().GetSampleCount() > 0 {
				return
			}
		}
	}
	t.Error("expected monitor_proxy_http_request_duration_seconds with at least one sample")
}

func TestMetricsMiddleware_InFlightReturnsToZero(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for range 3 {
		serveOnce(e, http.MethodGet, "/ws/orders")
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "monitor_proxy_http_requests_in_flight" {
			if v := f.GetMetric()[0].GetGauge().GetValue(); v != 0 {
				t.Errorf("in flight = %v, want 0", v)
			}
			return
		}
	}
	t.Error("expected monitor_proxy_http_requests_in_flight")
}

func TestMetricsMiddleware_AbsoluteFormCountsAsForwarded(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, AbsoluteForm(func(c echo.Context) error {
		return c.String(http.StatusAccepted, "relayed")
	}))

	rec := serveOnce(e, http.MethodGet, "http://backend.test/healthz")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	series := counterSeries(t, m, "monitor_proxy_http_requests_total")
	want := "method=GET,path_prefix=forwarded,status_code=202,"
	if series[want] != 1 {
		t.Errorf("series %q = %v, want 1; have %v", want, series[want], series)
	}
}
