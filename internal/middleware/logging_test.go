package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	return line
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	line := logLine(t, &buf)
	if line["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", line["level"])
	}
	if line["path"] != "/test" {
		t.Errorf("path = %v, want /test", line["path"])
	}
	if _, ok := line["target"]; ok {
		t.Errorf("origin-form request logged a target: %v", line["target"])
	}
}

func TestRequestLogger_AbsoluteFormUpstreamFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusBadGateway, "upstream down")
	})

	req := httptest.NewRequest(http.MethodPost, "http://backend.test/ws/orders?id=7", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	line := logLine(t, &buf)
	if line["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", line["level"])
	}
	if line["target"] != "http://backend.test/ws/orders?id=7" {
		t.Errorf("target = %v, want the absolute URL", line["target"])
	}
	if line["status"] != float64(http.StatusBadGateway) {
		t.Errorf("status = %v, want %d", line["status"], http.StatusBadGateway)
	}
}
