package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"monitor-proxy-go/internal/config"
	"monitor-proxy-go/internal/model"
	"monitor-proxy-go/internal/monitor"
)

const (
	defaultListLimit = 100
	mimeMsgpack      = "application/msgpack"
)

// ExchangeHandler exposes captured exchanges.
type ExchangeHandler struct {
	history     *monitor.History
	decodeLimit int64
}

// NewExchangeHandler creates an ExchangeHandler. Decoded bodies are capped at
// server.body_max_bytes.
func NewExchangeHandler(h *monitor.History, cfg *config.Config) *ExchangeHandler {
	return &ExchangeHandler{history: h, decodeLimit: cfg.Server.BodyMaxBytes}
}

// exchangeSummary is one line of the exchange list.
type exchangeSummary struct {
	ID            string        `json:"id" msgpack:"id"`
	Method        string        `json:"method" msgpack:"method"`
	TargetURL     string        `json:"target_url" msgpack:"target_url"`
	StatusCode    int           `json:"status_code" msgpack:"status_code"`
	RequestBytes  int           `json:"request_bytes" msgpack:"request_bytes"`
	ResponseBytes int           `json:"response_bytes" msgpack:"response_bytes"`
	StartedAt     time.Time     `json:"started_at" msgpack:"started_at"`
	Duration      time.Duration `json:"duration" msgpack:"duration"`
}

// List returns the newest exchanges. ?limit=N caps the count (0 for all).
func (h *ExchangeHandler) List(c echo.Context) error {
	limit := defaultListLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
		}
		limit = n
	}

	exchanges := h.history.List(limit)
	out := make([]exchangeSummary, 0, len(exchanges))
	for _, ex := range exchanges {
		out = append(out, exchangeSummary{
			ID:            ex.ID,
			Method:        ex.Method,
			TargetURL:     ex.TargetURL,
			StatusCode:    ex.StatusCode,
			RequestBytes:  len(ex.RequestBody),
			ResponseBytes: len(ex.ResponseBody),
			StartedAt:     ex.StartedAt,
			Duration:      ex.Duration,
		})
	}
	return respond(c, out)
}

// exchangeDetail adds the decoded response body when asked for.
type exchangeDetail struct {
	*model.Exchange
	DecodedResponseBody []byte `json:"decoded_response_body,omitempty" msgpack:"decoded_response_body,omitempty"`
}

// Get returns one exchange. ?decode=true adds the response body with its
// content encoding removed.
func (h *ExchangeHandler) Get(c echo.Context) error {
	ex, err := h.history.Get(c.Param("id"))
	if errors.Is(err, monitor.ErrNotFound) {
		return c.JSON(http.StatusNotFound, exchangeNotFound)
	}
	if err != nil {
		return err
	}

	detail := exchangeDetail{Exchange: ex}
	if decode, _ := strconv.ParseBool(c.QueryParam("decode")); decode {
		body, err := ex.DecodedResponseBody(h.decodeLimit)
		if errors.Is(err, model.ErrDecodedTooLarge) {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{
				"error": fmt.Sprintf("decoded response body exceeds %d bytes", h.decodeLimit),
			})
		}
		if err != nil {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{
				"error": "decode response body: " + err.Error(),
			})
		}
		detail.DecodedResponseBody = body
	}
	return respond(c, detail)
}

// Raw returns the raw request or response dump of one exchange.
func (h *ExchangeHandler) Raw(c echo.Context) error {
	ex, err := h.history.Get(c.Param("id"))
	if errors.Is(err, monitor.ErrNotFound) {
		return c.JSON(http.StatusNotFound, exchangeNotFound)
	}
	if err != nil {
		return err
	}

	switch c.Param("kind") {
	case "request":
		return c.Blob(http.StatusOK, echo.MIMEOctetStream, ex.RawRequest)
	case "response":
		return c.Blob(http.StatusOK, echo.MIMEOctetStream, ex.RawResponse)
	default:
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "raw dump kind must be request or response",
		})
	}
}

// Failures returns the recent sessions that ended without an exchange.
func (h *ExchangeHandler) Failures(c echo.Context) error {
	return respond(c, h.history.Failures())
}

// exchangeNotFound is the JSON body for unknown exchange IDs.
var exchangeNotFound = map[string]string{"error": "exchange not found"}

// respond writes v as msgpack when the client asks for it, JSON otherwise.
func respond(c echo.Context, v any) error {
	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), mimeMsgpack) {
		data, err := msgpack.Marshal(v)
		if err != nil {
			return err
		}
		return c.Blob(http.StatusOK, mimeMsgpack, data)
	}
	return c.JSON(http.StatusOK, v)
}
