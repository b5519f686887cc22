package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"monitor-proxy-go/internal/settings"
)

// SettingsHandler reads and changes runtime settings.
type SettingsHandler struct {
	store  *settings.Store
	logger *slog.Logger
}

// NewSettingsHandler creates a SettingsHandler.
func NewSettingsHandler(s *settings.Store, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{
		store:  s,
		logger: logger.With("component", "settings_handler"),
	}
}

type setRequest struct {
	Value string `json:"value"`
}

// List returns all settings with secrets redacted.
func (h *SettingsHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, h.store.Snapshot())
}

// Set changes one setting. Subscribers such as the connection pool react
// before the response is written.
func (h *SettingsHandler) Set(c echo.Context) error {
	key := c.Param("key")

	var body setRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "body must be a JSON object with a string \"value\"",
		})
	}

	if err := h.store.Set(key, body.Value); err != nil {
		if errors.Is(err, settings.ErrInvalidSetting) {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
		}
		return err
	}

	h.logger.Info("setting changed", "key", key)
	return c.JSON(http.StatusOK, h.store.Snapshot())
}

// Reload re-reads the settings source.
func (h *SettingsHandler) Reload(c echo.Context) error {
	if err := h.store.Reload(); err != nil {
		h.logger.Error("settings reload failed", "err", err)
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, h.store.Snapshot())
}
