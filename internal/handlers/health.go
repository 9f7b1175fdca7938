package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// HealthChecker is anything that can report whether its broker link is usable.
type HealthChecker interface {
	HealthCheck() error
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	checker HealthChecker
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{
		checker: checker,
	}
}

// Register registers health routes
func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/ready", h.Ready)
}

// Health returns basic health status
func (h *HealthHandler) Health(c echo.Context) error {
	log := log.WithField("prefix", "HealthHandler")
	log.Debug("health check request received")

	response := map[string]string{
		"status": "ok",
	}
	return c.JSON(http.StatusOK, response)
}

// Ready returns readiness status including broker connectivity
func (h *HealthHandler) Ready(c echo.Context) error {
	log := log.WithField("prefix", "ReadyHandler")
	log.Debug("readiness check request received")

	if err := h.checker.HealthCheck(); err != nil {
		log.Debugf("broker not ready: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
	}

	response := map[string]string{
		"status": "ready",
	}
	return c.JSON(http.StatusOK, response)
}
