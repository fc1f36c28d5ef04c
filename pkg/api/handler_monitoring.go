package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/conferencetools/bbb-loadbalancer/pkg/database"
	"github.com/conferencetools/bbb-loadbalancer/pkg/rcp"
)

// getServersHandler serves the monitoring fleet summary. The caller signs an
// empty parameter set with the monitoring secret and the current time
// window and sends the result in the Authorization header.
func (s *Server) getServersHandler(c *echo.Context) error {
	auth := c.Request().Header.Get("Authorization")
	if auth == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "authorization required",
		})
	}
	if !rcp.ValidateWithTime(nil, auth, s.cfg.Monitoring.Secret,
		rcp.SaltGetServers, s.cfg.Monitoring.TimeDelta) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "invalid authorization",
		})
	}

	counts, err := s.registry.CountServersByState(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not count servers")
	}
	return c.JSON(http.StatusOK, counts)
}

// healthHandler reports process and database health.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":   "healthy",
		"database": dbHealth,
	})
}
