package db

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics. Only the
// Postgres source reports connection counts.
type PoolStats struct {
	Driver          string `json:"driver"`
	TotalConns      int32  `json:"total_conns,omitempty"`
	IdleConns       int32  `json:"idle_conns,omitempty"`
	AcquiredConns   int32  `json:"acquired_conns,omitempty"`
	MaxConns        int32  `json:"max_conns,omitempty"`
	AcquireCount    int64  `json:"acquire_count,omitempty"`
	AcquireDuration string `json:"acquire_duration,omitempty"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics for src.
func GetPoolStats(src Source) *PoolStats {
	stats := &PoolStats{Driver: src.Dialect().Name, Healthy: true}
	pg, ok := src.(*PgxSource)
	if !ok {
		return stats
	}
	stat := pg.Pool().Stat()
	stats.TotalConns = stat.TotalConns()
	stats.IdleConns = stat.IdleConns()
	stats.AcquiredConns = stat.AcquiredConns()
	stats.MaxConns = stat.MaxConns()
	stats.AcquireCount = stat.AcquireCount()
	stats.AcquireDuration = stat.AcquireDuration().String()
	stats.Healthy = stat.TotalConns() > 0
	return stats
}

// HealthHandler returns a handler for the database health check endpoint.
func HealthHandler(src Source) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := src.Ping(ctx)
		stats := GetPoolStats(src)

		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		})
	}
}
