package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PratikDhanave/event-projection-service/internal/auth"
	"github.com/PratikDhanave/event-projection-service/internal/config"
	"github.com/PratikDhanave/event-projection-service/internal/handlers"
	"github.com/PratikDhanave/event-projection-service/internal/models"
	"github.com/PratikDhanave/event-projection-service/internal/projection"
)

// Pinger is a backing database the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components served over HTTP.
type Deps struct {
	Sensors     *projection.Facade[models.SensorReading]
	Badges      *projection.Facade[models.DoorBadgeIn]
	Projections []handlers.Projection
	// DB is nil for strategies without a database.
	DB Pinger
}

// NewRouter wires public endpoints and authenticated APIs.
// Public: /health, /started, /ready, /metrics
// Authenticated: /sensorreadings/:sensorid, /badgeins/:doorid, /projections
func NewRouter(cfg config.Config, deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Startup: every projection has reached RUNNING at least once.
	r.GET("/started", func(c *gin.Context) {
		for _, p := range deps.Projections {
			if !p.Status.Started() {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting", "projection": p.Name})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "started"})
	})

	// Readiness: every loop is running (and caught up if configured) and
	// the DB dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		for _, p := range deps.Projections {
			if !p.Status.Running() {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "projection": p.Name, "error": "not running"})
				return
			}
			if cfg.ReadyRequiresCaughtUp && !p.Status.CaughtUp() {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "projection": p.Name, "error": "catching up"})
				return
			}
		}

		if deps.DB != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
			defer cancel()

			if err := deps.DB.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Auth group resolves the calling client via X-API-Key.
	authGroup := r.Group("/")
	authGroup.Use(auth.APIKeyMiddleware(cfg.APIKeys))

	if deps.Sensors != nil {
		handlers.RegisterLookupRoutes(authGroup, "/sensorreadings/:sensorid", "sensorid", deps.Sensors)
	}
	if deps.Badges != nil {
		handlers.RegisterLookupRoutes(authGroup, "/badgeins/:doorid", "doorid", deps.Badges)
	}
	handlers.RegisterStatusRoutes(authGroup, deps.Projections)

	return r
}
