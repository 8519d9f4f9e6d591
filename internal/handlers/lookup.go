package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/event-projection-service/internal/auth"
	"github.com/PratikDhanave/event-projection-service/internal/projection"
)

// RegisterLookupRoutes registers the point lookup endpoint of one projection.
//
// GET <route> (route carries a single :param, e.g. /sensorreadings/:sensorid)
// - 200 with the latest payload for the key
// - 404 when the key has never been seen
// - 503 while the projection is not ready, so clients know to retry
// - 500 when the backing store cannot be read
func RegisterLookupRoutes[T any](r gin.IRoutes, route, param string, f *projection.Facade[T]) {
	r.GET(route, func(c *gin.Context) {
		key := strings.TrimSpace(c.Param(param))
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": param + " required"})
			return
		}

		res, err := f.Lookup(c.Request.Context(), key)
		if err != nil {
			slog.ErrorContext(c.Request.Context(), "lookup failed",
				"projection", f.Name(), "key", key, "client", auth.Client(c), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		if !res.ServiceReady {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service not ready"})
			return
		}
		if !res.Found {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}

		c.Header("X-Source-Partition", itoa(int64(res.Event.Partition)))
		c.Header("X-Source-Offset", itoa(res.Event.Offset))
		c.JSON(http.StatusOK, res.Event.Payload)
	})
}
