package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/event-projection-service/internal/models"
	"github.com/PratikDhanave/event-projection-service/internal/projection"
)

// Projection describes one running projection for the status endpoint.
type Projection struct {
	Name   string
	Topic  string
	Status projection.Status
	// Count is optional; stores that can count their keys expose it.
	Count func(ctx context.Context) (int, error)
}

// RegisterStatusRoutes registers the projection status endpoint.
//
// GET /projections
// - lists every projection with its ingestion state and key count
// - a failing key count is reported per projection, not as a request error
func RegisterStatusRoutes(r gin.IRoutes, projections []Projection) {
	r.GET("/projections", func(c *gin.Context) {
		out := make([]models.ProjectionStatus, 0, len(projections))
		for _, p := range projections {
			st := models.ProjectionStatus{
				Name:     p.Name,
				Topic:    p.Topic,
				Started:  p.Status.Started(),
				Running:  p.Status.Running(),
				CaughtUp: p.Status.CaughtUp(),
			}
			if p.Count != nil {
				n, err := p.Count(c.Request.Context())
				if err != nil {
					st.Error = "count failed"
				} else {
					st.Keys = &n
				}
			}
			out = append(out, st)
		}
		c.JSON(http.StatusOK, models.ProjectionsResponse{Projections: out})
	})
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
