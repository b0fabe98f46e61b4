package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dmarcwatch/config"
	"dmarcwatch/db"
	"dmarcwatch/logging"
	"dmarcwatch/middleware"
	"dmarcwatch/services"
)

// API carries the services behind the HTTP routes.
type API struct {
	DB        *db.DB
	Incidents *services.IncidentManager
	Engine    *services.Engine
	Logger    logging.Logger
}

// Register mounts every route on r.
func Register(r *gin.Engine, api *API, cfg config.Config) {
	r.GET("/health", api.Health)
	if cfg.Features.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	auth := middleware.AuthRequired(cfg.Features, []byte(cfg.JWTSecret))
	v := r.Group("/api", auth)
	{
		v.GET("/incidents", api.ListIncidents)
		v.POST("/incidents/:id/acknowledge", api.AcknowledgeIncident)
		v.POST("/incidents/:id/resolve", api.ResolveIncident)
		v.GET("/stats/overview", api.GetStatsOverview)
		v.GET("/rules/:id/preview", api.PreviewRule)
	}

	runner := r.Group("/api/run", middleware.RunnerToken(cfg.RunnerTokenHash, cfg.Features.AuthEnabled))
	{
		runner.POST("/alerts", api.RunAlerts)
		runner.POST("/schedules", api.RunSchedules)
	}
}

// fail maps service errors onto status codes.
func (a *API) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, services.ErrAlreadyAcknowledged):
		c.JSON(http.StatusConflict, gin.H{"error": "Incident is not open"})
	case errors.Is(err, services.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "Incident is already resolved"})
	case errors.Is(err, services.ErrInvalidMetric), errors.Is(err, services.ErrInvalidOperator),
		errors.Is(err, services.ErrOwnerNotFound):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		a.Logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
