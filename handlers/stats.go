package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dmarcwatch/middleware"
)

// GetStatsOverview counts the caller's visible incidents by status.
func (a *API) GetStatsOverview(c *gin.Context) {
	stats, err := a.Incidents.Stats(c.Request.Context(), middleware.Actor(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
