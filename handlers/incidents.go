package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dmarcwatch/middleware"
	"dmarcwatch/models"
	"dmarcwatch/services"
)

func (a *API) ListIncidents(c *gin.Context) {
	filter := services.IncidentFilter{
		Status: models.IncidentStatus(c.Query("status")),
		RuleID: c.Query("rule_id"),
	}
	switch filter.Status {
	case "", models.StatusOpen, models.StatusAcknowledged, models.StatusResolved:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be open, acknowledged or resolved"})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}

	incidents, err := a.Incidents.ListIncidents(c.Request.Context(), middleware.Actor(c), filter)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents})
}

func (a *API) AcknowledgeIncident(c *gin.Context) {
	inc, err := a.Incidents.Acknowledge(c.Request.Context(), c.Param("id"), middleware.Actor(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (a *API) ResolveIncident(c *gin.Context) {
	inc, err := a.Incidents.Resolve(c.Request.Context(), c.Param("id"), middleware.Actor(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}
