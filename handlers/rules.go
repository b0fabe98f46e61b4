package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dmarcwatch/middleware"
)

// PreviewRule evaluates a rule now without opening an incident.
func (a *API) PreviewRule(c *gin.Context) {
	ctx := c.Request.Context()
	rule, err := a.Incidents.VisibleRule(ctx, c.Param("id"), middleware.Actor(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	ev, crossed, err := a.Incidents.Preview(ctx, rule)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rule_id":            rule.ID,
		"metric":             rule.Metric,
		"value":              ev.Value,
		"threshold_operator": rule.ThresholdOperator,
		"threshold_value":    rule.ThresholdValue,
		"crossed":            crossed,
		"details":            ev.Details,
	})
}
