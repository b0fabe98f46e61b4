package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RunAlerts triggers one alert pass. Overlapping triggers join the pass
// already running.
func (a *API) RunAlerts(c *gin.Context) {
	res, err := a.Engine.RunAlertPass(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RunSchedules triggers one schedule pass.
func (a *API) RunSchedules(c *gin.Context) {
	res, err := a.Engine.RunSchedulePass(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
