// README: Admin handler for manually triggering the lifecycle sweep.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"campool/internal/modules/lifecycle"
)

type JobHandler struct {
	jobs *lifecycle.JobService
}

func NewJobHandler(jobs *lifecycle.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Sweep runs the expiry and completion sweeps once. The sweeps are idempotent,
// so triggering concurrently with the scheduler is harmless.
func (h *JobHandler) Sweep(c *gin.Context) {
	res, err := h.jobs.Sweep(c.Request.Context(), time.Now())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
