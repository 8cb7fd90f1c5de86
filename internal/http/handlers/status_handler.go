// README: Operational status endpoint.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"alon/internal/modules/status"
	"alon/internal/types"
)

type StatusHandler struct {
	builder *status.Builder
}

func NewStatusHandler(builder *status.Builder) *StatusHandler {
	return &StatusHandler{builder: builder}
}

// Report handles GET /api/v1/status, optionally narrowed by ?region=.
func (h *StatusHandler) Report(c *gin.Context) {
	report, err := h.builder.Build(c.Request.Context(), types.ID(c.Query("region")))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, report)
}
