// README: Base handler utilities (JSON helpers, central error mapping).
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"alon/internal/modules/approval"
	"alon/internal/modules/compliance"
	"alon/internal/modules/event"
	"alon/internal/modules/override"
	"alon/internal/modules/profile"
	"alon/internal/types"
)

// errorResponse is the error envelope. Code carries the machine-readable
// rejection (EMERGENCY_BRAKE_ACTIVE and friends); Violations the full
// compliance detail when a pre-check failed.
type errorResponse struct {
	Error      string                 `json:"error"`
	Code       string                 `json:"code,omitempty"`
	Violations []compliance.Violation `json:"violations,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeServiceError maps the service error taxonomy onto HTTP statuses in
// one place. Emergency-brake rejections answer 423 Locked so operators can
// tell the global freeze from a problem with their own request.
func writeServiceError(c *gin.Context, err error) {
	var (
		validation *types.ValidationError
		conflict   *types.ConflictError
		approvalE  *types.ApprovalError
		compliE    *compliance.Error
	)
	switch {
	case errors.As(err, &validation):
		writeError(c, http.StatusBadRequest, validation.Error())
	case errors.As(err, &compliE):
		status := http.StatusUnprocessableEntity
		code := ""
		if compliE.Has(compliance.CodeEmergencyBrake) {
			status = http.StatusLocked
			code = compliance.CodeEmergencyBrake
		}
		writeJSON(c, status, errorResponse{Error: compliE.Error(), Code: code, Violations: compliE.Violations})
	case errors.As(err, &approvalE):
		status := http.StatusConflict
		if approvalE.Code == types.ApprovalEmergencyBlocked {
			status = http.StatusLocked
		}
		writeJSON(c, status, errorResponse{Error: approvalE.Error(), Code: approvalE.Code})
	case errors.As(err, &conflict):
		writeError(c, http.StatusConflict, conflict.Error())
	case errors.Is(err, profile.ErrNotFound),
		errors.Is(err, override.ErrNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, event.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func pathID(c *gin.Context, name string) (types.ID, bool) {
	id := c.Param(name)
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing "+name)
		return "", false
	}
	return types.ID(id), true
}

func queryFloat(c *gin.Context, name string) (float64, bool) {
	raw := c.Query(name)
	if raw == "" {
		writeError(c, http.StatusBadRequest, "missing query parameter "+name)
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "query parameter "+name+" is not a number")
		return 0, false
	}
	return v, true
}
