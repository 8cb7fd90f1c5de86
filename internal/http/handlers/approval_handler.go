// README: Activation request decisions and the emergency brake.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"alon/internal/http/middleware"
	"alon/internal/modules/approval"
	"alon/internal/types"
)

type ApprovalHandler struct {
	approvals *approval.Service
}

func NewApprovalHandler(svc *approval.Service) *ApprovalHandler {
	return &ApprovalHandler{approvals: svc}
}

func (h *ApprovalHandler) List(c *gin.Context) {
	rows, err := h.approvals.List(c.Request.Context(), approval.Filter{
		Status:   approval.Status(c.Query("status")),
		TargetID: types.ID(c.Query("target")),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": rows})
}

// Approve records one approval. The request only decides once the quorum
// is in, so a 200 here does not necessarily mean the change is live.
func (h *ApprovalHandler) Approve(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	caller, _ := middleware.PrincipalFrom(c)

	req, err := h.approvals.Approve(c.Request.Context(), id, caller.UserID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, req)
}

type rejectReq struct {
	Note string `json:"note"`
}

func (h *ApprovalHandler) Reject(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body rejectReq
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	caller, _ := middleware.PrincipalFrom(c)

	req, err := h.approvals.Reject(c.Request.Context(), id, caller.UserID, body.Note)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, req)
}

func (h *ApprovalHandler) Emergency(c *gin.Context) {
	flag, err := h.approvals.Emergency(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, flag)
}

type emergencyReq struct {
	Reason string `json:"reason"`
}

// SetEmergency raises the surge freeze; every multiplier pins to 1.0 on the
// next composition and new surge writes are refused until it clears.
func (h *ApprovalHandler) SetEmergency(c *gin.Context) {
	var body emergencyReq
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	caller, _ := middleware.PrincipalFrom(c)

	flag, err := h.approvals.SetEmergency(c.Request.Context(), caller.UserID, body.Reason)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, flag)
}

func (h *ApprovalHandler) ClearEmergency(c *gin.Context) {
	caller, _ := middleware.PrincipalFrom(c)

	flag, err := h.approvals.ClearEmergency(c.Request.Context(), caller.UserID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, flag)
}
