// README: Pricing profile handlers: CRUD plus the lifecycle transition.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"alon/internal/http/middleware"
	"alon/internal/modules/profile"
	"alon/internal/types"
)

type ProfileHandler struct {
	profiles *profile.Service
}

func NewProfileHandler(svc *profile.Service) *ProfileHandler {
	return &ProfileHandler{profiles: svc}
}

type createProfileReq struct {
	RegionID             string  `json:"region_id"`
	ServiceKey           string  `json:"service_key"`
	MaxMultiplier        float64 `json:"max_multiplier"`
	AdditiveEnabled      *bool   `json:"additive_enabled"`
	SmoothingHalfLifeSec int     `json:"smoothing_half_life_sec"`
	UpdateIntervalSec    int     `json:"update_interval_sec"`
	ModelVersion         string  `json:"model_version"`
}

func (h *ProfileHandler) Create(c *gin.Context) {
	var req createProfileReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	caller, _ := middleware.PrincipalFrom(c)

	p, err := h.profiles.Create(c.Request.Context(), caller.UserID, profile.CreateCommand{
		RegionID:             types.ID(req.RegionID),
		ServiceKey:           req.ServiceKey,
		MaxMultiplier:        req.MaxMultiplier,
		AdditiveEnabled:      req.AdditiveEnabled,
		SmoothingHalfLifeSec: req.SmoothingHalfLifeSec,
		UpdateIntervalSec:    req.UpdateIntervalSec,
		ModelVersion:         req.ModelVersion,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, p)
}

func (h *ProfileHandler) List(c *gin.Context) {
	rows, err := h.profiles.List(c.Request.Context(), profile.Filter{
		RegionID:   types.ID(c.Query("region")),
		ServiceKey: c.Query("service"),
		Status:     profile.Status(c.Query("status")),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"profiles": rows})
}

func (h *ProfileHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	p, err := h.profiles.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

type updateProfileReq struct {
	ExpectedVersion      int      `json:"expected_version"`
	MaxMultiplier        *float64 `json:"max_multiplier"`
	AdditiveEnabled      *bool    `json:"additive_enabled"`
	SmoothingHalfLifeSec *int     `json:"smoothing_half_life_sec"`
	UpdateIntervalSec    *int     `json:"update_interval_sec"`
	ModelVersion         *string  `json:"model_version"`
}

// Update applies the set fields. A cap raise above the approval threshold
// does not apply immediately: the response is 202 with the activation
// request that now gates it.
func (h *ProfileHandler) Update(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req updateProfileReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	caller, _ := middleware.PrincipalFrom(c)

	p, pending, err := h.profiles.Update(c.Request.Context(), caller.UserID, profile.UpdateCommand{
		ID:                   id,
		ExpectedVersion:      req.ExpectedVersion,
		MaxMultiplier:        req.MaxMultiplier,
		AdditiveEnabled:      req.AdditiveEnabled,
		SmoothingHalfLifeSec: req.SmoothingHalfLifeSec,
		UpdateIntervalSec:    req.UpdateIntervalSec,
		ModelVersion:         req.ModelVersion,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if pending != nil {
		writeJSON(c, http.StatusAccepted, gin.H{"profile": p, "approval_request": pending})
		return
	}
	writeJSON(c, http.StatusOK, p)
}

type transitionProfileReq struct {
	To              string `json:"to"`
	ExpectedVersion int    `json:"expected_version"`
}

func (h *ProfileHandler) Transition(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req transitionProfileReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.To == "" {
		writeError(c, http.StatusBadRequest, "missing target status")
		return
	}
	caller, _ := middleware.PrincipalFrom(c)

	p, err := h.profiles.Transition(c.Request.Context(), caller.UserID, id, profile.Status(req.To), req.ExpectedVersion)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}
