// README: Override and schedule handlers plus the compliance pre-check.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"alon/internal/hexgrid"
	"alon/internal/http/middleware"
	"alon/internal/modules/compliance"
	"alon/internal/modules/override"
	"alon/internal/types"
)

type RuleHandler struct {
	rules  *override.Service
	limits *compliance.Limits
}

func NewRuleHandler(rules *override.Service, limits *compliance.Limits) *RuleHandler {
	return &RuleHandler{rules: rules, limits: limits}
}

type createRuleReq struct {
	Kind        string           `json:"kind"`
	RegionID    string           `json:"region_id"`
	ServiceKey  string           `json:"service_key"`
	Reason      string           `json:"reason"`
	Multiplier  float64          `json:"multiplier"`
	AdditiveFee int64            `json:"additive_fee"`
	HexSet      []hexgrid.CellID `json:"hex_set"`
	StartsAt    time.Time        `json:"starts_at"`
	EndsAt      time.Time        `json:"ends_at"`
	Recurrence  string           `json:"recurrence"`
}

// Create handles POST /api/v1/rules. At or below the approval threshold the
// rule goes live on the spot (201); above it the rule parks pending behind
// an activation request (202). Non-blocking compliance warnings ride along
// either way.
func (h *RuleHandler) Create(c *gin.Context) {
	var req createRuleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	caller, _ := middleware.PrincipalFrom(c)

	rule, warnings, err := h.rules.Create(c.Request.Context(), caller.UserID, override.CreateCommand{
		Kind:        override.Kind(req.Kind),
		RegionID:    types.ID(req.RegionID),
		ServiceKey:  req.ServiceKey,
		Reason:      req.Reason,
		Multiplier:  req.Multiplier,
		AdditiveFee: req.AdditiveFee,
		HexSet:      req.HexSet,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
		Recurrence:  override.Recurrence(req.Recurrence),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	status := http.StatusCreated
	if rule.Status == override.StatusPending {
		status = http.StatusAccepted
	}
	writeJSON(c, status, gin.H{"rule": rule, "warnings": warnings})
}

func (h *RuleHandler) List(c *gin.Context) {
	rows, err := h.rules.List(c.Request.Context(), override.Filter{
		Kind:       override.Kind(c.Query("kind")),
		RegionID:   types.ID(c.Query("region")),
		ServiceKey: c.Query("service"),
		Status:     override.Status(c.Query("status")),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"rules": rows})
}

func (h *RuleHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	rule, err := h.rules.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rule)
}

// Cancel pulls a pending or approved rule; covered cells glide back on the
// next composition.
func (h *RuleHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	caller, _ := middleware.PrincipalFrom(c)

	rule, err := h.rules.Cancel(c.Request.Context(), caller.UserID, id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rule)
}

type validateReq struct {
	RegionID    string  `json:"region_id"`
	ServiceKey  string  `json:"service_key"`
	Multiplier  float64 `json:"multiplier"`
	AdditiveFee int64   `json:"additive_fee"`
	HexCount    int     `json:"hex_count"`
}

// Validate handles POST /api/v1/validate: the dry-run compliance check
// operators call before filing an override. It always answers 200; the
// verdict lives in the result body.
func (h *RuleHandler) Validate(c *gin.Context) {
	var req validateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.RegionID == "" || req.ServiceKey == "" {
		writeError(c, http.StatusBadRequest, "missing region_id or service_key")
		return
	}

	snapshot, err := h.limits.Snapshot(c.Request.Context(), types.ID(req.RegionID), req.ServiceKey)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	result := compliance.Validate(compliance.Candidate{
		RegionID:    types.ID(req.RegionID),
		ServiceKey:  req.ServiceKey,
		Multiplier:  req.Multiplier,
		AdditiveFee: types.PHP(req.AdditiveFee),
		HexCount:    req.HexCount,
	}, snapshot)
	writeJSON(c, http.StatusOK, result)
}
