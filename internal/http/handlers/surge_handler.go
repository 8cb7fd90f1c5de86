// README: Surge lookup (the rider-facing hot path), compose trigger, hex cover.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"alon/internal/hexgrid"
	"alon/internal/modules/compose"
	"alon/internal/types"
)

type SurgeHandler struct {
	composer   *compose.Composer
	resolution int
}

func NewSurgeHandler(composer *compose.Composer, resolution int) *SurgeHandler {
	return &SurgeHandler{composer: composer, resolution: resolution}
}

// Lookup handles GET /api/v1/surge/:region/:service. It resolves the
// coordinate to a cell and serves the materialized row from memory; a cell
// that was never composed answers the neutral baseline with found=false.
func (h *SurgeHandler) Lookup(c *gin.Context) {
	region, ok := pathID(c, "region")
	if !ok {
		return
	}
	service := c.Param("service")
	lat, ok := queryFloat(c, "lat")
	if !ok {
		return
	}
	lng, ok := queryFloat(c, "lng")
	if !ok {
		return
	}

	cell, err := hexgrid.Resolve(lat, lng, h.resolution)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	row, found := h.composer.Lookup(region, service, cell)
	writeJSON(c, http.StatusOK, gin.H{"state": row, "found": found})
}

// Compose handles POST /api/v1/surge/:region/:service/compose, forcing a
// recomputation outside the profile ticker.
func (h *SurgeHandler) Compose(c *gin.Context) {
	region, ok := pathID(c, "region")
	if !ok {
		return
	}
	service := c.Param("service")

	stats, err := h.composer.Compose(c.Request.Context(), region, service)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, stats)
}

// Cover handles GET /api/v1/hexes/cover. Operators use it to turn a point
// and radius into the hex set for an override request.
func (h *SurgeHandler) Cover(c *gin.Context) {
	lat, ok := queryFloat(c, "lat")
	if !ok {
		return
	}
	lng, ok := queryFloat(c, "lng")
	if !ok {
		return
	}
	radius, ok := queryFloat(c, "radius_km")
	if !ok {
		return
	}

	cells, err := hexgrid.CellsWithinKm(types.Point{Lat: lat, Lng: lng}, radius, h.resolution)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"resolution": h.resolution, "cells": cells, "count": len(cells)})
}
