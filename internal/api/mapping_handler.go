package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/service"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

// MappingHandler manages per-customer attribute mapping overrides
type MappingHandler struct {
	svc *service.Service
}

func NewMappingHandler(svc *service.Service) *MappingHandler {
	return &MappingHandler{svc: svc}
}

// GetMappings - GET /api/customers/:customerID/mappings
func (h *MappingHandler) GetMappings(c *gin.Context) {
	mappings, err := h.svc.ListMappings(c.Request.Context(), c.Param("customerID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to fetch mappings",
			"details": err.Error(),
		})
		return
	}
	if mappings == nil {
		mappings = []domain.AttributeMapping{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"count":    len(mappings),
		"mappings": mappings,
	})
}

// CreateMapping - POST /api/customers/:customerID/mappings
// Creates or replaces the override for one raw field name.
func (h *MappingHandler) CreateMapping(c *gin.Context) {
	var req domain.AttributeMapping
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
			"example": gin.H{"mappingName": "pac_kw", "attribute": "Total Real Power"},
		})
		return
	}
	req.CustomerID = c.Param("customerID")

	if err := h.svc.PutMapping(c.Request.Context(), req); err != nil {
		fail(c, err)
		return
	}

	logger.Infof("Saved mapping %s -> %s for %s", req.MappingName, req.Attribute, req.CustomerID)

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Mapping saved",
		"mapping": req,
	})
}

// DeleteMapping - DELETE /api/customers/:customerID/mappings/:name
func (h *MappingHandler) DeleteMapping(c *gin.Context) {
	customerID, name := c.Param("customerID"), c.Param("name")

	if err := h.svc.DeleteMapping(c.Request.Context(), customerID, name); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Mapping deleted",
	})
}
