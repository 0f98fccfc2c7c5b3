package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/service"
)

// RawDataHandler handles the raw payload queue endpoints
type RawDataHandler struct {
	svc *service.Service
}

// NewRawDataHandler creates a new raw data handler
func NewRawDataHandler(svc *service.Service) *RawDataHandler {
	return &RawDataHandler{svc: svc}
}

// Enqueue handles POST /api/customers/:customerID/raw
func (h *RawDataHandler) Enqueue(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || strings.TrimSpace(string(body)) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}

	id, err := h.svc.EnqueueRaw(c.Request.Context(), c.Param("customerID"), string(body))
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "queued",
		"raw_id": id,
	})
}

// Drain handles POST /api/raw/drain
func (h *RawDataHandler) Drain(c *gin.Context) {
	n, err := h.svc.DrainRaw(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"processed": n,
	})
}
