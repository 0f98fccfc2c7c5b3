package api

import (
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/service"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

// Handler handles HTTP requests
type Handler struct {
	svc *service.Service
}

// NewHandler creates a new handler
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// statusFor maps service errors onto HTTP codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrLeaseHeld):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// SubmitData handles POST /api/customers/:customerID/data
func (h *Handler) SubmitData(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	r, err := h.svc.HandlePayload(c.Request.Context(), string(body), c.Param("customerID"))
	if err != nil {
		fail(c, err)
		return
	}
	if r == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"reading": r,
	})
}

// GetStats handles GET /api/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.svc.GetStats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
		"batch": h.svc.BatchStats(),
		"cache": h.svc.CacheStats(),
	})
}

// GetAlarms handles GET /api/customers/:customerID/alarms
func (h *Handler) GetAlarms(c *gin.Context) {
	alarms, err := h.svc.ActiveAlarms(c.Request.Context(), c.Param("customerID"))
	if err != nil {
		fail(c, err)
		return
	}
	if alarms == nil {
		alarms = []domain.Alarm{}
	}

	c.JSON(http.StatusOK, gin.H{
		"count":  len(alarms),
		"alarms": alarms,
	})
}

// DeleteDevice handles DELETE /api/customers/:customerID/devices/:deviceID
func (h *Handler) DeleteDevice(c *gin.Context) {
	customerID, deviceID := c.Param("customerID"), c.Param("deviceID")
	if err := h.svc.DeleteDevice(c.Request.Context(), customerID, deviceID); err != nil {
		fail(c, err)
		return
	}

	logger.WithDevice(customerID, deviceID).Info("device deleted")
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Device deleted"})
}

// RunSweep handles POST /api/sweeps/:name
func (h *Handler) RunSweep(c *gin.Context) {
	ctx := c.Request.Context()

	switch name := c.Param("name"); name {
	case "health":
		if err := h.svc.RunHealthSweep(ctx); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "sweep": name})
	case "notifications":
		summary, err := h.svc.SendPendingNotifications(ctx)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "sweep": name, "summary": summary})
	case "cleanup":
		deleted, err := h.svc.CleanupOldAlarms(ctx)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "sweep": name, "deleted": deleted})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown sweep: " + name})
	}
}

// GetFaultCodes handles GET /api/faults/codes
func (h *Handler) GetFaultCodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"critical":    sortedCodes(domain.CriticalErrors),
		"informative": sortedCodes(domain.InformativeErrors),
	})
}

func sortedCodes(table domain.FaultTable) []domain.FaultInfo {
	codes := make([]domain.FaultInfo, 0, len(table))
	for _, info := range table {
		codes = append(codes, info)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i].Code < codes[j].Code })
	return codes
}

// Health handles GET /healthz
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
