package api

import (
	"github.com/gin-gonic/gin"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/service"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, svc *service.Service) {
	h := NewHandler(svc)
	mappingHandler := NewMappingHandler(svc)
	rawHandler := NewRawDataHandler(svc)

	r.GET("/healthz", h.Health)

	api := r.Group("/api")
	{
		api.GET("/stats", h.GetStats)
		api.GET("/faults/codes", h.GetFaultCodes)
		api.POST("/sweeps/:name", h.RunSweep)
		api.POST("/raw/drain", rawHandler.Drain)

		customer := api.Group("/customers/:customerID")
		{
			customer.POST("/data", h.SubmitData)
			customer.POST("/raw", rawHandler.Enqueue)
			customer.GET("/alarms", h.GetAlarms)
			customer.DELETE("/devices/:deviceID", h.DeleteDevice)

			mappings := customer.Group("/mappings")
			{
				mappings.GET("", mappingHandler.GetMappings)
				mappings.POST("", mappingHandler.CreateMapping)
				mappings.DELETE("/:name", mappingHandler.DeleteMapping)
			}
		}
	}
}

// NewRouter builds the engine with recovery, logging and CORS middleware
func NewRouter(svc *service.Service) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Logger())
	r.Use(CORS())

	SetupRoutes(r, svc)
	return r
}
