package api

import (
	"github.com/gin-gonic/gin"
	"github.com/melosso/portway/internal/api/handlers"
	"github.com/melosso/portway/internal/api/middleware"
)

// gatewayMethods are the verbs an endpoint may allow. MERGE is not a
// standard method but Gin routes arbitrary verbs through Handle.
var gatewayMethods = []string{"GET", "POST", "PUT", "DELETE", "MERGE"}

func RegisterRoutes(r *gin.Engine, h *handlers.Handler) {
	r.GET("/health/live", h.HealthLive)

	health := r.Group("/health")
	health.Use(middleware.RequireBearer(h.Guard()))
	health.GET("", h.Health)
	health.GET("/details", h.HealthDetails)

	api := r.Group("/api")
	for _, method := range gatewayMethods {
		api.Handle(method, "/:env/:endpoint", h.Gateway)
		api.Handle(method, "/:env/:endpoint/:id", h.Gateway)
	}
}
