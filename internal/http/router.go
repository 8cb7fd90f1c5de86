// README: HTTP route table; groups are carved by permission.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"alon/internal/http/handlers"
	"alon/internal/http/middleware"
	"alon/internal/modules/approval"
	"alon/internal/modules/compliance"
	"alon/internal/modules/compose"
	"alon/internal/modules/override"
	"alon/internal/modules/profile"
	"alon/internal/modules/status"
	"alon/internal/types"
)

type Deps struct {
	Profiles  *profile.Service
	Rules     *override.Service
	Approvals *approval.Service
	Composer  *compose.Composer
	Limits    *compliance.Limits
	Status    *status.Builder

	JWTSecret  string
	Resolution int
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Logging(), middleware.Auth(deps.JWTSecret))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	surge := handlers.NewSurgeHandler(deps.Composer, deps.Resolution)
	profiles := handlers.NewProfileHandler(deps.Profiles)
	rules := handlers.NewRuleHandler(deps.Rules, deps.Limits)
	approvals := handlers.NewApprovalHandler(deps.Approvals)
	statusH := handlers.NewStatusHandler(deps.Status)

	v1 := r.Group("/api/v1")

	read := v1.Group("", middleware.Require(types.PermPricingRead))
	read.GET("/surge/:region/:service", surge.Lookup)
	read.GET("/hexes/cover", surge.Cover)
	read.GET("/profiles", profiles.List)
	read.GET("/profiles/:id", profiles.Get)
	read.GET("/rules", rules.List)
	read.GET("/rules/:id", rules.Get)
	read.GET("/status", statusH.Report)
	read.GET("/emergency", approvals.Emergency)

	write := v1.Group("", middleware.Require(types.PermPricingWrite))
	write.POST("/surge/:region/:service/compose", surge.Compose)
	write.POST("/profiles", profiles.Create)
	write.PATCH("/profiles/:id", profiles.Update)
	write.POST("/profiles/:id/transition", profiles.Transition)
	write.POST("/rules", rules.Create)
	write.POST("/rules/:id/cancel", rules.Cancel)
	write.POST("/validate", rules.Validate)

	approve := v1.Group("", middleware.Require(types.PermPricingApprove))
	approve.GET("/approvals", approvals.List)
	approve.POST("/approvals/:id/approve", approvals.Approve)
	approve.POST("/approvals/:id/reject", approvals.Reject)

	emergency := v1.Group("", middleware.Require(types.PermPricingEmergency))
	emergency.POST("/emergency", approvals.SetEmergency)
	emergency.DELETE("/emergency", approvals.ClearEmergency)

	return r
}
