package main

import (
	"database/sql"
	"time"

	"dialcore/internal/httpapi"
	"dialcore/internal/metrics"
	"dialcore/internal/rbac"
	"dialcore/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, db *sql.DB) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(503, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	// Transport webhooks (public).
	// NOTE: This endpoint should be protected by provider signature validation in production.
	r.POST("/webhooks/telephony/signal", h.TelephonySignal)

	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		// AGENT routes: self-service presence and claiming.
		agentsGroup := v1.Group("/agents")
		agentsGroup.Use(rbac.RequireOrg())
		{
			agentsGroup.POST("/status", h.SetAgentStatus)
			agentsGroup.POST("/campaigns/:campaign_id/join", h.JoinCampaign)
			agentsGroup.DELETE("/campaigns/:campaign_id/join", h.LeaveCampaign)
			agentsGroup.GET("/:agent_id",
				rbac.RequireAnyRole(rbac.RoleSupervisor, rbac.RoleAdmin), h.GetAgent)
		}

		// CAMPAIGN queue routes.
		campaigns := v1.Group("/campaigns")
		campaigns.Use(rbac.RequireOrg())
		{
			campaigns.POST("/:campaign_id/queue",
				rbac.RequireAnyRole(rbac.RoleSupervisor, rbac.RoleAdmin), h.EnqueueContact)
			campaigns.GET("/:campaign_id/queue/depth", h.QueueDepth)
			campaigns.POST("/:campaign_id/claim", h.ClaimNext)
		}
		v1.POST("/queue-entries/:entry_id/release", rbac.RequireOrg(), h.ReleaseEntry)

		// CALL routes: the agent console surface.
		callsGroup := v1.Group("/calls")
		callsGroup.Use(rbac.RequireOrg())
		{
			callsGroup.POST("", h.StartCall)
			callsGroup.GET("/:call_id", h.GetCall)
			callsGroup.POST("/:call_id/hold", h.HoldCall)
			callsGroup.POST("/:call_id/unhold", h.UnholdCall)
			callsGroup.POST("/:call_id/mute", h.MuteCall)
			callsGroup.POST("/:call_id/transfer", h.TransferCall)
			callsGroup.POST("/:call_id/hangup", h.HangupCall)
			callsGroup.POST("/:call_id/dispose", h.DisposeCall)
			callsGroup.POST("/:call_id/flows", h.StartFlow)
		}

		// FLOW routes.
		flowsGroup := v1.Group("/flows")
		flowsGroup.Use(rbac.RequireOrg())
		{
			flowsGroup.POST("",
				rbac.RequireAnyRole(rbac.RoleSupervisor, rbac.RoleAdmin), h.RegisterFlow)
		}
		execs := v1.Group("/flow-executions")
		execs.Use(rbac.RequireOrg())
		{
			execs.GET("/:execution_id", h.GetFlowExecution)
			execs.POST("/:execution_id/advance", h.AdvanceFlow)
		}

		// DISPOSITION routes.
		v1.GET("/dispositions", rbac.RequireOrg(), h.ListDispositions)

		// ADMIN routes.
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireOrg())
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.POST("/dispositions", h.RegisterDisposition)
			admin.GET("/dead-letters", h.DeadLetters)
		}
	}
}
