package httpapi

import (
	"leadmarket/pkg/health"
	"leadmarket/pkg/middleware"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes mounts the API. Reads are open; anything that moves money or
// starts a run goes through the casbin enforcer.
func RegisterRoutes(r *gin.Engine, h *Handler, e *casbin.Enforcer, hs health.HealthService) {
	r.GET("/healthz", hs.Liveness)
	r.GET("/readyz", hs.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/leads/:lead_id/distribution", h.GetDistributionStatus)
		v1.GET("/leads/:lead_id/assignments", h.ListAssignments)

		v1.GET("/providers/:provider_id/balance", h.GetBalance)
		v1.GET("/providers/:provider_id/ledger", h.ListLedgerEntries)
		v1.GET("/providers/:provider_id/ledger/verify", h.VerifyLedger)
	}

	admin := v1.Group("", middleware.Authorize(e))
	{
		admin.POST("/leads/:lead_id/distribution", h.EnqueueDistribution)
		admin.POST("/providers/:provider_id/deposits", h.Deposit)
		admin.GET("/dlq", h.ListDeadLetters)
		admin.GET("/dlq/:id", h.GetDeadLetter)
		admin.POST("/dlq/:id/retry", h.RetryDeadLetter)
		admin.POST("/dlq/:id/resolve", h.ResolveDeadLetter)
		admin.GET("/queues", h.QueueHealth)
		admin.POST("/assignments/:id/refund", h.RefundAssignment)
	}
}
