package handlers

import (
	"github.com/gin-gonic/gin"
)

// Set 全部处理器，由 app 组装
type Set struct {
	Auth         *AuthHandler
	Workflows    *WorkflowHandler
	Tickets      *TicketHandler
	Sync         *SyncHandler
	Integrations *IntegrationHandler
	Dashboard    *DashboardHandler
	Health       *HealthHandler
	Metrics      *MetricsHandler
}

// Register 公共路由直接挂在 engine 上，/api 下除注册登录外都需要会话
func (s *Set) Register(r *gin.Engine, auth gin.HandlerFunc, metricsPath string) {
	if s.Health != nil {
		r.GET("/health", s.Health.Health)
		r.GET("/ready", s.Health.Ready)
	}
	if s.Metrics != nil && metricsPath != "" {
		r.GET(metricsPath, s.Metrics.GetMetrics)
	}

	api := r.Group("/api")
	protected := api.Group("")
	protected.Use(auth)

	RegisterAuthRoutes(api, protected, s.Auth)
	RegisterWorkflowRoutes(protected, s.Workflows)
	RegisterTicketRoutes(protected, s.Tickets)
	RegisterSyncRoutes(protected, s.Sync)
	RegisterIntegrationRoutes(protected, s.Integrations)
	RegisterDashboardRoutes(protected, s.Dashboard)
}
