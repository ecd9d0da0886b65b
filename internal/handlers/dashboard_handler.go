package handlers

import (
	"net/http"
	"strconv"

	"flowstream/internal/middleware"
	"flowstream/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DashboardHandler 统计、活动记录与实时事件
type DashboardHandler struct {
	stats    *services.StatsService
	activity *services.ActivityService
	hub      *services.EventHub
	logger   *logrus.Logger
}

func NewDashboardHandler(stats *services.StatsService, activity *services.ActivityService, hub *services.EventHub, logger *logrus.Logger) *DashboardHandler {
	return &DashboardHandler{stats: stats, activity: activity, hub: hub, logger: logger}
}

// GetStats 仪表盘汇总
// @Router /api/stats [get]
func (h *DashboardHandler) GetStats(c *gin.Context) {
	ov, err := h.stats.Overview(c.Request.Context(), middleware.CompanyID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

// ListActivity 最近的操作记录
// @Router /api/activity [get]
func (h *DashboardHandler) ListActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	logs, err := h.activity.List(c.Request.Context(), middleware.CompanyID(c), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": logs})
}

// HandleWebSocket 升级为 websocket，只接收本租户事件
// @Router /api/ws [get]
func (h *DashboardHandler) HandleWebSocket(c *gin.Context) {
	if h.hub == nil {
		abortWith(c, http.StatusServiceUnavailable, "Service Unavailable", "event stream is disabled")
		return
	}
	if err := h.hub.ServeWS(c.Writer, c.Request, middleware.CompanyID(c)); err != nil {
		h.logger.WithField("company_id", middleware.CompanyID(c)).WithError(err).Debug("websocket upgrade failed")
	}
}

// RegisterDashboardRoutes 注册路由
func RegisterDashboardRoutes(r *gin.RouterGroup, handler *DashboardHandler) {
	r.GET("/stats", handler.GetStats)
	r.GET("/activity", handler.ListActivity)
	r.GET("/ws", handler.HandleWebSocket)
}
