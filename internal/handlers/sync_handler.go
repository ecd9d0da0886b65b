package handlers

import (
	"context"
	"net/http"

	"flowstream/internal/middleware"
	"flowstream/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SyncHandler 手动同步
type SyncHandler struct {
	sync   *services.SyncService
	logger *logrus.Logger
}

func NewSyncHandler(sync *services.SyncService, logger *logrus.Logger) *SyncHandler {
	return &SyncHandler{sync: sync, logger: logger}
}

type syncFunc func(ctx context.Context, companyID, userID string) (*services.SyncReport, error)

func (h *SyncHandler) run(fn syncFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := fn(c.Request.Context(), middleware.CompanyID(c), middleware.UserID(c))
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// RegisterSyncRoutes 注册路由
// @Router /api/sync/tickets [post]
// @Router /api/sync/servicenow [post]
// @Router /api/sync/emails [post]
func RegisterSyncRoutes(r *gin.RouterGroup, handler *SyncHandler) {
	sync := r.Group("/sync")
	{
		sync.POST("/tickets", handler.run(handler.sync.SyncTickets))
		sync.POST("/servicenow", handler.run(handler.sync.SyncServiceNow))
		sync.POST("/emails", handler.run(handler.sync.SyncEmails))
	}
}
