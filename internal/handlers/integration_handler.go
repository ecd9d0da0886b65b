package handlers

import (
	"net/http"

	"flowstream/internal/middleware"
	"flowstream/internal/models"
	"flowstream/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// IntegrationHandler 租户集成配置
type IntegrationHandler struct {
	integrations *services.IntegrationService
	activity     *services.ActivityService
	events       services.Publisher
	logger       *logrus.Logger
}

func NewIntegrationHandler(integrations *services.IntegrationService, activity *services.ActivityService, events services.Publisher, logger *logrus.Logger) *IntegrationHandler {
	return &IntegrationHandler{integrations: integrations, activity: activity, events: events, logger: logger}
}

// IntegrationRequest 保存或测试一个集成，Config 中为空的密钥字段沿用已保存的值
type IntegrationRequest struct {
	Type   string            `json:"type"`
	Config map[string]string `json:"config"`
}

func (h *IntegrationHandler) bind(c *gin.Context) (*IntegrationRequest, bool) {
	var req IntegrationRequest
	if !bindJSON(c, &req) {
		return nil, false
	}
	if req.Type == "" {
		respondError(c, h.logger, services.NewValidationError("type", "is required"))
		return nil, false
	}
	return &req, true
}

// ListIntegrations 脱敏后的全部集成
// @Router /api/integrations [get]
func (h *IntegrationHandler) ListIntegrations(c *gin.Context) {
	views, err := h.integrations.List(c.Request.Context(), middleware.CompanyID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"integrations": views})
}

// SaveIntegration 保存集成配置
// @Router /api/integrations [post]
func (h *IntegrationHandler) SaveIntegration(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	companyID := middleware.CompanyID(c)
	view, err := h.integrations.Save(c.Request.Context(), companyID, req.Type, req.Config)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if h.activity != nil {
		h.activity.Record(c.Request.Context(), companyID, middleware.UserID(c), services.ActivityIntegrationSave, gin.H{"type": view.Type})
	}
	if h.events != nil {
		h.events.Publish(companyID, services.Event{Type: services.EventIntegrationUpdated, Data: view})
	}
	c.JSON(http.StatusOK, view)
}

// TestIntegration 连通性测试，失败也返回 200，结果在 body 中
// @Router /api/integrations/test [post]
func (h *IntegrationHandler) TestIntegration(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	companyID := middleware.CompanyID(c)
	res, err := h.integrations.Test(c.Request.Context(), companyID, req.Type, req.Config)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if h.activity != nil {
		h.activity.Record(c.Request.Context(), companyID, middleware.UserID(c), services.ActivityIntegrationTest, res)
	}
	c.JSON(http.StatusOK, res)
}

// RegisterIntegrationRoutes 注册路由
func RegisterIntegrationRoutes(r *gin.RouterGroup, handler *IntegrationHandler) {
	integrations := r.Group("/integrations")
	{
		integrations.GET("", handler.ListIntegrations)
		integrations.POST("", middleware.RequireRolesAny(models.RoleOwner, models.RoleAdmin), handler.SaveIntegration)
		integrations.POST("/test", handler.TestIntegration)
	}
}
