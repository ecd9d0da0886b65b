package handlers

import (
	"net/http"

	"flowstream/internal/middleware"
	"flowstream/internal/models"
	"flowstream/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WorkflowHandler Workflow 列表、详情与测试数据清理
type WorkflowHandler struct {
	workflows *services.WorkflowService
	logger    *logrus.Logger
}

func NewWorkflowHandler(workflows *services.WorkflowService, logger *logrus.Logger) *WorkflowHandler {
	return &WorkflowHandler{workflows: workflows, logger: logger}
}

// ListWorkflows 分页列表，状态叠加外部实时值
// @Param status query string false "processing / completed / failed 或外部原始状态"
// @Param search query string false "标题、发件人、工单号"
// @Router /api/workflows [get]
func (h *WorkflowHandler) ListWorkflows(c *gin.Context) {
	limit, skip := pageQuery(c)
	page, err := h.workflows.List(c.Request.Context(), middleware.CompanyID(c), filterQuery(c), limit, skip)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workflows": page.Items,
		"total":     page.Total,
		"limit":     limit,
		"skip":      skip,
	})
}

// GetWorkflow 详情，附带关联工单的实时快照
// @Router /api/workflows/{id} [get]
func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	detail, err := h.workflows.Get(c.Request.Context(), middleware.CompanyID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// PurgeMockData 删除测试数据
// @Router /api/workflows/mock [delete]
func (h *WorkflowHandler) PurgeMockData(c *gin.Context) {
	res, err := h.workflows.PurgeMockData(c.Request.Context(), middleware.CompanyID(c), middleware.UserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RegisterWorkflowRoutes 注册路由
func RegisterWorkflowRoutes(r *gin.RouterGroup, handler *WorkflowHandler) {
	workflows := r.Group("/workflows")
	{
		workflows.GET("", handler.ListWorkflows)
		workflows.DELETE("/mock", middleware.RequireRolesAny(models.RoleOwner, models.RoleAdmin), handler.PurgeMockData)
		workflows.GET("/:id", handler.GetWorkflow)
	}
}
