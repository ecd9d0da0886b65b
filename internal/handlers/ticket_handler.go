package handlers

import (
	"net/http"

	"flowstream/internal/middleware"
	"flowstream/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TicketHandler 工单列表（缓存或实时）与单条查询
type TicketHandler struct {
	query      *services.QueryService
	reconciler *services.Reconciler
	logger     *logrus.Logger
}

func NewTicketHandler(query *services.QueryService, reconciler *services.Reconciler, logger *logrus.Logger) *TicketHandler {
	return &TicketHandler{query: query, reconciler: reconciler, logger: logger}
}

// ListTickets source=db 读本地缓存，其余值实时读取外部系统
// @Router /api/tickets [get]
func (h *TicketHandler) ListTickets(c *gin.Context) {
	limit, skip := pageQuery(c)
	mode := services.ParseListMode(c.Query("source"))
	page, err := h.query.ListTickets(c.Request.Context(), middleware.CompanyID(c), mode, filterQuery(c), limit, skip)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tickets": page.Items,
		"total":   page.Total,
		"limit":   limit,
		"skip":    skip,
		"source":  page.Mode,
	})
}

// GetTicket 接受本地 ID、外部工单号或 sn-/jira- 虚拟 ID
// @Router /api/tickets/{id} [get]
func (h *TicketHandler) GetTicket(c *gin.Context) {
	ticket, err := h.reconciler.LookupTicket(c.Request.Context(), middleware.CompanyID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// RegisterTicketRoutes 注册路由
func RegisterTicketRoutes(r *gin.RouterGroup, handler *TicketHandler) {
	tickets := r.Group("/tickets")
	{
		tickets.GET("", handler.ListTickets)
		tickets.GET("/:id", handler.GetTicket)
	}
}
