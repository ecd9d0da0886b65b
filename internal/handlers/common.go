package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"flowstream/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Code    int               `json:"code,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func abortWith(c *gin.Context, status int, title, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: title, Message: message, Code: status})
}

// respondError 把服务层错误映射为 HTTP 状态码；500 不回显内部错误
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		err = services.FromValidator(fieldErrs)
	}
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Bad Request",
			Message: "validation failed",
			Code:    http.StatusBadRequest,
			Fields:  verr.Fields,
		})
	case errors.Is(err, services.ErrUnsupportedIntegration):
		abortWith(c, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, services.ErrInvalidCredentials), errors.Is(err, services.ErrInvalidToken):
		abortWith(c, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, services.ErrNotFound):
		abortWith(c, http.StatusNotFound, "Not Found", "resource not found")
	case errors.Is(err, services.ErrEmailTaken):
		abortWith(c, http.StatusConflict, "Conflict", err.Error())
	default:
		logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).WithError(err).Error("request failed")
		abortWith(c, http.StatusInternalServerError, "Internal Server Error", "an unexpected error occurred")
	}
}

// bindJSON 解析失败时返回 400
func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		abortWith(c, http.StatusBadRequest, "Invalid request body", "request body must be valid JSON")
		return false
	}
	return true
}

// pageQuery 读取 limit / skip，非法值交给 ClampPage 归一
func pageQuery(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	skip, _ := strconv.Atoi(c.Query("skip"))
	return services.ClampPage(limit, skip)
}

func filterQuery(c *gin.Context) services.ListFilter {
	return services.ListFilter{Status: c.Query("status"), Search: c.Query("search")}
}
