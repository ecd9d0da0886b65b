package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"flowstream/internal/config"
	"flowstream/internal/version"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PingFunc 依赖的连通性检查
type PingFunc func(ctx context.Context) error

// HealthHandler 健康与就绪检查
type HealthHandler struct {
	checks    config.HealthChecksConfig
	db        *gorm.DB
	redis     PingFunc
	bot       PingFunc
	startedAt time.Time
	logger    *logrus.Logger
}

// NewHealthHandler redis / bot 为空表示未启用
func NewHealthHandler(checks config.HealthChecksConfig, db *gorm.DB, redis, bot PingFunc, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthHandler{checks: checks, db: db, redis: redis, bot: bot, startedAt: time.Now(), logger: logger}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 依赖状态
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SystemInfo 进程信息
type SystemInfo struct {
	Uptime     string `json:"uptime"`
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
}

func (h *HealthHandler) pingDB(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func probe(ctx context.Context, fn PingFunc) ServiceInfo {
	start := time.Now()
	if err := fn(ctx); err != nil {
		return ServiceInfo{Status: "unhealthy", Latency: time.Since(start).String(), Error: err.Error()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}

// Health 数据库不可用为 unhealthy (503)，其余依赖不可用为 degraded (200)
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   version.Version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:     time.Since(h.startedAt).Round(time.Second).String(),
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		},
	}

	if h.checks.Database && h.db != nil {
		info := probe(ctx, h.pingDB)
		resp.Services["database"] = info
		if info.Status != "healthy" {
			resp.Status = "unhealthy"
		}
	}
	if h.checks.Redis && h.redis != nil {
		info := probe(ctx, h.redis)
		resp.Services["redis"] = info
		if info.Status != "healthy" && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}
	if h.bot != nil {
		info := probe(ctx, h.bot)
		resp.Services["automation"] = info
		if info.Status != "healthy" && resp.Status == "healthy" {
			h.logger.WithField("error", info.Error).Warn("automation service is unhealthy")
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// Ready 只检查数据库与 Redis
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	deps := make(map[string]string)
	if h.db != nil {
		if err := h.pingDB(ctx); err != nil {
			deps["database"] = "not_ready"
			ready = false
		} else {
			deps["database"] = "ready"
		}
	}
	if h.redis != nil {
		if err := h.redis(ctx); err != nil {
			deps["redis"] = "not_ready"
			ready = false
		} else {
			deps["redis"] = "ready"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  deps,
	})
}
