// Package app 组装数据库、缓存、服务与路由，供 server 与 cli 共用
package app

import (
	"context"
	"fmt"

	"flowstream/internal/cache"
	"flowstream/internal/config"
	"flowstream/internal/handlers"
	"flowstream/internal/middleware"
	"flowstream/internal/models"
	"flowstream/internal/observability"
	"flowstream/internal/services"
	"flowstream/internal/vault"
	"flowstream/pkg/automation"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// App 进程内共享的全部组件
type App struct {
	Config *config.Config
	Logger *logrus.Logger
	DB     *gorm.DB
	Redis  *redis.Client

	Breakers     *services.BreakerRegistry
	Integrations *services.IntegrationService
	Reconciler   *services.Reconciler
	Query        *services.QueryService
	Auth         *services.AuthService
	Activity     *services.ActivityService
	Sync         *services.SyncService
	Workflows    *services.WorkflowService
	Stats        *services.StatsService
	Hub          *services.EventHub
	Automation   automation.Interface

	Router *gin.Engine
}

// OpenDatabase 连接 Postgres 并设置连接池
func OpenDatabase(cfg *config.Config) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("failed to enable gorm tracing: %w", err)
		}
	}
	return db, nil
}

// Migrate 建表并补充组合索引
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_workflows_company_started ON workflows(company_id, started_at)",
		"CREATE INDEX IF NOT EXISTS idx_tickets_company_synced ON tickets(company_id, synced_at)",
		"CREATE INDEX IF NOT EXISTS idx_activity_logs_company_created ON activity_logs(company_id, created_at)",
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// New 连接 Postgres 后组装
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	db, err := OpenDatabase(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithDB(ctx, cfg, db, log)
}

// NewWithDB 使用已打开的数据库组装全部服务；Redis 不可用时退回进程内实现
func NewWithDB(ctx context.Context, cfg *config.Config, db *gorm.DB, log *logrus.Logger) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: log, DB: db}

	var revocations cache.RevocationStore = cache.NewMemoryRevocationStore()
	var seen cache.SeenFilter = cache.NewMemorySeenFilter(cfg.Sync.DedupTTL)
	if cfg.Redis.Enabled {
		rdb, err := cache.Connect(ctx, cfg.Redis)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, falling back to in-process session and dedup stores")
		} else {
			a.Redis = rdb
			revocations = cache.NewRedisRevocationStore(rdb)
			seen = cache.NewRedisSeenFilter(rdb, cfg.Sync.DedupTTL)
		}
	}

	v, err := vault.New(cfg.Vault.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init vault: %w", err)
	}

	a.Breakers = services.NewBreakerRegistry(cfg.Adapters.CircuitBreaker)
	a.Integrations = services.NewIntegrationService(db, v, services.NewDefaultProber(cfg.Adapters.Timeout, log), log)
	sources := services.NewIntegrationSourceProvider(a.Integrations, a.Breakers, cfg.Adapters, log)

	a.Reconciler = services.NewReconciler(db, sources, services.ReconcilerOptions{
		Policy:       services.ParseStatusPolicy(cfg.Sync.StatusPolicy),
		OverlayLimit: cfg.Adapters.OverlayLimit,
		BatchSize:    cfg.Sync.BatchSize,
	}, log)
	a.Query = services.NewQueryService(db, sources, cfg.Adapters.LiveBufferMargin, log)
	a.Auth = services.NewAuthService(db, cfg.JWT.Secret, cfg.JWT.ExpiresIn, revocations, log)
	a.Activity = services.NewActivityService(db, log)
	a.Hub = services.NewEventHub(cfg.Security.CORS.AllowedOrigins, log)

	if cfg.Automation.Enabled {
		a.Automation = automation.NewClient(&automation.Config{
			BaseURL:    cfg.Automation.BaseURL,
			APIKey:     cfg.Automation.APIKey,
			Timeout:    cfg.Automation.Timeout,
			MaxRetries: cfg.Adapters.MaxRetries,
			RetryDelay: cfg.Adapters.RetryDelay,
		}, log)
	}

	a.Sync = services.NewSyncService(services.SyncDeps{
		Reconciler: a.Reconciler,
		Sources:    sources,
		Automation: a.Automation,
		Seen:       seen,
		Activity:   a.Activity,
		Events:     a.Hub,
		BatchSize:  cfg.Sync.BatchSize,
	}, log)
	a.Workflows = services.NewWorkflowService(db, a.Query, a.Reconciler, sources, a.Activity, a.Hub, log)
	a.Stats = services.NewStatsService(db, log)

	a.Router = a.buildRouter()
	return a, nil
}

func (a *App) handlerSet() *handlers.Set {
	cfg, log := a.Config, a.Logger

	var redisPing, botPing handlers.PingFunc
	if a.Redis != nil {
		rdb := a.Redis
		redisPing = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	if a.Automation != nil {
		botPing = a.Automation.HealthCheck
	}

	set := &handlers.Set{
		Auth:         handlers.NewAuthHandler(a.Auth, a.Activity, cfg.Session, log),
		Workflows:    handlers.NewWorkflowHandler(a.Workflows, log),
		Tickets:      handlers.NewTicketHandler(a.Query, a.Reconciler, log),
		Sync:         handlers.NewSyncHandler(a.Sync, log),
		Integrations: handlers.NewIntegrationHandler(a.Integrations, a.Activity, a.Hub, log),
		Dashboard:    handlers.NewDashboardHandler(a.Stats, a.Activity, a.Hub, log),
		Health:       handlers.NewHealthHandler(cfg.Monitoring.HealthChecks, a.DB, redisPing, botPing, log),
	}
	if cfg.Monitoring.Enabled {
		set.Metrics = handlers.NewMetricsHandler(a.Hub, a.Breakers, a.DB)
	}
	return set
}

func (a *App) buildRouter() *gin.Engine {
	cfg := a.Config
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(observability.ServiceName(cfg)))
	}
	r.Use(middleware.CORS(cfg.Security.CORS))
	if rl := middleware.NewRateLimiter(cfg.Security.RateLimiting); rl != nil {
		r.Use(rl.Middleware())
	}

	a.handlerSet().Register(r, middleware.AuthMiddleware(a.Auth, cfg.Session.CookieName), cfg.Monitoring.MetricsPath)
	return r
}

// Close 释放 Redis 与数据库连接
func (a *App) Close() error {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.WithError(err).Warn("failed to close redis")
		}
	}
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
