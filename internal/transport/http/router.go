// Package httptransport 提供身份、标签与批量任务的 HTTP API。
package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "mailforge/backend/internal/auth/jwt"
	"mailforge/backend/internal/health"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/middleware"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/service"
	"mailforge/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	AllowedOrigins  []string
	IdentityService *service.IdentityService
	TagService      *service.TagService
	BatchService    *service.BatchService
	JWTManager      *jwtpkg.Manager
	WebSocketHub    *websocket.Hub
	Health          *health.HealthChecker
	Metrics         *monitoring.Metrics // 为 nil 时不暴露 /metrics
	Logger          *zap.Logger
}

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	identities *service.IdentityService
	tags       *service.TagService
	batches    *service.BatchService
	log        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := logger.OrNop(deps.Logger)
	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(middleware.RequestID())
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
	router.Use(monitor.HTTPMetrics())
	router.Use(gincors.New(corsConfig(deps.AllowedOrigins)))

	handler := &Handler{
		identities: deps.IdentityService,
		tags:       deps.TagService,
		batches:    deps.BatchService,
		log:        log,
	}

	// 健康检查
	if deps.Health != nil {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, deps.Health.CheckHealth())
		})
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, log)
	operator := jwtAuth.RequireRole(jwtpkg.RoleOperator)

	v1 := router.Group("/v1")
	v1.Use(jwtAuth.RequireAuth())
	{
		// ========== Identity Routes ==========
		identityRoutes := v1.Group("/identities")
		{
			identityRoutes.POST("", operator, handler.createIdentity)
			identityRoutes.GET("", handler.listIdentities)
			identityRoutes.GET("/:id", handler.getIdentity)
			identityRoutes.PATCH("/:id", operator, handler.updateIdentity)
			identityRoutes.DELETE("/:id", operator, handler.deleteIdentity)
			identityRoutes.POST("/:id/verify", operator, handler.verifyIdentity)
		}

		// 任意地址（例如外部临时邮箱）的单次验证
		v1.POST("/verify", operator, handler.verifyAddress)

		// ========== Tag Routes ==========
		tagRoutes := v1.Group("/tags")
		{
			tagRoutes.POST("", operator, handler.createTag)
			tagRoutes.GET("", handler.listTags)
			tagRoutes.GET("/:name", handler.getTag)
		}

		// ========== Batch Routes ==========
		batchRoutes := v1.Group("/batches")
		{
			batchRoutes.POST("", operator, handler.startBatch)
			batchRoutes.GET("", handler.listBatches)
			batchRoutes.GET("/:id", handler.getBatch)
			batchRoutes.POST("/:id/cancel", operator, handler.cancelBatch)
			if deps.WebSocketHub != nil {
				batchRoutes.GET("/:id/stream", websocket.HandleJobStream(deps.WebSocketHub, deps.BatchService.LookupJob))
			}
		}
	}

	return router
}

func corsConfig(origins []string) gincors.Config {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cfg := gincors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range cfg.AllowOrigins {
		if origin == "*" {
			cfg.AllowCredentials = false
			cfg.AllowOrigins = nil
			cfg.AllowAllOrigins = true
			break
		}
	}
	return cfg
}
