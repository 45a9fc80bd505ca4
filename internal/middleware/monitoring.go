package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/monitoring"
)

// MonitoringMiddleware 把请求计入 Prometheus 指标，并在 handler panic 时兜底
type MonitoringMiddleware struct {
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewMonitoringMiddleware metrics 为 nil 时只做 panic 恢复
func NewMonitoringMiddleware(metrics *monitoring.Metrics, log *zap.Logger) *MonitoringMiddleware {
	return &MonitoringMiddleware{
		metrics: metrics,
		logger:  logger.OrNop(log),
	}
}

// HTTPMetrics 按路由模板记录请求数与耗时
func (mm *MonitoringMiddleware) HTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		mm.metrics.RecordHTTPRequest(c.Request.Method, routeOf(c), strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// PanicRecovery 恢复 panic 并返回 500，响应体不包含 panic 内容
func (mm *MonitoringMiddleware) PanicRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				// 客户端断开，交给 net/http 处理
				panic(rec)
			}
			mm.metrics.RecordPanic()
			mm.logger.Error("handler panic",
				zap.Any("panic", rec),
				zap.String("request_id", c.GetString(ContextRequestID)),
				zap.String("method", c.Request.Method),
				zap.String("route", routeOf(c)),
				zap.Stack("stack"),
			)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code": http.StatusInternalServerError,
				"msg":  "internal server error",
			})
		}()
		c.Next()
	}
}
