package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailforge/backend/internal/batch"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/service"
)

// errorRule 业务错误到 HTTP 状态码与提示信息的映射
type errorRule struct {
	target error
	status int
	msg    string
}

// 按顺序匹配，第一个 errors.Is 命中的规则生效
var errorRules = []errorRule{
	{domain.ErrIdentityNotFound, http.StatusNotFound, "身份不存在"},
	{service.ErrJobNotFound, http.StatusNotFound, "批量任务不存在"},
	{domain.ErrTagExists, http.StatusConflict, "标签已存在"},
	{domain.ErrAddressTaken, http.StatusConflict, "地址已被占用"},
	{domain.ErrExhaustedRetries, http.StatusConflict, "多次尝试后仍未生成可用地址"},
	{domain.ErrTagNotFound, http.StatusUnprocessableEntity, "引用的标签不存在"},
	{domain.ErrInvalidPrefix, http.StatusBadRequest, "自定义前缀格式无效"},
	{batch.ErrInvalidRequest, http.StatusBadRequest, "批量请求参数无效"},
	{service.ErrInvalidInput, http.StatusBadRequest, MsgInvalidRequest},
	{service.ErrShuttingDown, http.StatusServiceUnavailable, "服务正在关闭"},
	{service.ErrVerifyUnavailable, http.StatusServiceUnavailable, "未配置验证后端"},
	{domain.ErrTimedOut, http.StatusGatewayTimeout, "等待验证码超时"},
	{domain.ErrCancelled, http.StatusRequestTimeout, "验证请求已取消"},
	{domain.ErrFatal, http.StatusBadGateway, "验证后端返回不可恢复的错误"},
	{domain.ErrDecryption, http.StatusInternalServerError, "凭据解密失败"},
	{domain.ErrPersistence, http.StatusInternalServerError, "存储服务异常"},
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgTagNotFound    = "标签不存在"
	MsgInternalError  = "服务器内部错误，请稍后重试"
)

// classify 返回错误对应的状态码和提示
func classify(err error) (int, string) {
	for _, rule := range errorRules {
		if errors.Is(err, rule.target) {
			return rule.status, rule.msg
		}
	}
	return http.StatusInternalServerError, MsgInternalError
}

// respondError 写出错误响应，500 只记录日志不向客户端暴露细节
func respondError(c *gin.Context, log *zap.Logger, err error, data any) {
	status, msg := classify(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	} else {
		msg += ": " + err.Error()
	}
	ErrorWithData(c, status, msg, data)
}
