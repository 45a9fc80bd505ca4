package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"mailforge/backend/internal/logger"
)

const (
	checkTimeout       = 5 * time.Second
	maxGoroutines      = 10000
	statusOK           = "OK"
	statusNotAvailable = "NOT_AVAILABLE"
)

// Pinger 存储健康检查
type Pinger interface {
	Health(ctx context.Context) error
}

// VaultState 保险库会话是否仍然打开
type VaultState interface {
	Open() bool
}

// HealthChecker 健康检查器
//
// 存活检查只关心存储；就绪检查额外要求保险库会话处于打开状态。
type HealthChecker struct {
	health healthcheck.Handler
	store  Pinger
	vault  VaultState
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器，vault 为 nil 表示未配置加密凭据
func NewHealthChecker(store Pinger, vault VaultState, log *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		vault:  vault,
		logger: logger.OrNop(log),
	}
	hc.addChecks()
	return hc
}

func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("store", StoreHealthCheck(hc.store))
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))

	if hc.vault != nil {
		hc.health.AddReadinessCheck("vault", VaultHealthCheck(hc.vault))
	}
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveHandler 存活检查端点
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪检查端点
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// CheckHealth 执行全部检查并返回可读结果
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	if err := StoreHealthCheck(hc.store)(); err != nil {
		hc.logger.Warn("store health check failed", zap.Error(err))
		results["store"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["store"] = statusOK
	}

	if hc.vault == nil {
		results["vault"] = statusNotAvailable
	} else if err := VaultHealthCheck(hc.vault)(); err != nil {
		results["vault"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["vault"] = statusOK
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results
}

// StoreHealthCheck 带超时的存储检查
func StoreHealthCheck(store Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()

		return store.Health(ctx)
	}
}

// VaultHealthCheck 保险库会话检查
func VaultHealthCheck(vault VaultState) healthcheck.Check {
	return func() error {
		if !vault.Open() {
			return errors.New("vault session closed")
		}
		return nil
	}
}
