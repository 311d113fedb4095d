package health

import (
	"context"
	"errors"
	"time"

	"github.com/chargelink/charge-agent/internal/txcache"
)

// Status 健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"   // 健康
	StatusDegraded  Status = "degraded"  // 降级（部分功能受损但仍可服务）
	StatusUnhealthy Status = "unhealthy" // 不健康（无法服务）
)

// CheckResult 健康检查结果
type CheckResult struct {
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Checker 健康检查器接口
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// BackendChecker 充电后端可达性检查。
// probe 返回 nil 表示后端有响应；有响应但业务报错不算不健康。
type BackendChecker struct {
	probe func(ctx context.Context) error
}

// NewBackendChecker 创建后端检查器
func NewBackendChecker(probe func(ctx context.Context) error) *BackendChecker {
	return &BackendChecker{probe: probe}
}

// Name 返回检查器名称
func (c *BackendChecker) Name() string { return "backend" }

// Check 执行健康检查
func (c *BackendChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.probe(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: time.Since(start),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "ok", Latency: time.Since(start)}
}

// CacheChecker 活跃交易缓存检查：读探针键验证存储可用
type CacheChecker struct {
	store txcache.Store
}

// NewCacheChecker 创建缓存检查器
func NewCacheChecker(store txcache.Store) *CacheChecker {
	return &CacheChecker{store: store}
}

// Name 返回检查器名称
func (c *CacheChecker) Name() string { return "txcache" }

// Check 执行健康检查
func (c *CacheChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	_, err := c.store.Load(ctx, "__health_probe__")
	if err != nil && !errors.Is(err, txcache.ErrNotFound) {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: time.Since(start),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "ok", Latency: time.Since(start)}
}
