package txcache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound 指定桩没有缓存的活跃交易
var ErrNotFound = errors.New("txcache: no tracked transaction")

// Entry 活跃交易缓存条目。进程重启后据此恢复停止能力。
type Entry struct {
	TransactionID int64     `json:"transactionId"`
	ChargeBoxID   string    `json:"chargeBoxId"`
	ObservedAt    time.Time `json:"observedAt"`
}

// Store 按充电桩维度持久化活跃交易号。
// 实现必须容忍重复 Save/Clear（幂等）。
type Store interface {
	Load(ctx context.Context, chargeBoxID string) (Entry, error)
	Save(ctx context.Context, e Entry) error
	Clear(ctx context.Context, chargeBoxID string) error
	Close() error
}

// Config 与 internal/config.CacheConfig 对应的打开参数
type Config struct {
	Driver    string
	Path      string
	RedisAddr string
	RedisDB   int
}

// Open 按驱动名创建缓存存储
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "bolt":
		return OpenBolt(cfg.Path)
	case "redis":
		return OpenRedis(cfg.RedisAddr, cfg.RedisDB), nil
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("txcache: unknown driver %q", cfg.Driver)
}
