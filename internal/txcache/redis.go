package txcache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "charge:active_tx:"

// RedisStore 多实例部署时共享活跃交易缓存
type RedisStore struct {
	client *redis.Client
}

// OpenRedis 创建 redis 存储
func OpenRedis(addr string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

// Load 读取指定桩的缓存条目
func (s *RedisStore) Load(ctx context.Context, chargeBoxID string) (Entry, error) {
	var e Entry
	raw, err := s.client.Get(ctx, redisKeyPrefix+chargeBoxID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return e, ErrNotFound
		}
		return e, err
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, err
	}
	return e, nil
}

// Save 写入条目，不设过期：交易关闭时由 Clear 负责清理
func (s *RedisStore) Save(ctx context.Context, e Entry) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+e.ChargeBoxID, buf, 0).Err()
}

// Clear 删除条目
func (s *RedisStore) Clear(ctx context.Context, chargeBoxID string) error {
	return s.client.Del(ctx, redisKeyPrefix+chargeBoxID).Err()
}

// Close 关闭连接池
func (s *RedisStore) Close() error {
	return s.client.Close()
}
