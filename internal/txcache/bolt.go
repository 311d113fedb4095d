package txcache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "github.com/boltdb/bolt"
)

const bucketName = "active_transactions"

// BoltStore 单文件嵌入式存储，无需外部进程
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt 打开（或创建）数据库文件并保证桶存在
func OpenBolt(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Load 读取指定桩的缓存条目
func (s *BoltStore) Load(_ context.Context, chargeBoxID string) (Entry, error) {
	var e Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(chargeBoxID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &e)
	})
	return e, err
}

// Save 写入（覆盖）条目
func (s *BoltStore) Save(_ context.Context, e Entry) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(e.ChargeBoxID), buf)
	})
}

// Clear 删除条目；键不存在也视为成功
func (s *BoltStore) Clear(_ context.Context, chargeBoxID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(chargeBoxID))
	})
}

// Close 释放文件锁
func (s *BoltStore) Close() error {
	return s.db.Close()
}
