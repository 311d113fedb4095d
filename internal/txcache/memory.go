package txcache

import (
	"context"
	"sync"
)

// MemoryStore 进程内存储，测试与一次性运行场景用
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory 创建内存存储
func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Load 读取指定桩的缓存条目
func (s *MemoryStore) Load(_ context.Context, chargeBoxID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[chargeBoxID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Save 写入条目
func (s *MemoryStore) Save(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ChargeBoxID] = e
	return nil
}

// Clear 删除条目
func (s *MemoryStore) Clear(_ context.Context, chargeBoxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, chargeBoxID)
	return nil
}

// Close 无资源可释放
func (s *MemoryStore) Close() error { return nil }
