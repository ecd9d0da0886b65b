package cache

import (
	"context"
	"sync"
	"time"
)

// expiringSet 带过期时间的进程内集合
type expiringSet struct {
	mu    sync.Mutex
	items map[string]time.Time
	now   func() time.Time
}

func newExpiringSet() *expiringSet {
	return &expiringSet{items: make(map[string]time.Time), now: time.Now}
}

// addIfAbsent 键不存在或已过期时写入并返回 true
func (s *expiringSet) addIfAbsent(key string, expiresAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.items[key]; ok && now.Before(exp) {
		return false
	}
	s.items[key] = expiresAt
	if len(s.items) > 4096 {
		for k, exp := range s.items {
			if !now.Before(exp) {
				delete(s.items, k)
			}
		}
	}
	return true
}

func (s *expiringSet) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

func (s *expiringSet) contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.items[key]
	return ok && s.now().Before(exp)
}

// MemoryRevocationStore 单实例部署时使用
type MemoryRevocationStore struct {
	set *expiringSet
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{set: newExpiringSet()}
}

func (s *MemoryRevocationStore) MarkRevoked(_ context.Context, jti string, expiresAt time.Time) error {
	s.set.addIfAbsent(jti, expiresAt)
	return nil
}

func (s *MemoryRevocationStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	return s.set.contains(jti), nil
}

// MemorySeenFilter 单实例部署时使用
type MemorySeenFilter struct {
	set *expiringSet
	ttl time.Duration
}

func NewMemorySeenFilter(ttl time.Duration) *MemorySeenFilter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemorySeenFilter{set: newExpiringSet(), ttl: ttl}
}

func (f *MemorySeenFilter) IsNew(_ context.Context, key string) (bool, error) {
	return f.set.addIfAbsent(key, f.set.now().Add(f.ttl)), nil
}

func (f *MemorySeenFilter) Forget(_ context.Context, key string) error {
	f.set.remove(key)
	return nil
}
