// =============================================================================
// 文件: internal/cache/lru.go
// 描述: 有界 LRU 会话缓存 - 读写均提升为最近使用, 淘汰时回调清理
// =============================================================================
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU 并发安全的有界缓存
// 淘汰与清空都会对被移除的条目调用一次 onEvict
type LRU[K comparable, V any] struct {
	cache    *lru.Cache[K, V]
	capacity int
}

// New 创建容量为 size 的缓存
func New[K comparable, V any](size int, onEvict func(key K, value V)) (*LRU[K, V], error) {
	c, err := lru.NewWithEvict[K, V](size, onEvict)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &LRU[K, V]{cache: c, capacity: size}, nil
}

// Get 查找并提升为最近使用
func (c *LRU[K, V]) Get(key K) (V, bool) {
	return c.cache.Get(key)
}

// Add 写入并提升为最近使用, 返回是否发生淘汰
func (c *LRU[K, V]) Add(key K, value V) bool {
	return c.cache.Add(key, value)
}

// Len 当前条目数
func (c *LRU[K, V]) Len() int {
	return c.cache.Len()
}

// Cap 容量
func (c *LRU[K, V]) Cap() int {
	return c.capacity
}

// Purge 清空缓存
func (c *LRU[K, V]) Purge() {
	c.cache.Purge()
}
