package llm

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUVectorCache 进程内 LRU 向量缓存，条目按 TTL 过期。
type LRUVectorCache struct {
	lru *expirable.LRU[string, []float32]
}

// NewLRUVectorCache 创建进程内向量缓存。
func NewLRUVectorCache(size int, ttl time.Duration) *LRUVectorCache {
	if size <= 0 {
		size = 4096
	}
	return &LRUVectorCache{lru: expirable.NewLRU[string, []float32](size, nil, ttl)}
}

// Get 实现 VectorCache。
func (l *LRUVectorCache) Get(_ context.Context, key string) ([]float32, bool) {
	return l.lru.Get(key)
}

// Set 实现 VectorCache。
func (l *LRUVectorCache) Set(_ context.Context, key string, vec []float32) {
	l.lru.Add(key, vec)
}

// Len 返回当前条目数。
func (l *LRUVectorCache) Len() int {
	return l.lru.Len()
}
