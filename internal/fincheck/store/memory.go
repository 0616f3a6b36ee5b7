package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/kart-io/fincheck/internal/pkg/textutil"
)

// MemoryStore 进程内暴力检索的向量存储，适用于会话级索引。
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	dimension int
	records   []*Record
	// byPassage PassageID 到 records 下标。
	byPassage map[string]int
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memoryCollection)}
}

// Name 返回后端名称。
func (s *MemoryStore) Name() string {
	return "memory"
}

// CreateCollection 创建集合，已存在时不做任何操作。
func (s *MemoryStore) CreateCollection(_ context.Context, config *CollectionConfig) error {
	if config == nil || config.Name == "" {
		return fmt.Errorf("collection name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[config.Name]; !ok {
		s.collections[config.Name] = &memoryCollection{
			dimension: config.Dimension,
			byPassage: make(map[string]int),
		}
	}
	return nil
}

// Insert 按 PassageID 写入记录，已存在的段落被覆盖。
func (s *MemoryStore) Insert(ctx context.Context, collection string, records []*Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("collection %s not found", collection)
	}
	for _, r := range records {
		if c.dimension > 0 && len(r.Embedding) != c.dimension {
			return fmt.Errorf("passage %s has dimension %d, want %d", r.PassageID, len(r.Embedding), c.dimension)
		}
	}
	// 写时复制，Search 持有的旧切片不受影响
	next := make([]*Record, len(c.records), len(c.records)+len(records))
	copy(next, c.records)
	for _, r := range records {
		if i, ok := c.byPassage[r.PassageID]; ok {
			next[i] = r
			continue
		}
		c.byPassage[r.PassageID] = len(next)
		next = append(next, r)
	}
	c.records = next
	return nil
}

// Search 计算与全部记录的余弦相似度并返回前 topK 条。
func (s *MemoryStore) Search(ctx context.Context, collection string, embedding []float32, topK int) ([]*SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	c, ok := s.collections[collection]
	if !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("collection %s not found", collection)
	}
	records := c.records
	dimension := c.dimension
	s.mu.RUnlock()

	if dimension > 0 && len(embedding) != dimension {
		return nil, fmt.Errorf("query dimension %d, want %d", len(embedding), dimension)
	}

	results := make([]*SearchResult, 0, len(records))
	for _, r := range records {
		results = append(results, fromRecord(r, float32(textutil.CosineSimilarity(embedding, r.Embedding))))
	}
	SortResults(results)

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Count 返回集合中的记录数。
func (s *MemoryStore) Count(_ context.Context, collection string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return 0, fmt.Errorf("collection %s not found", collection)
	}
	return int64(len(c.records)), nil
}

// DropCollection 删除集合。
func (s *MemoryStore) DropCollection(_ context.Context, collection string) error {
	s.mu.Lock()
	delete(s.collections, collection)
	s.mu.Unlock()
	return nil
}

// Collections 返回当前集合数量。
func (s *MemoryStore) Collections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections)
}

// Close 释放全部集合。
func (s *MemoryStore) Close(_ context.Context) error {
	s.mu.Lock()
	s.collections = make(map[string]*memoryCollection)
	s.mu.Unlock()
	return nil
}

var _ VectorStore = (*MemoryStore)(nil)
