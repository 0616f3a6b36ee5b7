// Package store 定义段落向量存储接口及其实现。
//
// 所有实现返回的 Score 均为 [-1, 1] 的余弦相似度，越大越相关，
// 结果按分数降序、同分按 Ordinal 升序排列。
package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

// Record 一条段落向量记录。
type Record struct {
	// PassageID 段落 ID。
	PassageID string
	// DocumentID 所属文档 ID。
	DocumentID string
	// Ordinal 段落在文档中的序号。
	Ordinal int
	// Page 段落起始页码。
	Page int
	// Start 起始字符偏移。
	Start int
	// End 结束字符偏移（不含）。
	End int
	// Content 段落内容。
	Content string
	// Embedding 嵌入向量。
	Embedding []float32
}

// SearchResult 表示检索结果。
type SearchResult struct {
	PassageID  string
	DocumentID string
	Ordinal    int
	Page       int
	Start      int
	End        int
	Content    string
	// Score 余弦相似度。
	Score float32
}

// CollectionConfig 集合配置。
type CollectionConfig struct {
	// Name 集合名称。
	Name string
	// Description 集合描述。
	Description string
	// Dimension 向量维度。
	Dimension int
}

// VectorStore 定义向量存储接口。
type VectorStore interface {
	// CreateCollection 创建集合。
	CreateCollection(ctx context.Context, config *CollectionConfig) error

	// Insert 按 PassageID 批量写入段落记录，重复写入同一段落会覆盖旧记录。
	Insert(ctx context.Context, collection string, records []*Record) error

	// Search 向量相似度搜索。
	Search(ctx context.Context, collection string, embedding []float32, topK int) ([]*SearchResult, error)

	// Count 返回集合中的记录数。
	Count(ctx context.Context, collection string) (int64, error)

	// DropCollection 删除集合，集合不存在时不报错。
	DropCollection(ctx context.Context, collection string) error

	// Close 关闭连接。
	Close(ctx context.Context) error

	// Name 返回后端名称。
	Name() string
}

var collectionNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateCollectionName 校验集合名称，只允许小写字母、数字和下划线。
func ValidateCollectionName(name string) error {
	if !collectionNameRegex.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

// SortResults 按分数降序、同分按 Ordinal 升序排序。
func SortResults(results []*SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Ordinal < results[j].Ordinal
	})
}

func fromRecord(r *Record, score float32) *SearchResult {
	return &SearchResult{
		PassageID:  r.PassageID,
		DocumentID: r.DocumentID,
		Ordinal:    r.Ordinal,
		Page:       r.Page,
		Start:      r.Start,
		End:        r.End,
		Content:    r.Content,
		Score:      score,
	}
}
