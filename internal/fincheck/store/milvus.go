package store

import (
	"context"

	"github.com/kart-io/fincheck/pkg/component/milvus"
)

// MilvusStore 基于 Milvus 的向量存储，每个会话索引对应一个 COSINE 集合。
type MilvusStore struct {
	client *milvus.Client
}

// NewMilvusStore 创建 Milvus 存储实例。
func NewMilvusStore(client *milvus.Client) *MilvusStore {
	return &MilvusStore{client: client}
}

// Name 返回后端名称。
func (s *MilvusStore) Name() string {
	return "milvus"
}

// CreateCollection 创建并加载段落集合。
func (s *MilvusStore) CreateCollection(ctx context.Context, config *CollectionConfig) error {
	if err := ValidateCollectionName(config.Name); err != nil {
		return err
	}
	return s.client.EnsurePassageCollection(ctx, config.Name, config.Description, config.Dimension)
}

// Insert 按 passage_id 批量写入段落记录，重试不会产生重复行。
func (s *MilvusStore) Insert(ctx context.Context, collection string, records []*Record) error {
	rows := make([]milvus.PassageRow, len(records))
	for i, r := range records {
		rows[i] = milvus.PassageRow{
			PassageID:  r.PassageID,
			DocumentID: r.DocumentID,
			Ordinal:    int64(r.Ordinal),
			Page:       int64(r.Page),
			Start:      int64(r.Start),
			End:        int64(r.End),
			Content:    r.Content,
			Vector:     r.Embedding,
		}
	}
	return s.client.InsertPassages(ctx, collection, rows)
}

// Search 执行向量相似度搜索，COSINE 度量下分数即余弦相似度。
func (s *MilvusStore) Search(ctx context.Context, collection string, embedding []float32, topK int) ([]*SearchResult, error) {
	hits, err := s.client.SearchPassages(ctx, collection, embedding, topK)
	if err != nil {
		return nil, err
	}

	out := make([]*SearchResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, &SearchResult{
			PassageID:  h.PassageID,
			DocumentID: h.DocumentID,
			Ordinal:    int(h.Ordinal),
			Page:       int(h.Page),
			Start:      int(h.Start),
			End:        int(h.End),
			Content:    h.Content,
			Score:      h.Score,
		})
	}
	SortResults(out)
	return out, nil
}

// Count 获取集合记录数。
func (s *MilvusStore) Count(ctx context.Context, collection string) (int64, error) {
	return s.client.RowCount(ctx, collection)
}

// DropCollection 删除集合。
func (s *MilvusStore) DropCollection(ctx context.Context, collection string) error {
	return s.client.DropCollection(ctx, collection)
}

// Close 关闭 Milvus 连接。
func (s *MilvusStore) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

var _ VectorStore = (*MilvusStore)(nil)
