package biz

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/fincheck/internal/fincheck/store"
	"github.com/kart-io/fincheck/internal/model"
	"github.com/kart-io/fincheck/pkg/infra/tracing"
	"github.com/kart-io/fincheck/pkg/llm"
	"github.com/kart-io/fincheck/pkg/utils/errors"
)

// RetrieverConfig 检索器配置。
type RetrieverConfig struct {
	// EmbedTimeout 查询向量化超时。
	EmbedTimeout time.Duration
}

// Retriever 在索引中检索与问题最相关的段落。
type Retriever struct {
	store    store.VectorStore
	embedder llm.EmbeddingProvider
	config   *RetrieverConfig
}

// NewRetriever 创建检索器实例。
func NewRetriever(vs store.VectorStore, embedder llm.EmbeddingProvider, config *RetrieverConfig) (*Retriever, error) {
	if vs == nil || embedder == nil {
		return nil, errors.ErrInvalidConfiguration.WithMessage("retriever requires a store and an embedder")
	}
	if config == nil || config.EmbedTimeout <= 0 {
		return nil, errors.ErrInvalidConfiguration.WithMessage("retriever embed timeout must be positive")
	}
	return &Retriever{store: vs, embedder: embedder, config: config}, nil
}

// Retrieve 返回至多 k 个互不相同的段落，按分数降序、同分按文档顺序排列。
// 空索引直接返回空结果，不访问后端。
func (r *Retriever) Retrieve(ctx context.Context, ix *Index, query string, k int) (*model.RetrievalResult, error) {
	if k <= 0 {
		return nil, errors.ErrInvalidConfiguration.WithMessagef("top_k must be positive, got %d", k)
	}

	result := &model.RetrievalResult{Query: query, Hits: []model.ScoredPassage{}}
	if ix.Size() == 0 {
		return result, nil
	}
	result.IndexID = ix.ID
	if k > ix.Size() {
		k = ix.Size()
	}

	ctx, span := tracing.StartSpan(ctx, "fincheck.Retrieve",
		attribute.String("index.id", ix.ID),
		attribute.Int("top_k", k),
	)
	defer span.End()

	ectx, cancel := context.WithTimeout(ctx, r.config.EmbedTimeout)
	vec, err := r.embedder.EmbedSingle(ectx, query)
	cancel()
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, errors.ErrRetrievalFailure.WithCause(err)
	}

	// 多取一倍候选，后端残留的重复记录不会挤占 k 个名额
	found, err := r.store.Search(ctx, ix.Collection, vec, 2*k)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, errors.ErrRetrievalFailure.WithCause(err)
	}

	hits := make([]model.ScoredPassage, 0, len(found))
	seen := make(map[string]struct{}, len(found))
	for _, f := range found {
		if _, dup := seen[f.PassageID]; dup {
			continue
		}
		p, ok := ix.passage(f.PassageID)
		if !ok {
			// 后端返回了不属于该索引的记录
			continue
		}
		seen[f.PassageID] = struct{}{}
		hits = append(hits, model.ScoredPassage{Passage: p, Score: float64(f.Score)})
	}

	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].Ordinal < hits[b].Ordinal
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	result.Hits = hits
	if len(hits) > 0 {
		result.TopScore = hits[0].Score
	}
	tracing.AddSpanAttributes(ctx,
		attribute.Int("hits", len(hits)),
		attribute.Float64("top_score", result.TopScore),
	)
	return result, nil
}
