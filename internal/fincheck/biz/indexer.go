package biz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kart-io/logger"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/fincheck/internal/fincheck/store"
	"github.com/kart-io/fincheck/internal/model"
	"github.com/kart-io/fincheck/pkg/infra/pool"
	"github.com/kart-io/fincheck/pkg/infra/tracing"
	"github.com/kart-io/fincheck/pkg/llm"
	"github.com/kart-io/fincheck/pkg/llm/resilience"
	"github.com/kart-io/fincheck/pkg/utils/errors"
)

// CollectionPrefix 索引集合名称前缀。
const CollectionPrefix = "fincheck_"

// IndexerConfig 索引器配置。
type IndexerConfig struct {
	// EmbedBatchSize 每批 Embedding 的段落数。
	EmbedBatchSize int
	// EmbedTimeout 单批 Embedding 超时。
	EmbedTimeout time.Duration
	// StoreRetry 存储操作的重试策略。
	StoreRetry *resilience.RetryConfig
}

// Indexer 负责为文档段落构建向量索引。
type Indexer struct {
	store    store.VectorStore
	embedder llm.EmbeddingProvider
	pool     *pool.Pool
	config   *IndexerConfig
}

// NewIndexer 创建索引器实例，批次在 workers 池中并发 Embedding。
func NewIndexer(vs store.VectorStore, embedder llm.EmbeddingProvider, workers *pool.Pool, config *IndexerConfig) (*Indexer, error) {
	if vs == nil || embedder == nil || workers == nil {
		return nil, errors.ErrInvalidConfiguration.WithMessage("indexer requires a store, an embedder and a worker pool")
	}
	if config == nil || config.EmbedBatchSize <= 0 || config.EmbedTimeout <= 0 {
		return nil, errors.ErrInvalidConfiguration.WithMessage("indexer batch size and embed timeout must be positive")
	}
	return &Indexer{
		store:    vs,
		embedder: embedder,
		pool:     workers,
		config:   config,
	}, nil
}

// BuildIndex 为段落生成向量并写入新的后端集合。
// 空输入返回 ErrIndexEmptyInput；Embedding 或存储失败返回 ErrIndexBackendUnavailable，
// 失败时已创建的集合会被删除。
func (i *Indexer) BuildIndex(ctx context.Context, documentID string, passages []model.Passage) (*Index, error) {
	if len(passages) == 0 {
		return nil, errors.ErrIndexEmptyInput
	}

	ctx, span := tracing.StartSpan(ctx, "fincheck.BuildIndex",
		attribute.String("document.id", documentID),
		attribute.Int("passages", len(passages)),
	)
	defer span.End()

	start := time.Now()
	vectors, err := i.embedAll(ctx, passages)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, errors.ErrIndexBackendUnavailable.WithCause(err)
	}

	dimension := len(vectors[0])
	for n, v := range vectors {
		if len(v) == 0 || len(v) != dimension {
			err := fmt.Errorf("embedding %d has dimension %d, want %d", n, len(v), dimension)
			tracing.RecordError(ctx, err)
			return nil, errors.ErrIndexBackendUnavailable.WithCause(err)
		}
	}

	id := ulid.Make().String()
	collection := CollectionPrefix + strings.ToLower(id)

	err = resilience.RetryWithBackoff(ctx, i.config.StoreRetry, func() error {
		return i.store.CreateCollection(ctx, &store.CollectionConfig{
			Name:        collection,
			Description: "fincheck passages of document " + documentID,
			Dimension:   dimension,
		})
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		i.dropQuietly(collection)
		return nil, errors.ErrIndexBackendUnavailable.WithCause(err)
	}

	records := make([]*store.Record, len(passages))
	for n, p := range passages {
		records[n] = &store.Record{
			PassageID:  p.ID,
			DocumentID: documentID,
			Ordinal:    p.Ordinal,
			Page:       p.Page,
			Start:      p.Start,
			End:        p.End,
			Content:    p.Content,
			Embedding:  vectors[n],
		}
	}

	err = resilience.RetryWithBackoff(ctx, i.config.StoreRetry, func() error {
		return i.store.Insert(ctx, collection, records)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		i.dropQuietly(collection)
		return nil, errors.ErrIndexBackendUnavailable.WithCause(err)
	}

	logger.Infow("index built",
		"index_id", id,
		"document_id", documentID,
		"collection", collection,
		"store", i.store.Name(),
		"passages", len(passages),
		"dimension", dimension,
		"duration", time.Since(start).String(),
	)

	return newIndex(id, documentID, collection, dimension, passages), nil
}

// embedAll 分批并发生成向量，结果与输入顺序一致。
func (i *Indexer) embedAll(ctx context.Context, passages []model.Passage) ([][]float32, error) {
	vectors := make([][]float32, len(passages))
	batch := i.config.EmbedBatchSize

	tasks := make([]func(context.Context) error, 0, (len(passages)+batch-1)/batch)
	for lo := 0; lo < len(passages); lo += batch {
		hi := lo + batch
		if hi > len(passages) {
			hi = len(passages)
		}
		lo, hi := lo, hi
		tasks = append(tasks, func(ctx context.Context) error {
			texts := make([]string, hi-lo)
			for n := lo; n < hi; n++ {
				texts[n-lo] = passages[n].Content
			}

			ectx, cancel := context.WithTimeout(ctx, i.config.EmbedTimeout)
			defer cancel()

			vecs, err := i.embedder.Embed(ectx, texts)
			if err != nil {
				return fmt.Errorf("embed passages %d-%d: %w", lo, hi, err)
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("embed passages %d-%d: got %d vectors, want %d", lo, hi, len(vecs), len(texts))
			}
			copy(vectors[lo:hi], vecs)
			return nil
		})
	}

	if err := i.pool.RunAll(ctx, tasks...); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Release 删除索引对应的后端集合，nil 索引直接返回。
func (i *Indexer) Release(ctx context.Context, ix *Index) error {
	if ix == nil {
		return nil
	}
	if err := i.store.DropCollection(ctx, ix.Collection); err != nil {
		logger.Warnw("failed to release index", "index_id", ix.ID, "collection", ix.Collection, "error", err.Error())
		return err
	}
	logger.Debugw("index released", "index_id", ix.ID, "collection", ix.Collection)
	return nil
}

func (i *Indexer) dropQuietly(collection string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := i.store.DropCollection(ctx, collection); err != nil {
		logger.Warnw("failed to drop partial collection", "collection", collection, "error", err.Error())
	}
}
