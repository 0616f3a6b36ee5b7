package biz

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/fincheck/internal/fincheck/store"
	"github.com/kart-io/fincheck/internal/model"
	errs "github.com/kart-io/fincheck/pkg/utils/errors"
)

func TestRetrieve_OrderedAndBounded(t *testing.T) {
	p := newPipeline(t)
	ix, err := p.indexer.BuildIndex(context.Background(), "doc", chunkReport(t, "doc"))
	require.NoError(t, err)

	for _, k := range []int{1, 2, 3, 100} {
		res, err := p.retriever.Retrieve(context.Background(), ix, "net income earnings per share", k)
		require.NoError(t, err)

		assert.LessOrEqual(t, len(res.Hits), k)
		assert.LessOrEqual(t, len(res.Hits), ix.Size())
		for i := 1; i < len(res.Hits); i++ {
			prev, cur := res.Hits[i-1], res.Hits[i]
			assert.GreaterOrEqual(t, prev.Score, cur.Score)
			if prev.Score == cur.Score {
				assert.Less(t, prev.Ordinal, cur.Ordinal)
			}
		}
		require.NotEmpty(t, res.Hits)
		assert.Equal(t, res.Hits[0].Score, res.TopScore)
		assert.Contains(t, res.Hits[0].Content, "Net income")
	}
}

func TestRetrieve_EmptyIndex(t *testing.T) {
	p := newPipeline(t)
	p.store.failSearch.Store(true)

	res, err := p.retriever.Retrieve(context.Background(), nil, "revenue", 3)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	res, err = p.retriever.Retrieve(context.Background(), newIndex("ix", "doc", "fincheck_none", 256, nil), "revenue", 3)
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestRetrieve_InvalidK(t *testing.T) {
	p := newPipeline(t)

	for _, k := range []int{0, -1} {
		_, err := p.retriever.Retrieve(context.Background(), nil, "revenue", k)
		assert.True(t, errs.IsCode(err, errs.ErrInvalidConfiguration.Code))
	}
}

func TestRetrieve_BackendFailure(t *testing.T) {
	p := newPipeline(t)
	ix, err := p.indexer.BuildIndex(context.Background(), "doc", chunkReport(t, "doc"))
	require.NoError(t, err)

	p.store.failSearch.Store(true)
	_, err = p.retriever.Retrieve(context.Background(), ix, "revenue", 2)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.ErrRetrievalFailure.Code))
	assert.Equal(t, errs.KindRetrievalFailure, errs.Kind(err))

	// 同一索引可以重试
	p.store.failSearch.Store(false)
	res, err := p.retriever.Retrieve(context.Background(), ix, "revenue", 2)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Hits)
}

func TestRetrieve_UnrelatedQueryScoresLow(t *testing.T) {
	p := newPipeline(t)
	ix, err := p.indexer.BuildIndex(context.Background(), "doc", chunkReport(t, "doc"))
	require.NoError(t, err)

	res, err := p.retriever.Retrieve(context.Background(), ix, "zebra xylophone quokka", 3)
	require.NoError(t, err)
	assert.Less(t, res.TopScore, 0.3)
}

// halfWriteStore 首次 Insert 写入数据后返回错误，模拟 flush 阶段失败。
type halfWriteStore struct {
	*flakyStore
	inserts atomic.Int32
}

func (s *halfWriteStore) Insert(ctx context.Context, collection string, records []*store.Record) error {
	if err := s.flakyStore.Insert(ctx, collection, records); err != nil {
		return err
	}
	if s.inserts.Add(1) == 1 {
		return stderrors.New("failed to flush: connection refused")
	}
	return nil
}

// echoStore 每条检索结果重复返回两次，模拟后端残留的重复记录。
type echoStore struct {
	*flakyStore
}

func (s *echoStore) Search(ctx context.Context, collection string, embedding []float32, topK int) ([]*store.SearchResult, error) {
	found, err := s.flakyStore.Search(ctx, collection, embedding, topK)
	if err != nil {
		return nil, err
	}
	out := make([]*store.SearchResult, 0, 2*len(found))
	for _, f := range found {
		out = append(out, f, f)
	}
	return out, nil
}

func assertDistinctHits(t *testing.T, hits []model.ScoredPassage, want int) {
	t.Helper()
	require.Len(t, hits, want)
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		assert.False(t, seen[h.ID], "duplicate passage %s", h.ID)
		seen[h.ID] = true
	}
}

func TestRetrieve_InsertRetryLeavesNoDuplicates(t *testing.T) {
	p := newPipeline(t)
	vs := &halfWriteStore{flakyStore: p.store}
	p.indexer.store = vs
	p.retriever.store = vs

	passages := chunkReport(t, "doc")
	ix, err := p.indexer.BuildIndex(context.Background(), "doc", passages)
	require.NoError(t, err)
	assert.EqualValues(t, 2, vs.inserts.Load())

	count, err := vs.Count(context.Background(), ix.Collection)
	require.NoError(t, err)
	assert.EqualValues(t, len(passages), count)

	res, err := p.retriever.Retrieve(context.Background(), ix, "net income earnings per share", 3)
	require.NoError(t, err)
	assertDistinctHits(t, res.Hits, 3)
}

func TestRetrieve_DedupesBackendResults(t *testing.T) {
	p := newPipeline(t)
	ix, err := p.indexer.BuildIndex(context.Background(), "doc", chunkReport(t, "doc"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, ix.Size(), 3)

	p.retriever.store = &echoStore{flakyStore: p.store}
	res, err := p.retriever.Retrieve(context.Background(), ix, "net income earnings per share", 3)
	require.NoError(t, err)

	// 重复记录不占用 k 个名额
	assertDistinctHits(t, res.Hits, 3)
	for i := 1; i < len(res.Hits); i++ {
		assert.GreaterOrEqual(t, res.Hits[i-1].Score, res.Hits[i].Score)
	}
}

func TestRetrieve_TiesBrokenByOrdinal(t *testing.T) {
	p := newPipeline(t)

	// 内容相同的段落得分相同，按文档顺序返回
	passages := make([]model.Passage, 5)
	for n := range passages {
		passages[n] = model.Passage{
			ID:         fmt.Sprintf("doc-%05d", n),
			DocumentID: "doc",
			Ordinal:    n,
			Start:      n * 40,
			End:        n*40 + 40,
			Page:       1,
			Content:    "Revenue increased twelve percent in 2023.",
		}
	}
	ix, err := p.indexer.BuildIndex(context.Background(), "doc", passages)
	require.NoError(t, err)

	res, err := p.retriever.Retrieve(context.Background(), ix, "revenue growth", 3)
	require.NoError(t, err)
	require.Len(t, res.Hits, 3)

	ordinals := make([]int, len(res.Hits))
	for n, h := range res.Hits {
		ordinals[n] = h.Ordinal
	}
	assert.Equal(t, []int{0, 1, 2}, ordinals)
	assert.Equal(t, res.Hits[0].Score, res.Hits[2].Score)
}
