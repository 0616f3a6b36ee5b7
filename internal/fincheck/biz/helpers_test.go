package biz

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kart-io/fincheck/internal/fincheck/store"
	"github.com/kart-io/fincheck/internal/model"
	"github.com/kart-io/fincheck/pkg/infra/pool"
	"github.com/kart-io/fincheck/pkg/llm"
	"github.com/kart-io/fincheck/pkg/llm/local"
	"github.com/kart-io/fincheck/pkg/llm/resilience"
)

const testPrompt = "Context:\n{{context}}\n\nQuestion: {{question}}"

// scriptedChat 按脚本返回结果的 ChatProvider。
type scriptedChat struct {
	mu      sync.Mutex
	reply   func(prompt, system string, o llm.GenerateOptions) (*llm.GenerateResponse, error)
	calls   int32
	prompts []string
	systems []string
}

func (c *scriptedChat) Chat(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (*llm.GenerateResponse, error) {
	var system, prompt string
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			system = m.Content
		} else {
			prompt = m.Content
		}
	}
	return c.Generate(ctx, prompt, system, opts...)
}

func (c *scriptedChat) Generate(ctx context.Context, prompt, system string, opts ...llm.GenerateOption) (*llm.GenerateResponse, error) {
	atomic.AddInt32(&c.calls, 1)
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.systems = append(c.systems, system)
	c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.reply == nil {
		return &llm.GenerateResponse{Content: "See [1]."}, nil
	}
	return c.reply(prompt, system, llm.ApplyGenerateOptions(opts...))
}

func (c *scriptedChat) Name() string { return "scripted" }

func (c *scriptedChat) Calls() int { return int(atomic.LoadInt32(&c.calls)) }

// failingEmbedder 总是返回错误的 EmbeddingProvider。
type failingEmbedder struct{ err error }

func (f *failingEmbedder) Embed(context.Context, []string) ([][]float32, error) { return nil, f.err }
func (f *failingEmbedder) EmbedSingle(context.Context, string) ([]float32, error) {
	return nil, f.err
}
func (f *failingEmbedder) Name() string { return "failing" }

// flakyStore 可按需注入写入或检索失败的存储。
type flakyStore struct {
	*store.MemoryStore
	failInsert atomic.Bool
	failSearch atomic.Bool
	dropped    atomic.Int32
}

func (s *flakyStore) Insert(ctx context.Context, collection string, records []*store.Record) error {
	if s.failInsert.Load() {
		return errors.New("insert: connection refused")
	}
	return s.MemoryStore.Insert(ctx, collection, records)
}

func (s *flakyStore) Search(ctx context.Context, collection string, embedding []float32, topK int) ([]*store.SearchResult, error) {
	if s.failSearch.Load() {
		return nil, errors.New("search: connection refused")
	}
	return s.MemoryStore.Search(ctx, collection, embedding, topK)
}

func (s *flakyStore) DropCollection(ctx context.Context, collection string) error {
	s.dropped.Add(1)
	return s.MemoryStore.DropCollection(ctx, collection)
}

type pipeline struct {
	store       *flakyStore
	chat        *scriptedChat
	indexer     *Indexer
	retriever   *Retriever
	synthesizer *Synthesizer
}

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:     2,
		InitialDelay:    time.Millisecond,
		MaxDelay:        time.Millisecond,
		Multiplier:      1,
		RetryableErrors: func(error) bool { return true },
	}
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	vs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	embedder := local.New(256)
	chat := &scriptedChat{}

	workers, err := pool.NewPool("test-embed", &pool.Config{Capacity: 4, ExpiryDuration: time.Second})
	require.NoError(t, err)
	t.Cleanup(workers.Release)

	indexer, err := NewIndexer(vs, embedder, workers, &IndexerConfig{
		EmbedBatchSize: 3,
		EmbedTimeout:   time.Second,
		StoreRetry:     fastRetry(),
	})
	require.NoError(t, err)

	retriever, err := NewRetriever(vs, embedder, &RetrieverConfig{EmbedTimeout: time.Second})
	require.NoError(t, err)

	synthesizer, err := NewSynthesizer(chat, &SynthesizerConfig{
		Prompt:          testPrompt,
		RelevanceFloor:  0.3,
		Temperature:     0.2,
		GenerateTimeout: time.Second,
	})
	require.NoError(t, err)

	return &pipeline{
		store:       vs,
		chat:        chat,
		indexer:     indexer,
		retriever:   retriever,
		synthesizer: synthesizer,
	}
}

func (p *pipeline) newSession(t *testing.T, hook func(id string, from, to SessionState)) *Session {
	t.Helper()
	s, err := NewSession("test-session", p.indexer, p.retriever, p.synthesizer, &SessionConfig{
		ChunkSize:     120,
		ChunkOverlap:  20,
		TopK:          3,
		OnStateChange: hook,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// reportText 由多段主题各异的财报文字组成的测试文档。
var reportText = strings.Join([]string{
	"Revenue for fiscal 2023 increased twelve percent to 4.2 billion dollars driven by subscription growth in North America.",
	"Net income was 610 million dollars and diluted earnings per share were 2.35 dollars compared with 1.98 dollars a year earlier.",
	"The auditor issued an unqualified opinion and identified no material weakness in internal control over financial reporting.",
	"Long term debt decreased to 1.1 billion dollars after the company repaid its revolving credit facility in the third quarter.",
	"The company adopted the new lease accounting standard and recognized right of use assets on the balance sheet.",
}, "\n")

func testDocument(id, text string) *model.Document {
	return &model.Document{
		ID:        id,
		Name:      id + ".pdf",
		SHA256:    "sha-" + id,
		Pages:     []model.Page{{Number: 1, Text: text}},
		PageCount: 1,
		CreatedAt: time.Now(),
	}
}
