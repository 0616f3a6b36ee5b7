package biz

import (
	"context"
	"sync"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/fincheck/internal/model"
	"github.com/kart-io/fincheck/pkg/utils/errors"
)

// SessionState 会话状态。
type SessionState int

const (
	// StateEmpty 未加载文档。
	StateEmpty SessionState = iota
	// StateDocumentLoaded 文档已加载，旧索引释放中。
	StateDocumentLoaded
	// StateReady 可以提问。
	StateReady
)

// String 返回状态名称。
func (s SessionState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateDocumentLoaded:
		return "document_loaded"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// SessionConfig 会话配置。
type SessionConfig struct {
	// ChunkSize 段落字符数。
	ChunkSize int
	// ChunkOverlap 段落重叠字符数。
	ChunkOverlap int
	// TopK 默认检索段落数。
	TopK int
	// OnStateChange 状态变化回调，在状态锁内同步调用。
	OnStateChange func(id string, from, to SessionState)
	// Recorder 查询阶段指标记录器，可为空。
	Recorder Recorder
}

// Recorder 记录检索与生成阶段的耗时和结果。
type Recorder interface {
	RecordRetrieval(duration time.Duration, err error)
	RecordGeneration(duration time.Duration, usage *model.TokenUsage, err error)
}

// AskOptions 单次提问参数。
type AskOptions struct {
	// Topic 分析主题，可为空。
	Topic *model.Topic
	// TopK 检索段落数，0 表示使用会话默认值。
	TopK int
}

// SessionInfo 会话概要。
type SessionInfo struct {
	ID           string          `json:"id"`
	State        string          `json:"state"`
	Document     *model.Document `json:"document,omitempty"`
	IndexID      string          `json:"index_id,omitempty"`
	IndexVersion uint64          `json:"index_version"`
	Passages     int             `json:"passages"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Session 管理单个文档的加载与问答。
//
// 提问在读锁下获取当前索引快照后并发执行；重新加载由 ingestMu 串行化，
// 旧索引在其上的查询全部结束后才释放。
type Session struct {
	id          string
	indexer     *Indexer
	retriever   *Retriever
	synthesizer *Synthesizer
	config      *SessionConfig

	ingestMu sync.Mutex

	mu        sync.RWMutex
	state     SessionState
	document  *model.Document
	index     *Index
	version   uint64
	closed    bool
	createdAt time.Time
	updatedAt time.Time

	releaseWG sync.WaitGroup
}

// NewSession 创建处于 Empty 状态的会话。
func NewSession(id string, indexer *Indexer, retriever *Retriever, synthesizer *Synthesizer, config *SessionConfig) (*Session, error) {
	if indexer == nil || retriever == nil || synthesizer == nil {
		return nil, errors.ErrInvalidConfiguration.WithMessage("session requires an indexer, a retriever and a synthesizer")
	}
	if config == nil || config.TopK <= 0 {
		return nil, errors.ErrInvalidConfiguration.WithMessage("session top_k must be positive")
	}
	if config.ChunkSize <= 0 || config.ChunkOverlap <= 0 || config.ChunkOverlap >= config.ChunkSize {
		return nil, errors.ErrInvalidConfiguration.WithMessagef(
			"chunk overlap must satisfy 0 < overlap < size, got size=%d overlap=%d", config.ChunkSize, config.ChunkOverlap)
	}
	now := time.Now()
	return &Session{
		id:          id,
		indexer:     indexer,
		retriever:   retriever,
		synthesizer: synthesizer,
		config:      config,
		createdAt:   now,
		updatedAt:   now,
	}, nil
}

// ID 返回会话 ID。
func (s *Session) ID() string {
	return s.id
}

// State 返回当前状态。
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Document 返回当前文档，未加载时为 nil。
func (s *Session) Document() *model.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.document
}

// Info 返回会话概要。
func (s *Session) Info() *SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := &SessionInfo{
		ID:        s.id,
		State:     s.state.String(),
		Document:  s.document,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
	if s.index != nil {
		info.IndexID = s.index.ID
		info.IndexVersion = s.index.Version
		info.Passages = s.index.Size()
	}
	return info
}

// setState 切换状态，调用方需持有写锁。
func (s *Session) setState(to SessionState) {
	from := s.state
	s.state = to
	s.updatedAt = time.Now()
	if from != to && s.config.OnStateChange != nil {
		s.config.OnStateChange(s.id, from, to)
	}
}

// Ingest 切分并索引文档。
//
// 成功时依次进入 DocumentLoaded、释放旧索引、进入 Ready；
// 失败时回到 Empty 并释放旧索引。
func (s *Session) Ingest(ctx context.Context, doc *model.Document) (*model.IngestResult, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	if s.isClosed() {
		return nil, errors.ErrSessionNotFound
	}

	start := time.Now()
	ix, err := s.build(ctx, doc)
	if err != nil {
		s.mu.Lock()
		old := s.index
		s.index = nil
		s.document = nil
		s.setState(StateEmpty)
		s.mu.Unlock()

		s.retire(old)
		logger.Warnw("document ingestion failed", "session_id", s.id, "document", doc.Name, "error", err.Error())
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.retire(ix)
		return nil, errors.ErrSessionNotFound
	}
	s.version++
	ix.Version = s.version
	old := s.index
	s.index = ix
	s.document = doc
	s.setState(StateDocumentLoaded)
	s.mu.Unlock()

	s.retire(old)

	s.mu.Lock()
	s.setState(StateReady)
	s.mu.Unlock()

	result := &model.IngestResult{
		Document:     doc,
		Passages:     ix.Size(),
		IndexID:      ix.ID,
		IndexVersion: ix.Version,
		Duration:     time.Since(start),
	}
	logger.Infow("document ingested",
		"session_id", s.id,
		"document_id", doc.ID,
		"document", doc.Name,
		"pages", doc.PageCount,
		"passages", result.Passages,
		"index_version", result.IndexVersion,
		"duration", result.Duration.String(),
	)
	return result, nil
}

func (s *Session) build(ctx context.Context, doc *model.Document) (*Index, error) {
	passages, err := ChunkDocument(doc, s.config.ChunkSize, s.config.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	return s.indexer.BuildIndex(ctx, doc.ID, passages)
}

// retire 等待旧索引上的查询结束后在后台释放。
func (s *Session) retire(ix *Index) {
	if ix == nil {
		return
	}
	s.releaseWG.Add(1)
	go func() {
		defer s.releaseWG.Done()
		ix.inflight.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = s.indexer.Release(ctx, ix)
	}()
}

// acquire 在读锁下获取当前索引快照并登记查询。
func (s *Session) acquire() (*Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.ErrSessionNotFound
	}
	if s.state != StateReady || s.index == nil {
		return nil, errors.ErrNoDocument
	}
	s.index.inflight.Add(1)
	return s.index, nil
}

// Ask 基于当前文档回答问题。
//
// 会话未就绪时返回 ErrNoDocument。检索与生成失败不作为错误返回，
// 而是内联在 Status=failed 的答案中，会话保持 Ready。
func (s *Session) Ask(ctx context.Context, question string, opts AskOptions) (*model.Answer, error) {
	k := opts.TopK
	if k == 0 {
		k = s.config.TopK
	}
	if k < 0 {
		return nil, errors.ErrInvalidConfiguration.WithMessagef("top_k must be positive, got %d", k)
	}

	ix, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer ix.inflight.Done()

	start := time.Now()
	result, err := s.retriever.Retrieve(ctx, ix, question, k)
	if rec := s.config.Recorder; rec != nil {
		rec.RecordRetrieval(time.Since(start), err)
	}
	if err != nil {
		return s.failed(question, opts.Topic, ix, err)
	}

	var synthOpts []SynthesizeOption
	if opts.Topic != nil {
		synthOpts = append(synthOpts, WithTopic(opts.Topic))
	}
	start = time.Now()
	answer, err := s.synthesizer.Synthesize(ctx, question, result, synthOpts...)
	if rec := s.config.Recorder; rec != nil {
		switch {
		case err != nil && errors.IsCode(err, errors.ErrGenerationFailure.Code):
			rec.RecordGeneration(time.Since(start), nil, err)
		case err == nil && answer.Status == model.StatusAnswered:
			rec.RecordGeneration(time.Since(start), answer.TokenUsage, nil)
		}
	}
	if err != nil {
		answer, err = s.failed(question, opts.Topic, ix, err)
		if answer != nil {
			answer.Sources = result
		}
		return answer, err
	}
	answer.IndexVersion = ix.Version
	return answer, nil
}

// failed 将查询失败转换为内联答案，配置错误仍作为错误返回。
func (s *Session) failed(question string, topic *model.Topic, ix *Index, err error) (*model.Answer, error) {
	if errors.IsCode(err, errors.ErrInvalidConfiguration.Code) {
		return nil, err
	}
	logger.Warnw("query failed", "session_id", s.id, "index_id", ix.ID, "kind", errors.Kind(err), "error", err.Error())

	answer := &model.Answer{
		Question:     question,
		Status:       model.StatusFailed,
		Citations:    []model.Citation{},
		IndexVersion: ix.Version,
		Error: &model.AnswerError{
			Code:    errors.GetCode(err),
			Kind:    errors.Kind(err),
			Message: err.Error(),
		},
	}
	if topic != nil {
		answer.Topic = topic.ID
	}
	return answer, nil
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close 释放索引并等待后台释放完成，可重复调用。
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	old := s.index
	s.index = nil
	s.document = nil
	s.setState(StateEmpty)
	s.mu.Unlock()

	s.retire(old)
	s.releaseWG.Wait()
	logger.Debugw("session closed", "session_id", s.id)
}
