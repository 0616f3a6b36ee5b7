package biz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kart-io/fincheck/internal/fincheck/metrics"
	"github.com/kart-io/fincheck/internal/model"
	"github.com/kart-io/fincheck/internal/pkg/pdftext"
	"github.com/kart-io/fincheck/pkg/infra/pool"
	"github.com/kart-io/fincheck/pkg/utils/errors"
)

// AskRequest 提问参数。
type AskRequest struct {
	Question string
	Topic    string
	TopK     int
}

// Service 文档问答服务，组合会话注册表、主题、答案缓存与指标。
type Service struct {
	registry  *Registry
	topics    *TopicSet
	cache     *AnswerCache
	metrics   *metrics.Metrics
	extractor pdftext.Extractor
	workers   *pool.Pool
	maxTopK   int
	providers map[string]string
}

// ServiceConfig 服务依赖。
type ServiceConfig struct {
	Registry  *Registry
	Topics    *TopicSet
	Cache     *AnswerCache
	Metrics   *metrics.Metrics
	Extractor pdftext.Extractor
	// Workers Embedding 工作池，仅用于统计。
	Workers   *pool.Pool
	MaxTopK   int
	// Providers 在统计信息中展示的后端名称，例如 embedding、chat、store。
	Providers map[string]string
}

// NewService 创建问答服务。Cache 可为空。
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg == nil || cfg.Registry == nil || cfg.Topics == nil || cfg.Extractor == nil {
		return nil, errors.ErrInvalidConfiguration.WithMessage("service requires a registry, topics and an extractor")
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		registry:  cfg.Registry,
		topics:    cfg.Topics,
		cache:     cfg.Cache,
		metrics:   m,
		extractor: cfg.Extractor,
		workers:   cfg.Workers,
		maxTopK:   cfg.MaxTopK,
		providers: cfg.Providers,
	}, nil
}

// Metrics 返回指标实例。
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// CreateSession 创建新会话。
func (s *Service) CreateSession() (*SessionInfo, error) {
	sess, err := s.registry.Create()
	if err != nil {
		return nil, err
	}
	s.metrics.SetActiveSessions(s.registry.Count())
	return sess.Info(), nil
}

// GetSession 返回会话概要。
func (s *Service) GetSession(id string) (*SessionInfo, error) {
	sess, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.Info(), nil
}

// DeleteSession 关闭并删除会话。
func (s *Service) DeleteSession(id string) error {
	if err := s.registry.Delete(id); err != nil {
		return err
	}
	s.metrics.SetActiveSessions(s.registry.Count())
	return nil
}

// IngestPDF 抽取 PDF 文本并加载到会话。
func (s *Service) IngestPDF(ctx context.Context, sessionID, name string, r io.Reader) (*model.IngestResult, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	cr := &countingReader{r: io.TeeReader(r, h)}
	pages, err := s.extractor.Extract(ctx, cr)
	if err != nil {
		s.metrics.RecordIngest(0, 0, err)
		return nil, err
	}

	doc := &model.Document{
		ID:        ulid.Make().String(),
		Name:      name,
		Size:      cr.n,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		Pages:     pages,
		PageCount: len(pages),
		CreatedAt: time.Now(),
	}
	return s.ingest(ctx, sess, doc)
}

// IngestText 以单页文本加载文档。
func (s *Service) IngestText(ctx context.Context, sessionID, name, text string) (*model.IngestResult, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(text))
	doc := &model.Document{
		ID:        ulid.Make().String(),
		Name:      name,
		Size:      int64(len(text)),
		SHA256:    hex.EncodeToString(sum[:]),
		Pages:     []model.Page{{Number: 1, Text: text}},
		PageCount: 1,
		CreatedAt: time.Now(),
	}
	return s.ingest(ctx, sess, doc)
}

func (s *Service) ingest(ctx context.Context, sess *Session, doc *model.Document) (*model.IngestResult, error) {
	result, err := sess.Ingest(ctx, doc)
	if err != nil {
		s.metrics.RecordIngest(0, 0, err)
		return nil, err
	}
	s.metrics.RecordIngest(result.Passages, result.Duration, nil)
	return result, nil
}

// checkTopK 校验请求的 top_k，0 表示使用会话默认值，maxTopK 为 0 时不设上限。
func (s *Service) checkTopK(k int) error {
	switch {
	case s.maxTopK > 0 && (k < 0 || k > s.maxTopK):
		return errors.ErrInvalidRequest.WithMessagef("top_k must be between 0 and %d, got %d", s.maxTopK, k)
	case k < 0:
		return errors.ErrInvalidRequest.WithMessagef("top_k must not be negative, got %d", k)
	}
	return nil
}

// Ask 在会话文档上提问。answered 状态的答案会写入缓存。
func (s *Service) Ask(ctx context.Context, sessionID string, req AskRequest) (*model.Answer, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, errors.ErrInvalidRequest.WithMessage("question must not be empty")
	}
	if err := s.checkTopK(req.TopK); err != nil {
		return nil, err
	}
	topic, err := s.topics.Lookup(req.Topic)
	if err != nil {
		return nil, err
	}

	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	doc := sess.Document()
	if doc == nil || sess.State() != StateReady {
		return nil, errors.ErrNoDocument
	}

	k := req.TopK
	if k == 0 {
		k = sess.config.TopK
	}

	var key string
	if s.cache != nil {
		key = s.cache.Key(doc.SHA256, req.Topic, k, question)
		if cached, ok := s.cache.Get(ctx, key); ok {
			cached.Question = question
			cached.IndexVersion = sess.Info().IndexVersion
			s.metrics.RecordAnswer(cached.Status, true)
			return cached, nil
		}
	}

	answer, err := sess.Ask(ctx, question, AskOptions{Topic: topic, TopK: k})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAnswer(answer.Status, false)
	if s.cache != nil {
		s.cache.Set(ctx, key, answer)
	}
	return answer, nil
}

// Topics 返回全部分析主题。
func (s *Service) Topics() []model.Topic {
	return s.topics.List()
}

// Stats 返回服务统计信息。
func (s *Service) Stats() map[string]interface{} {
	count := s.registry.Count()
	s.metrics.SetActiveSessions(count)
	stats := map[string]interface{}{
		"sessions":     count,
		"answer_cache": s.cache != nil,
		"providers":    s.providers,
		"metrics":      s.metrics.Stats(),
	}
	if s.workers != nil {
		stats["embed_pool"] = s.workers.Stats()
	}
	return stats
}

// ExportMetrics 刷新会话数后导出 Prometheus 文本。
func (s *Service) ExportMetrics(namespace string) string {
	s.metrics.SetActiveSessions(s.registry.Count())
	return s.metrics.Export(namespace, "")
}

// Close 关闭全部会话。
func (s *Service) Close() {
	s.registry.Close()
	s.metrics.SetActiveSessions(0)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
