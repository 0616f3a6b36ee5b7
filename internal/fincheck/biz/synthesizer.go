package biz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/fincheck/internal/model"
	"github.com/kart-io/fincheck/internal/pkg/textutil"
	"github.com/kart-io/fincheck/pkg/infra/tracing"
	"github.com/kart-io/fincheck/pkg/llm"
	"github.com/kart-io/fincheck/pkg/utils/errors"
)

// 固定答复文本。
const (
	InsufficientContextMessage = "The document does not contain passages relevant to this question."
	LowConfidenceMessage       = "The retrieved passages are only weakly related to this question, so no answer was generated. Review the sources below or rephrase the question."
)

// DefaultExcerptLen 引用摘录的最大字符数。
const DefaultExcerptLen = 240

// SynthesizerConfig 答案合成配置。
type SynthesizerConfig struct {
	// Prompt 提示词模板，包含 {{context}} 与 {{question}}。
	Prompt string
	// RelevanceFloor 相关度下限。
	RelevanceFloor float64
	// Temperature 生成温度。
	Temperature float64
	// MaxTokens 最大生成 token 数，0 表示不限制。
	MaxTokens int
	// GenerateTimeout 生成超时。
	GenerateTimeout time.Duration
	// ExcerptLen 引用摘录长度。
	ExcerptLen int
}

// SynthesizeOption 单次合成的可选参数。
type SynthesizeOption func(*synthesizeOptions)

type synthesizeOptions struct {
	topic *model.Topic
}

// WithTopic 以分析主题的说明作为系统提示。
func WithTopic(t *model.Topic) SynthesizeOption {
	return func(o *synthesizeOptions) {
		o.topic = t
	}
}

// Synthesizer 根据检索结果生成带引用的答案。
type Synthesizer struct {
	chat   llm.ChatProvider
	config *SynthesizerConfig
}

// NewSynthesizer 创建答案合成器。
func NewSynthesizer(chat llm.ChatProvider, config *SynthesizerConfig) (*Synthesizer, error) {
	if chat == nil {
		return nil, errors.ErrInvalidConfiguration.WithMessage("synthesizer requires a chat provider")
	}
	if config == nil || config.GenerateTimeout <= 0 {
		return nil, errors.ErrInvalidConfiguration.WithMessage("synthesizer generate timeout must be positive")
	}
	if !strings.Contains(config.Prompt, "{{context}}") || !strings.Contains(config.Prompt, "{{question}}") {
		return nil, errors.ErrInvalidConfiguration.WithMessage("prompt template must contain {{context}} and {{question}}")
	}
	if config.ExcerptLen <= 0 {
		config.ExcerptLen = DefaultExcerptLen
	}
	return &Synthesizer{chat: chat, config: config}, nil
}

// Synthesize 生成答案。
//
// 没有命中时返回 insufficient_context；最高分低于相关度下限时返回 low_confidence，
// 两种情况都不调用模型。生成失败返回 ErrGenerationFailure。
func (s *Synthesizer) Synthesize(ctx context.Context, query string, result *model.RetrievalResult, opts ...SynthesizeOption) (*model.Answer, error) {
	o := &synthesizeOptions{}
	for _, opt := range opts {
		opt(o)
	}

	answer := &model.Answer{
		Question:  query,
		Citations: []model.Citation{},
	}
	if o.topic != nil {
		answer.Topic = o.topic.ID
	}

	if result.Empty() {
		answer.Status = model.StatusInsufficientContext
		answer.Text = InsufficientContextMessage
		answer.Sources = result
		return answer, nil
	}

	answer.Sources = result
	if result.TopScore < s.config.RelevanceFloor {
		answer.Status = model.StatusLowConfidence
		answer.Text = LowConfidenceMessage
		answer.Confidence = result.TopScore
		return answer, nil
	}

	ctx, span := tracing.StartSpan(ctx, "fincheck.Synthesize",
		attribute.String("llm.provider", s.chat.Name()),
		attribute.Int("hits", len(result.Hits)),
	)
	defer span.End()

	prompt := strings.NewReplacer(
		"{{context}}", FormatContext(result.Hits),
		"{{question}}", query,
	).Replace(s.config.Prompt)

	var system string
	if o.topic != nil {
		system = o.topic.Prompt
	}

	genOpts := []llm.GenerateOption{llm.WithTemperature(s.config.Temperature)}
	if s.config.MaxTokens > 0 {
		genOpts = append(genOpts, llm.WithMaxTokens(s.config.MaxTokens))
	}

	gctx, cancel := context.WithTimeout(ctx, s.config.GenerateTimeout)
	resp, err := s.chat.Generate(gctx, prompt, system, genOpts...)
	cancel()
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, errors.ErrGenerationFailure.WithCause(err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		err := fmt.Errorf("empty completion from %s", s.chat.Name())
		tracing.RecordError(ctx, err)
		return nil, errors.ErrGenerationFailure.WithCause(err)
	}

	answer.Status = model.StatusAnswered
	answer.Text = strings.TrimSpace(resp.Content)
	answer.Citations = s.citations(answer.Text, result.Hits)
	for _, c := range answer.Citations {
		if c.Score > answer.Confidence {
			answer.Confidence = c.Score
		}
	}
	if resp.TokenUsage != nil {
		answer.TokenUsage = &model.TokenUsage{
			PromptTokens:     resp.TokenUsage.PromptTokens,
			CompletionTokens: resp.TokenUsage.CompletionTokens,
			TotalTokens:      resp.TokenUsage.TotalTokens,
		}
	}
	return answer, nil
}

// citations 将 [n] 编号映射回第 n 个命中，越界编号忽略；未引用任何编号时引用全部命中。
func (s *Synthesizer) citations(text string, hits []model.ScoredPassage) []model.Citation {
	refs := make([]int, 0, len(hits))
	for _, n := range textutil.CitationMarkers(text) {
		if n >= 1 && n <= len(hits) {
			refs = append(refs, n)
		}
	}
	if len(refs) == 0 {
		for n := 1; n <= len(hits); n++ {
			refs = append(refs, n)
		}
	}

	out := make([]model.Citation, 0, len(refs))
	for _, n := range refs {
		h := hits[n-1]
		out = append(out, model.Citation{
			Ref:       n,
			PassageID: h.ID,
			Ordinal:   h.Ordinal,
			Page:      h.Page,
			Excerpt:   textutil.TruncateString(textutil.CollapseWhitespace(h.Content), s.config.ExcerptLen),
			Score:     h.Score,
		})
	}
	return out
}

// FormatContext 将命中段落格式化为带编号与页码的上下文。
func FormatContext(hits []model.ScoredPassage) string {
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "[%d] (page %d)\n%s\n\n", i+1, h.Page, strings.TrimSpace(h.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}
