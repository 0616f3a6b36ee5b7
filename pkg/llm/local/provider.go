// Package local 提供无需外部服务的确定性 Embedding 供应商。
// 基于词项特征哈希生成向量，适用于离线开发与测试，不提供 Chat 能力。
package local

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/kart-io/fincheck/pkg/llm"
)

// ProviderName 是本地供应商的名称标识符。
const ProviderName = "local"

// DefaultDimension 默认向量维度。
const DefaultDimension = 256

func init() {
	llm.RegisterEmbeddingProvider(ProviderName, NewProvider)
}

// Embedder 特征哈希 Embedding 实现。相同文本总是得到相同向量，
// 没有共同词项的文本余弦相似度为 0。
type Embedder struct {
	dim int
}

// NewProvider 从配置 map 创建本地供应商，支持 "dimension" 键。
func NewProvider(configMap map[string]any) (llm.EmbeddingProvider, error) {
	dim := DefaultDimension
	if v, ok := configMap["dimension"].(int); ok && v > 0 {
		dim = v
	}
	return New(dim), nil
}

// New 创建指定维度的 Embedder。
func New(dim int) *Embedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Embedder{dim: dim}
}

// Name 返回供应商名称。
func (e *Embedder) Name() string {
	return ProviderName
}

// Dimension 返回向量维度。
func (e *Embedder) Dimension() int {
	return e.dim
}

// Embed 为多个文本生成向量嵌入。
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(text)
	}
	return out, nil
}

// EmbedSingle 为单个文本生成向量嵌入。
func (e *Embedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.vector(text), nil
}

func (e *Embedder) vector(text string) []float32 {
	vec := make([]float32, e.dim)
	for _, tok := range Tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dim))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Tokenize 将文本切分为小写词项，汉字按单字切分。
func Tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

var _ llm.EmbeddingProvider = (*Embedder)(nil)
