// Package llm 提供统一的 LLM 供应商抽象层。
// 支持 Embedding 和 Chat 使用不同供应商的模型，供应商在 init() 中自注册。
package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// EmbeddingProvider 定义 Embedding 供应商接口。
type EmbeddingProvider interface {
	// Embed 为多个文本生成向量嵌入。
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedSingle 为单个文本生成向量嵌入。
	EmbedSingle(ctx context.Context, text string) ([]float32, error)

	// Name 返回供应商名称。
	Name() string
}

// ChatProvider 定义 Chat 供应商接口。
type ChatProvider interface {
	// Chat 进行多轮对话。
	Chat(ctx context.Context, messages []Message, opts ...GenerateOption) (*GenerateResponse, error)

	// Generate 根据提示生成文本（单轮）。
	Generate(ctx context.Context, prompt string, systemPrompt string, opts ...GenerateOption) (*GenerateResponse, error)

	// Name 返回供应商名称。
	Name() string
}

// GenerateResponse 生成结果。
type GenerateResponse struct {
	Content    string      `json:"content"`
	Model      string      `json:"model,omitempty"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
}

// TokenUsage Token 用量统计。
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerateOptions 单次生成调用的可选参数，未设置的字段使用供应商默认值。
type GenerateOptions struct {
	Temperature *float64
	MaxTokens   int
}

// GenerateOption 修改 GenerateOptions。
type GenerateOption func(*GenerateOptions)

// WithTemperature 设置采样温度，0 也会被显式发送。
func WithTemperature(t float64) GenerateOption {
	return func(o *GenerateOptions) {
		o.Temperature = &t
	}
}

// WithMaxTokens 设置最大生成 Token 数。
func WithMaxTokens(n int) GenerateOption {
	return func(o *GenerateOptions) {
		o.MaxTokens = n
	}
}

// ApplyGenerateOptions 合并选项。
func ApplyGenerateOptions(opts ...GenerateOption) GenerateOptions {
	var o GenerateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Message 表示对话中的一条消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role 定义消息角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Provider 同时支持 Embedding 和 Chat 的完整供应商。
type Provider interface {
	EmbeddingProvider
	ChatProvider
}

// ProviderFactory 供应商工厂函数类型。
type ProviderFactory func(config map[string]any) (Provider, error)

// EmbeddingProviderFactory Embedding 供应商工厂函数类型。
type EmbeddingProviderFactory func(config map[string]any) (EmbeddingProvider, error)

// ChatProviderFactory Chat 供应商工厂函数类型。
type ChatProviderFactory func(config map[string]any) (ChatProvider, error)

// registration 一个供应商名称下注册的工厂，完整工厂可同时充当 Embedding 和 Chat 工厂。
type registration struct {
	full      ProviderFactory
	embedding EmbeddingProviderFactory
	chat      ChatProviderFactory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*registration)
)

func register(name string, fn func(r *registration)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	r, ok := registry[name]
	if !ok {
		r = &registration{}
		registry[name] = r
	}
	fn(r)
}

func lookup(name string) (registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[name]
	if !ok {
		return registration{}, false
	}
	return *r, true
}

// RegisterProvider 注册完整供应商工厂。
func RegisterProvider(name string, factory ProviderFactory) {
	register(name, func(r *registration) { r.full = factory })
}

// RegisterEmbeddingProvider 注册 Embedding 供应商工厂。
func RegisterEmbeddingProvider(name string, factory EmbeddingProviderFactory) {
	register(name, func(r *registration) { r.embedding = factory })
}

// RegisterChatProvider 注册 Chat 供应商工厂。
func RegisterChatProvider(name string, factory ChatProviderFactory) {
	register(name, func(r *registration) { r.chat = factory })
}

// NewProvider 根据名称创建完整供应商实例。
func NewProvider(name string, config map[string]any) (Provider, error) {
	r, ok := lookup(name)
	if !ok || r.full == nil {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return r.full(config)
}

// NewEmbeddingProvider 根据名称创建 Embedding 供应商实例，专用工厂优先于完整工厂。
func NewEmbeddingProvider(name string, config map[string]any) (EmbeddingProvider, error) {
	r, _ := lookup(name)
	switch {
	case r.embedding != nil:
		return r.embedding(config)
	case r.full != nil:
		return r.full(config)
	}
	return nil, fmt.Errorf("unknown embedding provider: %s (registered: %v)", name, ListProviders())
}

// NewChatProvider 根据名称创建 Chat 供应商实例，专用工厂优先于完整工厂。
func NewChatProvider(name string, config map[string]any) (ChatProvider, error) {
	r, _ := lookup(name)
	switch {
	case r.chat != nil:
		return r.chat(config)
	case r.full != nil:
		return r.full(config)
	}
	return nil, fmt.Errorf("unknown chat provider: %s (registered: %v)", name, ListProviders())
}

// ListProviders 列出所有已注册的供应商名称（已排序）。
func ListProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
