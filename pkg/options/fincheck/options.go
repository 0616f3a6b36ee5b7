// Package fincheck 定义文档问答流水线的配置项。
package fincheck

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/fincheck/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// 向量存储后端。
const (
	StoreMemory   = "memory"
	StoreMilvus   = "milvus"
	StorePGVector = "pgvector"
)

// DefaultSystemPrompt 默认提示词模板，{{context}} 与 {{question}} 会被替换。
const DefaultSystemPrompt = `You are a financial statement analyst. Answer the question using only the numbered passages below.
Cite the passages you rely on with their markers, for example [1] or [2][3].
If the passages do not contain the answer, say that the document does not provide it.

Context:
{{context}}

Question: {{question}}

Answer:`

// Options 问答流水线配置。
type Options struct {
	// ChunkSize 每个段落的字符数。
	ChunkSize int `json:"chunk-size" mapstructure:"chunk-size"`

	// ChunkOverlap 相邻段落重叠的字符数。
	ChunkOverlap int `json:"chunk-overlap" mapstructure:"chunk-overlap"`

	// TopK 默认检索段落数。
	TopK int `json:"top-k" mapstructure:"top-k"`

	// MaxTopK 请求允许的最大 top_k。
	MaxTopK int `json:"max-top-k" mapstructure:"max-top-k"`

	// RelevanceFloor 最高相关度低于该值时不调用 LLM。
	RelevanceFloor float64 `json:"relevance-floor" mapstructure:"relevance-floor"`

	// Temperature 生成温度。
	Temperature float64 `json:"temperature" mapstructure:"temperature"`

	// MaxTokens 生成的最大 token 数，0 表示使用模型默认值。
	MaxTokens int `json:"max-tokens" mapstructure:"max-tokens"`

	// EmbedTimeout 单次 Embedding 调用超时。
	EmbedTimeout time.Duration `json:"embed-timeout" mapstructure:"embed-timeout"`

	// GenerateTimeout 单次生成调用超时。
	GenerateTimeout time.Duration `json:"generate-timeout" mapstructure:"generate-timeout"`

	// EmbedBatchSize 每批 Embedding 的段落数。
	EmbedBatchSize int `json:"embed-batch-size" mapstructure:"embed-batch-size"`

	// EmbedConcurrency 并发 Embedding 批次数。
	EmbedConcurrency int `json:"embed-concurrency" mapstructure:"embed-concurrency"`

	// RetryAttempts 后端调用最大尝试次数。
	RetryAttempts int `json:"retry-attempts" mapstructure:"retry-attempts"`

	// BreakerMaxFailures 熔断器打开前允许的连续失败次数。
	BreakerMaxFailures int `json:"breaker-max-failures" mapstructure:"breaker-max-failures"`

	// BreakerTimeout 熔断器从打开到半开的等待时间。
	BreakerTimeout time.Duration `json:"breaker-timeout" mapstructure:"breaker-timeout"`

	// StoreBackend 向量存储后端：memory、milvus 或 pgvector。
	StoreBackend string `json:"store-backend" mapstructure:"store-backend"`

	// SystemPrompt 提示词模板。
	SystemPrompt string `json:"system-prompt" mapstructure:"system-prompt"`

	// TopicsFile 分析主题 YAML 文件，为空时使用内置主题。
	TopicsFile string `json:"topics-file" mapstructure:"topics-file"`

	// SessionTTL 会话空闲过期时间。
	SessionTTL time.Duration `json:"session-ttl" mapstructure:"session-ttl"`

	// UploadDir 上传临时文件目录。
	UploadDir string `json:"upload-dir" mapstructure:"upload-dir"`

	// UploadMaxAge 孤立上传文件的最长保留时间。
	UploadMaxAge time.Duration `json:"upload-max-age" mapstructure:"upload-max-age"`

	// JanitorSchedule 清理任务的 cron 表达式。
	JanitorSchedule string `json:"janitor-schedule" mapstructure:"janitor-schedule"`
}

// NewOptions 创建默认配置。
func NewOptions() *Options {
	return &Options{
		ChunkSize:          1000,
		ChunkOverlap:       200,
		TopK:               4,
		MaxTopK:            20,
		RelevanceFloor:     0.3,
		Temperature:        0.2,
		MaxTokens:          1024,
		EmbedTimeout:       30 * time.Second,
		GenerateTimeout:    90 * time.Second,
		EmbedBatchSize:     32,
		EmbedConcurrency:   4,
		RetryAttempts:      3,
		BreakerMaxFailures: 5,
		BreakerTimeout:     30 * time.Second,
		StoreBackend:       StoreMemory,
		SystemPrompt:       DefaultSystemPrompt,
		SessionTTL:         time.Hour,
		UploadDir:          filepath.Join(os.TempDir(), "fincheck"),
		UploadMaxAge:       time.Hour,
		JanitorSchedule:    "@every 10m",
	}
}

// AddFlags adds flags for the question answering pipeline to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "fincheck."
	fs.IntVar(&o.ChunkSize, p+"chunk-size", o.ChunkSize, "Passage size in characters.")
	fs.IntVar(&o.ChunkOverlap, p+"chunk-overlap", o.ChunkOverlap, "Overlap between consecutive passages in characters.")
	fs.IntVar(&o.TopK, p+"top-k", o.TopK, "Default number of passages retrieved per question.")
	fs.IntVar(&o.MaxTopK, p+"max-top-k", o.MaxTopK, "Maximum top_k accepted from requests.")
	fs.Float64Var(&o.RelevanceFloor, p+"relevance-floor", o.RelevanceFloor, "Minimum top relevance score before the model is asked.")
	fs.Float64Var(&o.Temperature, p+"temperature", o.Temperature, "Generation temperature.")
	fs.IntVar(&o.MaxTokens, p+"max-tokens", o.MaxTokens, "Maximum generated tokens (0 uses the model default).")
	fs.DurationVar(&o.EmbedTimeout, p+"embed-timeout", o.EmbedTimeout, "Timeout for each embedding call.")
	fs.DurationVar(&o.GenerateTimeout, p+"generate-timeout", o.GenerateTimeout, "Timeout for each generation call.")
	fs.IntVar(&o.EmbedBatchSize, p+"embed-batch-size", o.EmbedBatchSize, "Passages per embedding batch.")
	fs.IntVar(&o.EmbedConcurrency, p+"embed-concurrency", o.EmbedConcurrency, "Concurrent embedding batches.")
	fs.IntVar(&o.RetryAttempts, p+"retry-attempts", o.RetryAttempts, "Maximum attempts for backend calls.")
	fs.IntVar(&o.BreakerMaxFailures, p+"breaker-max-failures", o.BreakerMaxFailures, "Consecutive failures before the circuit breaker opens.")
	fs.DurationVar(&o.BreakerTimeout, p+"breaker-timeout", o.BreakerTimeout, "Time before an open circuit breaker allows a probe.")
	fs.StringVar(&o.StoreBackend, p+"store-backend", o.StoreBackend, "Vector store backend (memory, milvus, pgvector).")
	fs.StringVar(&o.SystemPrompt, p+"system-prompt", o.SystemPrompt, "Prompt template with {{context}} and {{question}} placeholders.")
	fs.StringVar(&o.TopicsFile, p+"topics-file", o.TopicsFile, "YAML file overriding the analysis topics.")
	fs.DurationVar(&o.SessionTTL, p+"session-ttl", o.SessionTTL, "Idle session expiry.")
	fs.StringVar(&o.UploadDir, p+"upload-dir", o.UploadDir, "Directory for temporary upload files.")
	fs.DurationVar(&o.UploadMaxAge, p+"upload-max-age", o.UploadMaxAge, "Age after which orphaned upload files are removed.")
	fs.StringVar(&o.JanitorSchedule, p+"janitor-schedule", o.JanitorSchedule, "Cron schedule of the upload janitor.")
}

// Complete 补全默认值。
func (o *Options) Complete() error {
	if strings.TrimSpace(o.SystemPrompt) == "" {
		o.SystemPrompt = DefaultSystemPrompt
	}
	if o.MaxTopK < o.TopK {
		o.MaxTopK = o.TopK
	}
	return nil
}

// Validate validates the pipeline options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if o.ChunkSize <= 0 || o.ChunkOverlap <= 0 || o.ChunkOverlap >= o.ChunkSize {
		errs = append(errs, fmt.Errorf("fincheck.chunk-overlap must satisfy 0 < overlap < chunk-size, got %d/%d", o.ChunkOverlap, o.ChunkSize))
	}
	if o.TopK <= 0 {
		errs = append(errs, fmt.Errorf("fincheck.top-k must be positive"))
	}
	if o.RelevanceFloor < -1 || o.RelevanceFloor > 1 {
		errs = append(errs, fmt.Errorf("fincheck.relevance-floor must be within [-1, 1]"))
	}
	if o.Temperature < 0 || o.Temperature > 2 {
		errs = append(errs, fmt.Errorf("fincheck.temperature must be within [0, 2]"))
	}
	if o.EmbedTimeout <= 0 || o.GenerateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("fincheck embed and generate timeouts must be positive"))
	}
	if o.EmbedBatchSize <= 0 || o.EmbedConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("fincheck.embed-batch-size and embed-concurrency must be positive"))
	}
	if o.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("fincheck.retry-attempts must be positive"))
	}
	switch o.StoreBackend {
	case StoreMemory, StoreMilvus, StorePGVector:
	default:
		errs = append(errs, fmt.Errorf("fincheck.store-backend must be memory, milvus or pgvector, got %q", o.StoreBackend))
	}
	if !strings.Contains(o.SystemPrompt, "{{context}}") || !strings.Contains(o.SystemPrompt, "{{question}}") {
		errs = append(errs, fmt.Errorf("fincheck.system-prompt must contain {{context}} and {{question}}"))
	}
	if o.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("fincheck.session-ttl must be positive"))
	}
	if o.UploadDir == "" {
		errs = append(errs, fmt.Errorf("fincheck.upload-dir is required"))
	}
	return errs
}
