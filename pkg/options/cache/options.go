// Package cache provides answer and embedding cache options.
package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/fincheck/pkg/options"
	redisopts "github.com/kart-io/fincheck/pkg/options/redis"
)

var _ options.IOptions = (*Options)(nil)

// Options 缓存配置。
type Options struct {
	// Enabled 是否启用 Redis 答案缓存。
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// TTL 答案缓存过期时间。
	TTL time.Duration `json:"ttl" mapstructure:"ttl"`

	// KeyPrefix 答案缓存键前缀。
	KeyPrefix string `json:"key-prefix" mapstructure:"key-prefix"`

	// EmbeddingBackend Embedding 缓存后端：none、memory 或 redis。
	EmbeddingBackend string `json:"embedding-backend" mapstructure:"embedding-backend"`

	// EmbeddingSize 进程内 Embedding 缓存条目上限。
	EmbeddingSize int `json:"embedding-size" mapstructure:"embedding-size"`

	// EmbeddingTTL Embedding 缓存过期时间。
	EmbeddingTTL time.Duration `json:"embedding-ttl" mapstructure:"embedding-ttl"`

	// Redis Redis 连接配置。
	Redis *redisopts.Options `json:"redis" mapstructure:"redis"`
}

// NewOptions 创建默认缓存配置。
func NewOptions() *Options {
	return &Options{
		Enabled:          false,
		TTL:              time.Hour,
		KeyPrefix:        "fincheck:answer:",
		EmbeddingBackend: "memory",
		EmbeddingSize:    8192,
		EmbeddingTTL:     24 * time.Hour,
		Redis:            redisopts.NewOptions(),
	}
}

// NeedsRedis reports whether any cache is configured to use Redis.
func (o *Options) NeedsRedis() bool {
	return o.Enabled || o.EmbeddingBackend == "redis"
}

// AddFlags adds flags for cache options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "cache."
	fs.BoolVar(&o.Enabled, p+"enabled", o.Enabled, "Enable the Redis answer cache.")
	fs.DurationVar(&o.TTL, p+"ttl", o.TTL, "Answer cache TTL.")
	fs.StringVar(&o.KeyPrefix, p+"key-prefix", o.KeyPrefix, "Answer cache key prefix.")
	fs.StringVar(&o.EmbeddingBackend, p+"embedding-backend", o.EmbeddingBackend, "Embedding cache backend (none|memory|redis).")
	fs.IntVar(&o.EmbeddingSize, p+"embedding-size", o.EmbeddingSize, "In-process embedding cache size.")
	fs.DurationVar(&o.EmbeddingTTL, p+"embedding-ttl", o.EmbeddingTTL, "Embedding cache TTL.")

	if o.Redis == nil {
		o.Redis = redisopts.NewOptions()
	}
	o.Redis.AddFlags(fs, strings.TrimSuffix(p, "."))
}

// Complete completes the cache options with defaults.
func (o *Options) Complete() error {
	if o.Redis == nil {
		o.Redis = redisopts.NewOptions()
	}
	return o.Redis.Complete()
}

// Validate validates the cache options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	switch o.EmbeddingBackend {
	case "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.embedding-backend must be none, memory or redis, got %q", o.EmbeddingBackend))
	}
	if o.Enabled && o.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive"))
	}
	if o.NeedsRedis() && o.Redis != nil {
		errs = append(errs, o.Redis.Validate()...)
	}
	return errs
}
