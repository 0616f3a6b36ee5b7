package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/fincheck/pkg/utils/json"
)

// VectorCache 向量缓存后端。
type VectorCache interface {
	// Get 返回缓存的向量，未命中时 ok 为 false。
	Get(ctx context.Context, key string) (vec []float32, ok bool)
	// Set 写入缓存，失败只记录日志。
	Set(ctx context.Context, key string, vec []float32)
}

// EmbeddingCacheConfig Embedding 缓存配置。
type EmbeddingCacheConfig struct {
	// Enabled 是否启用缓存。
	Enabled bool
	// TTL 缓存过期时间。
	TTL time.Duration
	// KeyPrefix 缓存键前缀。
	KeyPrefix string
	// Size 进程内缓存的最大条目数。
	Size int
}

// DefaultEmbeddingCacheConfig 返回默认的 Embedding 缓存配置。
func DefaultEmbeddingCacheConfig() *EmbeddingCacheConfig {
	return &EmbeddingCacheConfig{
		Enabled:   true,
		TTL:       24 * time.Hour,
		KeyPrefix: "fincheck:emb:",
		Size:      4096,
	}
}

// RedisVectorCache 基于 Redis 的向量缓存，多实例共享。
type RedisVectorCache struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewRedisVectorCache 创建 Redis 向量缓存。
func NewRedisVectorCache(client *goredis.Client, ttl time.Duration) *RedisVectorCache {
	return &RedisVectorCache{client: client, ttl: ttl}
}

// Get 实现 VectorCache。
func (r *RedisVectorCache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != goredis.Nil {
			logger.Warnw("redis get error, falling back to provider", "error", err.Error())
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		logger.Warnw("failed to unmarshal cached embedding, deleting", "error", err.Error(), "key", key)
		_ = r.client.Del(ctx, key).Err()
		return nil, false
	}
	return vec, true
}

// Set 实现 VectorCache。
func (r *RedisVectorCache) Set(ctx context.Context, key string, vec []float32) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		logger.Warnw("failed to cache embedding", "error", err.Error(), "key", key)
	}
}

// CachedEmbeddingProvider 提供 Embedding 缓存功能的包装器。
type CachedEmbeddingProvider struct {
	provider EmbeddingProvider
	cache    VectorCache
	config   *EmbeddingCacheConfig
}

// NewCachedEmbeddingProvider 创建带缓存的 Embedding Provider。
func NewCachedEmbeddingProvider(provider EmbeddingProvider, cache VectorCache, config *EmbeddingCacheConfig) *CachedEmbeddingProvider {
	if config == nil {
		config = DefaultEmbeddingCacheConfig()
	}
	return &CachedEmbeddingProvider{
		provider: provider,
		cache:    cache,
		config:   config,
	}
}

// Name 返回底层供应商名称。
func (c *CachedEmbeddingProvider) Name() string {
	return c.provider.Name() + "-cached"
}

// cacheKey 基于供应商名称与文本生成缓存键（SHA256）。
func (c *CachedEmbeddingProvider) cacheKey(text string) string {
	hash := sha256.Sum256([]byte(c.provider.Name() + "\x00" + text))
	return c.config.KeyPrefix + hex.EncodeToString(hash[:])
}

func (c *CachedEmbeddingProvider) disabled() bool {
	return !c.config.Enabled || c.cache == nil
}

// EmbedSingle 生成单个文本的 Embedding（带缓存）。
func (c *CachedEmbeddingProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	if c.disabled() {
		return c.provider.EmbedSingle(ctx, text)
	}

	key := c.cacheKey(text)
	if vec, ok := c.cache.Get(ctx, key); ok {
		logger.Debugw("embedding cache hit", "text_length", len(text))
		return vec, nil
	}

	vec, err := c.provider.EmbedSingle(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(ctx, key, vec)
	return vec, nil
}

// Embed 批量生成 Embedding（带缓存），只对未命中的文本调用底层供应商。
func (c *CachedEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.disabled() {
		return c.provider.Embed(ctx, texts)
	}

	embeddings := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if vec, ok := c.cache.Get(ctx, c.cacheKey(text)); ok {
			embeddings[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return embeddings, nil
	}

	logger.Debugw("embedding cache miss (batch)", "total", len(texts), "uncached", len(missTexts))
	fresh, err := c.provider.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		embeddings[idx] = fresh[j]
		c.cache.Set(ctx, c.cacheKey(missTexts[j]), fresh[j])
	}
	return embeddings, nil
}

var _ EmbeddingProvider = (*CachedEmbeddingProvider)(nil)
