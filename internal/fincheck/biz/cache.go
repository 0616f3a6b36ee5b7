package biz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/fincheck/internal/model"
	"github.com/kart-io/fincheck/internal/pkg/textutil"
	"github.com/kart-io/fincheck/pkg/utils/json"
)

// AnswerCache 基于 Redis 的答案缓存，以文档摘要、主题、k 与规范化后的问题为键。
// 只缓存 answered 状态的答案。nil 接收者表示缓存关闭。
type AnswerCache struct {
	client *goredis.Client
	ttl    time.Duration
	prefix string
}

// NewAnswerCache 创建答案缓存。
func NewAnswerCache(client *goredis.Client, ttl time.Duration, prefix string) *AnswerCache {
	return &AnswerCache{client: client, ttl: ttl, prefix: prefix}
}

// Key 计算缓存键。
func (c *AnswerCache) Key(docSHA, topic string, k int, question string) string {
	h := sha256.New()
	for _, part := range []string{docSHA, topic, strconv.Itoa(k), strings.ToLower(textutil.CollapseWhitespace(question))} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return c.prefix + hex.EncodeToString(h.Sum(nil))
}

// Get 读取缓存，未命中或出错时返回 false。
func (c *AnswerCache) Get(ctx context.Context, key string) (*model.Answer, bool) {
	if c == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != goredis.Nil {
			logger.Warnw("answer cache get failed", "error", err.Error())
		}
		return nil, false
	}
	var a model.Answer
	if err := json.Unmarshal(data, &a); err != nil {
		logger.Warnw("failed to decode cached answer, deleting", "key", key, "error", err.Error())
		_ = c.client.Del(ctx, key).Err()
		return nil, false
	}
	a.Cached = true
	return &a, true
}

// Set 写入缓存，非 answered 的答案被忽略。
func (c *AnswerCache) Set(ctx context.Context, key string, a *model.Answer) {
	if c == nil || a == nil || a.Status != model.StatusAnswered {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		logger.Warnw("answer cache set failed", "key", key, "error", err.Error())
	}
}
