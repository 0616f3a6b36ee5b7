package biz

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/fincheck/internal/model"
)

// setupTestRedis 连接本地 Redis 测试库，不可用时跳过。
func setupTestRedis(t *testing.T) *goredis.Client {
	client := goredis.NewClient(&goredis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skip("Redis 不可用，跳过测试")
	}
	client.FlushDB(ctx)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestAnswerCache_RoundTrip(t *testing.T) {
	client := setupTestRedis(t)
	c := NewAnswerCache(client, time.Minute, "test:fincheck:answer:")
	ctx := context.Background()

	key := c.Key("sha", "", 4, "What was revenue?")
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	c.Set(ctx, key, &model.Answer{
		Question: "What was revenue?",
		Text:     "Revenue was 12.4m [1].",
		Status:   model.StatusAnswered,
	})

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.True(t, got.Cached)
	assert.Equal(t, "Revenue was 12.4m [1].", got.Text)
	assert.Equal(t, model.StatusAnswered, got.Status)
}

func TestAnswerCache_SkipsUnansweredAndCorrupt(t *testing.T) {
	client := setupTestRedis(t)
	c := NewAnswerCache(client, time.Minute, "test:fincheck:answer:")
	ctx := context.Background()

	key := c.Key("sha", "summary", 4, "anything")
	c.Set(ctx, key, &model.Answer{Status: model.StatusLowConfidence})
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	require.NoError(t, client.Set(ctx, key, "{not json", time.Minute).Err())
	_, ok = c.Get(ctx, key)
	assert.False(t, ok)
	assert.Zero(t, client.Exists(ctx, key).Val())
}
