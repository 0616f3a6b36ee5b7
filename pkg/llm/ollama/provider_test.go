package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/fincheck/pkg/llm"
	"github.com/kart-io/fincheck/pkg/utils/json"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewProviderWithConfig(&Config{
		BaseURL:    srv.URL,
		EmbedModel: "nomic-embed-text",
		ChatModel:  "qwen2.5",
		Timeout:    5 * time.Second,
	})
}

func TestEmbed(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		_, _ = w.Write([]byte(`{"model":"nomic-embed-text","embeddings":[[0.1,0.2],[0.3,0.4]]}`))
	})

	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)

	_, err = p.Embed(context.Background(), []string{"a", "b", "c"})
	assert.Error(t, err, "向量数量不匹配应报错")
}

func TestChatPassesOptions(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		require.NotNil(t, req.Options)
		require.NotNil(t, req.Options.Temperature)
		assert.Equal(t, 0.2, *req.Options.Temperature)

		_, _ = w.Write([]byte(`{"model":"qwen2.5","message":{"role":"assistant","content":"ok"},"done":true,"prompt_eval_count":10,"eval_count":2}`))
	})

	resp, err := p.Generate(context.Background(), "hi", "sys", llm.WithTemperature(0.2))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 12, resp.TokenUsage.TotalTokens)
}

func TestPing(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[]}`))
	})
	assert.NoError(t, p.Ping(context.Background()))
}
