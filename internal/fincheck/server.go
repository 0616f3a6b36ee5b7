// Package finchecksvc wires the fincheck service: providers, vector store,
// question answering pipeline, HTTP server and background janitor.
package finchecksvc

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/fincheck/internal/fincheck/biz"
	"github.com/kart-io/fincheck/internal/fincheck/handler"
	"github.com/kart-io/fincheck/internal/fincheck/metrics"
	"github.com/kart-io/fincheck/internal/fincheck/router"
	"github.com/kart-io/fincheck/internal/fincheck/store"
	"github.com/kart-io/fincheck/internal/pkg/pdftext"
	"github.com/kart-io/fincheck/pkg/component/redis"
	"github.com/kart-io/fincheck/pkg/infra/app"
	"github.com/kart-io/fincheck/pkg/infra/pool"
	httpserver "github.com/kart-io/fincheck/pkg/infra/server/http"
	"github.com/kart-io/fincheck/pkg/infra/tracing"
	"github.com/kart-io/fincheck/pkg/llm"
	"github.com/kart-io/fincheck/pkg/llm/resilience"
	cacheopts "github.com/kart-io/fincheck/pkg/options/cache"
	finopts "github.com/kart-io/fincheck/pkg/options/fincheck"
	httpopts "github.com/kart-io/fincheck/pkg/options/http"
	llmopts "github.com/kart-io/fincheck/pkg/options/llm"
	logopts "github.com/kart-io/fincheck/pkg/options/logger"
	milvusopts "github.com/kart-io/fincheck/pkg/options/milvus"
	pgopts "github.com/kart-io/fincheck/pkg/options/postgres"

	// 导入 LLM 供应商以自动注册
	_ "github.com/kart-io/fincheck/pkg/llm/local"
	_ "github.com/kart-io/fincheck/pkg/llm/ollama"
	_ "github.com/kart-io/fincheck/pkg/llm/openai"
)

// Name is the name of the application.
const Name = "fincheck"

// Config contains application-related configurations.
type Config struct {
	HTTPOptions      *httpopts.Options
	LogOptions       *logopts.Options
	TracingOptions   *tracing.Options
	MilvusOptions    *milvusopts.Options
	PostgresOptions  *pgopts.Options
	EmbeddingOptions *llmopts.ProviderOptions
	ChatOptions      *llmopts.ProviderOptions
	FincheckOptions  *finopts.Options
	CacheOptions     *cacheopts.Options
}

// Server represents the fincheck server.
type Server struct {
	http    *httpserver.Server
	service *biz.Service
	janitor *Janitor
	closers []func(ctx context.Context) error
}

// NewServer initializes and returns a new Server instance.
func (cfg *Config) NewServer(ctx context.Context) (srv *Server, err error) {
	printBanner(cfg)

	// 1. 初始化日志
	cfg.LogOptions.AddInitialField("service.name", Name)
	cfg.LogOptions.AddInitialField("service.version", app.GetVersion())
	if err := cfg.LogOptions.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info("Starting fincheck service...")

	s := &Server{}
	defer func() {
		if err != nil {
			s.close(context.Background())
		}
	}()

	// 2. 初始化链路追踪
	if cfg.TracingOptions.ServiceVersion == "" || cfg.TracingOptions.ServiceVersion == "dev" {
		cfg.TracingOptions.ServiceVersion = app.GetVersion()
	}
	tp, err := tracing.NewProvider(cfg.TracingOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.closers = append(s.closers, tp.Shutdown)
	logger.Infow("Tracing initialized", "enabled", tp.Enabled(), "exporter", string(cfg.TracingOptions.ExporterType))

	m := metrics.New()
	fo := cfg.FincheckOptions

	// 3. 初始化 Redis 客户端（答案缓存与 Embedding 缓存共用）
	var redisClient *goredis.Client
	if cfg.CacheOptions.NeedsRedis() {
		redisClient = newRedisClient(ctx, cfg.CacheOptions)
		if redisClient != nil {
			s.closers = append(s.closers, func(context.Context) error { return redisClient.Close() })
		}
	} else {
		logger.Info("Cache is disabled")
	}

	// 4. 初始化 LLM 供应商
	embedder, err := cfg.newEmbedder(redisClient, m)
	if err != nil {
		return nil, err
	}
	chat, err := cfg.newChat(m)
	if err != nil {
		return nil, err
	}

	// 5. 初始化向量存储
	vs, err := store.New(ctx, fo.StoreBackend, cfg.MilvusOptions, cfg.PostgresOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}
	s.closers = append(s.closers, vs.Close)
	logger.Infow("Vector store initialized", "backend", vs.Name())

	// 6. 初始化 Embedding 工作池
	workers, err := pool.NewPool("fincheck-embed", &pool.Config{
		Capacity:       fo.EmbedConcurrency,
		ExpiryDuration: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize worker pool: %w", err)
	}
	s.closers = append(s.closers, func(context.Context) error { workers.Release(); return nil })

	// 7. 初始化 Biz 层
	service, err := cfg.newService(vs, embedder, chat, workers, redisClient, m)
	if err != nil {
		return nil, err
	}
	s.service = service

	// 8. 初始化上传目录清理任务
	if err := os.MkdirAll(fo.UploadDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	s.janitor, err = NewJanitor(fo.UploadDir, fo.UploadMaxAge, fo.JanitorSchedule)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize janitor: %w", err)
	}
	s.janitor.Sweep()

	// 9. 初始化 HTTP 服务器并注册路由
	s.http = httpserver.NewServer(cfg.HTTPOptions,
		httpserver.WithServiceName(Name),
		httpserver.WithSkipPaths("/healthz", "/metrics"),
	)
	router.Register(s.http.Engine(), handler.NewHandler(service))

	logger.Info("fincheck service is ready")
	return s, nil
}

// Run starts the janitor and serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.janitor.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.janitor.Stop(stopCtx)
		s.service.Close()
		s.close(stopCtx)
		logger.Info("fincheck service stopped")
	}()
	return s.http.Run(ctx)
}

func (s *Server) close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			logger.Warnw("shutdown step failed", "error", err.Error())
		}
	}
	s.closers = nil
}

func (cfg *Config) newEmbedder(redisClient *goredis.Client, m *metrics.Metrics) (llm.EmbeddingProvider, error) {
	provider, err := llm.NewEmbeddingProvider(cfg.EmbeddingOptions.Provider, cfg.EmbeddingOptions.ToConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	logger.Infow("Embedding provider initialized",
		"provider", cfg.EmbeddingOptions.Provider,
		"model", cfg.EmbeddingOptions.Model,
	)

	embedder := llm.EmbeddingProvider(resilience.NewResilientEmbeddingProvider(provider,
		cfg.retryConfig(), cfg.breakerConfig("embedding", m)))

	co := cfg.CacheOptions
	var cache llm.VectorCache
	switch co.EmbeddingBackend {
	case "memory":
		cache = llm.NewLRUVectorCache(co.EmbeddingSize, co.EmbeddingTTL)
	case "redis":
		if redisClient != nil {
			cache = llm.NewRedisVectorCache(redisClient, co.EmbeddingTTL)
		}
	}
	if cache == nil {
		return embedder, nil
	}

	cacheCfg := llm.DefaultEmbeddingCacheConfig()
	cacheCfg.TTL = co.EmbeddingTTL
	cacheCfg.Size = co.EmbeddingSize
	cacheCfg.KeyPrefix = fmt.Sprintf("fincheck:emb:%s:%s:", cfg.EmbeddingOptions.Provider, cfg.EmbeddingOptions.Model)
	logger.Infow("Embedding cache enabled", "backend", co.EmbeddingBackend, "ttl", co.EmbeddingTTL.String())
	return llm.NewCachedEmbeddingProvider(embedder, cache, cacheCfg), nil
}

func (cfg *Config) newChat(m *metrics.Metrics) (llm.ChatProvider, error) {
	provider, err := llm.NewChatProvider(cfg.ChatOptions.Provider, cfg.ChatOptions.ToConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat provider: %w", err)
	}
	logger.Infow("Chat provider initialized",
		"provider", cfg.ChatOptions.Provider,
		"model", cfg.ChatOptions.Model,
	)
	return resilience.NewResilientChatProvider(provider, cfg.retryConfig(), cfg.breakerConfig("chat", m)), nil
}

func (cfg *Config) newService(
	vs store.VectorStore,
	embedder llm.EmbeddingProvider,
	chat llm.ChatProvider,
	workers *pool.Pool,
	redisClient *goredis.Client,
	m *metrics.Metrics,
) (*biz.Service, error) {
	fo := cfg.FincheckOptions

	indexer, err := biz.NewIndexer(vs, embedder, workers, &biz.IndexerConfig{
		EmbedBatchSize: fo.EmbedBatchSize,
		EmbedTimeout:   fo.EmbedTimeout,
		StoreRetry:     cfg.retryConfig(),
	})
	if err != nil {
		return nil, err
	}
	retriever, err := biz.NewRetriever(vs, embedder, &biz.RetrieverConfig{EmbedTimeout: fo.EmbedTimeout})
	if err != nil {
		return nil, err
	}
	synthesizer, err := biz.NewSynthesizer(chat, &biz.SynthesizerConfig{
		Prompt:          fo.SystemPrompt,
		RelevanceFloor:  fo.RelevanceFloor,
		Temperature:     fo.Temperature,
		MaxTokens:       fo.MaxTokens,
		GenerateTimeout: fo.GenerateTimeout,
	})
	if err != nil {
		return nil, err
	}

	sessionConfig := &biz.SessionConfig{
		ChunkSize:    fo.ChunkSize,
		ChunkOverlap: fo.ChunkOverlap,
		TopK:         fo.TopK,
		Recorder:     m,
		OnStateChange: func(id string, from, to biz.SessionState) {
			logger.Debugw("session state changed", "session_id", id, "from", from.String(), "to", to.String())
		},
	}
	registry, err := biz.NewRegistry(fo.SessionTTL, func(id string) (*biz.Session, error) {
		return biz.NewSession(id, indexer, retriever, synthesizer, sessionConfig)
	})
	if err != nil {
		return nil, err
	}

	topics, err := biz.LoadTopics(fo.TopicsFile)
	if err != nil {
		return nil, err
	}

	var answerCache *biz.AnswerCache
	if cfg.CacheOptions.Enabled && redisClient != nil {
		answerCache = biz.NewAnswerCache(redisClient, cfg.CacheOptions.TTL, cfg.CacheOptions.KeyPrefix)
		logger.Infow("Answer cache initialized", "ttl", cfg.CacheOptions.TTL.String())
	}

	service, err := biz.NewService(&biz.ServiceConfig{
		Registry:  registry,
		Topics:    topics,
		Cache:     answerCache,
		Metrics:   m,
		Extractor: pdftext.NewPDFExtractor(pdftext.WithTempDir(fo.UploadDir)),
		Workers:   workers,
		MaxTopK:   fo.MaxTopK,
		Providers: map[string]string{
			"embedding": cfg.EmbeddingOptions.Provider + "/" + cfg.EmbeddingOptions.Model,
			"chat":      cfg.ChatOptions.Provider + "/" + cfg.ChatOptions.Model,
			"store":     vs.Name(),
		},
	})
	if err != nil {
		return nil, err
	}
	logger.Infow("fincheck service initialized",
		"chunk_size", fo.ChunkSize,
		"chunk_overlap", fo.ChunkOverlap,
		"top_k", fo.TopK,
		"relevance_floor", fo.RelevanceFloor,
		"topics", len(topics.IDs()),
		"answer_cache", answerCache != nil,
	)
	return service, nil
}

func (cfg *Config) retryConfig() *resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxAttempts = cfg.FincheckOptions.RetryAttempts
	return rc
}

func (cfg *Config) breakerConfig(name string, m *metrics.Metrics) *resilience.CircuitBreakerConfig {
	bc := resilience.DefaultCircuitBreakerConfig()
	bc.MaxFailures = cfg.FincheckOptions.BreakerMaxFailures
	bc.Timeout = cfg.FincheckOptions.BreakerTimeout
	bc.OnStateChange = func(from, to resilience.CircuitBreakerState) {
		logger.Warnw("circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
		m.RecordCircuitBreakerState(name, int32(to))
	}
	m.RecordCircuitBreakerState(name, int32(resilience.StateClosed))
	return bc
}

// newRedisClient 连接 Redis，连接失败时返回 nil 并降级为无缓存。
func newRedisClient(ctx context.Context, opts *cacheopts.Options) *goredis.Client {
	client, err := redis.New(ctx, opts.Redis)
	if err != nil {
		logger.Warnw("failed to connect to redis, cache will be disabled", "error", err.Error())
		return nil
	}
	stats := client.HealthWithStats(ctx)
	logger.Infow("Redis connected", "redis", opts.Redis.String(), "latency", stats.Latency.String())
	return client.Client()
}

func printBanner(cfg *Config) {
	fmt.Printf("Starting %s...\n", Name)
	fmt.Printf("  Embedding: %s (%s)\n", cfg.EmbeddingOptions.Provider, cfg.EmbeddingOptions.Model)
	fmt.Printf("  Chat: %s (%s)\n", cfg.ChatOptions.Provider, cfg.ChatOptions.Model)
	fmt.Printf("  Store: %s\n", cfg.FincheckOptions.StoreBackend)
	fmt.Printf("  Listen: %s\n", cfg.HTTPOptions.Addr)
}
