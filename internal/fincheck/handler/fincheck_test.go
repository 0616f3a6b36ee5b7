package handler_test

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/fincheck/internal/fincheck/biz"
	"github.com/kart-io/fincheck/internal/fincheck/handler"
	"github.com/kart-io/fincheck/internal/fincheck/metrics"
	"github.com/kart-io/fincheck/internal/fincheck/router"
	"github.com/kart-io/fincheck/internal/fincheck/store"
	"github.com/kart-io/fincheck/internal/model"
	"github.com/kart-io/fincheck/pkg/infra/pool"
	httpserver "github.com/kart-io/fincheck/pkg/infra/server/http"
	"github.com/kart-io/fincheck/pkg/llm"
	"github.com/kart-io/fincheck/pkg/llm/local"
	httpopts "github.com/kart-io/fincheck/pkg/options/http"
	"github.com/kart-io/fincheck/pkg/utils/errors"
	"github.com/kart-io/fincheck/pkg/utils/json"
)

const report = "Revenue for fiscal 2023 increased twelve percent to 4.2 billion dollars driven by subscription growth.\n" +
	"Net income was 610 million dollars and diluted earnings per share were 2.35 dollars.\n" +
	"The auditor issued an unqualified opinion and identified no material weakness in internal control."

// echoChat 总是引用第一条上下文的 ChatProvider。
type echoChat struct{}

func (echoChat) Chat(ctx context.Context, _ []llm.Message, opts ...llm.GenerateOption) (*llm.GenerateResponse, error) {
	return echoChat{}.Generate(ctx, "", "", opts...)
}

func (echoChat) Generate(context.Context, string, string, ...llm.GenerateOption) (*llm.GenerateResponse, error) {
	return &llm.GenerateResponse{
		Content:    "Revenue grew twelve percent [1].",
		TokenUsage: &llm.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (echoChat) Name() string { return "echo" }

// stubExtractor 读取上传内容并返回固定页面。
type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, r io.Reader) ([]model.Page, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(raw, []byte("%PDF-")) {
		return nil, errors.ErrNotPDF
	}
	return []model.Page{{Number: 1, Text: report}}, nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestEngine(t *testing.T) *gin.Engine {
	t.Helper()

	vs := store.NewMemoryStore()
	embedder := local.New(256)
	workers, err := pool.NewPool("handler-test", &pool.Config{Capacity: 2, ExpiryDuration: time.Second})
	require.NoError(t, err)
	t.Cleanup(workers.Release)

	indexer, err := biz.NewIndexer(vs, embedder, workers, &biz.IndexerConfig{EmbedBatchSize: 8, EmbedTimeout: time.Second})
	require.NoError(t, err)
	retriever, err := biz.NewRetriever(vs, embedder, &biz.RetrieverConfig{EmbedTimeout: time.Second})
	require.NoError(t, err)
	synthesizer, err := biz.NewSynthesizer(echoChat{}, &biz.SynthesizerConfig{
		Prompt:          "{{context}}\n{{question}}",
		RelevanceFloor:  0.01,
		Temperature:     0.2,
		GenerateTimeout: time.Second,
	})
	require.NoError(t, err)

	registry, err := biz.NewRegistry(time.Minute, func(id string) (*biz.Session, error) {
		return biz.NewSession(id, indexer, retriever, synthesizer, &biz.SessionConfig{ChunkSize: 120, ChunkOverlap: 20, TopK: 3})
	})
	require.NoError(t, err)
	topics, err := biz.LoadTopics("")
	require.NoError(t, err)

	svc, err := biz.NewService(&biz.ServiceConfig{
		Registry:  registry,
		Topics:    topics,
		Metrics:   metrics.New(),
		Extractor: stubExtractor{},
		MaxTopK:   5,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	opts := httpopts.NewOptions()
	opts.Mode = gin.TestMode
	opts.MaxUploadSize = 1 << 20
	srv := httpserver.NewServer(opts)
	router.Register(srv.Engine(), handler.NewHandler(svc))
	return srv.Engine()
}

func do(t *testing.T, e *gin.Engine, method, path string, body io.Reader, contentType string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func createSession(t *testing.T, e *gin.Engine) string {
	t.Helper()
	w, env := do(t, e, http.MethodPost, "/v1/sessions", nil, "")
	require.Equal(t, http.StatusCreated, w.Code)
	var info biz.SessionInfo
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "empty", info.State)
	return info.ID
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestUploadAndAsk(t *testing.T) {
	e := newTestEngine(t)
	id := createSession(t, e)

	body, ct := multipartBody(t, "annual-report.PDF", []byte("%PDF-1.7 fake"))
	w, env := do(t, e, http.MethodPost, "/v1/sessions/"+id+"/document", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ingest model.IngestResult
	require.NoError(t, json.Unmarshal(env.Data, &ingest))
	assert.Equal(t, "annual-report.PDF", ingest.Document.Name)
	assert.Positive(t, ingest.Passages)
	assert.EqualValues(t, 1, ingest.IndexVersion)

	w, env = do(t, e, http.MethodGet, "/v1/sessions/"+id, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var info biz.SessionInfo
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "ready", info.State)

	w, env = do(t, e, http.MethodPost, "/v1/sessions/"+id+"/ask",
		strings.NewReader(`{"question":"How much did revenue grow?","topic":"financial-metrics"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var answer model.Answer
	require.NoError(t, json.Unmarshal(env.Data, &answer))
	assert.Equal(t, model.StatusAnswered, answer.Status)
	assert.Equal(t, "financial-metrics", answer.Topic)
	require.NotEmpty(t, answer.Citations)
	assert.Equal(t, 1, answer.Citations[0].Ref)
	require.NotNil(t, answer.Sources)
	assert.NotEmpty(t, answer.Sources.Hits)
}

func TestAskBeforeDocument(t *testing.T) {
	e := newTestEngine(t)
	id := createSession(t, e)

	w, env := do(t, e, http.MethodPost, "/v1/sessions/"+id+"/ask",
		strings.NewReader(`{"question":"Revenue?"}`), "application/json")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errors.ErrNoDocument.Code, env.Code)
}

func TestAskValidation(t *testing.T) {
	e := newTestEngine(t)
	id := createSession(t, e)

	cases := map[string]string{
		"空问题":    `{"question":"   "}`,
		"缺少问题":   `{"topic":"summary"}`,
		"非法主题格式": `{"question":"Revenue?","topic":"Not A Topic"}`,
		"负数 k":   `{"question":"Revenue?","top_k":-1}`,
		"非法 JSON": `{"question":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w, env := do(t, e, http.MethodPost, "/v1/sessions/"+id+"/ask", strings.NewReader(body), "application/json")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, errors.ErrInvalidRequest.Code, env.Code)
		})
	}
}

func TestUploadRejectsNonPDF(t *testing.T) {
	e := newTestEngine(t)
	id := createSession(t, e)

	body, ct := multipartBody(t, "notes.txt", []byte("hello"))
	w, env := do(t, e, http.MethodPost, "/v1/sessions/"+id+"/document", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.ErrNotPDF.Code, env.Code)

	w, env = do(t, e, http.MethodPost, "/v1/sessions/"+id+"/document", strings.NewReader(""), "multipart/form-data; boundary=x")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.ErrInvalidRequest.Code, env.Code)
}

func TestTextIngestAndDelete(t *testing.T) {
	e := newTestEngine(t)
	id := createSession(t, e)

	w, _ := do(t, e, http.MethodPost, "/v1/sessions/"+id+"/text",
		strings.NewReader(`{"name":"memo","text":"`+strings.ReplaceAll(report, "\n", " ")+`"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = do(t, e, http.MethodDelete, "/v1/sessions/"+id, nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, env := do(t, e, http.MethodGet, "/v1/sessions/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.ErrSessionNotFound.Code, env.Code)
}

func TestBlankTextRejected(t *testing.T) {
	e := newTestEngine(t)
	id := createSession(t, e)

	w, _ := do(t, e, http.MethodPost, "/v1/sessions/"+id+"/text",
		strings.NewReader(`{"text":"   "}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInfoEndpoints(t *testing.T) {
	e := newTestEngine(t)
	createSession(t, e)

	w, env := do(t, e, http.MethodGet, "/v1/topics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var topics []model.Topic
	require.NoError(t, json.Unmarshal(env.Data, &topics))
	assert.Len(t, topics, 4)

	w, env = do(t, e, http.MethodGet, "/v1/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.EqualValues(t, 1, stats["sessions"])

	w, _ = do(t, e, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fincheck_sessions_active 1")

	w, _ = do(t, e, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, e, http.MethodGet, "/version", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}
