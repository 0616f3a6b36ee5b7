package biz

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/fincheck/internal/fincheck/metrics"
	"github.com/kart-io/fincheck/internal/model"
	errs "github.com/kart-io/fincheck/pkg/utils/errors"
)

// pageExtractor 读取全部输入并返回固定页面。
type pageExtractor struct {
	pages []model.Page
	err   error
}

func (e *pageExtractor) Extract(_ context.Context, r io.Reader) ([]model.Page, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	return e.pages, e.err
}

func newTestService(t *testing.T, extractor *pageExtractor) (*Service, *pipeline) {
	t.Helper()
	p := newPipeline(t)
	topics, err := LoadTopics("")
	require.NoError(t, err)

	svc, err := NewService(&ServiceConfig{
		Registry:  newTestRegistry(t, p, time.Minute),
		Topics:    topics,
		Metrics:   metrics.New(),
		Extractor: extractor,
		MaxTopK:   5,
		Providers: map[string]string{"embedding": "local", "chat": "scripted", "store": "memory"},
	})
	require.NoError(t, err)
	return svc, p
}

func TestService_PDFFlow(t *testing.T) {
	svc, _ := newTestService(t, &pageExtractor{pages: []model.Page{
		{Number: 1, Text: reportText[:300]},
		{Number: 2, Text: reportText[300:]},
	}})
	ctx := context.Background()

	info, err := svc.CreateSession()
	require.NoError(t, err)
	assert.Equal(t, "empty", info.State)

	raw := []byte("%PDF-1.4 fake body")
	result, err := svc.IngestPDF(ctx, info.ID, "annual-report.pdf", bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), result.Document.Size)
	assert.Len(t, result.Document.SHA256, 64)
	assert.Equal(t, 2, result.Document.PageCount)

	answer, err := svc.Ask(ctx, info.ID, AskRequest{Question: "Who issued the audit opinion?", Topic: "compliance-report"})
	require.NoError(t, err)
	assert.Equal(t, "compliance-report", answer.Topic)
	assert.Equal(t, model.StatusAnswered, answer.Status)
	assert.False(t, answer.Cached)

	stats := svc.Stats()
	assert.Equal(t, 1, stats["sessions"])
	assert.Equal(t, false, stats["answer_cache"])
}

func TestService_ExtractionFailure(t *testing.T) {
	svc, _ := newTestService(t, &pageExtractor{err: errs.ErrNotPDF})

	info, err := svc.CreateSession()
	require.NoError(t, err)

	_, err = svc.IngestPDF(context.Background(), info.ID, "x.pdf", bytes.NewReader([]byte("hello")))
	assert.True(t, errs.IsCode(err, errs.ErrNotPDF.Code))

	got, err := svc.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, "empty", got.State)
}

func TestService_AskValidation(t *testing.T) {
	svc, _ := newTestService(t, &pageExtractor{})
	ctx := context.Background()

	info, err := svc.CreateSession()
	require.NoError(t, err)

	_, err = svc.Ask(ctx, info.ID, AskRequest{Question: "revenue"})
	assert.True(t, errs.IsCode(err, errs.ErrNoDocument.Code))

	_, err = svc.IngestText(ctx, info.ID, "notes", reportText)
	require.NoError(t, err)

	_, err = svc.Ask(ctx, info.ID, AskRequest{Question: "   "})
	assert.True(t, errs.IsCode(err, errs.ErrInvalidRequest.Code))

	_, err = svc.Ask(ctx, info.ID, AskRequest{Question: "revenue", TopK: 6})
	assert.True(t, errs.IsCode(err, errs.ErrInvalidRequest.Code))

	_, err = svc.Ask(ctx, info.ID, AskRequest{Question: "revenue", Topic: "astrology"})
	assert.True(t, errs.IsCode(err, errs.ErrUnknownTopic.Code))

	_, err = svc.Ask(ctx, "missing", AskRequest{Question: "revenue"})
	assert.True(t, errs.IsCode(err, errs.ErrSessionNotFound.Code))

	answer, err := svc.Ask(ctx, info.ID, AskRequest{Question: "revenue subscription growth", TopK: 1})
	require.NoError(t, err)
	assert.Len(t, answer.Sources.Hits, 1)
}

func TestService_TopKBoundMessage(t *testing.T) {
	bounded, _ := newTestService(t, &pageExtractor{})
	unbounded := &Service{}

	tests := []struct {
		name string
		svc  *Service
		k    int
		want string
	}{
		{"above max", bounded, 6, "top_k must be between 0 and 5, got 6"},
		{"negative with max", bounded, -1, "top_k must be between 0 and 5, got -1"},
		{"negative without max", unbounded, -2, "top_k must not be negative, got -2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.svc.checkTopK(tt.k)
			require.Error(t, err)
			assert.True(t, errs.IsCode(err, errs.ErrInvalidRequest.Code))
			assert.Equal(t, tt.want, errs.FromError(err).MessageEN)
			assert.NotContains(t, err.Error(), "between 1 and 0")
		})
	}

	// 未设上限时任意非负值都合法
	assert.NoError(t, unbounded.checkTopK(0))
	assert.NoError(t, unbounded.checkTopK(1000))
	assert.NoError(t, bounded.checkTopK(5))
}

func TestService_EmptyTextIsIndexBuildFailure(t *testing.T) {
	svc, _ := newTestService(t, &pageExtractor{})

	info, err := svc.CreateSession()
	require.NoError(t, err)

	_, err = svc.IngestText(context.Background(), info.ID, "blank", "")
	assert.True(t, errs.IsIndexBuildFailure(err))
}

func TestService_DeleteSession(t *testing.T) {
	svc, p := newTestService(t, &pageExtractor{})
	ctx := context.Background()

	info, err := svc.CreateSession()
	require.NoError(t, err)
	_, err = svc.IngestText(ctx, info.ID, "notes", reportText)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteSession(info.ID))
	assert.Equal(t, 0, p.store.Collections())
	assert.True(t, errs.IsCode(svc.DeleteSession(info.ID), errs.ErrSessionNotFound.Code))
}

func TestAnswerCache_KeyAndNilSafety(t *testing.T) {
	c := NewAnswerCache(nil, time.Minute, "fincheck:answer:")

	k1 := c.Key("sha", "summary", 4, "What was  Revenue?")
	k2 := c.Key("sha", "summary", 4, "what was revenue?")
	k3 := c.Key("sha", "summary", 5, "what was revenue?")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k2, k3)
	assert.Contains(t, k1, "fincheck:answer:")

	var disabled *AnswerCache
	_, ok := disabled.Get(context.Background(), k1)
	assert.False(t, ok)
	disabled.Set(context.Background(), k1, &model.Answer{Status: model.StatusAnswered})
}
