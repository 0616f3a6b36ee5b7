package biz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/fincheck/internal/model"
	"github.com/kart-io/fincheck/pkg/llm"
	errs "github.com/kart-io/fincheck/pkg/utils/errors"
)

type transitions struct {
	mu  sync.Mutex
	log []SessionState
}

func (tr *transitions) hook(_ string, _, to SessionState) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.log = append(tr.log, to)
}

func (tr *transitions) states() []SessionState {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]SessionState(nil), tr.log...)
}

func TestSession_AskBeforeIngest(t *testing.T) {
	p := newPipeline(t)
	s := p.newSession(t, nil)

	assert.Equal(t, StateEmpty, s.State())
	_, err := s.Ask(context.Background(), "What was revenue?", AskOptions{})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.ErrNoDocument.Code))
}

func TestSession_IngestAndAsk(t *testing.T) {
	p := newPipeline(t)
	tr := &transitions{}
	s := p.newSession(t, tr.hook)

	result, err := s.Ingest(context.Background(), testDocument("doc1", reportText))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.IndexVersion)
	assert.Positive(t, result.Passages)
	assert.Equal(t, []SessionState{StateDocumentLoaded, StateReady}, tr.states())

	answer, err := s.Ask(context.Background(), "What was net income and earnings per share?", AskOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusAnswered, answer.Status)
	assert.Equal(t, uint64(1), answer.IndexVersion)
	assert.NotEmpty(t, answer.Citations)
	require.NotNil(t, answer.Sources)
	assert.LessOrEqual(t, len(answer.Sources.Hits), 3)

	info := s.Info()
	assert.Equal(t, "ready", info.State)
	assert.Equal(t, "doc1", info.Document.ID)
	assert.Equal(t, result.Passages, info.Passages)
}

func TestSession_UnrelatedQuestionIsLowConfidence(t *testing.T) {
	p := newPipeline(t)
	s := p.newSession(t, nil)
	_, err := s.Ingest(context.Background(), testDocument("doc1", reportText))
	require.NoError(t, err)

	answer, err := s.Ask(context.Background(), "zebra xylophone quokka", AskOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusLowConfidence, answer.Status)
	assert.Equal(t, 0, p.chat.Calls())
}

func TestSession_ReingestReleasesPreviousIndex(t *testing.T) {
	p := newPipeline(t)
	s := p.newSession(t, nil)

	_, err := s.Ingest(context.Background(), testDocument("doc1", reportText))
	require.NoError(t, err)
	second, err := s.Ingest(context.Background(), testDocument("doc2", reportText))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.IndexVersion)

	assert.Eventually(t, func() bool {
		return p.store.Collections() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "doc2", s.Document().ID)
}

func TestSession_FailedIngestReturnsToEmpty(t *testing.T) {
	p := newPipeline(t)
	tr := &transitions{}
	s := p.newSession(t, tr.hook)

	_, err := s.Ingest(context.Background(), testDocument("doc1", reportText))
	require.NoError(t, err)

	_, err = s.Ingest(context.Background(), testDocument("empty", ""))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.ErrIndexEmptyInput.Code))
	assert.Equal(t, StateEmpty, s.State())
	assert.Nil(t, s.Document())
	assert.Equal(t, []SessionState{StateDocumentLoaded, StateReady, StateEmpty}, tr.states())

	assert.Eventually(t, func() bool {
		return p.store.Collections() == 0
	}, time.Second, 5*time.Millisecond)

	_, err = s.Ask(context.Background(), "revenue", AskOptions{})
	assert.True(t, errs.IsCode(err, errs.ErrNoDocument.Code))
}

func TestSession_QueryFailuresAreInline(t *testing.T) {
	p := newPipeline(t)
	s := p.newSession(t, nil)
	_, err := s.Ingest(context.Background(), testDocument("doc1", reportText))
	require.NoError(t, err)

	p.store.failSearch.Store(true)
	answer, err := s.Ask(context.Background(), "What was revenue?", AskOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, answer.Status)
	require.NotNil(t, answer.Error)
	assert.Equal(t, errs.KindRetrievalFailure, answer.Error.Kind)
	assert.Equal(t, errs.ErrRetrievalFailure.Code, answer.Error.Code)
	assert.Equal(t, StateReady, s.State())

	p.store.failSearch.Store(false)
	p.chat.reply = func(string, string, llm.GenerateOptions) (*llm.GenerateResponse, error) {
		return nil, errors.New("503 service unavailable")
	}
	answer, err = s.Ask(context.Background(), "What was revenue?", AskOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, answer.Status)
	assert.Equal(t, errs.KindGenerationFailure, answer.Error.Kind)
	assert.NotNil(t, answer.Sources)
	assert.Equal(t, StateReady, s.State())
}

func TestSession_NegativeTopK(t *testing.T) {
	p := newPipeline(t)
	s := p.newSession(t, nil)
	_, err := s.Ingest(context.Background(), testDocument("doc1", reportText))
	require.NoError(t, err)

	_, err = s.Ask(context.Background(), "revenue", AskOptions{TopK: -2})
	assert.True(t, errs.IsCode(err, errs.ErrInvalidConfiguration.Code))
}

func TestSession_ConcurrentAsksDuringReingest(t *testing.T) {
	p := newPipeline(t)
	s := p.newSession(t, nil)
	_, err := s.Ingest(context.Background(), testDocument("doc1", reportText))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			answer, err := s.Ask(context.Background(), "debt decreased credit facility", AskOptions{})
			if err != nil {
				// 重新加载期间可能短暂处于 DocumentLoaded
				assert.True(t, errs.IsCode(err, errs.ErrNoDocument.Code))
				return
			}
			assert.NotEqual(t, model.StatusFailed, answer.Status)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Ingest(context.Background(), testDocument("doc2", reportText))
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.Equal(t, StateReady, s.State())
	assert.Eventually(t, func() bool {
		return p.store.Collections() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSession_CloseReleasesIndex(t *testing.T) {
	p := newPipeline(t)
	s := p.newSession(t, nil)
	_, err := s.Ingest(context.Background(), testDocument("doc1", reportText))
	require.NoError(t, err)

	s.Close()
	assert.Equal(t, 0, p.store.Collections())
	assert.Equal(t, StateEmpty, s.State())

	_, err = s.Ask(context.Background(), "revenue", AskOptions{})
	assert.True(t, errs.IsCode(err, errs.ErrSessionNotFound.Code))
	s.Close()
}

func TestNewSession_InvalidChunking(t *testing.T) {
	p := newPipeline(t)
	_, err := NewSession("s", p.indexer, p.retriever, p.synthesizer, &SessionConfig{
		ChunkSize:    100,
		ChunkOverlap: 100,
		TopK:         4,
	})
	assert.True(t, errs.IsCode(err, errs.ErrInvalidConfiguration.Code))
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "empty", StateEmpty.String())
	assert.Equal(t, "document_loaded", StateDocumentLoaded.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "unknown", SessionState(42).String())
}
