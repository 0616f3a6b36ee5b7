package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/fincheck/pkg/llm"
	"github.com/kart-io/fincheck/pkg/utils/httpclient"
)

var errBackend = &httpclient.StatusError{StatusCode: http.StatusServiceUnavailable, Body: "overloaded"}

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestCircuitBreaker_OpenOnMaxFailures(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:      3,
		Timeout:          time.Second,
		HalfOpenMaxCalls: 1,
		OnStateChange: func(from, to CircuitBreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	for i := 0; i < 3; i++ {
		assert.Error(t, cb.Execute(func() error { return errBackend }))
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, []string{"closed->open"}, transitions)

	// 熔断器打开后拒绝新请求
	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{MaxFailures: 2, Timeout: 50 * time.Millisecond, HalfOpenMaxCalls: 1})
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return errBackend })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)
	// 半开状态下失败立即重新打开
	assert.Error(t, cb.Execute(func() error { return errBackend }))
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CanceledDoesNotCount(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Second, HalfOpenMaxCalls: 1})
	_ = cb.Execute(func() error { return context.Canceled })
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().Failures)
}

func TestCircuitBreaker_StatsAndReset(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	_ = cb.Execute(func() error { return errBackend })

	stats := cb.Stats()
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, 1, stats.Failures)

	cb.Reset()
	assert.Equal(t, 0, cb.Stats().Failures)
}

func TestRetryWithBackoff_EventualSuccess(t *testing.T) {
	var retries []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { retries = append(retries, attempt) }

	calls := 0
	err := RetryWithBackoff(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errBackend
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestRetryWithBackoff_MaxAttemptsReached(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastRetry(3), func() error {
		calls++
		return errBackend
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "max retry attempts (3) reached")
	assert.ErrorIs(t, err, errBackend)
}

func TestRetryWithBackoff_NonRetryableError(t *testing.T) {
	calls := 0
	badRequest := &httpclient.StatusError{StatusCode: http.StatusBadRequest}
	err := RetryWithBackoff(context.Background(), fastRetry(5), func() error {
		calls++
		return badRequest
	})
	assert.ErrorIs(t, err, badRequest)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &RetryConfig{MaxAttempts: 10, InitialDelay: time.Second, Multiplier: 2}

	calls := 0
	err := RetryWithBackoff(ctx, cfg, func() error {
		calls++
		cancel()
		return errBackend
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"熔断打开", ErrCircuitBreakerOpen, false},
		{"超时", context.DeadlineExceeded, false},
		{"503", errBackend, true},
		{"429", &httpclient.StatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"401", &httpclient.StatusError{StatusCode: http.StatusUnauthorized}, false},
		{"包装的 502", fmt.Errorf("embed: %w", &httpclient.StatusError{StatusCode: 502}), true},
		{"连接重置", errors.New("read tcp: connection reset by peer"), true},
		{"普通错误", errors.New("invalid model"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

type flakyChat struct {
	failures int
	calls    int
	temps    []*float64
}

func (f *flakyChat) Name() string { return "flaky" }

func (f *flakyChat) Chat(ctx context.Context, msgs []llm.Message, opts ...llm.GenerateOption) (*llm.GenerateResponse, error) {
	return f.Generate(ctx, msgs[len(msgs)-1].Content, "", opts...)
}

func (f *flakyChat) Generate(_ context.Context, prompt, _ string, opts ...llm.GenerateOption) (*llm.GenerateResponse, error) {
	f.calls++
	f.temps = append(f.temps, llm.ApplyGenerateOptions(opts...).Temperature)
	if f.calls <= f.failures {
		return nil, errBackend
	}
	return &llm.GenerateResponse{Content: "echo: " + prompt}, nil
}

func TestResilientChatProvider(t *testing.T) {
	inner := &flakyChat{failures: 2}
	p := NewResilientChatProvider(inner, fastRetry(3), nil)

	resp, err := p.Generate(context.Background(), "revenue?", "", llm.WithTemperature(0.2))
	require.NoError(t, err)
	assert.Equal(t, "echo: revenue?", resp.Content)
	assert.Equal(t, 3, inner.calls)
	for _, temp := range inner.temps {
		require.NotNil(t, temp)
		assert.Equal(t, 0.2, *temp)
	}
	assert.Equal(t, "flaky-resilient", p.Name())

	stats := Stats(p)
	require.NotNil(t, stats)
	assert.Equal(t, "closed", stats.State)
	assert.Nil(t, Stats(inner))
}
