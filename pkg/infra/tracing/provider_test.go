package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewOptions(t *testing.T) {
	opts := NewOptions()

	assert.False(t, opts.Enabled)
	assert.Equal(t, "fincheck", opts.ServiceName)
	assert.Equal(t, ExporterOTLPGRPC, opts.ExporterType)
	assert.Equal(t, SamplerParentBased, opts.SamplerType)
	assert.Empty(t, opts.Validate())
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{"disabled tracing is valid", func(o *Options) { o.ServiceName = "" }, false},
		{"missing service name", func(o *Options) { o.Enabled = true; o.ServiceName = "" }, true},
		{"missing endpoint for OTLP exporter", func(o *Options) { o.Enabled = true; o.Endpoint = "" }, true},
		{"stdout needs no endpoint", func(o *Options) { o.Enabled = true; o.ExporterType = ExporterStdout; o.Endpoint = "" }, false},
		{"invalid exporter type", func(o *Options) { o.Enabled = true; o.ExporterType = "invalid" }, true},
		{"ratio out of range", func(o *Options) { o.Enabled = true; o.SamplerType = SamplerRatio; o.SamplerRatio = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := NewOptions()
			tt.mutate(opts)
			errs := opts.Validate()
			if tt.wantErr {
				assert.NotEmpty(t, errs)
			} else {
				assert.Empty(t, errs)
			}
		})
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(nil)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.Tracer("test"))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_Noop(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	opts := NewOptions()
	opts.Enabled = true
	opts.ExporterType = ExporterNoop

	p, err := NewProvider(opts)
	require.NoError(t, err)
	assert.True(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_InvalidOptions(t *testing.T) {
	opts := NewOptions()
	opts.Enabled = true
	opts.ExporterType = "bogus"

	_, err := NewProvider(opts)
	assert.Error(t, err)
}

func TestStartSpanAndRecordError(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	ctx, span := StartSpan(context.Background(), "fincheck.test")
	assert.NotEmpty(t, TraceIDFromContext(ctx))
	RecordError(ctx, errors.New("boom"))
	RecordError(ctx, nil)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "fincheck.test", ended[0].Name())
	assert.Equal(t, "boom", ended[0].Status().Description)
}

func TestTraceIDFromContext_NoSpan(t *testing.T) {
	assert.Empty(t, TraceIDFromContext(context.Background()))
}
