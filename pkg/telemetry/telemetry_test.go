package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

func TestWithSpan_RecordsStatus(t *testing.T) {
	recorder := withRecorder(t)

	err := WithSpan(context.Background(), "ok.op", func(ctx context.Context) error {
		AddEvent(ctx, "step")
		SetAttributes(ctx, attribute.String("k", "v"))
		return nil
	})
	require.NoError(t, err)

	err = WithSpan(context.Background(), "failing.op", func(context.Context) error {
		return errors.New("boom")
	})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "ok.op", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
}

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want sdktrace.Sampler
	}{
		{"always", Config{SamplerType: SamplerAlways}, sdktrace.AlwaysSample()},
		{"never", Config{SamplerType: SamplerNever}, sdktrace.NeverSample()},
		{"ratio", Config{SamplerType: SamplerRatio, SamplerRatio: 0.5}, sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.5))},
		{"ratio above one is clamped", Config{SamplerType: SamplerRatio, SamplerRatio: 7}, sdktrace.ParentBased(sdktrace.AlwaysSample())},
		{"negative ratio is clamped", Config{SamplerType: SamplerRatio, SamplerRatio: -1}, sdktrace.ParentBased(sdktrace.AlwaysSample())},
		{"unset", Config{}, sdktrace.AlwaysSample()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want.Description(), sampler(tt.cfg).Description())
		})
	}
}

func TestValidateSampler(t *testing.T) {
	for _, name := range []string{SamplerAlways, SamplerNever, SamplerRatio} {
		assert.NoError(t, ValidateSampler(name))
	}
	assert.EqualError(t, ValidateSampler("sometimes"), `sampler must be one of always, never, ratio, got "sometimes"`)
}

func TestInitTracer_EnabledInstallsProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := InitTracer(context.Background(), Config{
		Enabled:        true,
		ServiceName:    "skillbox",
		ServiceVersion: "test",
		Endpoint:       "http://127.0.0.1:1/v1/traces",
		SamplerType:    SamplerNever,
	})
	require.NoError(t, err)
	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
