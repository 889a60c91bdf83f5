package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/judgehub/videopipe/internal/config"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	closer, err := Init(config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
}

func TestSpanHelpers(t *testing.T) {
	tracer := mocktracer.New()
	prev := opentracing.GlobalTracer()
	opentracing.SetGlobalTracer(tracer)
	defer opentracing.SetGlobalTracer(prev)

	span, ctx := StartSpan(context.Background(), "transcoder.probe")
	require.NotNil(t, ctx)
	SetTag(span, "job_id", "42")
	LogError(span, errors.New("ffprobe failed"))
	FinishSpan(span)

	finished := tracer.FinishedSpans()
	require.Len(t, finished, 1)
	assert.Equal(t, "transcoder.probe", finished[0].OperationName)
	assert.Equal(t, "42", finished[0].Tag("job_id"))
	assert.Equal(t, true, finished[0].Tag("error"))
}

func TestNilSpanIsSafe(t *testing.T) {
	FinishSpan(nil)
	LogError(nil, errors.New("x"))
	SetTag(nil, "k", "v")
}
