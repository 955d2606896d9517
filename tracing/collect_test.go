package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectSpans(t *testing.T) {
	ctx := context.Background()
	spans, err := CollectSpans(ctx, func(ctx context.Context) error {
		ctx, outer := StartSpan(ctx, "outer")
		_, inner := StartSpan(ctx, "inner")
		inner.SetLabel("kind", "test")
		inner.End()
		outer.End()
		return nil
	})
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, "inner", spans[0].Name)
	assert.Equal(t, "outer", spans[1].Name)
	assert.Equal(t, spans[1].SpanId, spans[0].ParentId)
	assert.Equal(t, spans[1].TraceId, spans[0].TraceId)
}

func TestPropagatedSpan(t *testing.T) {
	ctx := context.Background()
	spans, err := CollectSpans(ctx, func(ctx context.Context) error {
		p := &Propagation{TraceId: "aaaa", ParentId: "bbbb"}
		_, sb := StartPropagatedSpan(ctx, "remote", p)
		sb.End()
		return nil
	})
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "aaaa", spans[0].TraceId)
	assert.Equal(t, "bbbb", spans[0].ParentId)
}

func TestEncodeDecodeSpans(t *testing.T) {
	in := []Span{
		{SpanId: "01", TraceId: "t", Name: "fetch"},
		{SpanId: "02", TraceId: "t", Name: "exec", Metrics: map[string]float64{"ms": 12}},
	}
	block, err := EncodeSpans(in)
	require.NoError(t, err)
	out, err := DecodeSpans(block)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
