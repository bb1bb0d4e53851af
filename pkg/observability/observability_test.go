package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestSpansAreNoopWhenDisabled(t *testing.T) {
	require.NoError(t, Initialize(TracingConfig{Enabled: false}))

	ctx, span := StartSpan(context.Background(), "noop")
	assert.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsSampled())
	span.End(nil)
}

func TestInitializeExportsSpans(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Initialize(TracingConfig{
		Enabled:      true,
		ServiceName:  "quasar-test",
		SamplingRate: 1.0,
		Writer:       &out,
	}))

	ctx, parent := StartSpan(context.Background(), "export.job", attribute.String("transaction", "tx-1"))
	_, child := StartSpan(ctx, "export.attempt")
	child.SetAttribute("attempt", 1)
	child.SetAttribute("rows", int64(10))
	child.AddEvent("merged")
	child.End(errors.New("boom"))
	parent.End(nil)

	assert.True(t, parent.SpanContext().IsSampled())
	assert.Equal(t, parent.SpanContext().TraceID(), child.SpanContext().TraceID())

	require.NoError(t, Shutdown(context.Background()))
	assert.Contains(t, out.String(), "export.attempt")
	assert.Contains(t, out.String(), "tx-1")
	assert.Contains(t, out.String(), "boom")

	// second shutdown is a no-op
	require.NoError(t, Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOff")
	assert.Contains(t, sampler(1).Description(), "AlwaysOn")
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}
