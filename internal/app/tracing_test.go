package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func TestTracingResource_DescribesNode(t *testing.T) {
	a := newTestApp(t, func(c *Config) { c.NodeID = "node-7" })

	res, err := a.tracingResource(context.Background())
	require.NoError(t, err)

	set := res.Set()
	replID, ok := set.Value(attribute.Key("securestorage.replid"))
	require.True(t, ok)
	assert.Equal(t, a.backlog.Info().ReplID, replID.AsString())
	assert.NotEmpty(t, replID.AsString())

	instance, _ := set.Value(attribute.Key("service.instance.id"))
	assert.Equal(t, "node-7", instance.AsString())
	role, _ := set.Value(attribute.Key("securestorage.role"))
	assert.Equal(t, "primary", role.AsString())
	service, _ := set.Value(attribute.Key("service.name"))
	assert.Equal(t, "secure-storage", service.AsString())
}

func TestTracingSampler(t *testing.T) {
	root := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Name:          "root",
	}

	assert.Equal(t, sdktrace.RecordAndSample, tracingSampler(1).ShouldSample(root).Decision)
	assert.Equal(t, sdktrace.Drop, tracingSampler(0).ShouldSample(root).Decision)

	// A sampled remote parent wins over the local ratio.
	parent := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    root.TraceID,
		SpanID:     oteltrace.SpanID{1},
		TraceFlags: oteltrace.FlagsSampled,
		Remote:     true,
	})
	child := root
	child.ParentContext = oteltrace.ContextWithRemoteSpanContext(context.Background(), parent)
	assert.Equal(t, sdktrace.RecordAndSample, tracingSampler(0).ShouldSample(child).Decision)
}
