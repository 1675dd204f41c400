package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := InitMetrics(context.Background(), false)
	require.NoError(t, err)

	// Zero-value recorder accepts calls without instruments.
	m.RecordRequest(context.Background(), "add", 0.1)
	m.RecordCell(context.Background(), "Summary", "llm", 0.5, false)
	m.RecordTokens(context.Background(), "gpt", 10, 5)
	m.RecordEgress(context.Background(), 1024)

	var nilMetrics *Metrics
	nilMetrics.RecordEgress(context.Background(), 1)
}

func TestInitMetrics(t *testing.T) {
	m, err := InitMetrics(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordRequest(context.Background(), "regen", 0.2)
	m.RecordCell(context.Background(), "Summary", "llm", 0.5, true)
	m.RecordTokens(context.Background(), "gpt", 10, 5)
	m.RecordEgress(context.Background(), 2048)
}

func TestDisabledTracerIsNoop(t *testing.T) {
	tp, err := InitGlobalTracer(context.Background(), TracerConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)

	_, span := tp.Tracer("tabula").Start(context.Background(), "test")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}
