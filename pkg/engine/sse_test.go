package engine

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tabula/pkg/billing"
	"github.com/kadirpekel/tabula/pkg/model"
)

func TestSSEWriterFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	acc := billing.NewAccumulator(&billing.LogCollector{Logger: testLogger()})
	w, err := NewSSEWriter(context.Background(), rec, acc, nil)
	require.NoError(t, err)

	em := newChunkEmitter("row-1", "col", "gpt")
	require.NoError(t, w.Send(em.chunk(ChunkDelta{Content: "hello"}, "", nil)))
	require.NoError(t, w.Send(em.chunk(ChunkDelta{}, model.FinishStop, nil)))
	require.NoError(t, w.Done())

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(body, "data: {"))
	assert.Contains(t, body, `"row_id":"row-1"`)
	assert.Contains(t, body, `"output_column_name":"col"`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	assert.Len(t, frames, 3)

	assert.Equal(t, int64(len(body)), acc.Bytes(), "every written byte is accounted")
}
