package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromemUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	p, err := NewChromemProvider("")
	require.NoError(t, err)
	defer p.Close()

	docs := map[string][]float32{
		"a": {1, 0, 0},
		"b": {0.9, 0.1, 0},
		"c": {0, 0, 1},
	}
	for id, vec := range docs {
		require.NoError(t, p.Upsert(ctx, "kb", id, vec, map[string]any{
			"content": "doc " + id,
			"page":    1,
		}))
	}

	hits, err := p.Search(ctx, "kb", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "doc a", hits[0].Content)
	assert.Equal(t, "b", hits[1].ID)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, "1", hits[0].Metadata["page"])
}

func TestChromemSearchMoreThanStored(t *testing.T) {
	ctx := context.Background()
	p, err := NewChromemProvider("")
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Upsert(ctx, "kb", "only", []float32{0, 1}, map[string]any{"content": "x"}))

	hits, err := p.Search(ctx, "kb", []float32{0, 1}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestChromemSearchEmptyCollection(t *testing.T) {
	p, err := NewChromemProvider("")
	require.NoError(t, err)
	defer p.Close()

	hits, err := p.Search(context.Background(), "empty", []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemDelete(t *testing.T) {
	ctx := context.Background()
	p, err := NewChromemProvider("")
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Upsert(ctx, "kb", "a", []float32{1, 0}, map[string]any{"content": "x"}))
	require.NoError(t, p.Upsert(ctx, "kb", "b", []float32{0, 1}, map[string]any{"content": "y"}))
	require.NoError(t, p.Delete(ctx, "kb", "a"))

	hits, err := p.Search(ctx, "kb", []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)

	require.NoError(t, p.DeleteCollection(ctx, "kb"))
	hits, err = p.Search(ctx, "kb", []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	p, err := NewChromemProvider(dir)
	require.NoError(t, err)
	require.NoError(t, p.Upsert(ctx, "kb", "a", []float32{1, 0}, map[string]any{"content": "kept"}))
	require.NoError(t, p.Close())

	reopened, err := NewChromemProvider(dir)
	require.NoError(t, err)
	defer reopened.Close()

	hits, err := reopened.Search(ctx, "kb", []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "kept", hits[0].Content)
}

func TestNilProvider(t *testing.T) {
	var p Provider = NilProvider{}
	assert.Equal(t, "none", p.Name())
	err := p.Upsert(context.Background(), "kb", "a", nil, nil)
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = p.Search(context.Background(), "kb", nil, 1)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.NoError(t, p.Close())
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(Config{})
	require.NoError(t, err)
	assert.Equal(t, "chromem", p.Name())

	p, err = NewProvider(Config{Type: ProviderNone})
	require.NoError(t, err)
	assert.Equal(t, "none", p.Name())

	_, err = NewProvider(Config{Type: "milvus"})
	assert.Error(t, err)

	_, err = NewProvider(Config{Type: ProviderPinecone})
	assert.Error(t, err, "pinecone requires an API key")
}
