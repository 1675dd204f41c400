package model

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name    string
	chat    func(ctx context.Context, model string, req *ChatRequest) (*ChatResponse, error)
	embed   func(ctx context.Context, model string, texts []string) (*EmbedResponse, error)
	calls   int
	streams int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Chat(ctx context.Context, model string, req *ChatRequest) (*ChatResponse, error) {
	s.calls++
	return s.chat(ctx, model, req)
}

func (s *stubProvider) ChatStream(ctx context.Context, model string, req *ChatRequest) (<-chan Delta, error) {
	s.streams++
	resp, err := s.chat(ctx, model, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan Delta, 2)
	ch <- Delta{Content: resp.Content}
	ch <- Delta{FinishReason: FinishStop, Usage: &resp.Usage}
	close(ch)
	return ch, nil
}

func (s *stubProvider) Embed(ctx context.Context, model string, texts []string) (*EmbedResponse, error) {
	if s.embed == nil {
		return nil, fmt.Errorf("stub: %w", ErrEmbeddingUnsupported)
	}
	return s.embed(ctx, model, texts)
}

func (s *stubProvider) Close() error { return nil }

func newTestRouter(deployments map[string][]*deployment) *Router {
	return &Router{
		byName:   deployments,
		cooldown: 10 * time.Millisecond,
		maxCool:  time.Second,
		logger:   slog.Default(),
	}
}

func okProvider(content string) *stubProvider {
	return &stubProvider{
		name: "stub",
		chat: func(ctx context.Context, model string, req *ChatRequest) (*ChatResponse, error) {
			return &ChatResponse{Content: content, Model: model, FinishReason: FinishStop}, nil
		},
	}
}

func failingProvider(status int) *stubProvider {
	return &stubProvider{
		name: "stub",
		chat: func(ctx context.Context, model string, req *ChatRequest) (*ChatResponse, error) {
			return nil, &ProviderError{Provider: "stub", Model: model, StatusCode: status, Message: "boom"}
		},
	}
}

func TestRouterUnknownDeployment(t *testing.T) {
	r := newTestRouter(map[string][]*deployment{})
	_, err := r.Chat(context.Background(), &ChatRequest{Model: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeploymentNotFound)
}

func TestRouterFailsOverOnOverload(t *testing.T) {
	overloaded := failingProvider(529)
	healthy := okProvider("from backup")
	r := newTestRouter(map[string][]*deployment{
		"gpt": {
			{cfg: DeploymentConfig{Name: "gpt", Model: "gpt-a"}, provider: overloaded},
			{cfg: DeploymentConfig{Name: "gpt", Model: "gpt-b"}, provider: healthy},
		},
	})

	resp, err := r.Chat(context.Background(), &ChatRequest{Model: "gpt"})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Content)
	assert.Equal(t, 1, overloaded.calls)
	assert.Equal(t, 1, healthy.calls)
}

func TestRouterCoolsDownOverloadedDeployment(t *testing.T) {
	overloaded := failingProvider(429)
	healthy := okProvider("ok")
	ds := map[string][]*deployment{
		"gpt": {
			{cfg: DeploymentConfig{Name: "gpt", Model: "gpt-a"}, provider: overloaded},
			{cfg: DeploymentConfig{Name: "gpt", Model: "gpt-b"}, provider: healthy},
		},
	}
	r := newTestRouter(ds)

	_, err := r.Chat(context.Background(), &ChatRequest{Model: "gpt"})
	require.NoError(t, err)
	assert.True(t, ds["gpt"][0].coolingDown())

	// While cooling, the healthy deployment is preferred and the
	// overloaded one is not called again.
	_, err = r.Chat(context.Background(), &ChatRequest{Model: "gpt"})
	require.NoError(t, err)
	assert.Equal(t, 1, overloaded.calls)
	assert.Equal(t, 2, healthy.calls)
}

func TestRouterDoesNotFailOverOnClientError(t *testing.T) {
	bad := failingProvider(400)
	backup := okProvider("never")
	r := newTestRouter(map[string][]*deployment{
		"gpt": {
			{cfg: DeploymentConfig{Name: "gpt", Model: "gpt-a"}, provider: bad},
			{cfg: DeploymentConfig{Name: "gpt", Model: "gpt-b"}, provider: backup},
		},
	})

	_, err := r.Chat(context.Background(), &ChatRequest{Model: "gpt"})
	require.Error(t, err)
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, 0, backup.calls)
}

func TestRouterChatStreamFailover(t *testing.T) {
	overloaded := failingProvider(503)
	healthy := okProvider("streamed")
	r := newTestRouter(map[string][]*deployment{
		"gpt": {
			{cfg: DeploymentConfig{Name: "gpt", Model: "gpt-a"}, provider: overloaded},
			{cfg: DeploymentConfig{Name: "gpt", Model: "gpt-b"}, provider: healthy},
		},
	})

	ch, err := r.ChatStream(context.Background(), &ChatRequest{Model: "gpt"})
	require.NoError(t, err)
	var content string
	for d := range ch {
		content += d.Content
	}
	assert.Equal(t, "streamed", content)
}

func TestRouterEmbed(t *testing.T) {
	p := &stubProvider{
		name: "stub",
		embed: func(ctx context.Context, model string, texts []string) (*EmbedResponse, error) {
			out := &EmbedResponse{Model: model, Embeddings: make([][]float32, len(texts))}
			for i := range texts {
				out.Embeddings[i] = []float32{float32(i)}
			}
			return out, nil
		},
	}
	r := newTestRouter(map[string][]*deployment{
		"embedder": {{cfg: DeploymentConfig{Name: "embedder", Model: "embedder"}, provider: p}},
	})

	resp, err := r.Embed(context.Background(), "embedder", []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, []float32{1}, resp.Embeddings[1])
}

func TestRouterRerank(t *testing.T) {
	judge := okProvider(`Here you go: [{"index": 2, "relevance": 9.0}, {"index": 0, "relevance": 4.5}]`)
	r := newTestRouter(map[string][]*deployment{
		"judge": {{cfg: DeploymentConfig{Name: "judge", Model: "judge"}, provider: judge}},
	})

	docs := []string{"alpha", "beta", "gamma"}
	ranked, err := r.Rerank(context.Background(), "judge", "query", docs)
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, 2, ranked[0].Index)
	assert.Equal(t, "gamma", ranked[0].Document)
	assert.InDelta(t, 0.9, ranked[0].Score, 1e-9)
	// Index 1 was never ranked; it is appended in input order.
	assert.Equal(t, 1, ranked[2].Index)
	assert.Zero(t, ranked[2].Score)
}

func TestRouterRerankEmptyDocs(t *testing.T) {
	r := newTestRouter(map[string][]*deployment{})
	ranked, err := r.Rerank(context.Background(), "judge", "query", nil)
	require.NoError(t, err)
	assert.Nil(t, ranked)
}

func TestParseRankings(t *testing.T) {
	docs := []string{"a", "b", "c"}

	t.Run("drops out of range and duplicate indices", func(t *testing.T) {
		ranked, err := parseRankings(`[{"index": 5, "relevance": 9}, {"index": 1, "relevance": 8}, {"index": 1, "relevance": 7}]`, docs)
		require.NoError(t, err)
		require.Len(t, ranked, 3)
		assert.Equal(t, 1, ranked[0].Index)
		assert.Equal(t, 0, ranked[1].Index)
		assert.Equal(t, 2, ranked[2].Index)
	})

	t.Run("rejects responses without a JSON array", func(t *testing.T) {
		_, err := parseRankings("no ranking here", docs)
		require.Error(t, err)
	})
}

func TestDecodeParams(t *testing.T) {
	p, err := DecodeParams(map[string]any{
		"temperature": "0.2",
		"max_tokens":  512,
		"stop":        []any{"END"},
		"unknown_key": true,
	})
	require.NoError(t, err)
	require.NotNil(t, p.Temperature)
	assert.InDelta(t, 0.2, *p.Temperature, 1e-9)
	assert.Equal(t, 512, p.MaxTokens)
	assert.Equal(t, []string{"END"}, p.Stop)
	assert.Nil(t, p.TopP)
}

func TestNewRouterValidation(t *testing.T) {
	_, err := NewRouter(nil)
	require.Error(t, err)

	_, err = NewRouter([]DeploymentConfig{{Provider: "openai"}})
	require.Error(t, err)

	_, err = NewRouter([]DeploymentConfig{{Name: "m", Provider: "carrier-pigeon"}})
	require.Error(t, err)
}
