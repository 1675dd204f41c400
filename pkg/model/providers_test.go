package model

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectStream(t *testing.T, ch <-chan Delta) (content string, final Delta) {
	t.Helper()
	for d := range ch {
		require.NoError(t, d.Err)
		content += d.Content
		if d.FinishReason != "" {
			final = d
		}
	}
	return content, final
}

func TestOpenAIChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{
			"choices": [{"message": {"content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 2, "total_tokens": 9}
		}`)
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(DeploymentConfig{Name: "gpt", Model: "gpt-4o", APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := p.Chat(context.Background(), "gpt-4o", &ChatRequest{Messages: []Message{UserMessage("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, FinishStop, resp.FinishReason)
	assert.Equal(t, 9, resp.Usage.TotalTokens)
}

func TestOpenAIChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "invalid api key", "type": "auth"}}`)
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(DeploymentConfig{Name: "gpt", Model: "gpt-4o", APIKey: "bad", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Chat(context.Background(), "gpt-4o", &ChatRequest{Messages: []Message{UserMessage("hi")}})
	require.Error(t, err)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.Contains(t, pe.Message, "invalid api key")
	assert.False(t, pe.Retryable())
}

func TestOpenAIChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(DeploymentConfig{Name: "gpt", Model: "gpt-4o", APIKey: "sk", BaseURL: srv.URL})
	require.NoError(t, err)

	ch, err := p.ChatStream(context.Background(), "gpt-4o", &ChatRequest{Messages: []Message{UserMessage("hi")}})
	require.NoError(t, err)
	content, final := collectStream(t, ch)
	assert.Equal(t, "Hello", content)
	assert.Equal(t, FinishStop, final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 5, final.Usage.TotalTokens)
}

func TestOpenAIChatStreamToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"id\":\"call_1\",\"function\":{\"name\":\"lookup\",\"arguments\":\"{\\\"q\\\":\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"function\":{\"arguments\":\"\\\"x\\\"}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(DeploymentConfig{Name: "gpt", Model: "gpt-4o", APIKey: "sk", BaseURL: srv.URL})
	require.NoError(t, err)

	ch, err := p.ChatStream(context.Background(), "gpt-4o", &ChatRequest{Messages: []Message{UserMessage("hi")}})
	require.NoError(t, err)
	_, final := collectStream(t, ch)
	assert.Equal(t, FinishToolCalls, final.FinishReason)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, "lookup", final.ToolCalls[0].Name)
	assert.Equal(t, `{"q":"x"}`, final.ToolCalls[0].Arguments)
}

func TestOpenAIEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		fmt.Fprint(w, `{
			"data": [
				{"index": 1, "embedding": [0.3, 0.4]},
				{"index": 0, "embedding": [0.1, 0.2]}
			],
			"model": "text-embedding-3-small"
		}`)
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(DeploymentConfig{Name: "embed", Model: "text-embedding-3-small", APIKey: "sk", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := p.Embed(context.Background(), "text-embedding-3-small", []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	// Results come back in input order regardless of response order.
	assert.Equal(t, []float32{0.1, 0.2}, resp.Embeddings[0])
	assert.Equal(t, []float32{0.3, 0.4}, resp.Embeddings[1])
}

func TestAnthropicChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, "data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":10}}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi \"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"there\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":4}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(DeploymentConfig{Name: "claude", Model: "claude-sonnet", APIKey: "key", BaseURL: srv.URL})
	require.NoError(t, err)

	ch, err := p.ChatStream(context.Background(), "claude-sonnet", &ChatRequest{Messages: []Message{
		SystemMessage("be brief"),
		UserMessage("hi"),
	}})
	require.NoError(t, err)
	content, final := collectStream(t, ch)
	assert.Equal(t, "Hi there", content)
	assert.Equal(t, FinishStop, final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 10, final.Usage.PromptTokens)
	assert.Equal(t, 4, final.Usage.CompletionTokens)
	assert.Equal(t, 14, final.Usage.TotalTokens)
}

func TestAnthropicEmbedUnsupported(t *testing.T) {
	p, err := NewAnthropicProvider(DeploymentConfig{Name: "claude", Model: "claude-sonnet", APIKey: "key"})
	require.NoError(t, err)
	_, err = p.Embed(context.Background(), "claude-sonnet", []string{"x"})
	assert.ErrorIs(t, err, ErrEmbeddingUnsupported)
}

func TestOllamaChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":6,"eval_count":2}`)
	}))
	defer srv.Close()

	p, err := NewOllamaProvider(DeploymentConfig{Name: "llama", Model: "llama3", BaseURL: srv.URL})
	require.NoError(t, err)

	ch, err := p.ChatStream(context.Background(), "llama3", &ChatRequest{Messages: []Message{UserMessage("hi")}})
	require.NoError(t, err)
	content, final := collectStream(t, ch)
	assert.Equal(t, "Hello", content)
	assert.Equal(t, FinishStop, final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 8, final.Usage.TotalTokens)
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		fmt.Fprint(w, `{"embeddings": [[0.5, 0.5]]}`)
	}))
	defer srv.Close()

	p, err := NewOllamaProvider(DeploymentConfig{Name: "embed", Model: "nomic-embed-text", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := p.Embed(context.Background(), "nomic-embed-text", []string{"x"})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 1)
	assert.Equal(t, []float32{0.5, 0.5}, resp.Embeddings[0])
}

func TestEstimateUsage(t *testing.T) {
	usage := EstimateUsage("gpt-4o", []Message{UserMessage("hello world")}, "hi")
	assert.Greater(t, usage.PromptTokens, 0)
	assert.Greater(t, usage.CompletionTokens, 0)
	assert.Equal(t, usage.PromptTokens+usage.CompletionTokens, usage.TotalTokens)
}
