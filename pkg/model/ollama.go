// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kadirpekel/tabula/pkg/httpclient"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaProvider talks to a local or remote ollama server. Ollama
// streams newline-delimited JSON rather than SSE.
type OllamaProvider struct {
	cfg    DeploymentConfig
	client *httpclient.Client
}

type ollamaMessage struct {
	Role     string   `json:"role"`
	Content  string   `json:"content"`
	Thinking string   `json:"thinking,omitempty"`
	Images   []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// NewOllamaProvider builds an ollama provider.
func NewOllamaProvider(cfg DeploymentConfig) (*OllamaProvider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300
	}
	client := httpclient.New(
		httpclient.WithTimeout(time.Duration(cfg.Timeout)*time.Second),
		httpclient.WithMaxRetries(cfg.MaxRetries),
	)
	return &OllamaProvider{cfg: cfg, client: client}, nil
}

// Name returns "ollama".
func (p *OllamaProvider) Name() string { return "ollama" }

// Close is a no-op.
func (p *OllamaProvider) Close() error { return nil }

func (p *OllamaProvider) buildRequest(model string, req *ChatRequest, stream bool) ollamaChatRequest {
	msgs := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		om := ollamaMessage{Role: string(m.Role), Content: m.Text()}
		for _, part := range m.Parts {
			// Ollama accepts raw base64 images; audio is unsupported.
			if part.Type == ContentPartImageBase64 {
				om.Images = append(om.Images, part.Data)
			}
		}
		msgs = append(msgs, om)
	}
	options := map[string]any{}
	if req.Params.Temperature != nil {
		options["temperature"] = *req.Params.Temperature
	}
	if req.Params.TopP != nil {
		options["top_p"] = *req.Params.TopP
	}
	if req.Params.MaxTokens > 0 {
		options["num_predict"] = req.Params.MaxTokens
	}
	if len(req.Params.Stop) > 0 {
		options["stop"] = req.Params.Stop
	}
	out := ollamaChatRequest{Model: model, Messages: msgs, Stream: stream}
	if len(options) > 0 {
		out.Options = options
	}
	return out
}

func (p *OllamaProvider) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		return nil, &ProviderError{Provider: p.Name(), Model: p.cfg.Model, StatusCode: status, Message: "request failed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()
		return nil, &ProviderError{Provider: p.Name(), Model: p.cfg.Model, StatusCode: resp.StatusCode, Message: string(raw)}
	}
	return resp, nil
}

// Chat performs a unary /api/chat call.
func (p *OllamaProvider) Chat(ctx context.Context, model string, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.post(ctx, "/api/chat", p.buildRequest(model, req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != "" {
		return nil, &ProviderError{Provider: p.Name(), Model: model, Message: parsed.Error}
	}
	return &ChatResponse{
		Content:          parsed.Message.Content,
		ReasoningContent: parsed.Message.Thinking,
		Model:            model,
		FinishReason:     mapOllamaDone(parsed.DoneReason),
		Usage: Usage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
			TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
		},
	}, nil
}

// ChatStream performs a streaming /api/chat call.
func (p *OllamaProvider) ChatStream(ctx context.Context, model string, req *ChatRequest) (<-chan Delta, error) {
	resp, err := p.post(ctx, "/api/chat", p.buildRequest(model, req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan Delta, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		usage := Usage{}
		finish := FinishStop

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Error != "" {
				ch <- Delta{FinishReason: FinishError, Err: &ProviderError{Provider: p.Name(), Model: model, Message: chunk.Error}}
				return
			}
			if chunk.Message.Content != "" || chunk.Message.Thinking != "" {
				ch <- Delta{Content: chunk.Message.Content, ReasoningContent: chunk.Message.Thinking}
			}
			if chunk.Done {
				usage = Usage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
					TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
				}
				finish = mapOllamaDone(chunk.DoneReason)
				break
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- Delta{FinishReason: FinishError, Err: fmt.Errorf("failed to read stream: %w", err)}
			return
		}
		ch <- Delta{FinishReason: finish, Usage: &usage}
	}()
	return ch, nil
}

// Embed calls /api/embed.
func (p *OllamaProvider) Embed(ctx context.Context, model string, texts []string) (*EmbedResponse, error) {
	resp, err := p.post(ctx, "/api/embed", map[string]any{"model": model, "input": texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings: %w", err)
	}
	if parsed.Error != "" {
		return nil, &ProviderError{Provider: p.Name(), Model: model, Message: parsed.Error}
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, &ProviderError{Provider: p.Name(), Model: model,
			Message: fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(parsed.Embeddings))}
	}
	return &EmbedResponse{Model: model, Embeddings: parsed.Embeddings}, nil
}

func mapOllamaDone(reason string) string {
	switch reason {
	case "stop", "":
		return FinishStop
	case "length":
		return FinishLength
	default:
		return reason
	}
}

var _ Provider = (*OllamaProvider)(nil)
