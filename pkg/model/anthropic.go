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
	"strings"
	"time"

	"github.com/kadirpekel/tabula/pkg/httpclient"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	defaultAnthropicMaxTok  = 4096
)

// AnthropicProvider talks to the Anthropic messages API. Anthropic has
// no embeddings endpoint; Embed returns ErrEmbeddingUnsupported.
type AnthropicProvider struct {
	cfg    DeploymentConfig
	client *httpclient.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`

	// tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type,omitempty"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Message *anthropicResponse `json:"message,omitempty"`
	Usage   *anthropicUsage    `json:"usage,omitempty"`
	Error   *anthropicError    `json:"error,omitempty"`
}

// NewAnthropicProvider builds an Anthropic provider.
func NewAnthropicProvider(cfg DeploymentConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic provider requires an api key")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120
	}
	client := httpclient.New(
		httpclient.WithTimeout(time.Duration(cfg.Timeout)*time.Second),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
	)
	return &AnthropicProvider{cfg: cfg, client: client}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Close is a no-op.
func (p *AnthropicProvider) Close() error { return nil }

// Embed is unsupported.
func (p *AnthropicProvider) Embed(ctx context.Context, model string, texts []string) (*EmbedResponse, error) {
	return nil, fmt.Errorf("anthropic: %w", ErrEmbeddingUnsupported)
}

func (p *AnthropicProvider) buildRequest(model string, req *ChatRequest, stream bool) anthropicRequest {
	out := anthropicRequest{
		Model:       model,
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		Stop:        req.Params.Stop,
		Stream:      stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultAnthropicMaxTok
	}
	for _, m := range req.Messages {
		// Anthropic carries the system prompt outside the message list.
		if m.Role == RoleSystem {
			if out.System != "" {
				out.System += "\n\n"
			}
			out.System += m.Text()
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage{
			Role:    string(m.Role),
			Content: anthropicContentFor(&m),
		})
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: params})
	}
	return out
}

func anthropicContentFor(m *Message) any {
	if len(m.Parts) == 0 {
		return m.Content
	}
	blocks := make([]anthropicContent, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch part.Type {
		case ContentPartText:
			blocks = append(blocks, anthropicContent{Type: "text", Text: part.Text})
		case ContentPartImageBase64:
			blocks = append(blocks, anthropicContent{
				Type:   "image",
				Source: &anthropicSource{Type: "base64", MediaType: part.MediaType, Data: part.Data},
			})
			// Audio parts are dropped: the messages API does not accept audio.
		}
	}
	return blocks
}

func (p *AnthropicProvider) post(ctx context.Context, req anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		return nil, &ProviderError{Provider: p.Name(), Model: req.Model, StatusCode: status, Message: "request failed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()
		msg := string(raw)
		var parsed struct {
			Error anthropicError `json:"error"`
		}
		if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return nil, &ProviderError{Provider: p.Name(), Model: req.Model, StatusCode: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

// Chat performs a unary messages call.
func (p *AnthropicProvider) Chat(ctx context.Context, model string, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.post(ctx, p.buildRequest(model, req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, &ProviderError{Provider: p.Name(), Model: model, Message: parsed.Error.Message}
	}

	out := &ChatResponse{
		Model:        model,
		FinishReason: mapAnthropicStop(parsed.StopReason),
		Usage: Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}
	var content, reasoning strings.Builder
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Text)
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: string(args)})
		}
	}
	out.Content = content.String()
	out.ReasoningContent = reasoning.String()
	return out, nil
}

// ChatStream performs a streaming messages call.
func (p *AnthropicProvider) ChatStream(ctx context.Context, model string, req *ChatRequest) (<-chan Delta, error) {
	resp, err := p.post(ctx, p.buildRequest(model, req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan Delta, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		p.readStream(resp.Body, model, ch)
	}()
	return ch, nil
}

func (p *AnthropicProvider) readStream(body io.Reader, model string, ch chan<- Delta) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	usage := Usage{}
	finish := FinishStop
	calls := make(map[int]*ToolCall)
	jsonBuf := make(map[int]string)
	var order []int

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			ch <- Delta{FinishReason: FinishError, Err: &ProviderError{Provider: p.Name(), Model: model, Message: msg}}
			return

		case "message_start":
			if event.Message != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				calls[event.Index] = &ToolCall{ID: event.ContentBlock.ID, Name: event.ContentBlock.Name}
				order = append(order, event.Index)
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			if event.Delta.Text != "" {
				ch <- Delta{Content: event.Delta.Text}
			}
			if event.Delta.Thinking != "" {
				ch <- Delta{ReasoningContent: event.Delta.Thinking}
			}
			if event.Delta.Type == "input_json_delta" && event.Delta.PartialJSON != "" {
				jsonBuf[event.Index] += event.Delta.PartialJSON
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				finish = mapAnthropicStop(event.Delta.StopReason)
			}
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			final := Delta{FinishReason: finish, Usage: &usage}
			for _, idx := range order {
				tc := calls[idx]
				tc.Arguments = jsonBuf[idx]
				final.ToolCalls = append(final.ToolCalls, *tc)
			}
			ch <- final
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- Delta{FinishReason: FinishError, Err: fmt.Errorf("failed to read stream: %w", err)}
		return
	}
	// Stream ended without message_stop; still emit a terminal delta.
	ch <- Delta{FinishReason: finish, Usage: &usage}
}

func mapAnthropicStop(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	default:
		return reason
	}
}

var _ Provider = (*AnthropicProvider)(nil)
