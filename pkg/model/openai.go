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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider talks to the OpenAI chat-completions and embeddings
// API, or any OpenAI-compatible gateway via BaseURL.
type OpenAIProvider struct {
	cfg    DeploymentConfig
	client *httpclient.Client
}

type openAIRequest struct {
	Model           string             `json:"model"`
	Messages        []openAIMessage    `json:"messages"`
	MaxTokens       int                `json:"max_tokens,omitempty"`
	Temperature     *float64           `json:"temperature,omitempty"`
	TopP            *float64           `json:"top_p,omitempty"`
	PresencePenalty *float64           `json:"presence_penalty,omitempty"`
	Stop            []string           `json:"stop,omitempty"`
	Stream          bool               `json:"stream"`
	StreamOptions   *openAIStreamOpts  `json:"stream_options,omitempty"`
	Tools           []openAITool       `json:"tools,omitempty"`
	ReasoningEffort string             `json:"reasoning_effort,omitempty"`
}

type openAIStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIContentPart struct {
	Type       string            `json:"type"`
	Text       string            `json:"text,omitempty"`
	ImageURL   *openAIImageURL   `json:"image_url,omitempty"`
	InputAudio *openAIInputAudio `json:"input_audio,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIInputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage       `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage       `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string       `json:"model"`
	Usage *Usage       `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

// NewOpenAIProvider builds an OpenAI (or OpenAI-compatible) provider.
func NewOpenAIProvider(cfg DeploymentConfig) (*OpenAIProvider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120
	}
	client := httpclient.New(
		httpclient.WithTimeout(time.Duration(cfg.Timeout)*time.Second),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	)
	return &OpenAIProvider{cfg: cfg, client: client}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// Close releases nothing; the HTTP client has no persistent resources.
func (p *OpenAIProvider) Close() error { return nil }

func (p *OpenAIProvider) buildRequest(model string, req *ChatRequest, stream bool) openAIRequest {
	msgs := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openAIMessage{Role: string(m.Role), Content: openAIContent(&m)})
	}
	out := openAIRequest{
		Model:           model,
		Messages:        msgs,
		MaxTokens:       req.Params.MaxTokens,
		Temperature:     req.Params.Temperature,
		TopP:            req.Params.TopP,
		PresencePenalty: req.Params.PresencePenalty,
		Stop:            req.Params.Stop,
		Stream:          stream,
		ReasoningEffort: req.Params.ReasoningEffort,
	}
	if stream {
		out.StreamOptions = &openAIStreamOpts{IncludeUsage: true}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// openAIContent renders a message body: a plain string when the message
// has no parts, otherwise the content-part array form.
func openAIContent(m *Message) any {
	if len(m.Parts) == 0 {
		return m.Content
	}
	parts := make([]openAIContentPart, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch part.Type {
		case ContentPartText:
			parts = append(parts, openAIContentPart{Type: "text", Text: part.Text})
		case ContentPartImageBase64:
			parts = append(parts, openAIContentPart{
				Type:     "image_url",
				ImageURL: &openAIImageURL{URL: fmt.Sprintf("data:%s;base64,%s", part.MediaType, part.Data)},
			})
		case ContentPartAudioBase64:
			parts = append(parts, openAIContentPart{
				Type:       "input_audio",
				InputAudio: &openAIInputAudio{Data: part.Data, Format: part.MediaType},
			})
		}
	}
	return parts
}

func (p *OpenAIProvider) post(ctx context.Context, path string, payload any) (*http.Response, error) {
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
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if resp != nil {
			msg := readOpenAIError(resp.Body)
			resp.Body.Close()
			if msg != "" {
				return nil, &ProviderError{Provider: p.Name(), Model: p.cfg.Model, StatusCode: status, Message: msg, Err: err}
			}
		}
		return nil, &ProviderError{Provider: p.Name(), Model: p.cfg.Model, StatusCode: status, Message: "request failed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		msg := readOpenAIError(resp.Body)
		resp.Body.Close()
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return nil, &ProviderError{Provider: p.Name(), Model: p.cfg.Model, StatusCode: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

func readOpenAIError(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 1<<16))
	if err != nil || len(body) == 0 {
		return ""
	}
	var parsed struct {
		Error openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(body)
}

// Chat performs a unary chat-completions call.
func (p *OpenAIProvider) Chat(ctx context.Context, model string, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.post(ctx, "/chat/completions", p.buildRequest(model, req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, &ProviderError{Provider: p.Name(), Model: model, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Model: model, Message: "no choices in response"}
	}
	choice := parsed.Choices[0]
	out := &ChatResponse{
		Content:          choice.Message.Content,
		ReasoningContent: choice.Message.ReasoningContent,
		Model:            model,
		FinishReason:     choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	if parsed.Usage != nil {
		out.Usage = *parsed.Usage
	} else {
		out.Usage = EstimateUsage(model, req.Messages, out.Content)
	}
	if out.FinishReason == "" {
		out.FinishReason = FinishStop
	}
	return out, nil
}

// ChatStream performs a streaming chat-completions call. The channel is
// closed after the terminal delta.
func (p *OpenAIProvider) ChatStream(ctx context.Context, model string, req *ChatRequest) (<-chan Delta, error) {
	resp, err := p.post(ctx, "/chat/completions", p.buildRequest(model, req, true))
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

func (p *OpenAIProvider) readStream(body io.Reader, model string, ch chan<- Delta) {
	reader := bufio.NewReader(body)
	var usage *Usage
	finish := FinishStop
	calls := make(map[int]*ToolCall)
	callOrder := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				ch <- Delta{FinishReason: FinishError, Err: fmt.Errorf("failed to read stream: %w", err)}
				return
			}
			break
		}
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk openAIStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			ch <- Delta{FinishReason: FinishError, Err: &ProviderError{Provider: p.Name(), Model: model, Message: chunk.Error.Message}}
			return
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" || choice.Delta.ReasoningContent != "" {
			ch <- Delta{Content: choice.Delta.Content, ReasoningContent: choice.Delta.ReasoningContent}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if tc.ID != "" {
				calls[callOrder] = &ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
				callOrder++
			} else if callOrder > 0 {
				calls[callOrder-1].Arguments += tc.Function.Arguments
			}
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}

	final := Delta{FinishReason: finish, Usage: usage}
	for i := 0; i < callOrder; i++ {
		final.ToolCalls = append(final.ToolCalls, *calls[i])
	}
	ch <- final
}

// Embed calls the embeddings endpoint.
func (p *OpenAIProvider) Embed(ctx context.Context, model string, texts []string) (*EmbedResponse, error) {
	payload := map[string]any{"model": model, "input": texts}
	resp, err := p.post(ctx, "/embeddings", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings: %w", err)
	}
	if parsed.Error != nil {
		return nil, &ProviderError{Provider: p.Name(), Model: model, Message: parsed.Error.Message}
	}
	if len(parsed.Data) != len(texts) {
		return nil, &ProviderError{Provider: p.Name(), Model: model,
			Message: fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(parsed.Data))}
	}
	out := &EmbedResponse{Model: model, Embeddings: make([][]float32, len(texts))}
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			continue
		}
		out.Embeddings[d.Index] = d.Embedding
	}
	if parsed.Usage != nil {
		out.Usage = *parsed.Usage
	}
	return out, nil
}

var _ Provider = (*OpenAIProvider)(nil)
