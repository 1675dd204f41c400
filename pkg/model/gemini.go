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
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider talks to the Gemini API through the official genai SDK.
type GeminiProvider struct {
	cfg    DeploymentConfig
	client *genai.Client
}

// NewGeminiProvider builds a Gemini provider.
func NewGeminiProvider(cfg DeploymentConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini provider requires an api key")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiProvider{cfg: cfg, client: client}, nil
}

// Name returns "gemini".
func (p *GeminiProvider) Name() string { return "gemini" }

// Close is a no-op; the SDK client holds no persistent connections.
func (p *GeminiProvider) Close() error { return nil }

func (p *GeminiProvider) buildRequest(req *ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content
	var system strings.Builder
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Text())
			continue
		}
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{Role: role, Parts: geminiParts(&m)})
	}

	cfg := &genai.GenerateContentConfig{}
	if system.Len() > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system.String()}}}
	}
	if req.Params.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Params.Temperature))
	}
	if req.Params.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.Params.TopP))
	}
	if req.Params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Params.MaxTokens)
	}
	if len(req.Params.Stop) > 0 {
		cfg.StopSequences = req.Params.Stop
	}
	if len(req.Tools) > 0 {
		tool := &genai.Tool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiSchema(t.Parameters),
			})
		}
		cfg.Tools = []*genai.Tool{tool}
	}
	return contents, cfg
}

func geminiParts(m *Message) []*genai.Part {
	if len(m.Parts) == 0 {
		return []*genai.Part{{Text: m.Content}}
	}
	var parts []*genai.Part
	for _, part := range m.Parts {
		switch part.Type {
		case ContentPartText:
			parts = append(parts, &genai.Part{Text: part.Text})
		case ContentPartImageBase64, ContentPartAudioBase64:
			raw, err := base64.StdEncoding.DecodeString(part.Data)
			if err != nil {
				continue
			}
			mime := part.MediaType
			if part.Type == ContentPartAudioBase64 && !strings.Contains(mime, "/") {
				mime = "audio/" + mime
			}
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mime, Data: raw}})
		}
	}
	if len(parts) == 0 {
		parts = []*genai.Part{{Text: ""}}
	}
	return parts
}

func geminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]any); ok {
				s.Properties[name] = geminiSchema(sub)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	return s
}

func (p *GeminiProvider) mapErr(model string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: p.Name(), Model: model, StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	return &ProviderError{Provider: p.Name(), Model: model, Message: err.Error(), Err: err}
}

// Chat performs a unary generation call.
func (p *GeminiProvider) Chat(ctx context.Context, model string, req *ChatRequest) (*ChatResponse, error) {
	contents, cfg := p.buildRequest(req)
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, p.mapErr(model, err)
	}
	if len(resp.Candidates) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Model: model, Message: "empty response"}
	}

	candidate := resp.Candidates[0]
	out := &ChatResponse{Model: model, FinishReason: mapGeminiFinish(candidate.FinishReason)}
	if candidate.Content != nil {
		var content, reasoning strings.Builder
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				if part.Thought {
					reasoning.WriteString(part.Text)
				} else {
					content.WriteString(part.Text)
				}
			}
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:        part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				})
			}
		}
		out.Content = content.String()
		out.ReasoningContent = reasoning.String()
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// ChatStream performs a streaming generation call.
func (p *GeminiProvider) ChatStream(ctx context.Context, model string, req *ChatRequest) (<-chan Delta, error) {
	contents, cfg := p.buildRequest(req)
	ch := make(chan Delta, 64)

	go func() {
		defer close(ch)
		var usage *Usage
		finish := FinishStop
		var toolCalls []ToolCall

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- Delta{FinishReason: FinishError, Err: p.mapErr(model, err)}
				return
			}
			if resp.UsageMetadata != nil {
				usage = &Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
				}
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			candidate := resp.Candidates[0]
			if candidate.FinishReason != "" {
				finish = mapGeminiFinish(candidate.FinishReason)
			}
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					if part.Thought {
						ch <- Delta{ReasoningContent: part.Text}
					} else {
						ch <- Delta{Content: part.Text}
					}
				}
				if part.FunctionCall != nil {
					args, _ := json.Marshal(part.FunctionCall.Args)
					toolCalls = append(toolCalls, ToolCall{
						ID:        part.FunctionCall.ID,
						Name:      part.FunctionCall.Name,
						Arguments: string(args),
					})
				}
			}
		}
		ch <- Delta{FinishReason: finish, Usage: usage, ToolCalls: toolCalls}
	}()
	return ch, nil
}

// Embed calls the embedContent endpoint.
func (p *GeminiProvider) Embed(ctx context.Context, model string, texts []string) (*EmbedResponse, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: t}}}
	}
	resp, err := p.client.Models.EmbedContent(ctx, model, contents, nil)
	if err != nil {
		return nil, p.mapErr(model, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, &ProviderError{Provider: p.Name(), Model: model,
			Message: fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings))}
	}
	out := &EmbedResponse{Model: model, Embeddings: make([][]float32, len(texts))}
	for i, emb := range resp.Embeddings {
		out.Embeddings[i] = emb.Values
	}
	return out, nil
}

func mapGeminiFinish(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop, "":
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return FinishContentFilter
	default:
		return FinishStop
	}
}

var _ Provider = (*GeminiProvider)(nil)
