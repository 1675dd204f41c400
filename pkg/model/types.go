// Package model provides the language-model router: named deployments
// bound to chat, embedding, and rerank providers, with bounded retry,
// deployment cooldown, and usage accounting.
package model

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Role identifies a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPartType enumerates multimodal content part kinds.
type ContentPartType string

const (
	ContentPartText        ContentPartType = "text"
	ContentPartImageBase64 ContentPartType = "image_base64"
	ContentPartAudioBase64 ContentPartType = "audio_base64"
)

// ContentPart is one piece of a multimodal message. Text parts carry
// Text; binary parts carry base64 Data plus MediaType (mime type for
// images, format such as "wav" or "mp3" for audio).
type ContentPart struct {
	Type      ContentPartType `json:"type"`
	Text      string          `json:"text,omitempty"`
	MediaType string          `json:"media_type,omitempty"`
	Data      string          `json:"data,omitempty"`
}

// Message is a chat message. Content holds plain text; Parts, when
// non-empty, carries the multimodal form and takes precedence.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// Text returns the textual content of the message: Content when set,
// otherwise the concatenation of its text parts.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == ContentPartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// SetText replaces the textual content, preserving non-text parts.
func (m *Message) SetText(text string) {
	if len(m.Parts) == 0 {
		m.Content = text
		return
	}
	parts := make([]ContentPart, 0, len(m.Parts)+1)
	parts = append(parts, ContentPart{Type: ContentPartText, Text: text})
	for _, p := range m.Parts {
		if p.Type != ContentPartText {
			parts = append(parts, p)
		}
	}
	m.Parts = parts
	m.Content = ""
}

// SystemMessage builds a system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage builds a plain-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage builds an assistant message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolDefinition describes a tool forwarded to the model. The engine
// never executes returned tool calls.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a tool invocation returned by the model.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage counts tokens for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates counts from another usage.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Finish reasons reported on terminal deltas and responses.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
)

// ChatParams are per-call hyperparameters forwarded to providers.
// Pointer fields are omitted when nil so provider defaults apply.
type ChatParams struct {
	Temperature     *float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	TopP            *float64 `json:"top_p,omitempty" mapstructure:"top_p"`
	MaxTokens       int      `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	Stop            []string `json:"stop,omitempty" mapstructure:"stop"`
	PresencePenalty *float64 `json:"presence_penalty,omitempty" mapstructure:"presence_penalty"`
	ReasoningEffort string   `json:"reasoning_effort,omitempty" mapstructure:"reasoning_effort"`
}

// DecodeParams converts a loose hyperparameter map into ChatParams.
// Unknown keys are ignored; values are weakly typed (a YAML "0.2"
// string decodes into a float field).
func DecodeParams(hp map[string]any) (ChatParams, error) {
	var p ChatParams
	if len(hp) == 0 {
		return p, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return p, err
	}
	if err := dec.Decode(hp); err != nil {
		return p, fmt.Errorf("failed to decode hyperparameters: %w", err)
	}
	return p, nil
}

// ChatRequest is a routed chat call. Model names a deployment.
type ChatRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Params   ChatParams       `json:"params,omitempty"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// Clone returns a deep copy safe to mutate independently.
func (r *ChatRequest) Clone() *ChatRequest {
	out := &ChatRequest{Model: r.Model, Params: r.Params}
	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		out.Messages[i] = m
		if len(m.Parts) > 0 {
			out.Messages[i].Parts = append([]ContentPart(nil), m.Parts...)
		}
	}
	if len(r.Params.Stop) > 0 {
		out.Params.Stop = append([]string(nil), r.Params.Stop...)
	}
	if len(r.Tools) > 0 {
		out.Tools = append([]ToolDefinition(nil), r.Tools...)
	}
	return out
}

// LastUserText returns the text of the last user message, or "".
func (r *ChatRequest) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Text()
		}
	}
	return ""
}

// Delta is one streamed fragment of a chat response. A terminal delta
// carries a FinishReason and, when the provider reports it, Usage.
// Stream failures after the first byte arrive as a final delta with
// Err set.
type Delta struct {
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	Usage            *Usage     `json:"usage,omitempty"`
	FinishReason     string     `json:"finish_reason,omitempty"`
	Err              error      `json:"-"`
}

// ChatResponse is a complete chat result.
type ChatResponse struct {
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	Model            string     `json:"model"`
	Usage            Usage      `json:"usage"`
	FinishReason     string     `json:"finish_reason"`
}

// EmbedResponse holds embeddings for a batch of texts, in input order.
type EmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model"`
	Usage      Usage       `json:"usage"`
}

// RankedDoc is one rerank result. Index refers to the input document
// position.
type RankedDoc struct {
	Index    int     `json:"index"`
	Document string  `json:"document"`
	Score    float64 `json:"score"`
}
