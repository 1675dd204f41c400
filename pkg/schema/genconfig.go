package schema

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// GenKind discriminates generation configuration variants.
type GenKind string

const (
	// GenLLM generates the cell with a chat model.
	GenLLM GenKind = "llm"

	// GenEmbed generates the cell by embedding a source column.
	GenEmbed GenKind = "embed"

	// GenCode interprets the source column's cell value as program text.
	GenCode GenKind = "code"

	// GenFixedCode runs a fixed program over all data columns to the
	// column's left.
	GenFixedCode GenKind = "fixed_code"
)

// GenConfig is the tagged union of generation configurations. Exactly
// one variant field matching Kind must be set.
type GenConfig struct {
	Kind GenKind `yaml:"kind" json:"kind"`

	LLM       *LLMGenConfig       `yaml:"llm,omitempty" json:"llm,omitempty"`
	Embed     *EmbedGenConfig     `yaml:"embed,omitempty" json:"embed,omitempty"`
	Code      *CodeGenConfig      `yaml:"code,omitempty" json:"code,omitempty"`
	FixedCode *FixedCodeGenConfig `yaml:"fixed_code,omitempty" json:"fixed_code,omitempty"`
}

// LLMGenConfig configures a chat-model output column.
type LLMGenConfig struct {
	// Model is the router deployment name.
	Model string `yaml:"model" json:"model"`

	// SystemPrompt and UserPrompt may reference other columns with
	// ${col}; \${col} is preserved literally.
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	UserPrompt   string `yaml:"user_prompt,omitempty" json:"user_prompt,omitempty"`

	// Hyperparameters are forwarded to the router (temperature, top_p,
	// max_tokens, ...).
	Hyperparameters map[string]any `yaml:"hyperparameters,omitempty" json:"hyperparameters,omitempty"`

	// MultiTurn treats prior rows' (user, assistant) pairs as chat
	// history. Forces serial row execution for the whole table.
	MultiTurn bool `yaml:"multi_turn,omitempty" json:"multi_turn,omitempty"`

	// RAG enables retrieval-augmented prompt assembly.
	RAG *RAGParams `yaml:"rag_params,omitempty" json:"rag_params,omitempty"`

	// Tools names tool definitions forwarded to the model. Returned
	// tool calls are surfaced but never executed.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	// ReasoningEffort is forwarded to reasoning-capable models.
	ReasoningEffort string `yaml:"reasoning_effort,omitempty" json:"reasoning_effort,omitempty"`
}

// EmbedGenConfig configures an embedding output column.
type EmbedGenConfig struct {
	EmbeddingModel string `yaml:"embedding_model" json:"embedding_model"`
	SourceColumn   string `yaml:"source_column" json:"source_column"`
}

// CodeGenConfig configures a column whose source cell holds program text.
type CodeGenConfig struct {
	SourceColumn string `yaml:"source_column" json:"source_column"`
}

// FixedCodeGenConfig configures a column computed by a fixed program.
type FixedCodeGenConfig struct {
	Code string `yaml:"code" json:"code"`
}

// RAGParams configures retrieval for a chat column.
type RAGParams struct {
	// KnowledgeTableID names the knowledge table to search.
	KnowledgeTableID string `yaml:"knowledge_table_id" json:"knowledge_table_id"`

	// K bounds the number of chunks spliced into the prompt.
	K int `yaml:"k,omitempty" json:"k,omitempty"`

	// RerankingModel, when set, reranks the fused results. On rerank
	// failure the fused order is kept.
	RerankingModel string `yaml:"reranking_model,omitempty" json:"reranking_model,omitempty"`

	// InlineCitations appends the [@id; @id2] citation instruction.
	InlineCitations bool `yaml:"inline_citations,omitempty" json:"inline_citations,omitempty"`

	// FTSQuery and VSQuery override query rewriting when non-empty.
	FTSQuery string `yaml:"fts_query,omitempty" json:"fts_query,omitempty"`
	VSQuery  string `yaml:"vs_query,omitempty" json:"vs_query,omitempty"`

	// Hyperparameters for the rewrite model calls.
	Hyperparameters map[string]any `yaml:"hyperparameters,omitempty" json:"hyperparameters,omitempty"`
}

// DefaultRAGK is used when RAGParams.K is unset.
const DefaultRAGK = 3

// Validate checks that exactly the variant named by Kind is populated.
func (g *GenConfig) Validate() error {
	switch g.Kind {
	case GenLLM:
		if g.LLM == nil {
			return fmt.Errorf("gen config kind %q missing llm variant", g.Kind)
		}
		if g.LLM.Model == "" {
			return fmt.Errorf("llm gen config requires a model")
		}
		if g.LLM.RAG != nil && g.LLM.RAG.KnowledgeTableID == "" {
			return fmt.Errorf("rag_params requires knowledge_table_id")
		}
	case GenEmbed:
		if g.Embed == nil {
			return fmt.Errorf("gen config kind %q missing embed variant", g.Kind)
		}
		if g.Embed.EmbeddingModel == "" || g.Embed.SourceColumn == "" {
			return fmt.Errorf("embed gen config requires embedding_model and source_column")
		}
	case GenCode:
		if g.Code == nil {
			return fmt.Errorf("gen config kind %q missing code variant", g.Kind)
		}
		if g.Code.SourceColumn == "" {
			return fmt.Errorf("code gen config requires source_column")
		}
	case GenFixedCode:
		if g.FixedCode == nil {
			return fmt.Errorf("gen config kind %q missing fixed_code variant", g.Kind)
		}
		if g.FixedCode.Code == "" {
			return fmt.Errorf("fixed_code gen config requires code")
		}
	default:
		return fmt.Errorf("unknown gen config kind: %q", g.Kind)
	}
	return nil
}

// refs returns the column ids this config explicitly references.
// Fixed-code columns reference implicitly (left-of-self) and return nil.
func (g *GenConfig) refs() []string {
	switch g.Kind {
	case GenLLM:
		if g.LLM == nil {
			return nil
		}
		return ExtractRefs(g.LLM.SystemPrompt + "\n" + g.LLM.UserPrompt)
	case GenEmbed:
		if g.Embed == nil {
			return nil
		}
		return []string{g.Embed.SourceColumn}
	case GenCode:
		if g.Code == nil {
			return nil
		}
		return []string{g.Code.SourceColumn}
	}
	return nil
}

// DecodeGenConfig decodes a generic map (from JSON or YAML) into a
// GenConfig and validates it.
func DecodeGenConfig(raw map[string]any) (*GenConfig, error) {
	var g GenConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &g,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode gen config: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}
