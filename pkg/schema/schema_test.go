package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDType(t *testing.T) {
	tests := []struct {
		in      string
		want    DType
		wantErr bool
	}{
		{"str", DType{Kind: DTypeStr}, false},
		{"int", DType{Kind: DTypeInt}, false},
		{"document", DType{Kind: DTypeDocument}, false},
		{"vector<f32,1536>", DType{Kind: DTypeVector, Elem: VectorF32, Len: 1536}, false},
		{"vector<f16, 768>", DType{Kind: DTypeVector, Elem: VectorF16, Len: 768}, false},
		{"vector<f64,8>", DType{}, true},
		{"vector<f32>", DType{}, true},
		{"vector<f32,0>", DType{}, true},
		{"blob", DType{}, true},
	}
	for _, tt := range tests {
		got, err := ParseDType(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestColumnFlags(t *testing.T) {
	id := Column{ID: "ID", DType: "str"}
	assert.True(t, id.IsInfo())
	assert.False(t, id.IsOutput())

	state := Column{ID: "answer_", DType: "str"}
	assert.True(t, state.IsState())

	doc := Column{ID: "report", DType: "document"}
	assert.True(t, doc.IsDocument())

	vec := Column{ID: "embedding", DType: "vector<f32,4>"}
	assert.True(t, vec.IsVector())

	out := Column{ID: "answer", DType: "str", Gen: &GenConfig{
		Kind: GenLLM,
		LLM:  &LLMGenConfig{Model: "gpt-4o-mini", UserPrompt: "${question}"},
	}}
	assert.True(t, out.IsOutput())
	assert.Equal(t, "answer_", out.StateColumn())
}

func llmCol(id, prompt string) Column {
	return Column{ID: id, DType: "str", Gen: &GenConfig{
		Kind: GenLLM,
		LLM:  &LLMGenConfig{Model: "m", UserPrompt: prompt},
	}}
}

func TestTableValidate(t *testing.T) {
	t.Run("normalizes indexes", func(t *testing.T) {
		tbl, err := NewTable("t1", []Column{
			{ID: "a", DType: "str"},
			{ID: "b", DType: "str"},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, tbl.Columns[0].Index)
		assert.Equal(t, 1, tbl.Columns[1].Index)
	})

	t.Run("duplicate column id", func(t *testing.T) {
		_, err := NewTable("t1", []Column{
			{ID: "a", DType: "str"},
			{ID: "a", DType: "int"},
		})
		assert.ErrorContains(t, err, "duplicate column id")
	})

	t.Run("forward reference rejected", func(t *testing.T) {
		_, err := NewTable("t1", []Column{
			llmCol("a", "uses ${b}"),
			{ID: "b", DType: "str"},
		})
		assert.ErrorContains(t, err, "not to its left")
	})

	t.Run("info column cannot be generated", func(t *testing.T) {
		_, err := NewTable("t1", []Column{llmCol("ID", "x")})
		assert.ErrorContains(t, err, "cannot be generated")
	})

	t.Run("gen config variants validated", func(t *testing.T) {
		_, err := NewTable("t1", []Column{
			{ID: "v", DType: "vector<f32,4>", Gen: &GenConfig{Kind: GenEmbed, Embed: &EmbedGenConfig{EmbeddingModel: "e"}}},
		})
		assert.ErrorContains(t, err, "source_column")
	})
}

func TestHasMultiTurn(t *testing.T) {
	tbl, err := NewTable("chat", []Column{
		{ID: "User", DType: "str"},
		{ID: "AI", DType: "str", Gen: &GenConfig{
			Kind: GenLLM,
			LLM:  &LLMGenConfig{Model: "m", MultiTurn: true},
		}},
	})
	require.NoError(t, err)
	assert.True(t, tbl.HasMultiTurn())
}

func TestDecodeGenConfig(t *testing.T) {
	raw := map[string]any{
		"kind": "llm",
		"llm": map[string]any{
			"model":       "gpt-4o-mini",
			"user_prompt": "S:${input}",
			"multi_turn":  "true",
			"hyperparameters": map[string]any{
				"temperature": 0.2,
			},
		},
	}
	g, err := DecodeGenConfig(raw)
	require.NoError(t, err)
	require.Equal(t, GenLLM, g.Kind)
	require.NotNil(t, g.LLM)
	assert.Equal(t, "gpt-4o-mini", g.LLM.Model)
	assert.True(t, g.LLM.MultiTurn)
	assert.Equal(t, 0.2, g.LLM.Hyperparameters["temperature"])

	_, err = DecodeGenConfig(map[string]any{"kind": "nope"})
	assert.Error(t, err)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "hi", Stringify("hi"))
	assert.Equal(t, "42", Stringify(42))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "3.5", Stringify(3.5))
	assert.Equal(t, "raw", Stringify([]byte("raw")))
}
