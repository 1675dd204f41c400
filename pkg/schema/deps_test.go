package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamondTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := NewTable("diamond", []Column{
		{ID: "x", DType: "str"},
		llmCol("a", "A:${x}"),
		llmCol("b", "B:${x}"),
		llmCol("c", "C:${a}|${b}"),
	})
	require.NoError(t, err)
	return tbl
}

func TestAnalyzeDiamond(t *testing.T) {
	a := Analyze(diamondTable(t))

	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, a.Levels)
	assert.Equal(t, 2, a.MaxWidth)
	assert.Equal(t, []string{"x"}, a.Dependencies("a"))
	assert.Equal(t, []string{"x"}, a.Dependencies("b"))
	assert.Equal(t, []string{"a", "b"}, a.Dependencies("c"))
	assert.Nil(t, a.Dependencies("x"))
}

func TestAnalyzeLevelsCoverEveryOutputOnce(t *testing.T) {
	tbl, err := NewTable("wide", []Column{
		{ID: "in", DType: "str"},
		llmCol("o1", "1:${in}"),
		llmCol("o2", "2:${o1}"),
		llmCol("o3", "3:${in}"),
		llmCol("o4", "4:${o2}|${o3}"),
		llmCol("o5", "5:plain"),
	})
	require.NoError(t, err)
	a := Analyze(tbl)

	seen := map[string]int{}
	total := 0
	for _, level := range a.Levels {
		total += len(level)
		for _, id := range level {
			seen[id]++
		}
	}
	assert.Equal(t, len(tbl.OutputColumns()), total)
	for _, c := range tbl.OutputColumns() {
		assert.Equal(t, 1, seen[c.ID], c.ID)
	}

	// No column may depend on its own level or a later one.
	levelOf := map[string]int{}
	for k, level := range a.Levels {
		for _, id := range level {
			levelOf[id] = k
		}
	}
	for id, k := range levelOf {
		for _, dep := range a.Dependencies(id) {
			if dk, ok := levelOf[dep]; ok {
				assert.Less(t, dk, k, "%s depends on %s", id, dep)
			}
		}
	}
}

func TestAnalyzeIgnoresUnknownRefs(t *testing.T) {
	tbl, err := NewTable("t", []Column{
		{ID: "in", DType: "str"},
		llmCol("out", "uses ${in} and ${ghost}"),
	})
	require.NoError(t, err)
	a := Analyze(tbl)

	assert.Equal(t, []string{"in"}, a.Dependencies("out"))
	assert.Equal(t, [][]string{{"out"}}, a.Levels)
}

func TestAnalyzeEscapedRefIsNotADependency(t *testing.T) {
	tbl, err := NewTable("t", []Column{
		{ID: "price", DType: "str"},
		llmCol("out", `cost is \${price}`),
	})
	require.NoError(t, err)
	a := Analyze(tbl)
	assert.Empty(t, a.Dependencies("out"))
}

func TestAnalyzeEmbedAndCodeDeps(t *testing.T) {
	tbl, err := NewTable("t", []Column{
		{ID: "text", DType: "str"},
		{ID: "vec", DType: "vector<f32,4>", Gen: &GenConfig{
			Kind:  GenEmbed,
			Embed: &EmbedGenConfig{EmbeddingModel: "e", SourceColumn: "text"},
		}},
		{ID: "snippet", DType: "str"},
		{ID: "result", DType: "str", Gen: &GenConfig{
			Kind: GenCode,
			Code: &CodeGenConfig{SourceColumn: "snippet"},
		}},
	})
	require.NoError(t, err)
	a := Analyze(tbl)

	assert.Equal(t, []string{"text"}, a.Dependencies("vec"))
	assert.Equal(t, []string{"snippet"}, a.Dependencies("result"))
	assert.Equal(t, [][]string{{"vec", "result"}}, a.Levels)
	assert.Equal(t, 2, a.MaxWidth)
}

func TestAnalyzeFixedCodeDependsOnLeftDataColumns(t *testing.T) {
	tbl, err := NewTable("t", []Column{
		{ID: "ID", DType: "str"},
		{ID: "a", DType: "str"},
		{ID: "a_", DType: "str"},
		{ID: "vec", DType: "vector<f32,2>"},
		{ID: "b", DType: "int"},
		{ID: "total", DType: "str", Gen: &GenConfig{
			Kind:      GenFixedCode,
			FixedCode: &FixedCodeGenConfig{Code: "return sum(row)"},
		}},
		{ID: "after", DType: "str"},
	})
	require.NoError(t, err)
	a := Analyze(tbl)

	// Info, state, and vector columns are excluded; columns to the
	// right are invisible.
	assert.Equal(t, []string{"a", "b"}, a.Dependencies("total"))
}

func TestAnalyzeEmptyTable(t *testing.T) {
	tbl, err := NewTable("t", []Column{{ID: "only", DType: "str"}})
	require.NoError(t, err)
	a := Analyze(tbl)
	assert.Empty(t, a.Levels)
	assert.Zero(t, a.MaxWidth)
	assert.Zero(t, a.OutputCount())
}
