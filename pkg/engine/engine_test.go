package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tabula/pkg/config"
	"github.com/kadirpekel/tabula/pkg/knowledge"
	"github.com/kadirpekel/tabula/pkg/model"
	"github.com/kadirpekel/tabula/pkg/rag"
	"github.com/kadirpekel/tabula/pkg/schema"
	"github.com/kadirpekel/tabula/pkg/table"
)

// stubRouter answers chat calls with "r(<last user text>)" and tracks
// concurrency so tests can observe scheduling.
type stubRouter struct {
	mu        sync.Mutex
	active    int
	maxActive int
	calls     []*model.ChatRequest
	delay     time.Duration

	chatFn  func(req *model.ChatRequest) (*model.ChatResponse, error)
	embedFn func(texts []string) (*model.EmbedResponse, error)
}

func (s *stubRouter) enter(req *model.ChatRequest) {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.calls = append(s.calls, req.Clone())
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
}

func (s *stubRouter) leave() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

func (s *stubRouter) respond(req *model.ChatRequest) (*model.ChatResponse, error) {
	if s.chatFn != nil {
		return s.chatFn(req)
	}
	return &model.ChatResponse{
		Content:      "r(" + req.LastUserText() + ")",
		Model:        req.Model,
		Usage:        model.Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8},
		FinishReason: model.FinishStop,
	}, nil
}

func (s *stubRouter) Chat(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	s.enter(req)
	defer s.leave()
	return s.respond(req)
}

func (s *stubRouter) ChatStream(ctx context.Context, req *model.ChatRequest) (<-chan model.Delta, error) {
	s.enter(req)
	resp, err := s.respond(req)
	if err != nil {
		s.leave()
		return nil, err
	}
	ch := make(chan model.Delta, 5)
	go func() {
		defer close(ch)
		defer s.leave()
		if resp.ReasoningContent != "" {
			ch <- model.Delta{ReasoningContent: resp.ReasoningContent}
		}
		half := len(resp.Content) / 2
		ch <- model.Delta{Content: resp.Content[:half]}
		ch <- model.Delta{Content: resp.Content[half:]}
		usage := resp.Usage
		ch <- model.Delta{FinishReason: model.FinishStop, Usage: &usage}
	}()
	return ch, nil
}

func (s *stubRouter) Embed(ctx context.Context, m string, texts []string) (*model.EmbedResponse, error) {
	if s.embedFn != nil {
		return s.embedFn(texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{3, 4}
	}
	return &model.EmbedResponse{Embeddings: out, Model: m}, nil
}

func (s *stubRouter) Rerank(ctx context.Context, m, query string, docs []string) ([]model.RankedDoc, error) {
	return nil, fmt.Errorf("not used")
}

func (s *stubRouter) chatCalls() []*model.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.ChatRequest(nil), s.calls...)
}

type stubRunner struct {
	fn func(source string, row map[string]any, outCol, dtype string) (any, error)
}

func (s *stubRunner) Run(ctx context.Context, source string, row map[string]any, outCol, dtype string) (any, error) {
	return s.fn(source, row, outCol, dtype)
}

func (s *stubRunner) Close() error { return nil }

// stubGrounder splices a fixed context block and reports two chunks.
type stubGrounder struct{}

func (stubGrounder) Assemble(ctx context.Context, req *model.ChatRequest, params *schema.RAGParams) (*model.ChatRequest, *rag.References, error) {
	out := req.Clone()
	n := len(out.Messages)
	out.Messages[n-1].SetText("<up-to-date-context>ctx</up-to-date-context>\n" + req.LastUserText())
	return out, &rag.References{
		SearchQuery: "rewritten query",
		Chunks: []knowledge.Chunk{
			{Text: "chunk zero", ChunkID: "c0"},
			{Text: "chunk one", ChunkID: "c1"},
		},
	}, nil
}

// collectSink records streamed events in arrival order.
type collectSink struct {
	events []Event
}

func (c *collectSink) Send(ev Event) error {
	c.events = append(c.events, ev)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(store table.Store, router model.Client, opts ...func(*Capabilities)) *Engine {
	caps := Capabilities{Store: store, Router: router, Logger: testLogger()}
	for _, opt := range opts {
		opt(&caps)
	}
	return New(caps, config.EngineConfig{MaxConcurrentCells: 8, MaxWriteBatch: 50, QueueSize: 64}, testLogger())
}

func createTable(t *testing.T, store table.Store, id string, cols []schema.Column) *schema.Table {
	t.Helper()
	full := append([]schema.Column{
		{ID: schema.ColumnID, DType: "str"},
		{ID: schema.ColumnUpdatedAt, DType: "str"},
	}, cols...)
	tbl, err := schema.NewTable(id, full)
	require.NoError(t, err)
	require.NoError(t, store.CreateTable(context.Background(), tbl))
	return tbl
}

func llmCol(id, prompt string) schema.Column {
	return schema.Column{ID: id, DType: "str", Gen: &schema.GenConfig{
		Kind: schema.GenLLM,
		LLM:  &schema.LLMGenConfig{Model: "gpt", UserPrompt: prompt},
	}}
}

func stateCol(id string) schema.Column {
	return schema.Column{ID: id + schema.StateSuffix, DType: "str"}
}

func onlyRowID(t *testing.T, store *table.MemStore, tableID string) string {
	t.Helper()
	rows, err := store.ListRows(context.Background(), tableID, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0].ID()
}

func TestAddStraightLineChain(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "A ${q}"), stateCol("o1"),
		llmCol("o2", "B ${o1}"), stateCol("o2"),
	})
	router := &stubRouter{}
	eng := newTestEngine(store, router)

	resp, err := eng.AddRows(context.Background(), &AddRequest{
		TableID:    "docs",
		Data:       []map[string]any{{"q": "x"}},
		Concurrent: true,
	}, nil)
	require.NoError(t, err)
	require.Len(t, resp.Rows, 1)

	o1 := resp.Rows[0].Columns["o1"]
	require.NotNil(t, o1)
	assert.Equal(t, "r(A x)", o1.Content)
	assert.Equal(t, model.FinishStop, o1.FinishReason)
	require.NotNil(t, o1.Usage)
	assert.Equal(t, 8, o1.Usage.TotalTokens)

	o2 := resp.Rows[0].Columns["o2"]
	require.NotNil(t, o2)
	assert.Equal(t, "r(B r(A x))", o2.Content)

	row, err := store.GetRow(context.Background(), "docs", resp.Rows[0].RowID)
	require.NoError(t, err)
	assert.Equal(t, "x", row["q"])
	assert.Equal(t, "r(A x)", row["o1"])
	assert.Equal(t, "r(B r(A x))", row["o2"])
	assert.NotEmpty(t, row[schema.ColumnUpdatedAt])

	assert.Nil(t, row["o1_"], "unary chat without reasoning leaves no cell state")
}

func TestAddDiamondRunsIndependentColumnsConcurrently(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "diamond", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("a", "left ${q}"),
		llmCol("b", "right ${q}"),
		llmCol("c", "join ${a} ${b}"),
	})
	router := &stubRouter{delay: 30 * time.Millisecond}
	eng := newTestEngine(store, router)

	resp, err := eng.AddRows(context.Background(), &AddRequest{
		TableID:    "diamond",
		Data:       []map[string]any{{"q": "x"}},
		Concurrent: true,
	}, nil)
	require.NoError(t, err)

	router.mu.Lock()
	maxActive := router.maxActive
	router.mu.Unlock()
	assert.GreaterOrEqual(t, maxActive, 2, "independent columns run in parallel")

	// The join only sees finished upstreams.
	assert.Equal(t, "r(join r(left x) r(right x))", resp.Rows[0].Columns["c"].Content)
}

func TestSerialWhenNotConcurrent(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "diamond", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("a", "left ${q}"),
		llmCol("b", "right ${q}"),
	})
	router := &stubRouter{delay: 10 * time.Millisecond}
	eng := newTestEngine(store, router)

	_, err := eng.AddRows(context.Background(), &AddRequest{
		TableID: "diamond",
		Data:    []map[string]any{{"q": "1"}, {"q": "2"}},
	}, nil)
	require.NoError(t, err)

	router.mu.Lock()
	defer router.mu.Unlock()
	assert.Equal(t, 1, router.maxActive)
}

func TestUpstreamErrorIsContained(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("a", "A ${q}"), stateCol("a"),
		llmCol("b", "B ${a}"), stateCol("b"),
	})
	router := &stubRouter{chatFn: func(req *model.ChatRequest) (*model.ChatResponse, error) {
		if strings.HasPrefix(req.LastUserText(), "A ") {
			return nil, &model.ProviderError{Provider: "stub", Model: "gpt", StatusCode: 500, Message: "boom"}
		}
		return &model.ChatResponse{Content: "ok", FinishReason: model.FinishStop}, nil
	}}
	eng := newTestEngine(store, router)

	resp, err := eng.AddRows(context.Background(), &AddRequest{
		TableID:    "docs",
		Data:       []map[string]any{{"q": "x"}},
		Concurrent: true,
	}, nil)
	require.NoError(t, err, "cell failures never abort the batch")

	a := resp.Rows[0].Columns["a"]
	require.NotNil(t, a)
	assert.Equal(t, model.FinishError, a.FinishReason)
	assert.True(t, strings.HasPrefix(a.Content, "[ERROR] "), "got %q", a.Content)
	assert.Contains(t, a.Content, "boom")

	b := resp.Rows[0].Columns["b"]
	require.NotNil(t, b)
	assert.Equal(t, model.FinishError, b.FinishReason)
	assert.Contains(t, b.Content, "upstream column(s) errored: a")

	row, err := store.GetRow(context.Background(), "docs", resp.Rows[0].RowID)
	require.NoError(t, err)
	assert.Nil(t, row["a"], "errored cells persist nil")
	assert.Nil(t, row["b"])
	assert.Contains(t, row["a_"], "boom")
	assert.Contains(t, row["b_"], "upstream")
}

func TestRegenRunBeforePreservesDownstream(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "A ${q}"),
		llmCol("o2", "B ${o1}"),
		llmCol("o3", "C ${o2}"),
	})
	require.NoError(t, store.AddRows(context.Background(), "docs", []table.Row{
		{"q": "x", "o1": "old1", "o2": "old2", "o3": "old3"},
	}))
	rowID := onlyRowID(t, store, "docs")

	router := &stubRouter{}
	eng := newTestEngine(store, router)

	resp, err := eng.RegenRows(context.Background(), &RegenRequest{
		TableID:        "docs",
		RowIDs:         []string{rowID},
		Strategy:       RunBefore,
		OutputColumnID: "o2",
		Concurrent:     true,
	}, nil)
	require.NoError(t, err)

	cols := resp.Rows[0].Columns
	assert.Contains(t, cols, "o1")
	assert.Contains(t, cols, "o2")
	assert.NotContains(t, cols, "o3", "columns after the target are untouched")

	row, err := store.GetRow(context.Background(), "docs", rowID)
	require.NoError(t, err)
	assert.Equal(t, "r(A x)", row["o1"])
	assert.Equal(t, "r(B r(A x))", row["o2"])
	assert.Equal(t, "old3", row["o3"])
}

func TestRegenRunSelected(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "A ${q}"),
		llmCol("o2", "B ${o1}"),
	})
	require.NoError(t, store.AddRows(context.Background(), "docs", []table.Row{
		{"q": "x", "o1": "old1", "o2": "old2"},
	}))
	rowID := onlyRowID(t, store, "docs")

	eng := newTestEngine(store, &stubRouter{})
	_, err := eng.RegenRows(context.Background(), &RegenRequest{
		TableID:        "docs",
		RowIDs:         []string{rowID},
		Strategy:       RunSelected,
		OutputColumnID: "o2",
	}, nil)
	require.NoError(t, err)

	row, err := store.GetRow(context.Background(), "docs", rowID)
	require.NoError(t, err)
	assert.Equal(t, "old1", row["o1"], "only the selected column is recomputed")
	assert.Equal(t, "r(B old1)", row["o2"])
}

func TestRegenRunAfterKeepsTarget(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "A ${q}"),
		llmCol("o2", "B ${o1}"),
		llmCol("o3", "C ${o2}"),
	})
	require.NoError(t, store.AddRows(context.Background(), "docs", []table.Row{
		{"q": "x", "o1": "old1", "o2": "old2", "o3": "old3"},
	}))
	rowID := onlyRowID(t, store, "docs")

	router := &stubRouter{}
	eng := newTestEngine(store, router)

	resp, err := eng.RegenRows(context.Background(), &RegenRequest{
		TableID:        "docs",
		RowIDs:         []string{rowID},
		Strategy:       RunAfter,
		OutputColumnID: "o2",
		Concurrent:     true,
	}, nil)
	require.NoError(t, err)

	cols := resp.Rows[0].Columns
	assert.NotContains(t, cols, "o1")
	assert.NotContains(t, cols, "o2", "the target itself is kept")
	assert.Contains(t, cols, "o3")

	row, err := store.GetRow(context.Background(), "docs", rowID)
	require.NoError(t, err)
	assert.Equal(t, "old1", row["o1"])
	assert.Equal(t, "old2", row["o2"])
	assert.Equal(t, "r(C old2)", row["o3"], "downstream columns rebuild on the kept target")
}

func TestMultiTurnRowsRunSeriallyWithThread(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "chats", []schema.Column{
		{ID: "q", DType: "str"},
		{ID: "a", DType: "str", Gen: &schema.GenConfig{
			Kind: schema.GenLLM,
			LLM:  &schema.LLMGenConfig{Model: "gpt", UserPrompt: "${q}", MultiTurn: true},
		}},
	})
	router := &stubRouter{delay: 5 * time.Millisecond}
	eng := newTestEngine(store, router)

	_, err := eng.AddRows(context.Background(), &AddRequest{
		TableID:    "chats",
		Data:       []map[string]any{{"q": "one"}, {"q": "two"}},
		Concurrent: true,
	}, nil)
	require.NoError(t, err)

	calls := router.chatCalls()
	require.Len(t, calls, 2)

	router.mu.Lock()
	maxActive := router.maxActive
	router.mu.Unlock()
	assert.Equal(t, 1, maxActive, "multi-turn rows never interleave")

	first := calls[0]
	require.Len(t, first.Messages, 1)
	assert.Equal(t, "one", first.Messages[0].Text())

	// The second row sees the first row's turn from the store.
	second := calls[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, model.RoleUser, second.Messages[0].Role)
	assert.Equal(t, "one", second.Messages[0].Text())
	assert.Equal(t, model.RoleAssistant, second.Messages[1].Role)
	assert.Equal(t, "r(one)", second.Messages[1].Text())
	assert.Equal(t, "two", second.Messages[2].Text())
}

func TestRAGCellEmitsReferencesBeforeContent(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		{ID: "a", DType: "str", Gen: &schema.GenConfig{
			Kind: schema.GenLLM,
			LLM: &schema.LLMGenConfig{
				Model:      "gpt",
				UserPrompt: "${q}",
				RAG:        &schema.RAGParams{KnowledgeTableID: "kb", K: 2},
			},
		}},
		stateCol("a"),
	})
	router := &stubRouter{}
	eng := newTestEngine(store, router, func(c *Capabilities) { c.Grounder = stubGrounder{} })

	sink := &collectSink{}
	resp, err := eng.AddRows(context.Background(), &AddRequest{
		TableID: "docs",
		Data:    []map[string]any{{"q": "what changed?"}},
		Stream:  true,
	}, sink)
	require.NoError(t, err)
	assert.Nil(t, resp, "streaming requests return no aggregate")

	var sawRefs, sawContent bool
	var content strings.Builder
	for _, ev := range sink.events {
		switch e := ev.(type) {
		case *CellReferences:
			assert.False(t, sawContent, "references precede content chunks")
			sawRefs = true
			assert.Equal(t, "rewritten query", e.SearchQuery)
			require.Len(t, e.Chunks, 2)
		case *CellCompletionChunk:
			for _, ch := range e.Choices {
				if ch.Delta.Content != "" {
					sawContent = true
				}
				content.WriteString(ch.Delta.Content)
			}
		}
	}
	assert.True(t, sawRefs)
	assert.True(t, sawContent)

	// The model saw the grounded prompt and the stream concatenates to
	// the persisted value.
	calls := router.chatCalls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].LastUserText(), "<up-to-date-context>")

	rowID := onlyRowID(t, store, "docs")
	row, err := store.GetRow(context.Background(), "docs", rowID)
	require.NoError(t, err)
	assert.Equal(t, content.String(), row["a"])
	assert.Contains(t, row["a_"], "references")
}

func TestStreamedChunksConcatenateToFinalValue(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "A ${q}"),
	})
	eng := newTestEngine(store, &stubRouter{})

	sink := &collectSink{}
	_, err := eng.AddRows(context.Background(), &AddRequest{
		TableID: "docs",
		Data:    []map[string]any{{"q": "hello world"}},
		Stream:  true,
	}, sink)
	require.NoError(t, err)

	var content strings.Builder
	var finishes int
	for _, ev := range sink.events {
		chunk, ok := ev.(*CellCompletionChunk)
		require.True(t, ok)
		assert.Equal(t, "o1", chunk.OutputColumnName)
		for _, ch := range chunk.Choices {
			content.WriteString(ch.Delta.Content)
		}
		if chunk.FinishReason != "" {
			finishes++
			assert.Equal(t, model.FinishStop, chunk.FinishReason)
			require.NotNil(t, chunk.Usage)
		}
	}
	assert.Equal(t, 1, finishes)

	rowID := onlyRowID(t, store, "docs")
	row, err := store.GetRow(context.Background(), "docs", rowID)
	require.NoError(t, err)
	assert.Equal(t, "r(A hello world)", row["o1"])
	assert.Equal(t, content.String(), row["o1"])
}

func TestStreamReasoningAccumulatesIntoState(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("a", "${q}"), stateCol("a"),
	})
	router := &stubRouter{chatFn: func(req *model.ChatRequest) (*model.ChatResponse, error) {
		return &model.ChatResponse{
			Content:          "answer",
			ReasoningContent: "because",
			FinishReason:     model.FinishStop,
		}, nil
	}}
	eng := newTestEngine(store, router)

	sink := &collectSink{}
	_, err := eng.AddRows(context.Background(), &AddRequest{
		TableID: "docs",
		Data:    []map[string]any{{"q": "why?"}},
		Stream:  true,
	}, sink)
	require.NoError(t, err)

	var sawReasoning bool
	for _, ev := range sink.events {
		chunk, ok := ev.(*CellCompletionChunk)
		require.True(t, ok)
		for _, ch := range chunk.Choices {
			if ch.Delta.ReasoningContent != "" {
				sawReasoning = true
			}
		}
	}
	assert.True(t, sawReasoning, "reasoning deltas are forwarded")

	rowID := onlyRowID(t, store, "docs")
	row, err := store.GetRow(context.Background(), "docs", rowID)
	require.NoError(t, err)
	assert.Equal(t, "answer", row["a"])

	var state map[string]any
	require.NoError(t, json.Unmarshal([]byte(row["a_"].(string)), &state))
	assert.Equal(t, "because", state["reasoning_content"])
	assert.Contains(t, state, "reasoning_time")
}

func TestUnaryReasoningLandsInState(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("a", "${q}"), stateCol("a"),
	})
	router := &stubRouter{chatFn: func(req *model.ChatRequest) (*model.ChatResponse, error) {
		return &model.ChatResponse{
			Content:          "answer",
			ReasoningContent: "because",
			FinishReason:     model.FinishStop,
		}, nil
	}}
	eng := newTestEngine(store, router)

	_, err := eng.AddRows(context.Background(), &AddRequest{
		TableID: "docs",
		Data:    []map[string]any{{"q": "why?"}},
	}, nil)
	require.NoError(t, err)

	rowID := onlyRowID(t, store, "docs")
	row, err := store.GetRow(context.Background(), "docs", rowID)
	require.NoError(t, err)

	var state map[string]any
	require.NoError(t, json.Unmarshal([]byte(row["a_"].(string)), &state))
	assert.Equal(t, "because", state["reasoning_content"])
	assert.NotContains(t, state, "reasoning_time", "first-token time is a streaming measurement")
}

func TestEmbedCellNormalizesAndSkipsTokenEvents(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "text", DType: "str"},
		{ID: "vec", DType: "vector<f32,2>", Gen: &schema.GenConfig{
			Kind:  schema.GenEmbed,
			Embed: &schema.EmbedGenConfig{EmbeddingModel: "embedder", SourceColumn: "text"},
		}},
	})
	eng := newTestEngine(store, &stubRouter{})

	sink := &collectSink{}
	_, err := eng.AddRows(context.Background(), &AddRequest{
		TableID: "docs",
		Data:    []map[string]any{{"text": "hello"}},
		Stream:  true,
	}, sink)
	require.NoError(t, err)

	require.Len(t, sink.events, 1, "embed cells emit only the terminal chunk")
	chunk := sink.events[0].(*CellCompletionChunk)
	assert.Equal(t, model.FinishStop, chunk.FinishReason)
	assert.Empty(t, chunk.Choices[0].Delta.Content)
	assert.Equal(t, "embedder", chunk.Model)

	rowID := onlyRowID(t, store, "docs")
	row, err := store.GetRow(context.Background(), "docs", rowID)
	require.NoError(t, err)
	vec, ok := row["vec"].([]float32)
	require.True(t, ok)
	require.Len(t, vec, 2)
	assert.InDelta(t, 0.6, vec[0], 1e-6)
	assert.InDelta(t, 0.8, vec[1], 1e-6)
}

func TestCodeCellRunsSourceColumn(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "prog", DType: "str"},
		{ID: "out", DType: "str", Gen: &schema.GenConfig{
			Kind: schema.GenCode,
			Code: &schema.CodeGenConfig{SourceColumn: "prog"},
		}},
	})
	runner := &stubRunner{fn: func(source string, row map[string]any, outCol, dtype string) (any, error) {
		assert.Equal(t, "return 42", source)
		assert.Equal(t, "out", outCol)
		return 42, nil
	}}
	eng := newTestEngine(store, &stubRouter{}, func(c *Capabilities) { c.Runner = runner })

	resp, err := eng.AddRows(context.Background(), &AddRequest{
		TableID: "docs",
		Data:    []map[string]any{{"prog": "return 42"}},
	}, nil)
	require.NoError(t, err)

	out := resp.Rows[0].Columns["out"]
	require.NotNil(t, out)
	assert.Equal(t, "42", out.Content)
	assert.Equal(t, codeExecutionModel, out.Model)

	row, err := store.GetRow(context.Background(), "docs", resp.Rows[0].RowID)
	require.NoError(t, err)
	assert.Equal(t, "42", row["out"])
}

func TestFixedCodeCellKeepsTypedValue(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "x", DType: "int"},
		{ID: "sum", DType: "int", Gen: &schema.GenConfig{
			Kind:      schema.GenFixedCode,
			FixedCode: &schema.FixedCodeGenConfig{Code: "return row['x'] * 2"},
		}},
	})
	runner := &stubRunner{fn: func(source string, row map[string]any, outCol, dtype string) (any, error) {
		return 84, nil
	}}
	eng := newTestEngine(store, &stubRouter{}, func(c *Capabilities) { c.Runner = runner })

	resp, err := eng.AddRows(context.Background(), &AddRequest{
		TableID: "docs",
		Data:    []map[string]any{{"x": 42}},
	}, nil)
	require.NoError(t, err)

	row, err := store.GetRow(context.Background(), "docs", resp.Rows[0].RowID)
	require.NoError(t, err)
	assert.Equal(t, 84, row["sum"])
}

func TestPrefilledOutputCellIsSkipped(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "A ${q}"),
		llmCol("o2", "B ${o1}"),
	})
	router := &stubRouter{}
	eng := newTestEngine(store, router)

	resp, err := eng.AddRows(context.Background(), &AddRequest{
		TableID: "docs",
		Data:    []map[string]any{{"q": "x", "o1": "given"}},
	}, nil)
	require.NoError(t, err)

	assert.NotContains(t, resp.Rows[0].Columns, "o1", "pre-filled cells emit no events")
	assert.Equal(t, "r(B given)", resp.Rows[0].Columns["o2"].Content)
	assert.Len(t, router.chatCalls(), 1)

	row, err := store.GetRow(context.Background(), "docs", resp.Rows[0].RowID)
	require.NoError(t, err)
	assert.Equal(t, "given", row["o1"])
}

func TestEscapedReferenceStaysLiteral(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", `literal \${q} and real ${q}`),
	})
	router := &stubRouter{}
	eng := newTestEngine(store, router)

	_, err := eng.AddRows(context.Background(), &AddRequest{
		TableID: "docs",
		Data:    []map[string]any{{"q": "x"}},
	}, nil)
	require.NoError(t, err)

	calls := router.chatCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "literal ${q} and real x", calls[0].LastUserText())
}

func TestBlankPromptBecomesDot(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "  ${q}  "),
	})
	router := &stubRouter{}
	eng := newTestEngine(store, router)

	_, err := eng.AddRows(context.Background(), &AddRequest{
		TableID: "docs",
		Data:    []map[string]any{{"q": ""}},
	}, nil)
	require.NoError(t, err)

	calls := router.chatCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, ".", calls[0].LastUserText())
}

func TestAddRowsDropsUnknownColumns(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "X ${junk}${q}"),
	})
	router := &stubRouter{}
	eng := newTestEngine(store, router)

	data := map[string]any{"q": "x", "junk": "evil"}
	data[schema.ColumnUpdatedAt] = "forged"
	resp, err := eng.AddRows(context.Background(), &AddRequest{
		TableID: "docs",
		Data:    []map[string]any{data},
	}, nil)
	require.NoError(t, err)

	calls := router.chatCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "X x", calls[0].LastUserText(), "references outside the schema resolve empty")

	row, err := store.GetRow(context.Background(), "docs", resp.Rows[0].RowID)
	require.NoError(t, err)
	_, ok := row["junk"]
	assert.False(t, ok)
	assert.NotEqual(t, "forged", row[schema.ColumnUpdatedAt])
}

func TestCancelStopsRowDispatch(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "A ${q}"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := &stubRouter{}
	router.chatFn = func(req *model.ChatRequest) (*model.ChatResponse, error) {
		cancel()
		return &model.ChatResponse{Content: "late", FinishReason: model.FinishStop}, nil
	}
	eng := newTestEngine(store, router)

	data := make([]map[string]any, 6)
	for i := range data {
		data[i] = map[string]any{"q": fmt.Sprintf("q%d", i)}
	}
	// Non-concurrent batches dispatch one row at a time, so only the
	// row in flight when the context dies may reach the router.
	_, err := eng.AddRows(ctx, &AddRequest{TableID: "docs", Data: data}, nil)
	require.NoError(t, err)
	assert.Len(t, router.chatCalls(), 1, "no new rows dispatch after cancellation")
}

func TestAddValidation(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "A ${q}"),
	})
	eng := newTestEngine(store, &stubRouter{})
	ctx := context.Background()

	_, err := eng.AddRows(ctx, &AddRequest{TableID: "docs"}, nil)
	assert.True(t, IsBadInput(err), "empty data: %v", err)

	big := make([]map[string]any, MaxBatchRows+1)
	for i := range big {
		big[i] = map[string]any{"q": "x"}
	}
	_, err = eng.AddRows(ctx, &AddRequest{TableID: "docs", Data: big}, nil)
	assert.True(t, IsBadInput(err), "oversized batch: %v", err)

	_, err = eng.AddRows(ctx, &AddRequest{TableID: "nope", Data: []map[string]any{{"q": "x"}}}, nil)
	assert.ErrorIs(t, err, table.ErrTableNotFound)
}

func TestRegenValidation(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "A ${q}"),
	})
	eng := newTestEngine(store, &stubRouter{})
	ctx := context.Background()

	_, err := eng.RegenRows(ctx, &RegenRequest{TableID: "docs"}, nil)
	assert.True(t, IsBadInput(err), "empty row_ids: %v", err)

	_, err = eng.RegenRows(ctx, &RegenRequest{
		TableID: "docs", RowIDs: []string{"r1"}, Strategy: "run_sideways",
	}, nil)
	assert.True(t, IsBadInput(err), "unknown strategy: %v", err)

	_, err = eng.RegenRows(ctx, &RegenRequest{
		TableID: "docs", RowIDs: []string{"r1"}, Strategy: RunSelected, OutputColumnID: "q",
	}, nil)
	assert.True(t, IsBadInput(err), "non-output target: %v", err)
}

func TestRegenMissingRowEmitsErrorAndContinues(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "A ${q}"),
	})
	require.NoError(t, store.AddRows(context.Background(), "docs", []table.Row{{"q": "x"}}))
	goodID := onlyRowID(t, store, "docs")

	eng := newTestEngine(store, &stubRouter{})
	resp, err := eng.RegenRows(context.Background(), &RegenRequest{
		TableID:  "docs",
		RowIDs:   []string{"missing", goodID},
		Strategy: RunAll,
	}, nil)
	require.NoError(t, err, "per-row failures never abort the batch")
	require.Len(t, resp.Rows, 2)

	byID := map[string]RowCompletionResponse{}
	for _, r := range resp.Rows {
		byID[r.RowID] = r
	}
	missing := byID["missing"].Columns[""]
	require.NotNil(t, missing)
	assert.Equal(t, model.FinishError, missing.FinishReason)
	assert.Contains(t, missing.Content, "[ERROR]")

	good := byID[goodID].Columns["o1"]
	require.NotNil(t, good)
	assert.Equal(t, "r(A x)", good.Content)
}

func TestRegenIsIdempotentForSelected(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "A ${q}"),
	})
	require.NoError(t, store.AddRows(context.Background(), "docs", []table.Row{{"q": "x"}}))
	rowID := onlyRowID(t, store, "docs")
	eng := newTestEngine(store, &stubRouter{})

	req := &RegenRequest{TableID: "docs", RowIDs: []string{rowID}, Strategy: RunSelected, OutputColumnID: "o1"}
	_, err := eng.RegenRows(context.Background(), req, nil)
	require.NoError(t, err)
	first, err := store.GetRow(context.Background(), "docs", rowID)
	require.NoError(t, err)

	_, err = eng.RegenRows(context.Background(), req, nil)
	require.NoError(t, err)
	second, err := store.GetRow(context.Background(), "docs", rowID)
	require.NoError(t, err)
	assert.Equal(t, first["o1"], second["o1"])
}

// failingStore drops every durable write.
type failingStore struct {
	table.Store
}

func (f *failingStore) AddRows(ctx context.Context, tableID string, rows []table.Row) error {
	return fmt.Errorf("disk full")
}

func TestPersistFailureIsLoggedAndBatchCompletes(t *testing.T) {
	mem := table.NewMemStore()
	createTable(t, mem, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "A ${q}"),
	})
	eng := newTestEngine(&failingStore{Store: mem}, &stubRouter{})

	resp, err := eng.AddRows(context.Background(), &AddRequest{
		TableID: "docs",
		Data:    []map[string]any{{"q": "x"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "r(A x)", resp.Rows[0].Columns["o1"].Content)
}

func TestAddManyRowsAllPersisted(t *testing.T) {
	store := table.NewMemStore()
	createTable(t, store, "docs", []schema.Column{
		{ID: "q", DType: "str"},
		llmCol("o1", "A ${q}"),
	})
	eng := newTestEngine(store, &stubRouter{})

	n := 25
	data := make([]map[string]any, n)
	for i := range data {
		data[i] = map[string]any{"q": fmt.Sprintf("q%d", i)}
	}
	resp, err := eng.AddRows(context.Background(), &AddRequest{
		TableID:    "docs",
		Data:       data,
		Concurrent: true,
	}, nil)
	require.NoError(t, err)
	require.Len(t, resp.Rows, n)

	rows, err := store.ListRows(context.Background(), "docs", 0, 0)
	require.NoError(t, err)
	assert.Len(t, rows, n)
	for _, row := range rows {
		q := row["q"].(string)
		assert.Equal(t, "r(A "+q+")", row["o1"])
	}
}
