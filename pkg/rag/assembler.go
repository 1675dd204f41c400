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

// Package rag assembles retrieval-grounded prompts: it rewrites the
// user turn into search queries, runs hybrid search over a knowledge
// table, optionally reranks, and splices the retrieved chunks into
// the chat request.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/tabula/pkg/knowledge"
	"github.com/kadirpekel/tabula/pkg/model"
	"github.com/kadirpekel/tabula/pkg/schema"
	"github.com/kadirpekel/tabula/pkg/table"
)

// ErrNoUserMessage means the request has no user turn to ground.
// Callers treat it as bad input.
var ErrNoUserMessage = errors.New("no user message to ground")

// References reports what a grounded prompt was built from.
type References struct {
	SearchQuery string            `json:"search_query"`
	Chunks      []knowledge.Chunk `json:"chunks"`
}

// Assembler implements grounded prompt assembly.
type Assembler struct {
	router     model.Client
	search     knowledge.Searcher
	store      table.Store
	projectID  string
	embedModel string
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithEmbedModel names the router deployment used to embed the vector
// query. Empty disables the vector leg of hybrid search.
func WithEmbedModel(name string) Option {
	return func(a *Assembler) { a.embedModel = name }
}

// WithClock overrides the timestamp used to resolve relative dates.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithLogger sets the assembler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) { a.logger = logger }
}

// NewAssembler builds an assembler over a router, a knowledge
// searcher, and the store holding knowledge table schemas.
func NewAssembler(router model.Client, search knowledge.Searcher, store table.Store, projectID string, opts ...Option) *Assembler {
	a := &Assembler{
		router:    router,
		search:    search,
		store:     store,
		projectID: projectID,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble replaces the request's user turn with a grounded prompt
// and returns the modified request plus the references backing it.
// The input request is not mutated.
func (a *Assembler) Assemble(ctx context.Context, req *model.ChatRequest, params *schema.RAGParams) (*model.ChatRequest, *References, error) {
	tbl, err := a.store.GetTable(ctx, params.KnowledgeTableID)
	if err != nil {
		return nil, nil, fmt.Errorf("knowledge table %s: %w", params.KnowledgeTableID, err)
	}

	k := params.K
	if k <= 0 {
		k = schema.DefaultRAGK
	}

	ftsQuery, vsQuery := a.resolveQueries(ctx, req, params)

	cols := searchableColumns(tbl)
	rows, err := a.search.HybridSearch(ctx, tbl.ID, ftsQuery, vsQuery, a.embedFunc(), cols, k, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("hybrid search over %s: %w", tbl.ID, err)
	}

	textCol := textColumn(tbl, cols)
	chunks := make([]knowledge.Chunk, 0, len(rows))
	for _, row := range rows {
		c := knowledge.ChunkFromRow(row, textCol)
		c.Metadata["project_id"] = a.projectID
		c.Metadata["table_id"] = tbl.ID
		chunks = append(chunks, c)
	}

	if params.RerankingModel != "" && len(chunks) > 1 {
		chunks = a.rerank(ctx, params.RerankingModel, vsQuery, chunks)
	}
	if len(chunks) > k {
		chunks = chunks[:k]
	}

	idx := replacementIndex(req.Messages)
	if idx < 0 {
		return nil, nil, ErrNoUserMessage
	}

	out := req.Clone()
	target := &out.Messages[idx]
	target.SetText(groundedPrompt(chunks, target.Text(), params.InlineCitations))

	return out, &References{SearchQuery: vsQuery, Chunks: chunks}, nil
}

// resolveQueries returns the FTS and vector queries, synthesizing the
// missing ones with two parallel rewrite calls. Any rewrite failure
// falls back to the last user message's text for both.
func (a *Assembler) resolveQueries(ctx context.Context, req *model.ChatRequest, params *schema.RAGParams) (string, string) {
	ftsQuery, vsQuery := params.FTSQuery, params.VSQuery
	if ftsQuery != "" && vsQuery != "" {
		return ftsQuery, vsQuery
	}

	userText := req.LastUserText()
	g, gctx := errgroup.WithContext(ctx)
	var rewrittenFTS, rewrittenVS string
	if ftsQuery == "" {
		g.Go(func() error {
			var err error
			rewrittenFTS, err = a.rewrite(gctx, req, params, ftsRewritePrompt, userText)
			return err
		})
	}
	if vsQuery == "" {
		g.Go(func() error {
			var err error
			rewrittenVS, err = a.rewrite(gctx, req, params, vsRewritePrompt, userText)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.Warn("query rewrite failed, falling back to user text", "error", err)
		return userText, userText
	}
	if ftsQuery == "" {
		ftsQuery = rewrittenFTS
	}
	if vsQuery == "" {
		vsQuery = rewrittenVS
	}
	return ftsQuery, vsQuery
}

func (a *Assembler) rewrite(ctx context.Context, req *model.ChatRequest, params *schema.RAGParams, system, userText string) (string, error) {
	chatParams, err := model.DecodeParams(params.Hyperparameters)
	if err != nil {
		return "", err
	}
	resp, err := a.router.Chat(ctx, &model.ChatRequest{
		Model: req.Model,
		Messages: []model.Message{
			model.SystemMessage(fmt.Sprintf(system, a.now().UTC().Format(time.RFC3339))),
			model.UserMessage(userText),
		},
		Params: chatParams,
	})
	if err != nil {
		return "", err
	}
	query := strings.TrimSpace(resp.Content)
	if query == "" {
		return "", fmt.Errorf("rewrite produced an empty query")
	}
	return query, nil
}

// rerank reorders chunks by model relevance. Failures keep the fused
// order; partial results are honored as returned.
func (a *Assembler) rerank(ctx context.Context, rerankModel, query string, chunks []knowledge.Chunk) []knowledge.Chunk {
	docs := make([]string, len(chunks))
	for i, c := range chunks {
		docs[i] = c.Text
	}
	ranked, err := a.router.Rerank(ctx, rerankModel, query, docs)
	if err != nil {
		a.logger.Warn("rerank failed, keeping fused order", "model", rerankModel, "error", err)
		return chunks
	}
	out := make([]knowledge.Chunk, 0, len(ranked))
	for _, r := range ranked {
		if r.Index >= 0 && r.Index < len(chunks) {
			out = append(out, chunks[r.Index])
		}
	}
	if len(out) == 0 {
		return chunks
	}
	return out
}

func (a *Assembler) embedFunc() knowledge.EmbedFunc {
	if a.embedModel == "" {
		return nil
	}
	return func(ctx context.Context, texts []string) ([][]float32, error) {
		resp, err := a.router.Embed(ctx, a.embedModel, texts)
		if err != nil {
			return nil, err
		}
		return resp.Embeddings, nil
	}
}

// replacementIndex picks the message the grounded prompt replaces:
// the last message when it is a user turn, otherwise the message just
// before it, otherwise -1.
func replacementIndex(messages []model.Message) int {
	n := len(messages)
	if n == 0 {
		return -1
	}
	if messages[n-1].Role == model.RoleUser {
		return n - 1
	}
	if n >= 2 && messages[n-2].Role == model.RoleUser {
		return n - 2
	}
	return -1
}

// searchableColumns lists the text-bearing columns of a knowledge
// table.
func searchableColumns(tbl *schema.Table) []string {
	var cols []string
	for _, col := range tbl.Columns {
		if col.IsInfo() || col.IsState() {
			continue
		}
		if col.DType == string(schema.DTypeStr) || col.IsDocument() {
			cols = append(cols, col.ID)
		}
	}
	return cols
}

// textColumn picks the column supplying chunk bodies: one named
// "text" when present, else the first searchable column.
func textColumn(tbl *schema.Table, cols []string) string {
	for _, c := range cols {
		if strings.EqualFold(c, "text") {
			return c
		}
	}
	if len(cols) > 0 {
		return cols[0]
	}
	return ""
}
