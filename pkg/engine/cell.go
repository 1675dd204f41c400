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

package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/tabula/pkg/billing"
	"github.com/kadirpekel/tabula/pkg/codeexec"
	"github.com/kadirpekel/tabula/pkg/loader"
	"github.com/kadirpekel/tabula/pkg/model"
	"github.com/kadirpekel/tabula/pkg/observability"
	"github.com/kadirpekel/tabula/pkg/rag"
	"github.com/kadirpekel/tabula/pkg/schema"
	"github.com/kadirpekel/tabula/pkg/table"
)

// codeExecutionModel is the model name reported on code cell events.
const codeExecutionModel = "code_execution"

// Grounder is the RAG prompt assembly capability.
type Grounder interface {
	Assemble(ctx context.Context, req *model.ChatRequest, params *schema.RAGParams) (*model.ChatRequest, *rag.References, error)
}

// ToolLister resolves a tool source name to tool definitions.
type ToolLister interface {
	Tools(ctx context.Context, name string) ([]model.ToolDefinition, error)
}

// Capabilities are the external collaborators the engine executes
// against. Store and Router are required; the rest may be nil when
// the corresponding column kinds are unused.
type Capabilities struct {
	Store    table.Store
	Router   model.Client
	Loader   *loader.Service
	Runner   codeexec.Runner
	Grounder Grounder
	Tools    ToolLister
	Metrics  *observability.Metrics
	Billing  *billing.Accumulator
	Logger   *slog.Logger
}

// cellExecutor runs exactly one cell task against the capabilities
// and emits its events.
type cellExecutor struct {
	caps Capabilities
	tbl  *schema.Table
}

// cellResult is what a finished cell hands back to its row executor.
type cellResult struct {
	value   any
	state   map[string]any
	cellErr *CellError
}

// execute runs one cell task. Failures are contained: they come back
// as cellResult.cellErr after an error final event, never as a
// panic. emit pushes events toward the orchestrator queue and may
// block on backpressure.
func (e *cellExecutor) execute(ctx context.Context, col *schema.Column, deps []string, row table.Row, errored map[string]bool, rowID string, stream bool, emit func(Event)) cellResult {
	// Pre-filled cells bypass generation entirely: no events, no
	// capability calls.
	if v, ok := row[col.ID]; ok {
		return cellResult{value: v}
	}

	if failed := failedDeps(deps, errored); len(failed) > 0 {
		cellErr := upstreamError(col.ID, failed)
		emitError(emit, rowID, col.ID, genModelName(col), cellErr)
		return cellResult{state: map[string]any{"error": cellErr.Message}, cellErr: cellErr}
	}

	start := time.Now()
	var res cellResult
	switch col.Gen.Kind {
	case schema.GenLLM:
		res = e.runLLM(ctx, col, row, rowID, stream, emit)
	case schema.GenEmbed:
		res = e.runEmbed(ctx, col, row, rowID, emit)
	case schema.GenCode:
		res = e.runCode(ctx, col, schema.Stringify(row[col.Gen.Code.SourceColumn]), row, rowID, false, emit)
	case schema.GenFixedCode:
		res = e.runCode(ctx, col, col.Gen.FixedCode.Code, row, rowID, true, emit)
	default:
		cellErr := &CellError{Column: col.ID, Kind: KindInternal, Message: fmt.Sprintf("unknown gen kind %q", col.Gen.Kind)}
		emitError(emit, rowID, col.ID, "", cellErr)
		res = cellResult{cellErr: cellErr}
	}
	e.caps.Metrics.RecordCell(ctx, col.ID, string(col.Gen.Kind), time.Since(start).Seconds(), res.cellErr != nil)
	if res.cellErr != nil {
		if res.state == nil {
			res.state = map[string]any{}
		}
		res.state["error"] = res.cellErr.Message
	}
	return res
}

func failedDeps(deps []string, errored map[string]bool) []string {
	var failed []string
	for _, d := range deps {
		if errored[d] {
			failed = append(failed, d)
		}
	}
	return failed
}

func genModelName(col *schema.Column) string {
	switch col.Gen.Kind {
	case schema.GenLLM:
		return col.Gen.LLM.Model
	case schema.GenEmbed:
		return col.Gen.Embed.EmbeddingModel
	case schema.GenCode, schema.GenFixedCode:
		return codeExecutionModel
	}
	return ""
}

// emitError pushes the contained-failure final event: finish_reason
// "error" and "[ERROR] <message>" as content.
func emitError(emit func(Event), rowID, column, modelName string, cellErr *CellError) {
	em := newChunkEmitter(rowID, column, modelName)
	emit(em.chunk(ChunkDelta{Content: "[ERROR] " + cellErr.Message}, model.FinishError, nil))
}

// classify maps a capability failure onto the error taxonomy.
func classify(column string, err error) *CellError {
	var ce *CellError
	if errors.As(err, &ce) {
		return ce
	}
	kind := KindInternal
	var pe *model.ProviderError
	switch {
	case errors.As(err, &pe):
		kind = KindProvider
	case errors.Is(err, table.ErrTableNotFound), errors.Is(err, table.ErrRowNotFound), errors.Is(err, model.ErrDeploymentNotFound):
		kind = KindNotFound
	case errors.Is(err, rag.ErrNoUserMessage), errors.Is(err, loader.ErrUnsupported):
		kind = KindBadInput
	}
	return newCellError(column, kind, err)
}

// ---------------------------------------------------------------------------
// LLM chat cells

func (e *cellExecutor) runLLM(ctx context.Context, col *schema.Column, row table.Row, rowID string, stream bool, emit func(Event)) cellResult {
	cfg := col.Gen.LLM
	fail := func(err error) cellResult {
		cellErr := classify(col.ID, err)
		emitError(emit, rowID, col.ID, cfg.Model, cellErr)
		return cellResult{cellErr: cellErr}
	}

	req, err := e.buildChatRequest(ctx, col, row, rowID)
	if err != nil {
		return fail(err)
	}

	state := map[string]any{}
	if cfg.RAG != nil {
		if e.caps.Grounder == nil {
			return fail(fmt.Errorf("rag_params set but no assembler is configured"))
		}
		grounded, refs, err := e.caps.Grounder.Assemble(ctx, req, cfg.RAG)
		if err != nil {
			return fail(err)
		}
		req = grounded
		references := &CellReferences{
			RowID:            rowID,
			OutputColumnName: col.ID,
			SearchQuery:      refs.SearchQuery,
			Chunks:           refs.Chunks,
		}
		emit(references)
		state["references"] = refs
	}

	em := newChunkEmitter(rowID, col.ID, cfg.Model)
	start := time.Now()

	if !stream {
		resp, err := e.caps.Router.Chat(ctx, req)
		if err != nil {
			return fail(err)
		}
		e.caps.Metrics.RecordTokens(ctx, cfg.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		if resp.ReasoningContent != "" {
			state["reasoning_content"] = resp.ReasoningContent
		}
		usage := resp.Usage
		emit(em.chunk(ChunkDelta{
			Content:          resp.Content,
			ReasoningContent: resp.ReasoningContent,
			ToolCalls:        resp.ToolCalls,
		}, finishOrStop(resp.FinishReason), &usage))
		return cellResult{value: resp.Content, state: state}
	}

	ch, err := e.caps.Router.ChatStream(ctx, req)
	if err != nil {
		return fail(err)
	}

	var content, reasoning strings.Builder
	var firstToken time.Duration = -1
	var usage *model.Usage
	for delta := range ch {
		if delta.Err != nil {
			return fail(delta.Err)
		}
		if delta.Content != "" && firstToken < 0 {
			firstToken = time.Since(start)
		}
		content.WriteString(delta.Content)
		reasoning.WriteString(delta.ReasoningContent)
		if delta.Usage != nil {
			usage = delta.Usage
		}
		emit(em.chunk(ChunkDelta{
			Content:          delta.Content,
			ReasoningContent: delta.ReasoningContent,
			ToolCalls:        delta.ToolCalls,
		}, delta.FinishReason, delta.Usage))
	}
	if firstToken < 0 {
		firstToken = time.Since(start)
	}
	if usage != nil {
		e.caps.Metrics.RecordTokens(ctx, cfg.Model, usage.PromptTokens, usage.CompletionTokens)
	}
	state["reasoning_time"] = firstToken.Seconds()
	if reasoning.Len() > 0 {
		state["reasoning_content"] = reasoning.String()
	}
	return cellResult{value: content.String(), state: state}
}

func finishOrStop(reason string) string {
	if reason == "" {
		return model.FinishStop
	}
	return reason
}

// buildChatRequest assembles messages for a chat cell: optional
// system prompt, multi-turn history, and the substituted user turn
// with any file attachments.
func (e *cellExecutor) buildChatRequest(ctx context.Context, col *schema.Column, row table.Row, rowID string) (*model.ChatRequest, error) {
	cfg := col.Gen.LLM

	var messages []model.Message
	if cfg.SystemPrompt != "" {
		messages = append(messages, model.SystemMessage(strings.TrimSpace(schema.Interpolate(cfg.SystemPrompt, row))))
	}
	if cfg.MultiTurn {
		turns, err := e.caps.Store.ConversationThread(ctx, e.tbl.ID, col.ID, rowID)
		if err != nil {
			return nil, err
		}
		for _, turn := range turns {
			messages = append(messages,
				model.UserMessage(turn.User),
				model.AssistantMessage(turn.Assistant))
		}
	}

	userMsg, err := e.renderUserMessage(ctx, cfg.UserPrompt, row)
	if err != nil {
		return nil, err
	}
	messages = append(messages, userMsg)

	params, err := model.DecodeParams(cfg.Hyperparameters)
	if err != nil {
		return nil, badInput("invalid hyperparameters: %v", err)
	}
	if cfg.ReasoningEffort != "" {
		params.ReasoningEffort = cfg.ReasoningEffort
	}

	req := &model.ChatRequest{Model: cfg.Model, Messages: messages, Params: params}
	for _, source := range cfg.Tools {
		if e.caps.Tools == nil {
			return nil, fmt.Errorf("column references tool source %q but no tool registry is configured", source)
		}
		defs, err := e.caps.Tools.Tools(ctx, source)
		if err != nil {
			return nil, err
		}
		req.Tools = append(req.Tools, defs...)
	}
	return req, nil
}

// renderUserMessage substitutes ${col} references into the user
// prompt. References to file columns are replaced by parsed document
// text, or by the empty string for image/audio, which are instead
// attached as multimodal parts.
func (e *cellExecutor) renderUserMessage(ctx context.Context, prompt string, row table.Row) (model.Message, error) {
	values := make(map[string]string)
	var parts []model.ContentPart

	for _, ref := range schema.ExtractRefs(prompt) {
		refCol := e.tbl.Column(ref)
		if refCol == nil {
			continue
		}
		raw := schema.Stringify(row[ref])
		d, err := schema.ParseDType(refCol.DType)
		if err != nil || !d.IsFile() || raw == "" {
			values[ref] = raw
			continue
		}

		data, err := e.caps.Loader.OpenURI(ctx, raw)
		if err != nil {
			return model.Message{}, err
		}
		switch d.Kind {
		case schema.DTypeDocument:
			text, err := e.caps.Loader.LoadDocument(ctx, raw, data)
			if err != nil {
				return model.Message{}, err
			}
			values[ref] = text
		case schema.DTypeImage:
			values[ref] = ""
			parts = append(parts, model.ContentPart{
				Type:      model.ContentPartImageBase64,
				MediaType: loader.MimeType(raw),
				Data:      base64.StdEncoding.EncodeToString(data),
			})
		case schema.DTypeAudio:
			values[ref] = ""
			parts = append(parts, model.ContentPart{
				Type:      model.ContentPartAudioBase64,
				MediaType: audioFormat(raw),
				Data:      base64.StdEncoding.EncodeToString(data),
			})
		}
	}

	text := strings.TrimSpace(schema.Substitute(prompt, func(name string) (string, bool) {
		if v, ok := values[name]; ok {
			return v, true
		}
		v, ok := row[name]
		if !ok {
			return "", false
		}
		return schema.Stringify(v), true
	}))
	if text == "" {
		text = "."
	}

	if len(parts) == 0 {
		return model.UserMessage(text), nil
	}
	all := append([]model.ContentPart{{Type: model.ContentPartText, Text: text}}, parts...)
	return model.Message{Role: model.RoleUser, Parts: all}, nil
}

// audioFormat maps an audio URI to the short format name providers
// expect ("wav", "mp3", ...).
func audioFormat(uri string) string {
	mime := loader.MimeType(uri)
	if idx := strings.IndexByte(mime, '/'); idx >= 0 && strings.HasPrefix(mime, "audio/") {
		return mime[idx+1:]
	}
	return "wav"
}

// ---------------------------------------------------------------------------
// Embed cells

func (e *cellExecutor) runEmbed(ctx context.Context, col *schema.Column, row table.Row, rowID string, emit func(Event)) cellResult {
	cfg := col.Gen.Embed
	fail := func(err error) cellResult {
		cellErr := classify(col.ID, err)
		emitError(emit, rowID, col.ID, cfg.EmbeddingModel, cellErr)
		return cellResult{cellErr: cellErr}
	}

	source := schema.Stringify(row[cfg.SourceColumn])
	if source == "" {
		source = "."
	}

	resp, err := e.caps.Router.Embed(ctx, cfg.EmbeddingModel, []string{source})
	if err != nil {
		return fail(err)
	}
	if len(resp.Embeddings) != 1 {
		return fail(fmt.Errorf("expected 1 embedding, got %d", len(resp.Embeddings)))
	}

	d, err := schema.ParseDType(col.DType)
	if err != nil {
		return fail(err)
	}
	vec, err := schema.EncodeVector(resp.Embeddings[0], d)
	if err != nil {
		return fail(err)
	}

	// No token events for embed cells, just the terminal chunk.
	em := newChunkEmitter(rowID, col.ID, cfg.EmbeddingModel)
	usage := resp.Usage
	emit(em.chunk(ChunkDelta{}, model.FinishStop, &usage))
	return cellResult{value: vec}
}

// ---------------------------------------------------------------------------
// Code cells

func (e *cellExecutor) runCode(ctx context.Context, col *schema.Column, source string, row table.Row, rowID string, typed bool, emit func(Event)) cellResult {
	fail := func(err error) cellResult {
		cellErr := classify(col.ID, err)
		emitError(emit, rowID, col.ID, codeExecutionModel, cellErr)
		return cellResult{cellErr: cellErr}
	}

	if strings.TrimSpace(source) == "" {
		return fail(badInput("column %s has no source code to run", col.ID))
	}
	if e.caps.Runner == nil {
		return fail(codeexec.ErrDisabled)
	}

	snapshot, err := e.codeSnapshot(ctx, row)
	if err != nil {
		return fail(err)
	}

	out, err := e.caps.Runner.Run(ctx, source, snapshot, col.ID, col.DType)
	if err != nil {
		return fail(err)
	}

	em := newChunkEmitter(rowID, col.ID, codeExecutionModel)
	rendered := schema.Stringify(out)
	emit(em.chunk(ChunkDelta{Content: rendered}, model.FinishStop, nil))

	if typed {
		return cellResult{value: out}
	}
	return cellResult{value: rendered}
}

// codeSnapshot prepares the row for the code runner: image and audio
// URIs are fetched into raw bytes, documents stay as URIs.
func (e *cellExecutor) codeSnapshot(ctx context.Context, row table.Row) (map[string]any, error) {
	snapshot := make(map[string]any, len(row))
	for k, v := range row {
		snapshot[k] = v
	}
	for i := range e.tbl.Columns {
		col := &e.tbl.Columns[i]
		d, err := schema.ParseDType(col.DType)
		if err != nil || (d.Kind != schema.DTypeImage && d.Kind != schema.DTypeAudio) {
			continue
		}
		uri := schema.Stringify(row[col.ID])
		if uri == "" {
			continue
		}
		data, err := e.caps.Loader.OpenURI(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", col.ID, err)
		}
		snapshot[col.ID] = data
	}
	return snapshot, nil
}
