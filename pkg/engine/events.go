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
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/tabula/pkg/knowledge"
	"github.com/kadirpekel/tabula/pkg/model"
	"github.com/kadirpekel/tabula/pkg/table"
)

// Event is a cell-level record streamed to the client: either a
// CellCompletionChunk or a CellReferences.
type Event interface {
	eventRowID() string
	eventColumn() string
}

// ChunkDelta carries one streamed fragment.
type ChunkDelta struct {
	Content          string           `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []model.ToolCall `json:"tool_calls,omitempty"`
}

// ChunkChoice wraps a delta in the familiar completions shape.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// CellCompletionChunk is one streamed fragment of a cell's
// generation. A terminal chunk carries a finish reason and, when the
// provider reports it, usage.
type CellCompletionChunk struct {
	RowID            string        `json:"row_id"`
	OutputColumnName string        `json:"output_column_name"`
	ID               string        `json:"id"`
	Created          int64         `json:"created"`
	Model            string        `json:"model"`
	Usage            *model.Usage  `json:"usage,omitempty"`
	Choices          []ChunkChoice `json:"choices"`
	FinishReason     string        `json:"finish_reason,omitempty"`
}

func (c *CellCompletionChunk) eventRowID() string  { return c.RowID }
func (c *CellCompletionChunk) eventColumn() string { return c.OutputColumnName }

// CellReferences reports the retrieval grounding of a RAG cell. It is
// emitted at most once per cell, before any content chunk.
type CellReferences struct {
	RowID            string            `json:"row_id"`
	OutputColumnName string            `json:"output_column_name"`
	SearchQuery      string            `json:"search_query"`
	Chunks           []knowledge.Chunk `json:"chunks"`
}

func (r *CellReferences) eventRowID() string  { return r.RowID }
func (r *CellReferences) eventColumn() string { return r.OutputColumnName }

// chunkEmitter builds the chunks of one cell with a stable id.
type chunkEmitter struct {
	rowID   string
	column  string
	id      string
	created int64
	model   string
}

func newChunkEmitter(rowID, column, modelName string) *chunkEmitter {
	return &chunkEmitter{
		rowID:   rowID,
		column:  column,
		id:      "cell-" + uuid.NewString(),
		created: time.Now().Unix(),
		model:   modelName,
	}
}

func (e *chunkEmitter) chunk(delta ChunkDelta, finish string, usage *model.Usage) *CellCompletionChunk {
	return &CellCompletionChunk{
		RowID:            e.rowID,
		OutputColumnName: e.column,
		ID:               e.id,
		Created:          e.created,
		Model:            e.model,
		Usage:            usage,
		Choices:          []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		FinishReason:     finish,
	}
}

// CellCompletionResponse is the per-cell aggregate of a non-streaming
// request.
type CellCompletionResponse struct {
	Content          string          `json:"content"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	Model            string          `json:"model,omitempty"`
	Usage            *model.Usage    `json:"usage,omitempty"`
	FinishReason     string          `json:"finish_reason,omitempty"`
	References       *CellReferences `json:"references,omitempty"`
}

// RowCompletionResponse aggregates one row's cells.
type RowCompletionResponse struct {
	RowID   string                             `json:"row_id"`
	Columns map[string]*CellCompletionResponse `json:"columns"`
}

// MultiRowCompletionResponse is the non-streaming batch response.
type MultiRowCompletionResponse struct {
	Rows []RowCompletionResponse `json:"rows"`
}

// queueItem travels the orchestrator's MPSC queue: a cell event, or a
// row-final record (event nil) carrying the finished row dict.
type queueItem struct {
	event Event
	row   table.Row
}
