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

// Package table provides the row persistence capability: table schemas,
// row storage with atomic multi-row writes, conversation threads for
// multi-turn columns, and prompt interpolation against stored rows.
package table

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/tabula/pkg/schema"
)

// ErrTableNotFound is returned when no table matches the given id.
var ErrTableNotFound = errors.New("table not found")

// ErrRowNotFound is returned when no row matches the given id.
var ErrRowNotFound = errors.New("row not found")

// Row maps column ids to cell values. Nil values mark errored or
// absent cells.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ID returns the row's "ID" value, or "".
func (r Row) ID() string {
	id, _ := r[schema.ColumnID].(string)
	return id
}

// Turn is one prior exchange of a multi-turn chat column.
type Turn struct {
	RowID     string
	User      string
	Assistant string
}

// Store is the persistence capability consumed by the engine. All row
// writes within one call are atomic.
type Store interface {
	// CreateTable registers a table schema. Existing schemas with the
	// same id are replaced.
	CreateTable(ctx context.Context, tbl *schema.Table) error

	// GetTable returns the schema for tableID, or ErrTableNotFound.
	GetTable(ctx context.Context, tableID string) (*schema.Table, error)

	// AddRows inserts rows atomically. Rows without an ID are assigned
	// one; the "Updated at" timestamp is always set by the store.
	AddRows(ctx context.Context, tableID string, rows []Row) error

	// UpdateRows merges the given column values into existing rows
	// atomically. Every row must carry an ID and exist.
	UpdateRows(ctx context.Context, tableID string, rows []Row) error

	// GetRow returns one row, or ErrRowNotFound.
	GetRow(ctx context.Context, tableID, rowID string) (Row, error)

	// ListRows returns rows ordered by ID ascending. limit <= 0 means
	// no limit.
	ListRows(ctx context.Context, tableID string, limit, offset int) ([]Row, error)

	// ConversationThread returns prior (user, assistant) turns of a
	// multi-turn column, for rows strictly before beforeRowID in ID
	// order. Rows where the column is nil are skipped.
	ConversationThread(ctx context.Context, tableID, columnID, beforeRowID string) ([]Turn, error)

	// InterpolateColumn renders the column's user prompt template
	// against the given row's values.
	InterpolateColumn(ctx context.Context, tableID, columnID, rowID string) (string, error)

	// Close releases the store.
	Close() error
}

// NewRowID returns a new sortable row id. UUIDv7 embeds a millisecond
// timestamp, so lexicographic order tracks creation order.
func NewRowID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowTimestamp renders the current UTC time for "Updated at" cells.
func NowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// normalizeNewRow restricts a row to schema columns, assigns an ID when
// absent, and stamps "Updated at". The caller's "Updated at" is always
// dropped.
func normalizeNewRow(tbl *schema.Table, row Row) Row {
	out := make(Row, len(row)+2)
	for k, v := range row {
		if k == schema.ColumnUpdatedAt {
			continue
		}
		if tbl.Column(k) != nil {
			out[k] = v
		}
	}
	if out.ID() == "" {
		out[schema.ColumnID] = NewRowID()
	}
	out[schema.ColumnUpdatedAt] = NowTimestamp()
	return out
}

// buildThread assembles the conversation turns for a multi-turn column
// from rows already ordered by ID ascending.
func buildThread(tbl *schema.Table, columnID, beforeRowID string, rows []Row) ([]Turn, error) {
	col := tbl.Column(columnID)
	if col == nil {
		return nil, fmt.Errorf("table %s: column %q not found", tbl.ID, columnID)
	}
	if col.Gen == nil || col.Gen.Kind != schema.GenLLM || col.Gen.LLM == nil {
		return nil, fmt.Errorf("table %s: column %q is not a chat column", tbl.ID, columnID)
	}

	var turns []Turn
	for _, row := range rows {
		id := row.ID()
		if beforeRowID != "" && id >= beforeRowID {
			break
		}
		v, ok := row[columnID]
		if !ok || v == nil {
			continue
		}
		turns = append(turns, Turn{
			RowID:     id,
			User:      schema.Interpolate(col.Gen.LLM.UserPrompt, row),
			Assistant: schema.Stringify(v),
		})
	}
	return turns, nil
}

// interpolateColumn renders the column's user prompt against a row.
func interpolateColumn(tbl *schema.Table, columnID string, row Row) (string, error) {
	col := tbl.Column(columnID)
	if col == nil {
		return "", fmt.Errorf("table %s: column %q not found", tbl.ID, columnID)
	}
	if col.Gen == nil || col.Gen.Kind != schema.GenLLM || col.Gen.LLM == nil {
		return "", fmt.Errorf("table %s: column %q has no prompt template", tbl.ID, columnID)
	}
	return schema.Interpolate(col.Gen.LLM.UserPrompt, row), nil
}
