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
	"encoding/json"
	"log/slog"

	"github.com/kadirpekel/tabula/pkg/schema"
	"github.com/kadirpekel/tabula/pkg/table"
)

// rowExecutor runs all output cells of one row, respecting the
// dependency order and bounding cell concurrency.
type rowExecutor struct {
	cells    *cellExecutor
	tbl      *schema.Table
	analysis *schema.Analysis
	colBatch int
	logger   *slog.Logger
}

type colResult struct {
	col string
	res cellResult
}

// run executes the row's missing output cells and returns the
// completed row dict: input values, generated values (nil where a
// cell errored), and state columns for cells that produced state.
// The dict is mutated only by this goroutine; cell tasks report back
// over a channel.
func (r *rowExecutor) run(ctx context.Context, row table.Row, stream bool, emit func(Event)) table.Row {
	dict := row.Clone()
	rowID := dict.ID()

	outputs := r.tbl.OutputColumns()
	isOutput := make(map[string]bool, len(outputs))
	for _, c := range outputs {
		isOutput[c.ID] = true
	}

	var pending []*schema.Column
	for _, c := range outputs {
		if _, ok := dict[c.ID]; !ok {
			pending = append(pending, c)
		}
	}

	errored := make(map[string]bool)
	running := make(map[string]bool)
	results := make(chan colResult)
	active := 0
	remaining := len(pending)

	ready := func(c *schema.Column) bool {
		for _, dep := range r.analysis.Dependencies(c.ID) {
			if !isOutput[dep] {
				continue
			}
			if _, ok := dict[dep]; !ok {
				return false
			}
		}
		return true
	}

	launch := func(c *schema.Column) {
		running[c.ID] = true
		active++
		deps := r.analysis.Dependencies(c.ID)
		failed := make(map[string]bool, len(errored))
		for k := range errored {
			failed[k] = true
		}
		// Cells run against a snapshot so the scheduler can keep
		// settling other cells into dict.
		snapshot := dict.Clone()
		go func(col *schema.Column) {
			res := r.cells.execute(ctx, col, deps, snapshot, failed, rowID, stream, emit)
			results <- colResult{col: col.ID, res: res}
		}(c)
	}

	for remaining > 0 {
		for _, c := range pending {
			if active >= r.colBatch {
				break
			}
			if _, done := dict[c.ID]; done || running[c.ID] {
				continue
			}
			if ready(c) {
				launch(c)
			}
		}

		if active == 0 {
			// Nothing runnable and nothing in flight: the leftover
			// cells' dependencies will never materialize.
			for _, c := range pending {
				if _, done := dict[c.ID]; done || running[c.ID] {
					continue
				}
				cellErr := &CellError{Column: c.ID, Kind: KindInternal, Message: "dependency never satisfied"}
				emitError(emit, rowID, c.ID, genModelName(c), cellErr)
				r.settle(dict, c, cellResult{state: map[string]any{"error": cellErr.Message}, cellErr: cellErr}, rowID)
				remaining--
			}
			break
		}

		out := <-results
		active--
		remaining--
		delete(running, out.col)
		if out.res.cellErr != nil {
			errored[out.col] = true
		}
		r.settle(dict, r.tbl.Column(out.col), out.res, rowID)
	}

	return dict
}

// settle writes a finished cell into the row dict. Errored cells
// store nil so dependents observe readiness; state maps are encoded
// as JSON text in the sibling state column.
func (r *rowExecutor) settle(dict table.Row, col *schema.Column, res cellResult, rowID string) {
	if res.cellErr != nil {
		dict[col.ID] = nil
		r.logger.Warn("cell failed",
			"row_id", rowID,
			"column", col.ID,
			"kind", string(res.cellErr.Kind),
			"error", res.cellErr.Message)
	} else {
		dict[col.ID] = res.value
	}
	if len(res.state) > 0 {
		if encoded, err := json.Marshal(res.state); err == nil {
			dict[col.StateColumn()] = string(encoded)
		}
	}
}
