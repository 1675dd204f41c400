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

import "github.com/kadirpekel/tabula/pkg/table"

// aggregator folds the event stream of a non-streaming request into
// a MultiRowCompletionResponse. Rows appear in request order; rows
// only seen through events (regen fetch failures) follow.
type aggregator struct {
	order []string
	seen  map[string]bool
	cells map[string]map[string]*CellCompletionResponse
}

func newAggregator(rows []table.Row) *aggregator {
	a := &aggregator{
		seen:  make(map[string]bool, len(rows)),
		cells: make(map[string]map[string]*CellCompletionResponse),
	}
	for _, row := range rows {
		a.track(row.ID())
	}
	return a
}

func (a *aggregator) track(rowID string) {
	if !a.seen[rowID] {
		a.seen[rowID] = true
		a.order = append(a.order, rowID)
	}
}

func (a *aggregator) cell(rowID, column string) *CellCompletionResponse {
	a.track(rowID)
	row := a.cells[rowID]
	if row == nil {
		row = make(map[string]*CellCompletionResponse)
		a.cells[rowID] = row
	}
	c := row[column]
	if c == nil {
		c = &CellCompletionResponse{}
		row[column] = c
	}
	return c
}

func (a *aggregator) add(ev Event) {
	switch e := ev.(type) {
	case *CellCompletionChunk:
		c := a.cell(e.RowID, e.OutputColumnName)
		for _, choice := range e.Choices {
			c.Content += choice.Delta.Content
			c.ReasoningContent += choice.Delta.ReasoningContent
		}
		c.Model = e.Model
		if e.FinishReason != "" {
			c.FinishReason = e.FinishReason
		}
		if e.Usage != nil {
			c.Usage = e.Usage
		}
	case *CellReferences:
		a.cell(e.RowID, e.OutputColumnName).References = e
	}
}

// finishRow notes a completed row. Pre-filled cells produce no
// events, so the response covers exactly the cells that ran.
func (a *aggregator) finishRow(row table.Row) {
	a.track(row.ID())
}

func (a *aggregator) response() *MultiRowCompletionResponse {
	resp := &MultiRowCompletionResponse{Rows: make([]RowCompletionResponse, 0, len(a.order))}
	for _, rowID := range a.order {
		cols := a.cells[rowID]
		if cols == nil {
			cols = make(map[string]*CellCompletionResponse)
		}
		resp.Rows = append(resp.Rows, RowCompletionResponse{RowID: rowID, Columns: cols})
	}
	return resp
}
