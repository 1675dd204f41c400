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

// Package engine executes generative table batches: it analyzes
// column dependencies, runs cells against model, code, and retrieval
// capabilities, streams cell events, and persists finished rows.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/tabula/pkg/config"
	"github.com/kadirpekel/tabula/pkg/model"
	"github.com/kadirpekel/tabula/pkg/schema"
	"github.com/kadirpekel/tabula/pkg/table"
)

// MaxBatchRows bounds the rows of one add or regen request.
const MaxBatchRows = 100

// RegenStrategy selects which output columns a regen request
// recomputes.
type RegenStrategy string

const (
	// RunAll recomputes every output column.
	RunAll RegenStrategy = "run_all"

	// RunBefore recomputes the target column and every output column
	// to its left.
	RunBefore RegenStrategy = "run_before"

	// RunSelected recomputes only the target column.
	RunSelected RegenStrategy = "run_selected"

	// RunAfter recomputes every output column to the right of the
	// target; the target's own value is kept.
	RunAfter RegenStrategy = "run_after"
)

// AddRequest generates output columns for new rows.
type AddRequest struct {
	TableID    string           `json:"table_id"`
	Data       []map[string]any `json:"data"`
	Stream     bool             `json:"stream"`
	Concurrent bool             `json:"concurrent"`
}

// RegenRequest recomputes output columns of existing rows.
type RegenRequest struct {
	TableID        string        `json:"table_id"`
	RowIDs         []string      `json:"row_ids"`
	Strategy       RegenStrategy `json:"regen_strategy"`
	OutputColumnID string        `json:"output_column_id,omitempty"`
	Stream         bool          `json:"stream"`
	Concurrent     bool          `json:"concurrent"`
}

// Sink receives the events of a streaming request in order.
type Sink interface {
	Send(event Event) error
}

// Engine is the batch orchestrator.
type Engine struct {
	caps   Capabilities
	cfg    config.EngineConfig
	logger *slog.Logger
}

// New builds an engine over the given capabilities.
func New(caps Capabilities, cfg config.EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentCells <= 0 {
		cfg.MaxConcurrentCells = 16
	}
	if cfg.MaxWriteBatch <= 0 {
		cfg.MaxWriteBatch = 50
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Engine{caps: caps, cfg: cfg, logger: logger}
}

// sizing is the per-request concurrency plan.
type sizing struct {
	colBatch   int
	rowBatch   int
	writeBatch int
	serialized bool
}

// plan sizes the batch. Multi-turn tables run one row at a time and
// persist each row before the next starts, so conversation threads
// read a consistent store.
func (e *Engine) plan(tbl *schema.Table, analysis *schema.Analysis, n int, concurrent bool) sizing {
	s := sizing{colBatch: analysis.MaxWidth}
	if s.colBatch < 1 {
		s.colBatch = 1
	}
	if s.colBatch > e.cfg.MaxConcurrentCells {
		s.colBatch = e.cfg.MaxConcurrentCells
	}
	s.rowBatch = e.cfg.MaxConcurrentCells / s.colBatch
	if s.rowBatch < 1 {
		s.rowBatch = 1
	}
	s.writeBatch = n / 10
	if s.writeBatch < 10 {
		s.writeBatch = 10
	}
	if s.writeBatch > e.cfg.MaxWriteBatch {
		s.writeBatch = e.cfg.MaxWriteBatch
	}
	if !concurrent {
		s.colBatch = 1
		s.rowBatch = 1
	}
	if tbl.HasMultiTurn() {
		s.rowBatch = 1
		s.writeBatch = 1
		s.serialized = true
	}
	return s
}

// AddRows runs an add request. With req.Stream, events go to sink and
// the returned response is nil; otherwise sink may be nil and the
// aggregated response is returned.
func (e *Engine) AddRows(ctx context.Context, req *AddRequest, sink Sink) (*MultiRowCompletionResponse, error) {
	start := time.Now()
	defer func() {
		e.caps.Metrics.RecordRequest(ctx, "rows_add", time.Since(start).Seconds())
	}()

	if len(req.Data) == 0 || len(req.Data) > MaxBatchRows {
		return nil, badInput("data must contain between 1 and %d rows, got %d", MaxBatchRows, len(req.Data))
	}
	tbl, err := e.caps.Store.GetTable(ctx, req.TableID)
	if err != nil {
		return nil, err
	}

	// Row IDs are assigned up front so events can reference them
	// before the row is durable. Keys outside the schema are dropped
	// here, not at write time, so prompt substitution never sees them.
	rows := make([]table.Row, len(req.Data))
	for i, data := range req.Data {
		row := make(table.Row, len(data)+1)
		for k, v := range data {
			if k == schema.ColumnUpdatedAt || tbl.Column(k) == nil {
				continue
			}
			row[k] = v
		}
		if row.ID() == "" {
			row[schema.ColumnID] = table.NewRowID()
		}
		rows[i] = row
	}

	return e.runWith(ctx, tbl, rows, nil, req.Stream, req.Concurrent, sink, e.addPersister(tbl.ID))
}

// RegenRows runs a regen request.
func (e *Engine) RegenRows(ctx context.Context, req *RegenRequest, sink Sink) (*MultiRowCompletionResponse, error) {
	start := time.Now()
	defer func() {
		e.caps.Metrics.RecordRequest(ctx, "rows_regen", time.Since(start).Seconds())
	}()

	if len(req.RowIDs) == 0 || len(req.RowIDs) > MaxBatchRows {
		return nil, badInput("row_ids must contain between 1 and %d ids, got %d", MaxBatchRows, len(req.RowIDs))
	}
	tbl, err := e.caps.Store.GetTable(ctx, req.TableID)
	if err != nil {
		return nil, err
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = RunAll
	}
	var target *schema.Column
	switch strategy {
	case RunAll:
	case RunBefore, RunSelected, RunAfter:
		target = tbl.Column(req.OutputColumnID)
		if target == nil || !target.IsOutput() {
			return nil, badInput("output_column_id %q is not an output column of table %s", req.OutputColumnID, tbl.ID)
		}
	default:
		return nil, badInput("unknown regen strategy %q", strategy)
	}

	return e.runRegen(ctx, tbl, req, strategy, target, sink)
}

// regenTargets lists the output columns the strategy recomputes.
func regenTargets(tbl *schema.Table, strategy RegenStrategy, target *schema.Column) []*schema.Column {
	outputs := tbl.OutputColumns()
	switch strategy {
	case RunSelected:
		return []*schema.Column{target}
	case RunBefore:
		var cols []*schema.Column
		for _, c := range outputs {
			if c.Index <= target.Index {
				cols = append(cols, c)
			}
		}
		return cols
	case RunAfter:
		var cols []*schema.Column
		for _, c := range outputs {
			if c.Index > target.Index {
				cols = append(cols, c)
			}
		}
		return cols
	}
	return outputs
}

func (e *Engine) runRegen(ctx context.Context, tbl *schema.Table, req *RegenRequest, strategy RegenStrategy, target *schema.Column, sink Sink) (*MultiRowCompletionResponse, error) {
	targets := regenTargets(tbl, strategy, target)

	var rows []table.Row
	var fetchFailures []Event
	for _, rowID := range req.RowIDs {
		row, err := e.caps.Store.GetRow(ctx, tbl.ID, rowID)
		if err != nil {
			e.logger.Warn("regen row fetch failed", "table_id", tbl.ID, "row_id", rowID, "error", err)
			cellErr := classify("", err)
			em := newChunkEmitter(rowID, "", "")
			fetchFailures = append(fetchFailures, em.chunk(
				ChunkDelta{Content: "[ERROR] " + cellErr.Message}, model.FinishError, nil))
			continue
		}
		dict := row.Clone()
		delete(dict, schema.ColumnUpdatedAt)
		for _, c := range targets {
			delete(dict, c.ID)
			delete(dict, c.StateColumn())
		}
		rows = append(rows, dict)
	}

	return e.runWith(ctx, tbl, rows, fetchFailures, req.Stream, req.Concurrent, sink, e.updatePersister(tbl.ID))
}

type persistFunc func(ctx context.Context, rows []table.Row) error

func (e *Engine) addPersister(tableID string) persistFunc {
	return func(ctx context.Context, rows []table.Row) error {
		return e.caps.Store.AddRows(ctx, tableID, rows)
	}
}

func (e *Engine) updatePersister(tableID string) persistFunc {
	return func(ctx context.Context, rows []table.Row) error {
		return e.caps.Store.UpdateRows(ctx, tableID, rows)
	}
}

// runWith executes rows against the table and routes the resulting
// events: a producer runs row windows and feeds the bounded queue;
// this goroutine consumes it, forwarding events to the sink or the
// aggregator and flushing finished rows to the store. Persistence
// failures are logged and the batch continues.
func (e *Engine) runWith(ctx context.Context, tbl *schema.Table, rows []table.Row, preamble []Event, stream, concurrent bool, sink Sink, persist persistFunc) (*MultiRowCompletionResponse, error) {
	analysis := schema.Analyze(tbl)
	s := e.plan(tbl, analysis, len(rows), concurrent)

	queue := make(chan queueItem, e.cfg.QueueSize)
	emit := func(ev Event) {
		select {
		case queue <- queueItem{event: ev}:
		case <-ctx.Done():
		}
	}

	// Serialized batches wait for each row's durable write before the
	// next row starts, so conversation threads observe prior turns.
	var persisted chan struct{}
	if s.serialized {
		persisted = make(chan struct{}, 1)
	}

	rex := &rowExecutor{
		cells:    &cellExecutor{caps: e.caps, tbl: tbl},
		tbl:      tbl,
		analysis: analysis,
		colBatch: s.colBatch,
		logger:   e.logger,
	}

	go func() {
		defer close(queue)
		for start := 0; start < len(rows); start += s.rowBatch {
			if ctx.Err() != nil {
				return
			}
			end := start + s.rowBatch
			if end > len(rows) {
				end = len(rows)
			}
			window := rows[start:end]
			var wg sync.WaitGroup
			for _, row := range window {
				wg.Add(1)
				go func(rw table.Row) {
					defer wg.Done()
					final := rex.run(ctx, rw, stream, emit)
					select {
					case queue <- queueItem{row: final}:
					case <-ctx.Done():
					}
				}(row)
			}
			wg.Wait()
			if persisted != nil {
				for range window {
					select {
					case <-persisted:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	var agg *aggregator
	if !stream {
		agg = newAggregator(rows)
	}
	send := func(ev Event) {
		if stream {
			if sink == nil {
				return
			}
			if err := sink.Send(ev); err != nil {
				e.logger.Warn("event sink send failed", "error", err)
			}
			return
		}
		agg.add(ev)
	}
	for _, ev := range preamble {
		send(ev)
	}

	var buf []table.Row
	flush := func() {
		if len(buf) == 0 {
			return
		}
		if err := persist(ctx, buf); err != nil {
			e.logger.Error("row persistence failed",
				"table_id", tbl.ID, "rows", len(buf), "error", err)
		}
		buf = buf[:0]
	}
	for item := range queue {
		if item.event != nil {
			send(item.event)
			continue
		}
		buf = append(buf, item.row)
		if agg != nil {
			agg.finishRow(item.row)
		}
		if len(buf) >= s.writeBatch {
			flush()
			if persisted != nil {
				persisted <- struct{}{}
			}
		}
	}
	flush()

	if err := e.caps.Billing.Flush(ctx); err != nil {
		e.logger.Warn("egress billing flush failed", "error", err)
	}
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.Canceled) {
		return nil, ctx.Err()
	}
	if stream {
		return nil, nil
	}
	return agg.response(), nil
}
