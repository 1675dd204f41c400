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

// Package knowledge indexes knowledge tables for hybrid retrieval:
// a sqlite FTS5 full-text index plus a vector store, fused with
// reciprocal rank fusion.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kadirpekel/tabula/pkg/schema"
	"github.com/kadirpekel/tabula/pkg/table"
	"github.com/kadirpekel/tabula/pkg/vector"
)

// rrfK is the reciprocal rank fusion constant: score = Σ 1/(rrfK+rank).
const rrfK = 60

// EmbedFunc turns texts into vectors. The engine binds it to a router
// deployment per query.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Searcher is the knowledge search capability consumed by the RAG
// assembler.
type Searcher interface {
	HybridSearch(ctx context.Context, tableID, ftsQuery, vsQuery string, embed EmbedFunc, cols []string, limit, offset int) ([]table.Row, error)
}

// Service implements Searcher over an FTS5 index and a vector
// provider, resolving fused row IDs back to rows in the table store.
type Service struct {
	fts    *ftsIndex
	vec    vector.Provider
	store  table.Store
	logger *slog.Logger
}

// NewService opens the FTS index at ftsPath (":memory:" for
// ephemeral) and binds the vector provider and row store.
func NewService(ftsPath string, vec vector.Provider, store table.Store, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fts, err := newFTSIndex(ftsPath)
	if err != nil {
		return nil, err
	}
	return &Service{fts: fts, vec: vec, store: store, logger: logger}, nil
}

// IndexRows indexes the named columns of each row into both the FTS
// and vector indexes. Empty cells are skipped. Vectors are computed
// with embed in one batch per call.
func (s *Service) IndexRows(ctx context.Context, tableID string, rows []table.Row, cols []string, embed EmbedFunc) error {
	type pending struct {
		rowID, col, body string
	}
	var batch []pending
	for _, row := range rows {
		rowID := row.ID()
		if rowID == "" {
			return fmt.Errorf("row without %s cannot be indexed", schema.ColumnID)
		}
		for _, col := range cols {
			body := schema.Stringify(row[col])
			if body == "" {
				continue
			}
			if err := s.fts.index(ctx, tableID, rowID, col, body); err != nil {
				return err
			}
			batch = append(batch, pending{rowID: rowID, col: col, body: body})
		}
	}
	if len(batch) == 0 || embed == nil {
		return nil
	}

	texts := make([]string, len(batch))
	for i, p := range batch {
		texts[i] = p.body
	}
	vectors, err := embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed %d cells: %w", len(texts), err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embedding count mismatch: %d texts, %d vectors", len(batch), len(vectors))
	}
	for i, p := range batch {
		err := s.vec.Upsert(ctx, tableID, p.rowID+"/"+p.col, vectors[i], map[string]any{
			"row_id":  p.rowID,
			"col":     p.col,
			"content": p.body,
		})
		if err != nil {
			if errors.Is(err, vector.ErrDisabled) {
				return nil
			}
			return err
		}
	}
	return nil
}

// HybridSearch runs the FTS and vector queries, fuses the two
// rankings with RRF, and returns the page of matching rows. A
// disabled or failing vector leg degrades to FTS-only (and vice
// versa); both legs failing is an error.
func (s *Service) HybridSearch(ctx context.Context, tableID, ftsQuery, vsQuery string, embed EmbedFunc, cols []string, limit, offset int) ([]table.Row, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	fetch := (limit + offset) * 2

	ftsIDs, ftsErr := s.fts.search(ctx, tableID, ftsQuery, cols, fetch)
	if ftsErr != nil {
		s.logger.Warn("fts search failed, continuing with vector only",
			"table", tableID, "error", ftsErr)
	}

	vecIDs, vecErr := s.vectorSearch(ctx, tableID, vsQuery, embed, cols, fetch)
	if vecErr != nil && !errors.Is(vecErr, vector.ErrDisabled) {
		s.logger.Warn("vector search failed, continuing with fts only",
			"table", tableID, "error", vecErr)
	}
	if ftsErr != nil && vecErr != nil {
		return nil, fmt.Errorf("hybrid search failed: %w", errors.Join(ftsErr, vecErr))
	}

	fused := rrfFuse(ftsIDs, vecIDs)
	if offset >= len(fused) {
		return nil, nil
	}
	fused = fused[offset:]
	if len(fused) > limit {
		fused = fused[:limit]
	}

	rows := make([]table.Row, 0, len(fused))
	for _, id := range fused {
		row, err := s.store.GetRow(ctx, tableID, id)
		if err != nil {
			if errors.Is(err, table.ErrRowNotFound) {
				continue
			}
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Service) vectorSearch(ctx context.Context, tableID, vsQuery string, embed EmbedFunc, cols []string, limit int) ([]string, error) {
	if embed == nil {
		return nil, vector.ErrDisabled
	}
	vectors, err := embed(ctx, []string{vsQuery})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected 1 query vector, got %d", len(vectors))
	}

	hits, err := s.vec.Search(ctx, tableID, vectors[0], limit)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(cols))
	for _, c := range cols {
		allowed[c] = true
	}

	var ids []string
	seen := make(map[string]bool)
	for _, h := range hits {
		col, _ := h.Metadata["col"].(string)
		if len(allowed) > 0 && !allowed[col] {
			continue
		}
		rowID, _ := h.Metadata["row_id"].(string)
		if rowID == "" || seen[rowID] {
			continue
		}
		seen[rowID] = true
		ids = append(ids, rowID)
	}
	return ids, nil
}

// DeleteTable drops a knowledge table from both indexes.
func (s *Service) DeleteTable(ctx context.Context, tableID string) error {
	if err := s.fts.deleteTable(ctx, tableID); err != nil {
		return err
	}
	if err := s.vec.DeleteCollection(ctx, tableID); err != nil && !errors.Is(err, vector.ErrDisabled) {
		s.logger.Warn("failed to drop vector collection", "table", tableID, "error", err)
	}
	return nil
}

// Close releases the FTS index. The vector provider is owned by the
// caller.
func (s *Service) Close() error { return s.fts.Close() }

// rrfFuse merges ranked ID lists by reciprocal rank fusion. Ties
// break lexicographically for determinism.
func rrfFuse(lists ...[]string) []string {
	scores := make(map[string]float64)
	for _, list := range lists {
		for rank, id := range list {
			scores[id] += 1.0 / float64(rrfK+rank+1)
		}
	}
	out := make([]string, 0, len(scores))
	for id := range scores {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if scores[out[i]] != scores[out[j]] {
			return scores[out[i]] > scores[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
