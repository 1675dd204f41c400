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

package table

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kadirpekel/tabula/pkg/schema"
)

// MemStore is an in-memory Store for tests and ephemeral use.
type MemStore struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

type memTable struct {
	schema *schema.Table
	rows   map[string]Row
	order  []string // row ids sorted ascending
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{tables: make(map[string]*memTable)}
}

// CreateTable registers or replaces a table schema. Rows of a replaced
// table are kept.
func (s *MemStore) CreateTable(ctx context.Context, tbl *schema.Table) error {
	if err := tbl.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tables[tbl.ID]; ok {
		existing.schema = tbl
		return nil
	}
	s.tables[tbl.ID] = &memTable{schema: tbl, rows: make(map[string]Row)}
	return nil
}

// GetTable returns the schema for tableID.
func (s *MemStore) GetTable(ctx context.Context, tableID string) (*schema.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, tableID)
	}
	return t.schema, nil
}

func (s *MemStore) table(tableID string) (*memTable, error) {
	t, ok := s.tables[tableID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, tableID)
	}
	return t, nil
}

// AddRows inserts rows.
func (s *MemStore) AddRows(ctx context.Context, tableID string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(tableID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		stored := normalizeNewRow(t.schema, row)
		id := stored.ID()
		if _, exists := t.rows[id]; exists {
			return fmt.Errorf("table %s: duplicate row id %s", tableID, id)
		}
		t.rows[id] = stored
		t.order = insertSorted(t.order, id)
	}
	return nil
}

// UpdateRows merges column values into existing rows.
func (s *MemStore) UpdateRows(ctx context.Context, tableID string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(tableID)
	if err != nil {
		return err
	}
	// Validate before mutating so a missing row leaves the table intact.
	for _, row := range rows {
		if _, ok := t.rows[row.ID()]; !ok {
			return fmt.Errorf("%w: %s", ErrRowNotFound, row.ID())
		}
	}
	for _, row := range rows {
		stored := t.rows[row.ID()]
		for k, v := range row {
			if k == schema.ColumnID || k == schema.ColumnUpdatedAt {
				continue
			}
			if t.schema.Column(k) != nil {
				stored[k] = v
			}
		}
		stored[schema.ColumnUpdatedAt] = NowTimestamp()
	}
	return nil
}

// GetRow returns one row.
func (s *MemStore) GetRow(ctx context.Context, tableID, rowID string) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(tableID)
	if err != nil {
		return nil, err
	}
	row, ok := t.rows[rowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
	}
	return row.Clone(), nil
}

// ListRows returns rows ordered by ID ascending.
func (s *MemStore) ListRows(ctx context.Context, tableID string, limit, offset int) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(tableID)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(t.order) {
		return nil, nil
	}
	ids := t.order[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.rows[id].Clone())
	}
	return out, nil
}

// ConversationThread assembles prior turns of a multi-turn column.
func (s *MemStore) ConversationThread(ctx context.Context, tableID, columnID, beforeRowID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(tableID)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(t.order))
	for _, id := range t.order {
		rows = append(rows, t.rows[id])
	}
	return buildThread(t.schema, columnID, beforeRowID, rows)
}

// InterpolateColumn renders the column's user prompt against a row.
func (s *MemStore) InterpolateColumn(ctx context.Context, tableID, columnID, rowID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(tableID)
	if err != nil {
		return "", err
	}
	row, ok := t.rows[rowID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
	}
	return interpolateColumn(t.schema, columnID, row)
}

// Close is a no-op.
func (s *MemStore) Close() error {
	return nil
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

var _ Store = (*MemStore)(nil)
