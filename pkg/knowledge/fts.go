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

package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ftsIndex is a full-text index over knowledge table cells, backed by
// a single sqlite FTS5 virtual table shared across knowledge tables.
type ftsIndex struct {
	db *sql.DB
}

const ftsDDL = `
CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
	table_id UNINDEXED,
	row_id UNINDEXED,
	col UNINDEXED,
	body
)`

// newFTSIndex opens (or creates) the index at path. ":memory:" gives
// an ephemeral index.
func newFTSIndex(path string) (*ftsIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fts index at %s: %w", path, err)
	}
	// FTS5 writes are not safe across connections to the same handle.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ftsDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create fts table: %w", err)
	}
	return &ftsIndex{db: db}, nil
}

// index replaces the body stored for (tableID, rowID, col).
func (f *ftsIndex) index(ctx context.Context, tableID, rowID, col, body string) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM knowledge_fts WHERE table_id = ? AND row_id = ? AND col = ?`,
		tableID, rowID, col); err != nil {
		return fmt.Errorf("failed to clear fts entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO knowledge_fts (table_id, row_id, col, body) VALUES (?, ?, ?, ?)`,
		tableID, rowID, col, body); err != nil {
		return fmt.Errorf("failed to index cell: %w", err)
	}
	return tx.Commit()
}

// search returns row IDs ranked by FTS relevance, deduplicated. A
// query that FTS5 rejects as malformed is retried as a quoted literal.
func (f *ftsIndex) search(ctx context.Context, tableID, query string, cols []string, limit int) ([]string, error) {
	ids, err := f.query(ctx, tableID, query, cols, limit)
	if err == nil {
		return ids, nil
	}
	if !strings.Contains(err.Error(), "fts5: syntax error") && !strings.Contains(err.Error(), "unknown special query") {
		return nil, err
	}
	return f.query(ctx, tableID, quoteFTSQuery(query), cols, limit)
}

func (f *ftsIndex) query(ctx context.Context, tableID, query string, cols []string, limit int) ([]string, error) {
	q := `SELECT row_id FROM knowledge_fts WHERE knowledge_fts MATCH ? AND table_id = ?`
	args := []any{query, tableID}
	if len(cols) > 0 {
		q += ` AND col IN (?` + strings.Repeat(",?", len(cols)-1) + `)`
		for _, c := range cols {
			args = append(args, c)
		}
	}
	q += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := f.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fts search failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	seen := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// deleteTable drops all index entries for a knowledge table.
func (f *ftsIndex) deleteTable(ctx context.Context, tableID string) error {
	_, err := f.db.ExecContext(ctx, `DELETE FROM knowledge_fts WHERE table_id = ?`, tableID)
	if err != nil {
		return fmt.Errorf("failed to drop fts entries: %w", err)
	}
	return nil
}

func (f *ftsIndex) Close() error { return f.db.Close() }

// quoteFTSQuery turns free text into phrase tokens FTS5 always
// accepts.
func quoteFTSQuery(query string) string {
	fields := strings.Fields(query)
	for i, w := range fields {
		fields[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(fields, " ")
}
