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
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/tabula/pkg/schema"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS table_schemas (
    id VARCHAR(255) PRIMARY KEY,
    schema_json TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const createRowsSQL = `
CREATE TABLE IF NOT EXISTS table_rows (
    table_id VARCHAR(255) NOT NULL,
    id VARCHAR(255) NOT NULL,
    data_json TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (table_id, id)
);
`

// SQLStore persists rows as JSON payloads in a relational database.
// Supported dialects: sqlite3 (default), postgres, mysql. Multi-row
// writes run in a transaction.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore opens the database and initializes the schema.
func NewSQLStore(driver, dsn string, maxOpenConns int) (*SQLStore, error) {
	switch driver {
	case "sqlite3", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite3, postgres, mysql)", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	s := &SQLStore{db: db, dialect: driver}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTablesSQL); err != nil {
		return fmt.Errorf("failed to create table_schemas: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createRowsSQL); err != nil {
		return fmt.Errorf("failed to create table_rows: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateTable registers or replaces a table schema.
func (s *SQLStore) CreateTable(ctx context.Context, tbl *schema.Table) error {
	if err := tbl.Validate(); err != nil {
		return err
	}
	schemaJSON, err := json.Marshal(tbl)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	var query string
	switch s.dialect {
	case "mysql":
		query = `INSERT INTO table_schemas (id, schema_json, updated_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE schema_json = VALUES(schema_json), updated_at = VALUES(updated_at)`
	default:
		query = s.rebind(`INSERT INTO table_schemas (id, schema_json, updated_at) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET schema_json = excluded.schema_json, updated_at = excluded.updated_at`)
	}
	if _, err := s.db.ExecContext(ctx, query, tbl.ID, string(schemaJSON), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store schema for %s: %w", tbl.ID, err)
	}
	return nil
}

// GetTable returns the schema for tableID.
func (s *SQLStore) GetTable(ctx context.Context, tableID string) (*schema.Table, error) {
	var schemaJSON string
	query := s.rebind(`SELECT schema_json FROM table_schemas WHERE id = ?`)
	err := s.db.QueryRowContext(ctx, query, tableID).Scan(&schemaJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, tableID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schema for %s: %w", tableID, err)
	}
	var tbl schema.Table
	if err := json.Unmarshal([]byte(schemaJSON), &tbl); err != nil {
		return nil, fmt.Errorf("failed to decode schema for %s: %w", tableID, err)
	}
	return &tbl, nil
}

// AddRows inserts rows in one transaction.
func (s *SQLStore) AddRows(ctx context.Context, tableID string, rows []Row) error {
	tbl, err := s.GetTable(ctx, tableID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := s.rebind(`INSERT INTO table_rows (table_id, id, data_json, updated_at) VALUES (?, ?, ?, ?)`)
	for _, row := range rows {
		stored := normalizeNewRow(tbl, row)
		dataJSON, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal row %s: %w", stored.ID(), err)
		}
		if _, err := tx.ExecContext(ctx, insert, tableID, stored.ID(), string(dataJSON), time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to insert row %s: %w", stored.ID(), err)
		}
	}
	if err := s.touchTable(ctx, tx, tableID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// UpdateRows merges column values into existing rows in one transaction.
func (s *SQLStore) UpdateRows(ctx context.Context, tableID string, rows []Row) error {
	tbl, err := s.GetTable(ctx, tableID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	selectRow := s.rebind(`SELECT data_json FROM table_rows WHERE table_id = ? AND id = ?`)
	updateRow := s.rebind(`UPDATE table_rows SET data_json = ?, updated_at = ? WHERE table_id = ? AND id = ?`)

	for _, row := range rows {
		id := row.ID()
		var dataJSON string
		err := tx.QueryRowContext(ctx, selectRow, tableID, id).Scan(&dataJSON)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrRowNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read row %s: %w", id, err)
		}

		var stored Row
		if err := json.Unmarshal([]byte(dataJSON), &stored); err != nil {
			return fmt.Errorf("failed to decode row %s: %w", id, err)
		}
		for k, v := range row {
			if k == schema.ColumnID || k == schema.ColumnUpdatedAt {
				continue
			}
			if tbl.Column(k) != nil {
				stored[k] = v
			}
		}
		stored[schema.ColumnUpdatedAt] = NowTimestamp()

		merged, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal row %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, updateRow, string(merged), time.Now().UTC(), tableID, id); err != nil {
			return fmt.Errorf("failed to update row %s: %w", id, err)
		}
	}
	if err := s.touchTable(ctx, tx, tableID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// touchTable bumps the table's updated_at inside the write transaction.
func (s *SQLStore) touchTable(ctx context.Context, tx *sql.Tx, tableID string) error {
	query := s.rebind(`UPDATE table_schemas SET updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, query, time.Now().UTC(), tableID); err != nil {
		return fmt.Errorf("failed to touch table %s: %w", tableID, err)
	}
	return nil
}

// GetRow returns one row.
func (s *SQLStore) GetRow(ctx context.Context, tableID, rowID string) (Row, error) {
	if _, err := s.GetTable(ctx, tableID); err != nil {
		return nil, err
	}
	var dataJSON string
	query := s.rebind(`SELECT data_json FROM table_rows WHERE table_id = ? AND id = ?`)
	err := s.db.QueryRowContext(ctx, query, tableID, rowID).Scan(&dataJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read row %s: %w", rowID, err)
	}
	var row Row
	if err := json.Unmarshal([]byte(dataJSON), &row); err != nil {
		return nil, fmt.Errorf("failed to decode row %s: %w", rowID, err)
	}
	return row, nil
}

// ListRows returns rows ordered by ID ascending.
func (s *SQLStore) ListRows(ctx context.Context, tableID string, limit, offset int) ([]Row, error) {
	if _, err := s.GetTable(ctx, tableID); err != nil {
		return nil, err
	}
	query := `SELECT data_json FROM table_rows WHERE table_id = ? ORDER BY id ASC`
	args := []any{tableID}
	if limit <= 0 && offset > 0 {
		limit = 1 << 31
	}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rows of %s: %w", tableID, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var dataJSON string
		if err := rows.Scan(&dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var row Row
		if err := json.Unmarshal([]byte(dataJSON), &row); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ConversationThread assembles prior turns of a multi-turn column.
func (s *SQLStore) ConversationThread(ctx context.Context, tableID, columnID, beforeRowID string) ([]Turn, error) {
	tbl, err := s.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}
	rows, err := s.ListRows(ctx, tableID, 0, 0)
	if err != nil {
		return nil, err
	}
	return buildThread(tbl, columnID, beforeRowID, rows)
}

// InterpolateColumn renders the column's user prompt against a row.
func (s *SQLStore) InterpolateColumn(ctx context.Context, tableID, columnID, rowID string) (string, error) {
	tbl, err := s.GetTable(ctx, tableID)
	if err != nil {
		return "", err
	}
	row, err := s.GetRow(ctx, tableID, rowID)
	if err != nil {
		return "", err
	}
	return interpolateColumn(tbl, columnID, row)
}

// Close releases the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)
