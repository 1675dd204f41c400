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
	"strings"

	"github.com/kadirpekel/tabula/pkg/schema"
	"github.com/kadirpekel/tabula/pkg/table"
)

// Chunk is one retrieved passage from a knowledge table.
type Chunk struct {
	Text       string         `json:"text"`
	Title      string         `json:"title,omitempty"`
	Page       int            `json:"page,omitempty"`
	DocumentID string         `json:"document_id,omitempty"`
	ChunkID    string         `json:"chunk_id,omitempty"`
	Context    string         `json:"context,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ChunkFromRow maps a knowledge table row to a Chunk. Well-known
// columns are matched case-insensitively via their lowercase names;
// textColumn supplies the passage body.
func ChunkFromRow(row table.Row, textColumn string) Chunk {
	c := Chunk{
		Text:       schema.Stringify(row[textColumn]),
		Title:      rowString(row, "title"),
		DocumentID: rowString(row, "document_id"),
		ChunkID:    rowString(row, "chunk_id"),
		Context:    rowString(row, "context"),
		Metadata:   make(map[string]any),
	}
	if c.ChunkID == "" {
		c.ChunkID = row.ID()
	}
	if v, ok := rowValue(row, "page"); ok {
		switch n := v.(type) {
		case int:
			c.Page = n
		case int64:
			c.Page = int(n)
		case float64:
			c.Page = int(n)
		}
	}
	return c
}

func rowValue(row table.Row, key string) (any, bool) {
	if v, ok := row[key]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func rowString(row table.Row, key string) string {
	v, ok := rowValue(row, key)
	if !ok || v == nil {
		return ""
	}
	return schema.Stringify(v)
}
