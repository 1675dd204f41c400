// Package schema defines table column schemas, generation configurations,
// prompt templates, and the dependency analysis that orders cell execution.
package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Reserved column ids. Info columns are maintained by the store and are
// never generated.
const (
	ColumnID        = "ID"
	ColumnUpdatedAt = "Updated at"

	// StateSuffix marks the auxiliary column holding per-cell metadata
	// (references, reasoning trace, error text) for its data column.
	StateSuffix = "_"
)

// DTypeKind enumerates cell data types.
type DTypeKind string

const (
	DTypeInt      DTypeKind = "int"
	DTypeFloat    DTypeKind = "float"
	DTypeBool     DTypeKind = "bool"
	DTypeStr      DTypeKind = "str"
	DTypeImage    DTypeKind = "image"
	DTypeAudio    DTypeKind = "audio"
	DTypeDocument DTypeKind = "document"
	DTypeVector   DTypeKind = "vector"
)

// VectorElem is the element precision of a vector column.
type VectorElem string

const (
	VectorF32 VectorElem = "f32"
	VectorF16 VectorElem = "f16"
)

// DType is a parsed column data type. Vector types carry element
// precision and length, e.g. "vector<f32,1536>".
type DType struct {
	Kind DTypeKind
	Elem VectorElem
	Len  int
}

// ParseDType parses a data type string such as "str" or "vector<f16,768>".
func ParseDType(s string) (DType, error) {
	s = strings.TrimSpace(s)
	switch DTypeKind(s) {
	case DTypeInt, DTypeFloat, DTypeBool, DTypeStr, DTypeImage, DTypeAudio, DTypeDocument:
		return DType{Kind: DTypeKind(s)}, nil
	}
	if !strings.HasPrefix(s, "vector<") || !strings.HasSuffix(s, ">") {
		return DType{}, fmt.Errorf("unknown dtype: %q", s)
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(s, "vector<"), ">")
	parts := strings.Split(inner, ",")
	if len(parts) != 2 {
		return DType{}, fmt.Errorf("invalid vector dtype: %q", s)
	}
	elem := VectorElem(strings.TrimSpace(parts[0]))
	if elem != VectorF32 && elem != VectorF16 {
		return DType{}, fmt.Errorf("invalid vector element type: %q", parts[0])
	}
	length, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || length <= 0 {
		return DType{}, fmt.Errorf("invalid vector length in %q", s)
	}
	return DType{Kind: DTypeVector, Elem: elem, Len: length}, nil
}

// String renders the dtype in its canonical form.
func (d DType) String() string {
	if d.Kind == DTypeVector {
		return fmt.Sprintf("vector<%s,%d>", d.Elem, d.Len)
	}
	return string(d.Kind)
}

// IsFile reports whether cells of this dtype hold a URI to external content.
func (d DType) IsFile() bool {
	return d.Kind == DTypeImage || d.Kind == DTypeAudio || d.Kind == DTypeDocument
}

// Column describes one table column. Columns are immutable during
// execution.
type Column struct {
	// ID is the unique, case-sensitive column identifier.
	ID string `yaml:"id" json:"id"`

	// DType is the column data type string, e.g. "str" or "vector<f32,1536>".
	DType string `yaml:"dtype" json:"dtype"`

	// Index is the column order within the table.
	Index int `yaml:"index" json:"index"`

	// Gen is the generation configuration. A column with a non-nil Gen
	// is an output column.
	Gen *GenConfig `yaml:"gen_config,omitempty" json:"gen_config,omitempty"`
}

// IsInfo reports whether the column is a store-maintained info column.
func (c *Column) IsInfo() bool {
	return c.ID == ColumnID || c.ID == ColumnUpdatedAt
}

// IsState reports whether the column holds per-cell state for a sibling
// data column.
func (c *Column) IsState() bool {
	return strings.HasSuffix(c.ID, StateSuffix)
}

// IsOutput reports whether the column is generated.
func (c *Column) IsOutput() bool {
	return c.Gen != nil
}

// IsVector reports whether the column holds vectors.
func (c *Column) IsVector() bool {
	d, err := ParseDType(c.DType)
	return err == nil && d.Kind == DTypeVector
}

// IsDocument reports whether the column holds document URIs.
func (c *Column) IsDocument() bool {
	d, err := ParseDType(c.DType)
	return err == nil && d.Kind == DTypeDocument
}

// StateColumn returns the id of the column's state sibling.
func (c *Column) StateColumn() string {
	return c.ID + StateSuffix
}

// Table is an ordered column schema. The zero value is not usable;
// construct with NewTable or populate Columns and call Validate.
type Table struct {
	// ID is the table identifier.
	ID string `yaml:"id" json:"id"`

	// Columns in table order. Index fields are normalized to the slice
	// position by Validate.
	Columns []Column `yaml:"columns" json:"columns"`
}

// NewTable builds a validated table schema from ordered columns.
func NewTable(id string, cols []Column) (*Table, error) {
	t := &Table{ID: id, Columns: cols}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate normalizes column indexes and checks structural rules:
// unique ids, parseable dtypes, gen configs valid, and output columns
// referencing only columns strictly to their left.
func (t *Table) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("table id is required")
	}
	seen := make(map[string]int, len(t.Columns))
	for i := range t.Columns {
		col := &t.Columns[i]
		col.Index = i
		if col.ID == "" {
			return fmt.Errorf("table %s: column %d has empty id", t.ID, i)
		}
		if prev, ok := seen[col.ID]; ok {
			return fmt.Errorf("table %s: duplicate column id %q (positions %d and %d)", t.ID, col.ID, prev, i)
		}
		seen[col.ID] = i
		if _, err := ParseDType(col.DType); err != nil {
			return fmt.Errorf("table %s: column %q: %w", t.ID, col.ID, err)
		}
		if col.Gen == nil {
			continue
		}
		if col.IsInfo() || col.IsState() {
			return fmt.Errorf("table %s: column %q cannot be generated", t.ID, col.ID)
		}
		if err := col.Gen.Validate(); err != nil {
			return fmt.Errorf("table %s: column %q: %w", t.ID, col.ID, err)
		}
		for _, ref := range col.Gen.refs() {
			j, ok := seen[ref]
			if ok && j >= i {
				return fmt.Errorf("table %s: column %q references %q which is not to its left", t.ID, col.ID, ref)
			}
		}
	}
	return nil
}

// Column returns the column with the given id, or nil.
func (t *Table) Column(id string) *Column {
	for i := range t.Columns {
		if t.Columns[i].ID == id {
			return &t.Columns[i]
		}
	}
	return nil
}

// OutputColumns returns the output columns in table order.
func (t *Table) OutputColumns() []*Column {
	var out []*Column
	for i := range t.Columns {
		if t.Columns[i].IsOutput() {
			out = append(out, &t.Columns[i])
		}
	}
	return out
}

// HasMultiTurn reports whether any output column is a multi-turn chat
// column. Multi-turn tables force serial row execution.
func (t *Table) HasMultiTurn() bool {
	for i := range t.Columns {
		g := t.Columns[i].Gen
		if g != nil && g.Kind == GenLLM && g.LLM != nil && g.LLM.MultiTurn {
			return true
		}
	}
	return false
}

// Stringify renders a cell value for prompt substitution. Nil values
// render as the empty string.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
