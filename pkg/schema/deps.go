package schema

import "sort"

// Analysis is the dependency structure of a table's output columns:
// per-column dependency sets, a topological partition, and the widest
// level (used to size column concurrency).
type Analysis struct {
	deps    map[string][]string
	indexes map[string]int

	// Levels partitions the output columns so that every column in
	// level k depends only on columns in levels < k.
	Levels [][]string

	// MaxWidth is the cardinality of the largest level.
	MaxWidth int
}

// Analyze extracts dependencies for every output column and computes
// topological levels with a Kahn-style BFS. References to columns that
// do not exist in the table are ignored. The graph is acyclic by
// schema construction; Analyze does not detect cycles.
func Analyze(t *Table) *Analysis {
	indexes := make(map[string]int, len(t.Columns))
	for i := range t.Columns {
		indexes[t.Columns[i].ID] = i
	}

	outputs := t.OutputColumns()
	isOutput := make(map[string]bool, len(outputs))
	for _, c := range outputs {
		isOutput[c.ID] = true
	}

	deps := make(map[string][]string, len(outputs))
	for _, c := range outputs {
		deps[c.ID] = extractDeps(t, c, indexes)
	}

	// Kahn BFS restricted to edges between output columns. Input
	// column dependencies are satisfied before execution starts.
	indegree := make(map[string]int, len(outputs))
	dependents := make(map[string][]string)
	for _, c := range outputs {
		n := 0
		for _, d := range deps[c.ID] {
			if isOutput[d] {
				n++
				dependents[d] = append(dependents[d], c.ID)
			}
		}
		indegree[c.ID] = n
	}

	var levels [][]string
	maxWidth := 0
	var frontier []string
	for _, c := range outputs {
		if indegree[c.ID] == 0 {
			frontier = append(frontier, c.ID)
		}
	}
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		if len(frontier) > maxWidth {
			maxWidth = len(frontier)
		}
		var next []string
		for _, id := range frontier {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return indexes[next[i]] < indexes[next[j]] })
		frontier = next
	}

	return &Analysis{deps: deps, indexes: indexes, Levels: levels, MaxWidth: maxWidth}
}

func extractDeps(t *Table, c *Column, indexes map[string]int) []string {
	if c.Gen.Kind == GenFixedCode {
		var ds []string
		for i := range t.Columns {
			d := &t.Columns[i]
			if d.Index >= c.Index {
				break
			}
			if d.IsInfo() || d.IsState() || d.IsVector() {
				continue
			}
			ds = append(ds, d.ID)
		}
		return ds
	}
	var ds []string
	for _, ref := range c.Gen.refs() {
		if _, ok := indexes[ref]; ok && ref != c.ID {
			ds = append(ds, ref)
		}
	}
	return ds
}

// Dependencies returns the dependency set of an output column,
// restricted to columns present in the table. Nil for non-output
// columns.
func (a *Analysis) Dependencies(col string) []string {
	return a.deps[col]
}

// OutputCount returns the number of analyzed output columns.
func (a *Analysis) OutputCount() int {
	return len(a.deps)
}
