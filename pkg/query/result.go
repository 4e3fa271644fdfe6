// ABOUTME: Query results and restartable row iteration
// ABOUTME: Column values are read from the matched nodes when a row is built

package query

import (
	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/tree"
	"github.com/nainya/contentstore/pkg/value"
)

// Result is the ordered outcome of one evaluation
type Result struct {
	prepared *Prepared
	scorers  map[int]*fullText
	tuples   []tuple

	// Total counts the matches before limit and offset were applied
	Total   int
	HasMore bool
}

// Len returns the number of rows
func (r *Result) Len() int { return len(r.tuples) }

// Columns returns the column names of every row
func (r *Result) Columns() []string { return r.prepared.Columns() }

// Selectors returns the selector names of every row
func (r *Result) Selectors() []string { return r.prepared.Selectors() }

// Rows returns an iterator positioned before the first row. Each call
// starts over.
func (r *Result) Rows() *RowIterator {
	return &RowIterator{res: r}
}

// Nodes returns the node matched by selector in each row, skipping rows
// where an outer join left it empty
func (r *Result) Nodes(selector string) ([]*tree.Node, error) {
	idx, ok := r.prepared.index[selector]
	if !ok {
		return nil, errs.New(errs.KindInvalidQuery, "resultNodes", selector, "unknown selector")
	}
	out := make([]*tree.Node, 0, len(r.tuples))
	for _, t := range r.tuples {
		if t[idx] != nil {
			out = append(out, t[idx])
		}
	}
	return out, nil
}

// RowIterator walks the rows of a result
type RowIterator struct {
	res *Result
	pos int
	cur *Row
	err error
}

// Next advances to the next row
func (it *RowIterator) Next() bool {
	if it.err != nil || it.pos >= len(it.res.tuples) {
		it.cur = nil
		return false
	}
	it.cur = &Row{res: it.res, t: it.res.tuples[it.pos]}
	it.pos++
	return true
}

// Row returns the current row
func (it *RowIterator) Row() *Row { return it.cur }

// Skip moves past n rows without building them. Skipping beyond the end
// fails and exhausts the iterator.
func (it *RowIterator) Skip(n int) error {
	if n < 0 {
		return errs.New(errs.KindInvalidState, "skip", "", "cannot skip backwards")
	}
	if it.pos+n > len(it.res.tuples) {
		it.pos = len(it.res.tuples)
		it.err = errs.New(errs.KindNotFound, "skip", "", "skipped past the last row")
		return it.err
	}
	it.pos += n
	return nil
}

// Size returns the number of rows, or -1 when unknown
func (it *RowIterator) Size() int64 { return int64(len(it.res.tuples)) }

// Position returns the number of rows consumed so far
func (it *RowIterator) Position() int64 { return int64(it.pos) }

// Err returns the error that stopped iteration
func (it *RowIterator) Err() error { return it.err }

// Row is one node-tuple of a result
type Row struct {
	res *Result
	t   tuple
}

// Node returns the node of selector, nil for the empty side of an outer join
func (r *Row) Node(selector string) *tree.Node {
	idx, ok := r.res.prepared.index[selector]
	if !ok {
		return nil
	}
	return r.t[idx]
}

// Path returns the path of the node of selector, empty when there is none
func (r *Row) Path(selector string) string {
	if n := r.Node(selector); n != nil {
		return n.Path
	}
	return ""
}

// Score returns the full-text score of the node of selector
func (r *Row) Score(selector string) float64 {
	idx, ok := r.res.prepared.index[selector]
	if !ok || r.t[idx] == nil {
		return 0
	}
	ft, ok := r.res.scorers[idx]
	if !ok {
		return 0
	}
	return ft.score(r.t[idx])
}

// Value returns the first value of the named column
func (r *Row) Value(column string) (value.Value, bool) {
	for _, c := range r.res.prepared.columns {
		if c.Name == column {
			return r.column(c)
		}
	}
	return value.Value{}, false
}

// Values returns one value per column; missing values are zero
func (r *Row) Values() []value.Value {
	out := make([]value.Value, len(r.res.prepared.columns))
	for i, c := range r.res.prepared.columns {
		out[i], _ = r.column(c)
	}
	return out
}

func (r *Row) column(c Column) (value.Value, bool) {
	vals, ok := propertyValues(r.Node(c.Selector), c.Property)
	if !ok {
		return value.Value{}, false
	}
	return vals[0], true
}
