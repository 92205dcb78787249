// Package telemetry defines the column-oriented table exchanged between
// pipeline stages. A table carries an optional canonical timestamp column,
// the raw timestamp text it was parsed from, and named float64 channels.
// Unset channel values are NaN, never zero.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// TimeColumn is the canonical name of the timestamp column every stream
// exposes once its timestamps have been synthesized.
const TimeColumn = "timestamp"

// ErrNoTimestamps is returned by operations that require the canonical
// timestamp column before it has been set.
var ErrNoTimestamps = errors.New("table has no timestamp column")

// Table is an ordered, column-oriented set of samples. Every column has the
// same row count. Channel columns are float64 slices where NaN means the
// value is unset for that row.
type Table struct {
	n     int
	times []time.Time
	raw   []string
	cols  map[string][]float64
	order []string
}

// NewTable returns an empty table with no rows and no columns.
func NewTable() *Table {
	return &Table{n: -1, cols: make(map[string][]float64)}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t.n < 0 {
		return 0
	}
	return t.n
}

func (t *Table) setLen(n int) error {
	if t.n >= 0 && t.n != n {
		return fmt.Errorf("column length %d does not match table length %d", n, t.n)
	}
	t.n = n
	return nil
}

// AddColumn sets the named channel column. Adding a column that already
// exists replaces its values but keeps its position in the column order.
func (t *Table) AddColumn(name string, values []float64) error {
	if name == TimeColumn {
		return fmt.Errorf("column %q is reserved for timestamps", TimeColumn)
	}
	if err := t.setLen(len(values)); err != nil {
		return fmt.Errorf("column %q: %w", name, err)
	}
	if _, ok := t.cols[name]; !ok {
		t.order = append(t.order, name)
	}
	t.cols[name] = values
	return nil
}

// Column returns the named channel column. The returned slice is the
// table's backing storage, not a copy.
func (t *Table) Column(name string) ([]float64, bool) {
	vals, ok := t.cols[name]
	return vals, ok
}

// HasColumn reports whether the named channel column exists.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.cols[name]
	return ok
}

// DropColumn removes the named channel column if present.
func (t *Table) DropColumn(name string) {
	if _, ok := t.cols[name]; !ok {
		return
	}
	delete(t.cols, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// ColumnNames returns the channel column names in insertion order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.order))
	copy(names, t.order)
	return names
}

// SetRawTimes stores the unparsed timestamp text column.
func (t *Table) SetRawTimes(values []string) error {
	if err := t.setLen(len(values)); err != nil {
		return fmt.Errorf("raw timestamps: %w", err)
	}
	t.raw = values
	return nil
}

// RawTimes returns the unparsed timestamp text column, or nil.
func (t *Table) RawTimes() []string {
	return t.raw
}

// SetTimes stores the canonical timestamp column.
func (t *Table) SetTimes(values []time.Time) error {
	if err := t.setLen(len(values)); err != nil {
		return fmt.Errorf("timestamps: %w", err)
	}
	t.times = values
	return nil
}

// Times returns the canonical timestamp column, or nil before synthesis.
// The returned slice is the table's backing storage, not a copy.
func (t *Table) Times() []time.Time {
	return t.times
}

// HasTimes reports whether the canonical timestamp column has been set.
func (t *Table) HasTimes() bool {
	return t.times != nil
}

// SortByTime stably sorts all rows by the canonical timestamp column.
// Rows with equal timestamps keep their input order.
func (t *Table) SortByTime() error {
	if t.times == nil {
		return ErrNoTimestamps
	}
	idx := make([]int, t.Len())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return t.times[idx[a]].Before(t.times[idx[b]])
	})
	t.applyPermutation(idx)
	return nil
}

func (t *Table) applyPermutation(idx []int) {
	times := make([]time.Time, len(idx))
	for i, j := range idx {
		times[i] = t.times[j]
	}
	t.times = times
	if t.raw != nil {
		raw := make([]string, len(idx))
		for i, j := range idx {
			raw[i] = t.raw[j]
		}
		t.raw = raw
	}
	for name, vals := range t.cols {
		out := make([]float64, len(idx))
		for i, j := range idx {
			out[i] = vals[j]
		}
		t.cols[name] = out
	}
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	out := &Table{n: t.n, cols: make(map[string][]float64, len(t.cols))}
	if t.times != nil {
		out.times = make([]time.Time, len(t.times))
		copy(out.times, t.times)
	}
	if t.raw != nil {
		out.raw = make([]string, len(t.raw))
		copy(out.raw, t.raw)
	}
	out.order = make([]string, len(t.order))
	copy(out.order, t.order)
	for name, vals := range t.cols {
		c := make([]float64, len(vals))
		copy(c, vals)
		out.cols[name] = c
	}
	return out
}

// Records materializes the table as one map per row for JSON encoding.
// Timestamps render as RFC 3339 in UTC; NaN channel values render as null.
func (t *Table) Records() []map[string]any {
	recs := make([]map[string]any, t.Len())
	for i := range recs {
		rec := make(map[string]any, len(t.order)+1)
		if t.times != nil {
			rec[TimeColumn] = t.times[i].UTC().Format(time.RFC3339Nano)
		} else if t.raw != nil {
			rec[TimeColumn] = t.raw[i]
		}
		for _, name := range t.order {
			v := t.cols[name][i]
			if math.IsNaN(v) {
				rec[name] = nil
			} else {
				rec[name] = v
			}
		}
		recs[i] = rec
	}
	return recs
}
