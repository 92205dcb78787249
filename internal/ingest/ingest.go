// Package ingest loads raw telemetry CSV exports into fusion stream specs.
//
// Each reader resolves canonical channel names against the file header
// through an ordered candidate mapping, so a vendor export is ingested by
// declaring its headers once instead of editing files by hand. Resolved
// columns are renamed to their canonical names; unclaimed columns pass
// through under their own header, coerced to numbers with NaN for anything
// that does not parse. All reads go through fsutil.FileSystem, so tests
// run on the in-memory implementation.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/mirkored07/rde-mvp-sub000/internal/fsutil"
	"github.com/mirkored07/rde-mvp-sub000/internal/telemetry"
)

// Sentinel errors shared by the stream readers. The wrapped message names
// the stream kind and the missing pieces.
var (
	ErrEmptyData      = errors.New("no data rows")
	ErrMissingChannel = errors.New("required channel not present")
)

// Mapping resolves canonical channel names against a CSV header. Each
// entry lists raw header candidates in priority order; the first candidate
// present in the file wins, and a header column feeds at most one channel.
type Mapping map[string][]string

// Merge returns a mapping where overrides replace the receiver's
// candidate list channel by channel. Neither input is modified.
func (m Mapping) Merge(overrides Mapping) Mapping {
	merged := make(Mapping, len(m)+len(overrides))
	for channel, candidates := range m {
		merged[channel] = candidates
	}
	for channel, candidates := range overrides {
		merged[channel] = candidates
	}
	return merged
}

// resolve assigns header columns to canonical channels. Channels claim
// candidates in the given order, so the outcome never depends on map
// iteration.
func (m Mapping) resolve(header []string, channels []string) map[string]string {
	present := make(map[string]bool, len(header))
	for _, name := range header {
		if name != "" {
			present[name] = true
		}
	}

	resolved := make(map[string]string)
	claimed := make(map[string]bool)
	for _, channel := range channels {
		if _, done := resolved[channel]; done {
			continue
		}
		for _, candidate := range m[channel] {
			if present[candidate] && !claimed[candidate] {
				resolved[channel] = candidate
				claimed[candidate] = true
				break
			}
		}
	}
	return resolved
}

// rawTable is a decoded CSV: a trimmed header and the data rows beneath it.
type rawTable struct {
	header []string
	index  map[string]int
	rows   [][]string
}

func readCSV(fsys fsutil.FileSystem, path string) (*rawTable, error) {
	file, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyData)
	}

	header := records[0]
	index := make(map[string]int, len(header))
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
		if _, dup := index[header[i]]; !dup {
			index[header[i]] = i
		}
	}
	return &rawTable{header: header, index: index, rows: records[1:]}, nil
}

// cells returns the column at idx, with "" for rows too short to reach it.
func (rt *rawTable) cells(idx int) []string {
	out := make([]string, len(rt.rows))
	for i, row := range rt.rows {
		if idx < len(row) {
			out[i] = row[idx]
		}
	}
	return out
}

// cellParser converts one CSV cell to a channel value.
type cellParser func(string) float64

// parseNumericCell coerces a cell to float64, NaN when blank or not a
// number.
func parseNumericCell(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// parseBoolCell coerces a flag cell to 1/0, NaN when blank. Unrecognized
// non-empty text counts as true, matching how logger exports mark a fix.
func parseBoolCell(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN()
	}
	switch strings.ToLower(s) {
	case "true", "t", "1", "yes", "y":
		return 1
	case "false", "f", "0", "no", "n":
		return 0
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		if v != 0 {
			return 1
		}
		return 0
	}
	return 1
}

// buildTable assembles the stream table: resolved channels first in channel
// order, then unclaimed header columns in file order. The timestamp channel
// becomes the table's raw timestamp text; parsers overrides the numeric
// coercion per channel.
func buildTable(rt *rawTable, resolved map[string]string, channels []string, parsers map[string]cellParser) (*telemetry.Table, error) {
	tbl := telemetry.NewTable()

	claimed := make(map[string]bool, len(resolved))
	for _, raw := range resolved {
		claimed[raw] = true
	}

	for _, channel := range channels {
		raw, ok := resolved[channel]
		if !ok {
			continue
		}
		cells := rt.cells(rt.index[raw])
		if channel == telemetry.TimeColumn {
			for i := range cells {
				cells[i] = strings.TrimSpace(cells[i])
			}
			if err := tbl.SetRawTimes(cells); err != nil {
				return nil, err
			}
			continue
		}
		parse := parseNumericCell
		if p, ok := parsers[channel]; ok {
			parse = p
		}
		values := make([]float64, len(cells))
		for i, cell := range cells {
			values[i] = parse(cell)
		}
		if err := tbl.AddColumn(channel, values); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool)
	for i, name := range rt.header {
		if name == "" || name == telemetry.TimeColumn || claimed[name] || seen[name] {
			continue
		}
		if rt.index[name] != i {
			continue // duplicate header, first occurrence wins
		}
		seen[name] = true
		cells := rt.cells(i)
		values := make([]float64, len(cells))
		for j, cell := range cells {
			values[j] = parseNumericCell(cell)
		}
		if allNaN(values) {
			continue // text column, nothing numeric to carry
		}
		if err := tbl.AddColumn(name, values); err != nil {
			return nil, err
		}
	}
	return tbl, nil
}

func allNaN(values []float64) bool {
	for _, v := range values {
		if !math.IsNaN(v) {
			return false
		}
	}
	return true
}

// orderedChannels returns the reader's built-in channel order followed by
// any extra mapped channels in name order.
func orderedChannels(builtin []string, m Mapping) []string {
	known := make(map[string]bool, len(builtin))
	for _, channel := range builtin {
		known[channel] = true
	}
	var extras []string
	for channel := range m {
		if !known[channel] {
			extras = append(extras, channel)
		}
	}
	sort.Strings(extras)
	return append(append([]string{}, builtin...), extras...)
}
