package extract

import (
	"encoding/json"
	"fmt"

	"github.com/synaptica-ai/omopwide/pkg/cdm"
)

// Key columns present in every table, ahead of the concept columns.
const (
	ColumnVisit  = "visit_occurrence_id"
	ColumnPerson = "person_id"
	ColumnTime   = "time"
)

func reservedColumn(name string) bool {
	return name == ColumnVisit || name == ColumnPerson || name == ColumnTime
}

// Column is one concept column of a wide table.
type Column struct {
	Name        string          `json:"name"`
	ConceptID   int64           `json:"concept_id"`
	Display     string          `json:"display,omitempty"`
	ValueColumn cdm.ValueColumn `json:"value_column"`
}

// Row holds one (visit, time) cell set. Values is aligned with the table's
// columns; nil marks a bucket without data.
type Row struct {
	VisitID  int64
	PersonID int64
	Time     Bucket
	Values   []any
}

// Table is the wide result: one row per visit and time bucket, rows grouped
// by visit and ascending in time within a visit.
type Table struct {
	Mode    Mode
	Columns []Column
	Rows    []Row
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// ColumnNames lists the key columns followed by the concept columns.
func (t *Table) ColumnNames() []string {
	names := []string{ColumnVisit, ColumnPerson, ColumnTime}
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Value returns the cell of row i in column name, including key columns.
func (t *Table) Value(i int, name string) any {
	row := t.Rows[i]
	switch name {
	case ColumnVisit:
		return row.VisitID
	case ColumnPerson:
		return row.PersonID
	case ColumnTime:
		return row.Time.Value(t.Mode)
	}
	if idx := t.ColumnIndex(name); idx >= 0 {
		return row.Values[idx]
	}
	return nil
}

// VisitCount returns the number of distinct visits with at least one row.
func (t *Table) VisitCount() int {
	seen := make(map[int64]struct{})
	for _, r := range t.Rows {
		seen[r.VisitID] = struct{}{}
	}
	return len(seen)
}

// Rename applies an exact-match mapping from current to new column names.
// Names absent from the mapping are kept.
func (t *Table) Rename(mapping map[string]string) error {
	renamed := make([]Column, len(t.Columns))
	seen := make(map[string]bool, len(t.Columns))
	for i, c := range t.Columns {
		if to, ok := mapping[c.Name]; ok {
			c.Name = to
		}
		if c.Name == "" || reservedColumn(c.Name) {
			return invalidf("column name %q is not allowed", c.Name)
		}
		if seen[c.Name] {
			return invalidf("duplicate column name %q", c.Name)
		}
		seen[c.Name] = true
		renamed[i] = c
	}
	t.Columns = renamed
	return nil
}

// Records renders rows as maps keyed by column name, absent cells omitted.
func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, len(t.Rows))
	for i, row := range t.Rows {
		rec := map[string]any{
			ColumnVisit:  row.VisitID,
			ColumnPerson: row.PersonID,
			ColumnTime:   row.Time.Value(t.Mode),
		}
		for j, c := range t.Columns {
			if row.Values[j] != nil {
				rec[c.Name] = row.Values[j]
			}
		}
		out[i] = rec
	}
	return out
}

func (t *Table) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Mode    string           `json:"mode"`
		Columns []Column         `json:"columns"`
		Rows    []map[string]any `json:"rows"`
	}{
		Mode:    t.Mode.String(),
		Columns: t.Columns,
		Rows:    t.Records(),
	})
}

// String is a compact summary for logs.
func (t *Table) String() string {
	return fmt.Sprintf("table(mode=%s, columns=%d, rows=%d)", t.Mode, len(t.Columns), t.Len())
}
