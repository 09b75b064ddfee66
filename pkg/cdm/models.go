// Package cdm reads visits and clinical events from an OMOP common data
// model database.
package cdm

import (
	"fmt"
	"strings"
	"time"
)

// Source is the CDM table an event was read from.
type Source string

const (
	SourceObservation Source = "observation"
	SourceMeasurement Source = "measurement"
)

// ValueColumn names the event column that carries a concept's payload.
type ValueColumn string

const (
	ValueNumber   ValueColumn = "value_as_number"
	ValueString   ValueColumn = "value_as_string"
	ValueConcept  ValueColumn = "value_as_concept_id"
	ValueDatetime ValueColumn = "value_as_datetime"
)

func ParseValueColumn(name string) (ValueColumn, error) {
	col := ValueColumn(strings.ToLower(strings.TrimSpace(name)))
	switch col {
	case ValueNumber, ValueString, ValueConcept, ValueDatetime:
		return col, nil
	}
	return "", fmt.Errorf("unsupported value column %q", name)
}

// Visit is one visit_occurrence row. Start is nil when the CDM has no
// visit_start_datetime for it.
type Visit struct {
	VisitID  int64      `json:"visit_occurrence_id"`
	PersonID int64      `json:"person_id"`
	Start    *time.Time `json:"visit_start_datetime,omitempty"`
}

// Event is an observation or measurement row projected onto the columns
// shared by both tables. Nil pointers are SQL NULLs. EventID is the row's
// observation_id or measurement_id and orders events charted at the same
// instant.
type Event struct {
	EventID   int64
	PersonID  int64
	VisitID   int64
	Datetime  *time.Time
	ConceptID int64
	Source    Source

	Number        *float64
	String        *string
	Concept       *int64
	DatetimeValue *time.Time
}

// Value returns the payload held in col, or nil when that column is NULL.
// Datetimes are normalized to UTC.
func (e Event) Value(col ValueColumn) any {
	switch col {
	case ValueNumber:
		if e.Number != nil {
			return *e.Number
		}
	case ValueString:
		if e.String != nil {
			return *e.String
		}
	case ValueConcept:
		if e.Concept != nil {
			return *e.Concept
		}
	case ValueDatetime:
		if e.DatetimeValue != nil {
			return e.DatetimeValue.UTC()
		}
	}
	return nil
}
