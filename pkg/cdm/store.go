package cdm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Store is the read-only view of the CDM used by the extraction pipeline.
// A nil or empty visitIDs slice passed to Visits selects every visit.
type Store interface {
	Visits(ctx context.Context, visitIDs []int64) ([]Visit, error)
	Observations(ctx context.Context, concepts []int64, visitIDs []int64) ([]Event, error)
	Measurements(ctx context.Context, concepts []int64, visitIDs []int64) ([]Event, error)
}

// maxInList bounds the number of bind parameters in a single IN clause.
const maxInList = 10000

var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateSchema(schema string) error {
	if schema == "" || identifierRegex.MatchString(schema) {
		return nil
	}
	return fmt.Errorf("invalid cdm schema name %q", schema)
}

func qualify(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

// sourceTable describes how one event table maps onto Event.
type sourceTable struct {
	source      Source
	table       string
	idCol       string
	datetimeCol string
	conceptCol  string
	stringCol   string
	hasDatetime bool
}

var (
	observationTable = sourceTable{
		source:      SourceObservation,
		table:       "observation",
		idCol:       "observation_id",
		datetimeCol: "observation_datetime",
		conceptCol:  "observation_concept_id",
		stringCol:   "value_as_string",
		hasDatetime: true,
	}
	measurementTable = sourceTable{
		source:      SourceMeasurement,
		table:       "measurement",
		idCol:       "measurement_id",
		datetimeCol: "measurement_datetime",
		conceptCol:  "measurement_concept_id",
		stringCol:   "value_source_value",
	}
)

// selectList renames the source specific columns to the canonical names.
func (t sourceTable) selectList(datetimeValues bool) string {
	cols := []string{
		t.idCol + " AS event_id",
		"person_id",
		"visit_occurrence_id",
		t.datetimeCol + " AS datetime",
		t.conceptCol + " AS concept_id",
		"value_as_number",
		t.stringCol + " AS value_as_string",
		"value_as_concept_id",
	}
	if datetimeValues && t.hasDatetime {
		cols = append(cols, "value_as_datetime")
	}
	return strings.Join(cols, ", ")
}

// orderBy makes event order independent of the database's scan order.
func (t sourceTable) orderBy() string {
	return t.datetimeCol + ", " + t.idCol
}

func inBatches(ids []int64, fn func(batch []int64) error) error {
	for start := 0; start < len(ids); start += maxInList {
		end := min(start+maxInList, len(ids))
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}
