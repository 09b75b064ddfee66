package cdm

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// SQLStore reads a CDM through database/sql. It is used for DuckDB files,
// whose driver has no gorm dialect.
type SQLStore struct {
	db             *sql.DB
	schema         string
	datetimeValues bool
}

func NewSQLStore(db *sql.DB, schema string, datetimeValues bool) (*SQLStore, error) {
	if err := validateSchema(schema); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, schema: schema, datetimeValues: datetimeValues}, nil
}

func (s *SQLStore) Visits(ctx context.Context, visitIDs []int64) ([]Visit, error) {
	query := "SELECT visit_occurrence_id, person_id, visit_start_datetime FROM " + qualify(s.schema, "visit_occurrence")

	var rows []visitRow
	scan := func(q string, args []any) error {
		res, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("query visits: %w", err)
		}
		defer res.Close()
		for res.Next() {
			var r visitRow
			var start sql.NullTime
			if err := res.Scan(&r.VisitOccurrenceID, &r.PersonID, &start); err != nil {
				return err
			}
			if start.Valid {
				t := start.Time
				r.VisitStartDatetime = &t
			}
			rows = append(rows, r)
		}
		return res.Err()
	}

	if len(visitIDs) == 0 {
		if err := scan(query, nil); err != nil {
			return nil, err
		}
	} else {
		err := inBatches(visitIDs, func(batch []int64) error {
			return scan(query+" WHERE visit_occurrence_id IN ("+placeholders(len(batch))+")", int64Args(batch))
		})
		if err != nil {
			return nil, err
		}
	}
	sortVisitRows(rows)

	visits := make([]Visit, len(rows))
	for i, r := range rows {
		visits[i] = r.toVisit()
	}
	return visits, nil
}

func (s *SQLStore) Observations(ctx context.Context, concepts []int64, visitIDs []int64) ([]Event, error) {
	return s.events(ctx, observationTable, concepts, visitIDs)
}

func (s *SQLStore) Measurements(ctx context.Context, concepts []int64, visitIDs []int64) ([]Event, error) {
	return s.events(ctx, measurementTable, concepts, visitIDs)
}

func (s *SQLStore) events(ctx context.Context, src sourceTable, concepts []int64, visitIDs []int64) ([]Event, error) {
	if len(concepts) == 0 || len(visitIDs) == 0 {
		return nil, nil
	}
	withDatetime := s.datetimeValues && src.hasDatetime

	var events []Event
	err := inBatches(visitIDs, func(batch []int64) error {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s) AND visit_occurrence_id IN (%s) ORDER BY %s",
			src.selectList(s.datetimeValues),
			qualify(s.schema, src.table),
			src.conceptCol,
			placeholders(len(concepts)),
			placeholders(len(batch)),
			src.orderBy(),
		)
		args := append(int64Args(concepts), int64Args(batch)...)

		res, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query %s: %w", src.table, err)
		}
		defer res.Close()

		for res.Next() {
			var (
				r        eventRow
				at       sql.NullTime
				number   sql.NullFloat64
				str      sql.NullString
				coded    sql.NullInt64
				valueAt  sql.NullTime
				scanArgs = []any{&r.EventID, &r.PersonID, &r.VisitOccurrenceID, &at, &r.ConceptID, &number, &str, &coded}
			)
			if withDatetime {
				scanArgs = append(scanArgs, &valueAt)
			}
			if err := res.Scan(scanArgs...); err != nil {
				return err
			}
			if at.Valid {
				r.Datetime = &at.Time
			}
			if number.Valid {
				r.ValueAsNumber = &number.Float64
			}
			if str.Valid {
				r.ValueAsString = &str.String
			}
			if coded.Valid {
				r.ValueAsConceptID = &coded.Int64
			}
			if valueAt.Valid {
				r.ValueAsDatetime = &valueAt.Time
			}
			events = append(events, r.toEvent(src.source))
		}
		return res.Err()
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func sortVisitRows(rows []visitRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].VisitOccurrenceID < rows[j].VisitOccurrenceID
	})
}
