package cdm

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type visitRow struct {
	VisitOccurrenceID  int64      `gorm:"column:visit_occurrence_id"`
	PersonID           int64      `gorm:"column:person_id"`
	VisitStartDatetime *time.Time `gorm:"column:visit_start_datetime"`
}

func (r visitRow) toVisit() Visit {
	return Visit{VisitID: r.VisitOccurrenceID, PersonID: r.PersonID, Start: r.VisitStartDatetime}
}

type eventRow struct {
	EventID           int64      `gorm:"column:event_id"`
	PersonID          int64      `gorm:"column:person_id"`
	VisitOccurrenceID int64      `gorm:"column:visit_occurrence_id"`
	Datetime          *time.Time `gorm:"column:datetime"`
	ConceptID         int64      `gorm:"column:concept_id"`
	ValueAsNumber     *float64   `gorm:"column:value_as_number"`
	ValueAsString     *string    `gorm:"column:value_as_string"`
	ValueAsConceptID  *int64     `gorm:"column:value_as_concept_id"`
	ValueAsDatetime   *time.Time `gorm:"column:value_as_datetime"`
}

func (r eventRow) toEvent(source Source) Event {
	return Event{
		EventID:       r.EventID,
		PersonID:      r.PersonID,
		VisitID:       r.VisitOccurrenceID,
		Datetime:      r.Datetime,
		ConceptID:     r.ConceptID,
		Source:        source,
		Number:        r.ValueAsNumber,
		String:        r.ValueAsString,
		Concept:       r.ValueAsConceptID,
		DatetimeValue: r.ValueAsDatetime,
	}
}

// GormStore reads a CDM schema through gorm, normally on PostgreSQL.
type GormStore struct {
	db             *gorm.DB
	schema         string
	datetimeValues bool
}

type GormOption func(*GormStore)

// WithDatetimeValues also selects observation.value_as_datetime, which only
// exists in CDM 5.4 and later.
func WithDatetimeValues(enabled bool) GormOption {
	return func(s *GormStore) {
		s.datetimeValues = enabled
	}
}

func NewGormStore(db *gorm.DB, schema string, opts ...GormOption) (*GormStore, error) {
	if err := validateSchema(schema); err != nil {
		return nil, err
	}
	store := &GormStore{db: db, schema: schema}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *GormStore) Visits(ctx context.Context, visitIDs []int64) ([]Visit, error) {
	base := func() *gorm.DB {
		return s.db.WithContext(ctx).
			Table(qualify(s.schema, "visit_occurrence")).
			Select("visit_occurrence_id, person_id, visit_start_datetime").
			Order("visit_occurrence_id")
	}

	var rows []visitRow
	if len(visitIDs) == 0 {
		if err := base().Scan(&rows).Error; err != nil {
			return nil, err
		}
	} else {
		err := inBatches(visitIDs, func(batch []int64) error {
			var part []visitRow
			if err := base().Where("visit_occurrence_id IN ?", batch).Scan(&part).Error; err != nil {
				return err
			}
			rows = append(rows, part...)
			return nil
		})
		if err != nil {
			return nil, err
		}
		sortVisitRows(rows)
	}

	visits := make([]Visit, len(rows))
	for i, r := range rows {
		visits[i] = r.toVisit()
	}
	return visits, nil
}

func (s *GormStore) Observations(ctx context.Context, concepts []int64, visitIDs []int64) ([]Event, error) {
	return s.events(ctx, observationTable, concepts, visitIDs)
}

func (s *GormStore) Measurements(ctx context.Context, concepts []int64, visitIDs []int64) ([]Event, error) {
	return s.events(ctx, measurementTable, concepts, visitIDs)
}

func (s *GormStore) events(ctx context.Context, src sourceTable, concepts []int64, visitIDs []int64) ([]Event, error) {
	if len(concepts) == 0 || len(visitIDs) == 0 {
		return nil, nil
	}
	var events []Event
	err := inBatches(visitIDs, func(batch []int64) error {
		var rows []eventRow
		err := s.db.WithContext(ctx).
			Table(qualify(s.schema, src.table)).
			Select(src.selectList(s.datetimeValues)).
			Where(src.conceptCol+" IN ?", concepts).
			Where("visit_occurrence_id IN ?", batch).
			Order(src.orderBy()).
			Scan(&rows).Error
		if err != nil {
			return err
		}
		for _, r := range rows {
			events = append(events, r.toEvent(src.source))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
