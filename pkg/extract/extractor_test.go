package extract

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/synaptica-ai/omopwide/pkg/cdm"
	"github.com/synaptica-ai/omopwide/pkg/terminology"
)

const (
	heartRate = int64(100)
	pressure  = int64(200)
	rhythm    = int64(300)
)

func testCatalog(t *testing.T) *terminology.Catalog {
	t.Helper()
	cat, err := terminology.NewCatalog(
		terminology.Concept{ConceptID: heartRate, ValueColumn: cdm.ValueNumber, Label: "heart_rate"},
		terminology.Concept{ConceptID: pressure, ValueColumn: cdm.ValueNumber, Label: "mean_pressure"},
		terminology.Concept{ConceptID: rhythm, ValueColumn: cdm.ValueString, Label: "rhythm"},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

func visitAt(id int64, start time.Time) cdm.Visit {
	return cdm.Visit{VisitID: id, PersonID: id * 10, Start: &start}
}

func eventFor(visit, concept int64, when time.Time, value float64) cdm.Event {
	return cdm.Event{VisitID: visit, PersonID: visit * 10, ConceptID: concept, Datetime: &when, Number: &value, Source: cdm.SourceMeasurement}
}

func TestExtractSingleEvent(t *testing.T) {
	store := cdm.NewMemoryStore()
	store.AddVisits(visitAt(1, admission))
	store.AddEvents(eventFor(1, heartRate, admission.Add(80*time.Minute), 95))

	res, err := New(store, testCatalog(t)).Extract(context.Background(), NewRequest(heartRate))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tbl := res.Table
	if tbl.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", tbl.Len())
	}
	if got := tbl.Value(0, ColumnTime); got != 1.0 {
		t.Fatalf("expected time 1, got %v", got)
	}
	if got := tbl.Value(0, "100"); got != 95.0 {
		t.Fatalf("expected 95, got %v", got)
	}
	if got := tbl.Value(0, ColumnPerson); got != int64(10) {
		t.Fatalf("expected person 10, got %v", got)
	}
	want := []string{ColumnVisit, ColumnPerson, ColumnTime, "100"}
	if !reflect.DeepEqual(tbl.ColumnNames(), want) {
		t.Fatalf("unexpected columns %v", tbl.ColumnNames())
	}
}

func TestExtractOuterJoinsConcepts(t *testing.T) {
	store := cdm.NewMemoryStore()
	store.AddVisits(visitAt(1, admission))
	store.AddEvents(
		eventFor(1, pressure, admission.Add(5*time.Hour), 70),
		eventFor(1, heartRate, admission.Add(2*time.Hour), 88),
	)

	res, err := New(store, testCatalog(t)).Extract(context.Background(), NewRequest(heartRate, pressure))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tbl := res.Table
	if tbl.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", tbl.Len())
	}
	if tbl.Value(0, ColumnTime) != 2.0 || tbl.Value(0, "100") != 88.0 || tbl.Value(0, "200") != nil {
		t.Fatalf("unexpected first row %+v", tbl.Rows[0])
	}
	if tbl.Value(1, ColumnTime) != 5.0 || tbl.Value(1, "100") != nil || tbl.Value(1, "200") != 70.0 {
		t.Fatalf("unexpected second row %+v", tbl.Rows[1])
	}
}

func TestExtractVisitWithoutEventsHasNoRows(t *testing.T) {
	store := cdm.NewMemoryStore()
	store.AddVisits(visitAt(1, admission), visitAt(2, admission))
	store.AddEvents(eventFor(2, heartRate, admission.Add(time.Hour), 60))

	res, err := New(store, testCatalog(t)).Extract(context.Background(), NewRequest(heartRate))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range res.Table.Rows {
		if r.VisitID == 1 {
			t.Fatalf("visit 1 has no events but produced %+v", r)
		}
	}
	if res.Stats.Visits != 2 || res.Table.VisitCount() != 1 {
		t.Fatalf("unexpected stats %+v visits=%d", res.Stats, res.Table.VisitCount())
	}
}

func TestExtractMixedSourcesAndTypes(t *testing.T) {
	store := cdm.NewMemoryStore()
	store.AddVisits(visitAt(1, admission))
	when := admission.Add(3 * time.Hour)
	text := "sinus"
	store.AddEvents(
		eventFor(1, heartRate, when, 72),
		cdm.Event{VisitID: 1, PersonID: 10, ConceptID: rhythm, Datetime: &when, String: &text, Source: cdm.SourceObservation},
	)

	res, err := New(store, testCatalog(t)).Extract(context.Background(), NewRequest(heartRate, rhythm))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Table.Len() != 1 || res.Table.Value(0, "300") != "sinus" || res.Table.Value(0, "100") != 72.0 {
		t.Fatalf("unexpected table %+v", res.Table.Records())
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	store := cdm.NewMemoryStore()
	for id := int64(1); id <= 5; id++ {
		store.AddVisits(visitAt(id, admission))
		for h := 0; h < 6; h++ {
			store.AddEvents(
				eventFor(id, heartRate, admission.Add(time.Duration(h)*40*time.Minute), float64(60+h)),
				eventFor(id, pressure, admission.Add(time.Duration(h)*70*time.Minute), float64(80-h)),
			)
		}
	}
	req := NewRequest(heartRate, pressure)
	req.ChunkSize = 2
	req.Reducers = []Reducer{Mean, Max}

	first, err := New(store, testCatalog(t)).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := New(store, testCatalog(t), WithWorkers(4)).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first.Table, second.Table) {
		t.Fatal("expected identical tables across runs and worker counts")
	}
	if first.Stats.Chunks != 3 {
		t.Fatalf("expected 3 chunks, got %d", first.Stats.Chunks)
	}

	whole := req
	whole.ChunkSize = 100
	third, err := New(store, testCatalog(t)).Extract(context.Background(), whole)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first.Table, third.Table) {
		t.Fatal("chunk size must not change the table")
	}
}

func TestExtractWithoutRoundingKeepsDistinctTimestamps(t *testing.T) {
	store := cdm.NewMemoryStore()
	store.AddVisits(visitAt(1, admission))
	store.AddEvents(
		eventFor(1, heartRate, admission.Add(10*time.Minute), 1),
		eventFor(1, heartRate, admission.Add(20*time.Minute), 2),
		eventFor(1, heartRate, admission.Add(20*time.Minute), 3),
		eventFor(1, pressure, admission.Add(30*time.Minute), 4),
	)
	req := NewRequest(heartRate, pressure)
	req.Cadence = 0

	res, err := New(store, testCatalog(t)).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Table.Len() != 3 {
		t.Fatalf("expected 3 distinct timestamps, got %d", res.Table.Len())
	}
	if res.Table.Value(1, "100") != 2.0 {
		t.Fatalf("expected first value at a shared timestamp, got %v", res.Table.Value(1, "100"))
	}
}

func TestExtractTimestampMode(t *testing.T) {
	store := cdm.NewMemoryStore()
	store.AddVisits(cdm.Visit{VisitID: 1, PersonID: 10})
	store.AddEvents(eventFor(1, heartRate, admission.Add(95*time.Minute), 80))
	req := NewRequest(heartRate)
	req.UseTimestamp = true

	res, err := New(store, testCatalog(t)).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := res.Table.Value(0, ColumnTime).(time.Time)
	if !ok || !got.Equal(admission.Add(2*time.Hour)) {
		t.Fatalf("expected rounded timestamp, got %v", res.Table.Value(0, ColumnTime))
	}
	if res.Table.Mode != TimestampMode {
		t.Fatalf("expected timestamp mode, got %s", res.Table.Mode)
	}
}

func TestExtractAppliesLabels(t *testing.T) {
	store := cdm.NewMemoryStore()
	store.AddVisits(visitAt(1, admission))
	store.AddEvents(eventFor(1, heartRate, admission, 70))
	req := NewRequest(heartRate, pressure)
	req.Labels = []string{"hr", "map"}

	res, err := New(store, testCatalog(t)).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Table.ColumnIndex("hr") != 0 || res.Table.ColumnIndex("map") != 1 {
		t.Fatalf("labels not applied: %v", res.Table.ColumnNames())
	}
	if res.Table.Value(0, "hr") != 70.0 {
		t.Fatalf("expected 70 under hr, got %v", res.Table.Value(0, "hr"))
	}
}

func TestExtractValidationHappensBeforeIO(t *testing.T) {
	cases := map[string]Request{
		"no concepts":       NewRequest(),
		"duplicate concept": NewRequest(heartRate, heartRate),
		"zero chunk":        {Concepts: []int64{heartRate}, ChunkSize: 0, Cadence: 1},
		"negative cadence":  {Concepts: []int64{heartRate}, ChunkSize: 10, Cadence: -1},
		"timestamp cadence": {Concepts: []int64{heartRate}, ChunkSize: 10, Cadence: 2, UseTimestamp: true},
		"label count":       {Concepts: []int64{heartRate, pressure}, Labels: []string{"hr"}, ChunkSize: 10, Cadence: 1},
		"reducer count":     {Concepts: []int64{heartRate}, Reducers: []Reducer{Min, Max}, ChunkSize: 10, Cadence: 1},
		"duplicate label":   {Concepts: []int64{heartRate, pressure}, Labels: []string{"x", "x"}, ChunkSize: 10, Cadence: 1},
		"reserved label":    {Concepts: []int64{heartRate}, Labels: []string{"time"}, ChunkSize: 10, Cadence: 1},
		"blank label":       {Concepts: []int64{heartRate}, Labels: []string{" "}, ChunkSize: 10, Cadence: 1},
		"unknown concept":   NewRequest(999),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			store := cdm.NewMemoryStore()
			_, err := New(store, testCatalog(t)).Extract(context.Background(), req)
			if !IsValidationError(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if store.Queries() != 0 {
				t.Fatalf("expected no store queries, got %d", store.Queries())
			}
		})
	}
}

func TestExtractUnknownConceptWrapsSentinel(t *testing.T) {
	_, err := New(cdm.NewMemoryStore(), testCatalog(t)).Extract(context.Background(), NewRequest(heartRate, 999))
	if !errors.Is(err, terminology.ErrUnknownConcept) {
		t.Fatalf("expected ErrUnknownConcept, got %v", err)
	}
}

func TestExtractMissingDatetimeIsFatal(t *testing.T) {
	store := cdm.NewMemoryStore()
	store.AddVisits(visitAt(1, admission))
	v := 1.0
	store.AddEvents(cdm.Event{VisitID: 1, PersonID: 10, ConceptID: heartRate, Number: &v, Source: cdm.SourceMeasurement})

	res, err := New(store, testCatalog(t)).Extract(context.Background(), NewRequest(heartRate))
	if !errors.Is(err, ErrMissingTimestamp) {
		t.Fatalf("expected ErrMissingTimestamp, got %v", err)
	}
	if res != nil {
		t.Fatal("expected no partial result")
	}
}

func TestExtractMissingVisitStartIsFatal(t *testing.T) {
	store := cdm.NewMemoryStore()
	store.AddVisits(cdm.Visit{VisitID: 1, PersonID: 10})
	store.AddEvents(eventFor(1, heartRate, admission, 1))

	_, err := New(store, testCatalog(t)).Extract(context.Background(), NewRequest(heartRate))
	if !errors.Is(err, ErrMissingVisitStart) {
		t.Fatalf("expected ErrMissingVisitStart, got %v", err)
	}
}

func TestExtractPropagatesStoreErrors(t *testing.T) {
	store := cdm.NewMemoryStore()
	store.AddVisits(visitAt(1, admission))
	boom := errors.New("connection reset")
	store.FailWith(boom)

	_, err := New(store, testCatalog(t)).Extract(context.Background(), NewRequest(heartRate))
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestExtractHonoursCancellation(t *testing.T) {
	store := cdm.NewMemoryStore()
	store.AddVisits(visitAt(1, admission))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(store, testCatalog(t)).Extract(ctx, NewRequest(heartRate))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExtractReportsProgress(t *testing.T) {
	store := cdm.NewMemoryStore()
	for id := int64(1); id <= 5; id++ {
		store.AddVisits(visitAt(id, admission))
	}
	var calls [][2]int
	req := NewRequest(heartRate)
	req.ChunkSize = 2

	_, err := New(store, testCatalog(t), WithProgress(func(done, total int) {
		calls = append(calls, [2]int{done, total})
	})).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := [][2]int{{1, 3}, {2, 3}, {3, 3}}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
}

func TestExtractRestrictsToRequestedVisits(t *testing.T) {
	store := cdm.NewMemoryStore()
	store.AddVisits(visitAt(1, admission), visitAt(2, admission))
	store.AddEvents(
		eventFor(1, heartRate, admission, 1),
		eventFor(2, heartRate, admission, 2),
	)
	req := NewRequest(heartRate)
	req.VisitIDs = []int64{2}

	res, err := New(store, testCatalog(t)).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Table.Len() != 1 || res.Table.Rows[0].VisitID != 2 {
		t.Fatalf("unexpected rows %+v", res.Table.Rows)
	}
}

func TestExtractDuplicateChartingIsOrderIndependent(t *testing.T) {
	when := admission.Add(30 * time.Minute)
	second := eventFor(1, heartRate, when, 120)
	second.EventID = 20
	first := eventFor(1, heartRate, when, 80)
	first.EventID = 10

	var got []any
	for _, events := range [][]cdm.Event{{second, first}, {first, second}} {
		store := cdm.NewMemoryStore()
		store.AddVisits(visitAt(1, admission))
		store.AddEvents(events...)
		req := NewRequest(heartRate)
		req.Cadence = 0
		res, err := New(store, testCatalog(t)).Extract(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Table.Len() != 1 {
			t.Fatalf("expected one row, got %d", res.Table.Len())
		}
		got = append(got, res.Table.Value(0, "100"))
	}
	if got[0] != 80.0 || got[1] != 80.0 {
		t.Fatalf("expected the lower row id to win in both orders, got %v", got)
	}
}
