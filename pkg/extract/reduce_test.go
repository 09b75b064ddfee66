package extract

import (
	"testing"
	"time"

	"github.com/synaptica-ai/omopwide/pkg/cdm"
)

func num(v float64) *float64 { return &v }

func TestBuiltinReducers(t *testing.T) {
	values := []any{5.0, 3.0, 8.0, 4.0}
	cases := map[string]any{
		"first":  5.0,
		"last":   4.0,
		"min":    3.0,
		"max":    8.0,
		"sum":    20.0,
		"mean":   5.0,
		"median": 4.5,
	}
	for name, want := range cases {
		r, err := LookupReducer(name)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		got, err := r.Reduce(values)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if got != want {
			t.Fatalf("%s: expected %v, got %v", name, want, got)
		}
	}
}

func TestMinWorksOnStringsAndTimes(t *testing.T) {
	got, err := Min.Reduce([]any{"b", "a", "c"})
	if err != nil || got != "a" {
		t.Fatalf("expected a, got %v (%v)", got, err)
	}
	early := admission
	late := admission.Add(time.Hour)
	got, err = Max.Reduce([]any{early, late})
	if err != nil || !got.(time.Time).Equal(late) {
		t.Fatalf("expected late time, got %v (%v)", got, err)
	}
}

func TestNumericReducersRejectStrings(t *testing.T) {
	for _, r := range []Reducer{Mean, Median, Sum} {
		if _, err := r.Reduce([]any{"high"}); err == nil {
			t.Fatal("expected error for non numeric input")
		}
	}
}

func TestLookupReducer(t *testing.T) {
	if r, err := LookupReducer(""); err != nil || r == nil {
		t.Fatalf("expected default reducer, got %v", err)
	}
	if _, err := LookupReducer("mode"); !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if names := ReducerNames(); len(names) != 7 || names[0] != "first" {
		t.Fatalf("unexpected names %v", names)
	}
}

func measurement(concept int64, offset time.Duration, value float64) cdm.Event {
	return cdm.Event{VisitID: 1, PersonID: 9, ConceptID: concept, Datetime: at(offset), Number: num(value), Source: cdm.SourceMeasurement}
}

func TestReduceConceptAppliesReducerPerBucket(t *testing.T) {
	axis, _ := NewTimeAxis(1, false)
	visit := cdm.Visit{VisitID: 1, Start: &admission}
	events := []cdm.Event{
		measurement(10, 70*time.Minute, 8),
		measurement(10, 50*time.Minute, 5),
		measurement(10, 60*time.Minute, 3),
		measurement(10, 3*time.Hour, 1),
	}
	series, err := reduceConcept(visit, events, axis, cdm.ValueNumber, Min)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(series))
	}
	if series[0].bucket.Hours != 1 || series[0].value != 3.0 {
		t.Fatalf("unexpected first bucket %+v", series[0])
	}
	if series[1].bucket.Hours != 3 || series[1].value != 1.0 {
		t.Fatalf("unexpected second bucket %+v", series[1])
	}
}

func TestReduceConceptFirstIsChronological(t *testing.T) {
	axis, _ := NewTimeAxis(1, false)
	visit := cdm.Visit{VisitID: 1, Start: &admission}
	events := []cdm.Event{
		measurement(10, 65*time.Minute, 2),
		measurement(10, 55*time.Minute, 1),
	}
	series, err := reduceConcept(visit, events, axis, cdm.ValueNumber, First)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if series[0].value != 1.0 {
		t.Fatalf("expected earliest value, got %v", series[0].value)
	}
}

func TestReduceConceptWithoutRoundingKeepsFirstPerTimestamp(t *testing.T) {
	axis, _ := NewTimeAxis(0, false)
	visit := cdm.Visit{VisitID: 1, Start: &admission}
	events := []cdm.Event{
		measurement(10, 10*time.Minute, 7),
		measurement(10, 10*time.Minute, 9),
		measurement(10, 20*time.Minute, 4),
	}
	calls := 0
	counting := ReducerFunc(func(v []any) (any, error) {
		calls++
		return v[0], nil
	})
	series, err := reduceConcept(visit, events, axis, cdm.ValueNumber, counting)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(series) != 2 || series[0].value != 7.0 {
		t.Fatalf("unexpected series %+v", series)
	}
	if calls != 0 {
		t.Fatalf("reducer must not run without rounding, ran %d times", calls)
	}
}

func TestReduceConceptSkipsNullValues(t *testing.T) {
	axis, _ := NewTimeAxis(1, false)
	visit := cdm.Visit{VisitID: 1, Start: &admission}
	e := measurement(10, time.Hour, 1)
	e.Number = nil
	series, err := reduceConcept(visit, []cdm.Event{e}, axis, cdm.ValueNumber, First)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(series) != 0 {
		t.Fatalf("expected empty series, got %+v", series)
	}
}

func TestReduceConceptRejectsTypeChangingReducer(t *testing.T) {
	axis, _ := NewTimeAxis(1, false)
	visit := cdm.Visit{VisitID: 1, Start: &admission}
	count := ReducerFunc(func(v []any) (any, error) { return len(v), nil })
	_, err := reduceConcept(visit, []cdm.Event{measurement(10, time.Hour, 1)}, axis, cdm.ValueNumber, count)
	if err == nil {
		t.Fatal("expected error for reducer returning a different type")
	}
}

func TestReduceConceptBreaksTimestampTiesByRowID(t *testing.T) {
	visit := cdm.Visit{VisitID: 1, Start: &admission}
	later := measurement(10, 10*time.Minute, 9)
	later.EventID = 2
	earlier := measurement(10, 10*time.Minute, 7)
	earlier.EventID = 1

	for _, cadence := range []float64{0, 1} {
		axis, _ := NewTimeAxis(cadence, false)
		for _, events := range [][]cdm.Event{{later, earlier}, {earlier, later}} {
			series, err := reduceConcept(visit, events, axis, cdm.ValueNumber, First)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(series) != 1 || series[0].value != 7.0 {
				t.Fatalf("cadence %v: expected row 1 to win, got %+v", cadence, series)
			}
		}
	}
}
