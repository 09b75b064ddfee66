package extract

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/synaptica-ai/omopwide/pkg/cdm"
)

// Reducer collapses the values that fall into one bucket. It receives at
// least one value, all of the same Go type (float64, string, int64 or
// time.Time), in event time order, and must return one value of that type.
type Reducer interface {
	Reduce(values []any) (any, error)
}

type ReducerFunc func(values []any) (any, error)

func (f ReducerFunc) Reduce(values []any) (any, error) {
	return f(values)
}

var (
	First  Reducer = ReducerFunc(func(v []any) (any, error) { return v[0], nil })
	Last   Reducer = ReducerFunc(func(v []any) (any, error) { return v[len(v)-1], nil })
	Min    Reducer = ReducerFunc(func(v []any) (any, error) { return extreme(v, -1) })
	Max    Reducer = ReducerFunc(func(v []any) (any, error) { return extreme(v, 1) })
	Mean   Reducer = ReducerFunc(mean)
	Median Reducer = ReducerFunc(median)
	Sum    Reducer = ReducerFunc(sum)
)

var namedReducers = map[string]Reducer{
	"first":  First,
	"last":   Last,
	"min":    Min,
	"max":    Max,
	"mean":   Mean,
	"median": Median,
	"sum":    Sum,
}

// LookupReducer returns a built-in reducer by name. The empty name is First.
func LookupReducer(name string) (Reducer, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return First, nil
	}
	if r, ok := namedReducers[key]; ok {
		return r, nil
	}
	return nil, invalidf("unknown reducer %q", name)
}

func ReducerNames() []string {
	names := make([]string, 0, len(namedReducers))
	for name := range namedReducers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func compareValues(a, b any) (int, error) {
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y), nil
		}
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y), nil
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), nil
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func extreme(values []any, sign int) (any, error) {
	best := values[0]
	for _, v := range values[1:] {
		c, err := compareValues(v, best)
		if err != nil {
			return nil, err
		}
		if c*sign > 0 {
			best = v
		}
	}
	return best, nil
}

func numbers(name string, values []any) ([]float64, error) {
	out := make([]float64, len(values))
	for i, v := range values {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%s needs numeric values, got %T", name, v)
		}
		out[i] = f
	}
	return out, nil
}

func sum(values []any) (any, error) {
	nums, err := numbers("sum", values)
	if err != nil {
		return nil, err
	}
	total := 0.0
	for _, n := range nums {
		total += n
	}
	return total, nil
}

func mean(values []any) (any, error) {
	total, err := sum(values)
	if err != nil {
		return nil, fmt.Errorf("mean: %w", err)
	}
	return total.(float64) / float64(len(values)), nil
}

func median(values []any) (any, error) {
	nums, err := numbers("median", values)
	if err != nil {
		return nil, err
	}
	slices.Sort(nums)
	mid := len(nums) / 2
	if len(nums)%2 == 1 {
		return nums[mid], nil
	}
	return (nums[mid-1] + nums[mid]) / 2, nil
}

// point is one reduced cell of a concept series.
type point struct {
	bucket Bucket
	value  any
}

// reduceConcept turns one concept's events within one visit into a series
// with at most one point per bucket, ordered by bucket.
func reduceConcept(visit cdm.Visit, events []cdm.Event, axis TimeAxis, col cdm.ValueColumn, reducer Reducer) ([]point, error) {
	type stamped struct {
		at     time.Time
		source cdm.Source
		id     int64
		bucket Bucket
		value  any
	}

	kept := make([]stamped, 0, len(events))
	for _, e := range events {
		bucket, keep, err := axis.Bucket(visit, e.Datetime)
		if err != nil {
			return nil, fmt.Errorf("concept %d: %w", e.ConceptID, err)
		}
		if !keep {
			continue
		}
		value := e.Value(col)
		if value == nil {
			continue
		}
		kept = append(kept, stamped{at: *e.Datetime, source: e.Source, id: e.EventID, bucket: bucket, value: value})
	}
	if len(kept) == 0 {
		return nil, nil
	}

	// Ties on datetime fall back to source table, then row id.
	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		if a.source != b.source {
			return a.source < b.source
		}
		return a.id < b.id
	})

	var order []Bucket
	groups := make(map[Bucket][]any)
	for _, s := range kept {
		if _, seen := groups[s.bucket]; !seen {
			order = append(order, s.bucket)
		}
		groups[s.bucket] = append(groups[s.bucket], s.value)
	}

	series := make([]point, 0, len(order))
	for _, b := range order {
		values := groups[b]
		if !axis.Rounds() {
			series = append(series, point{bucket: b, value: values[0]})
			continue
		}
		out, err := reducer.Reduce(values)
		if err != nil {
			return nil, fmt.Errorf("reduce visit %d: %w", visit.VisitID, err)
		}
		if out == nil || reflect.TypeOf(out) != reflect.TypeOf(values[0]) {
			return nil, fmt.Errorf("reduce visit %d: reducer returned %T for %T values", visit.VisitID, out, values[0])
		}
		series = append(series, point{bucket: b, value: out})
	}

	sort.Slice(series, func(i, j int) bool { return series[i].bucket.Compare(series[j].bucket) < 0 })
	return series, nil
}
