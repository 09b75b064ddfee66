package extract

import (
	"math"
	"time"
)

// maxGridPoints bounds the scaffold of a single visit.
const maxGridPoints = 5_000_000

// Regularize expands every visit of t onto a gap-free time grid with the
// given cadence (hours) and left-joins the original rows onto it. Grid
// points without data get rows whose values are all nil; original rows that
// do not sit on the grid are dropped.
//
// In elapsed mode the grid runs from min(first time, 0) to max(last time, 0);
// in timestamp mode it runs from the first to the last timestamp.
func Regularize(t *Table, cadence float64) (*Table, error) {
	if t == nil {
		return nil, invalidf("regularize needs a table")
	}
	if math.IsNaN(cadence) || math.IsInf(cadence, 0) || cadence <= 0 {
		return nil, invalidf("regularize cadence must be a positive number, got %v", cadence)
	}
	out := &Table{Mode: t.Mode, Columns: append([]Column(nil), t.Columns...)}

	for _, visit := range groupVisits(t.Rows) {
		first, last := visit[0].Time, visit[0].Time
		byKey := make(map[int64][]Row, len(visit))
		for _, r := range visit {
			k := gridKey(t.Mode, r.Time)
			byKey[k] = append(byKey[k], r)
			if r.Time.Compare(first) < 0 {
				first = r.Time
			}
			if r.Time.Compare(last) > 0 {
				last = r.Time
			}
		}

		grid, err := buildGrid(t.Mode, first, last, cadence)
		if err != nil {
			return nil, err
		}
		for _, b := range grid {
			if matches, ok := byKey[gridKey(t.Mode, b)]; ok {
				for _, m := range matches {
					m.Values = append([]any(nil), m.Values...)
					out.Rows = append(out.Rows, m)
				}
				continue
			}
			out.Rows = append(out.Rows, Row{
				VisitID:  visit[0].VisitID,
				PersonID: visit[0].PersonID,
				Time:     b,
				Values:   make([]any, len(t.Columns)),
			})
		}
	}
	return out, nil
}

// groupVisits collects the rows of each visit, in order of each visit's
// first row. Rows of one visit need not be contiguous.
func groupVisits(rows []Row) [][]Row {
	index := make(map[int64]int)
	var out [][]Row
	for _, r := range rows {
		i, ok := index[r.VisitID]
		if !ok {
			i = len(out)
			index[r.VisitID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], r)
	}
	return out
}

func buildGrid(mode Mode, first, last Bucket, cadence float64) ([]Bucket, error) {
	if mode == TimestampMode {
		step := time.Duration(cadence * float64(time.Hour))
		if step <= 0 {
			return nil, invalidf("regularize cadence %v is below the clock resolution", cadence)
		}
		n := int64(last.At.Sub(first.At) / step)
		if n+1 > maxGridPoints {
			return nil, invalidf("regularize grid of %d points exceeds %d", n+1, maxGridPoints)
		}
		grid := make([]Bucket, 0, n+1)
		for i := int64(0); i <= n; i++ {
			grid = append(grid, Bucket{At: first.At.Add(time.Duration(i) * step)})
		}
		return grid, nil
	}

	lo := math.Min(first.Hours, 0)
	hi := math.Max(last.Hours, 0)
	n := int64(math.Floor((hi-lo)/cadence + 1e-9))
	if n+1 > maxGridPoints {
		return nil, invalidf("regularize grid of %d points exceeds %d", n+1, maxGridPoints)
	}
	grid := make([]Bucket, 0, n+1)
	for i := int64(0); i <= n; i++ {
		grid = append(grid, Bucket{Hours: lo + float64(i)*cadence})
	}
	return grid, nil
}

// gridKey identifies a bucket for joining, tolerating float noise in hours.
func gridKey(mode Mode, b Bucket) int64 {
	if mode == TimestampMode {
		return b.At.UnixNano()
	}
	return int64(math.Round(b.Hours * 1e6))
}
