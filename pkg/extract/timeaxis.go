package extract

import (
	"fmt"
	"math"
	"time"

	"github.com/synaptica-ai/omopwide/pkg/cdm"
)

// Mode selects how the time coordinate of a row is derived.
type Mode int

const (
	// ElapsedMode measures hours since the visit started.
	ElapsedMode Mode = iota
	// TimestampMode keeps the absolute event time.
	TimestampMode
)

func (m Mode) String() string {
	if m == TimestampMode {
		return "timestamp"
	}
	return "elapsed"
}

// Bucket is a row's time coordinate: Hours in ElapsedMode, At in TimestampMode.
// At is always UTC so buckets compare with ==.
type Bucket struct {
	Hours float64
	At    time.Time
}

func (b Bucket) Compare(o Bucket) int {
	if c := b.At.Compare(o.At); c != 0 {
		return c
	}
	switch {
	case b.Hours < o.Hours:
		return -1
	case b.Hours > o.Hours:
		return 1
	}
	return 0
}

// Value is the bucket as it appears in the time column.
func (b Bucket) Value(mode Mode) any {
	if mode == TimestampMode {
		return b.At
	}
	return b.Hours
}

// TimeAxis maps event datetimes to buckets.
type TimeAxis struct {
	Mode    Mode
	Cadence float64
	// DropBeforeStart discards events earlier than the visit start.
	DropBeforeStart bool
}

func NewTimeAxis(cadence float64, useTimestamp bool) (TimeAxis, error) {
	if math.IsNaN(cadence) || math.IsInf(cadence, 0) || cadence < 0 {
		return TimeAxis{}, invalidf("cadence must be a non-negative number, got %v", cadence)
	}
	if useTimestamp {
		if cadence != 0 && cadence != 1 {
			return TimeAxis{}, invalidf("cadence must be 0 or 1 when using timestamps, got %v", cadence)
		}
		return TimeAxis{Mode: TimestampMode, Cadence: cadence}, nil
	}
	return TimeAxis{Mode: ElapsedMode, Cadence: cadence}, nil
}

// Rounds reports whether several events can share a bucket and therefore
// need a reducer.
func (a TimeAxis) Rounds() bool {
	return a.Cadence > 0
}

// Bucket returns the bucket of an event at time at within visit. keep is
// false when the event is dropped by DropBeforeStart.
func (a TimeAxis) Bucket(visit cdm.Visit, at *time.Time) (b Bucket, keep bool, err error) {
	if at == nil {
		return Bucket{}, false, fmt.Errorf("visit %d: %w", visit.VisitID, ErrMissingTimestamp)
	}
	if a.DropBeforeStart && visit.Start != nil && at.Before(*visit.Start) {
		return Bucket{}, false, nil
	}

	if a.Mode == TimestampMode {
		t := at.UTC()
		if a.Rounds() {
			t = t.Round(time.Hour)
		}
		return Bucket{At: t}, true, nil
	}

	if visit.Start == nil {
		return Bucket{}, false, fmt.Errorf("visit %d: %w", visit.VisitID, ErrMissingVisitStart)
	}
	hours := at.Sub(*visit.Start).Hours()
	return Bucket{Hours: roundToMultiple(hours, a.Cadence)}, true, nil
}

// roundToMultiple rounds x to the nearest multiple of m, halves rounding up.
// m == 0 leaves x unchanged.
func roundToMultiple(x, m float64) float64 {
	if m == 0 {
		return x
	}
	return math.Floor(x/m+0.5) * m
}
