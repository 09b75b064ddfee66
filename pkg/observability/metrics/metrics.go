package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

var (
	extractionsTotal    atomic.Int64
	extractionsFailed   atomic.Int64
	extractedRowsTotal  atomic.Int64
	extractedEvents     atomic.Int64
	extractedVisits     atomic.Int64
	lastDurationMillis  atomic.Int64
	jobsRunning         atomic.Int64
	featureMaterialized atomic.Int64
)

// ObserveExtraction records one completed extraction call.
func ObserveExtraction(rows, visits, events int, elapsed time.Duration) {
	extractionsTotal.Add(1)
	extractedRowsTotal.Add(int64(rows))
	extractedVisits.Add(int64(visits))
	extractedEvents.Add(int64(events))
	lastDurationMillis.Store(elapsed.Milliseconds())
}

func ObserveExtractionFailure() {
	extractionsFailed.Add(1)
}

func JobStarted()  { jobsRunning.Add(1) }
func JobFinished() { jobsRunning.Add(-1) }

func ObserveMaterialized(visits int) {
	featureMaterialized.Add(int64(visits))
}

type sample struct {
	name, help, kind string
	value            int64
}

func snapshot() []sample {
	return []sample{
		{"omopwide_extractions_total", "Number of completed extractions.", "counter", extractionsTotal.Load()},
		{"omopwide_extractions_failed_total", "Number of extractions that ended in an error.", "counter", extractionsFailed.Load()},
		{"omopwide_extracted_rows_total", "Wide-table rows produced.", "counter", extractedRowsTotal.Load()},
		{"omopwide_extracted_visits_total", "Visits processed.", "counter", extractedVisits.Load()},
		{"omopwide_extracted_events_total", "Source events fetched from the CDM.", "counter", extractedEvents.Load()},
		{"omopwide_last_extraction_duration_ms", "Wall time of the latest extraction in milliseconds.", "gauge", lastDurationMillis.Load()},
		{"omopwide_jobs_running", "Extraction jobs currently executing.", "gauge", jobsRunning.Load()},
		{"omopwide_feature_visits_materialized_total", "Visits pushed to the feature cache.", "counter", featureMaterialized.Load()},
	}
}

func writeText(w io.Writer) {
	for _, s := range snapshot() {
		fmt.Fprintf(w, "# HELP %s %s\n", s.name, s.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind)
		fmt.Fprintf(w, "%s %d\n", s.name, s.value)
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeText(w)
}
